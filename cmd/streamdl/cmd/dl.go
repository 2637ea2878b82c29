package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/streamdl/internal/config"
	"github.com/jmylchreest/streamdl/internal/downloader"
	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/pipeline"
	"github.com/jmylchreest/streamdl/internal/service"
	"github.com/jmylchreest/streamdl/internal/tools"
	"github.com/jmylchreest/streamdl/internal/vault"
)

var dlFlags struct {
	quality    int
	vcodec     string
	vbitrate   string
	rangeFlag  string
	acodec     string
	abitrate   int
	alang      []string
	slang      []string
	channels   string
	maxCompat  bool
	atmos      bool
	audioDesc  bool
	audioOnly  bool
	subsOnly   bool
	chapsOnly  bool
	hybrid     bool
	noMux      bool
	stripSDH   bool
	proxy      string
	noProxy    bool
	keysOnly   bool
	listOnly   bool
	wanted     string
	noCache    bool
	cacheOnly  bool
}

var dlCmd = &cobra.Command{
	Use:   "dl [flags] SERVICE [TITLE_ID]",
	Short: "Download a title from a streaming service",
	Long: `Download one or more titles from a streaming service.

SERVICE is the adapter tag (for example AMZN or DSNP); TITLE_ID is the
service-specific title identifier. Track selection flags narrow the videos,
audios and subtitles that end up in the final file.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDL,
}

func init() {
	rootCmd.AddCommand(dlCmd)

	f := dlCmd.Flags()
	f.IntVarP(&dlFlags.quality, "quality", "q", 0, "video height to select, e.g. 1080 (0 keeps the best)")
	f.StringVar(&dlFlags.vcodec, "vcodec", "", "video codec family (H264, H265, VP9, AV1)")
	f.StringVar(&dlFlags.vbitrate, "vbitrate", "", "video bitrate cap in kb/s, or 'min'")
	f.StringVarP(&dlFlags.rangeFlag, "range", "r", "", "dynamic range (SDR, HDR10, DV, HLG)")
	f.StringVar(&dlFlags.acodec, "acodec", "", "audio codec list, e.g. AAC,EC3")
	f.IntVar(&dlFlags.abitrate, "abitrate", 0, "audio bitrate cap in kb/s")
	f.StringSliceVarP(&dlFlags.alang, "alang", "", []string{"orig"}, "audio languages ('orig' follows the title's original language)")
	f.StringSliceVarP(&dlFlags.slang, "slang", "", []string{"all"}, "subtitle languages")
	f.StringVar(&dlFlags.channels, "channels", "", "audio channel layouts, e.g. 2.0,5.1")
	f.BoolVar(&dlFlags.maxCompat, "max-audio-compat", false, "keep the best audio per codec and channel combination")
	f.BoolVar(&dlFlags.atmos, "atmos", false, "prefer Atmos audio when available")
	f.BoolVar(&dlFlags.audioDesc, "audio-description", false, "include audio-description tracks")
	f.BoolVarP(&dlFlags.audioOnly, "audio-only", "A", false, "download audio tracks only")
	f.BoolVarP(&dlFlags.subsOnly, "subs-only", "S", false, "download subtitle tracks only")
	f.BoolVar(&dlFlags.chapsOnly, "chapters-only", false, "write chapter markers only")
	f.BoolVar(&dlFlags.hybrid, "hybrid", false, "build a DV+HDR10 hybrid video stream")
	f.BoolVar(&dlFlags.noMux, "no-mux", false, "keep per-track files instead of muxing")
	f.BoolVar(&dlFlags.stripSDH, "strip-sdh", false, "strip hearing-impaired cues from SDH subtitles")
	f.StringVar(&dlFlags.proxy, "proxy", "", "proxy URL override for this run")
	f.BoolVar(&dlFlags.noProxy, "no-proxy", false, "disable the configured proxy")
	f.BoolVar(&dlFlags.keysOnly, "keys", false, "print content keys without downloading")
	f.BoolVar(&dlFlags.listOnly, "list", false, "list available tracks without downloading")
	f.StringVarP(&dlFlags.wanted, "wanted", "w", "", "episode filter, e.g. 1x1,2x3-2x5")
	f.BoolVar(&dlFlags.noCache, "no-cache", false, "skip the key vaults, always use the CDM")
	f.BoolVar(&dlFlags.cacheOnly, "cache", false, "only use cached keys, never the CDM")
}

func runDL(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Debug("effective configuration",
		slog.Any("cdm", cfg.Cdm),
		slog.Any("vaults", cfg.Vaults))

	serviceTag := strings.ToUpper(args[0])
	titleID := ""
	if len(args) > 1 {
		titleID = args[1]
	}

	adapter, err := service.Default().Get(serviceTag)
	if err != nil {
		return err
	}

	profiles, err := config.LoadProfiles(cfg.Services.ProfilesPath)
	if err != nil {
		return err
	}
	profile := profiles[serviceTag]

	dl, err := buildDownloader(cfg, profile)
	if err != nil {
		return err
	}

	fed, err := buildVaults(cfg, logger)
	if err != nil {
		return err
	}
	if fed != nil {
		defer fed.Close()
	}

	cdm, err := buildCdm(cfg)
	if err != nil {
		return err
	}
	if cdm == nil && dlFlags.noCache {
		return fmt.Errorf("--no-cache needs a configured cdm")
	}
	if cdm == nil && fed == nil {
		return fmt.Errorf("no cdm and no vaults configured, nothing can decrypt")
	}
	if dlFlags.cacheOnly {
		cdm = nil
	}

	decrypter := pipeline.Decrypter(cfg.Decrypt.Decrypter)
	if profile.Decrypter != "" {
		decrypter = pipeline.Decrypter(profile.Decrypter)
	}

	orch := &pipeline.Orchestrator{
		Logger:       logger,
		Adapter:      adapter,
		Cdm:          cdm,
		Keys:         keyStore(fed),
		Vaults:       committer(fed),
		Downloader:   dl,
		Runner:       &tools.ExecRunner{BinariesDir: cfg.BinariesPath()},
		TempDir:      cfg.TempPath(),
		DownloadsDir: cfg.DownloadsPath(),
		Decrypter:    decrypter,
	}

	opts, err := buildOptions(titleID, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := orch.Run(ctx, opts)
	if err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		return &ExitError{Code: 2}
	}
	if code := report.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func buildOptions(titleID string, cfg *config.Config) (pipeline.Options, error) {
	var dynRange media.DynamicRange
	if dlFlags.rangeFlag != "" {
		switch strings.ToUpper(dlFlags.rangeFlag) {
		case "SDR":
			dynRange = media.RangeSDR
		case "HDR10", "HDR":
			dynRange = media.RangeHDR10
		case "DV":
			dynRange = media.RangeDV
		case "HLG":
			dynRange = media.RangeHLG
		default:
			return pipeline.Options{}, fmt.Errorf("unknown range %q", dlFlags.rangeFlag)
		}
	}

	return pipeline.Options{
		TitleID: titleID,
		Wanted:  dlFlags.wanted,
		Video: media.VideoSelection{
			Quality:  dlFlags.quality,
			VBitrate: dlFlags.vbitrate,
			Range:    dynRange,
			Codec:    dlFlags.vcodec,
		},
		Audio: media.AudioSelection{
			Languages:        dlFlags.alang,
			Bitrate:          dlFlags.abitrate,
			Channels:         dlFlags.channels,
			Codec:            dlFlags.acodec,
			WithDescriptive:  dlFlags.audioDesc,
			MaxCompatibility: dlFlags.maxCompat,
			WithAtmos:        dlFlags.atmos,
		},
		Subs: media.SubtitleSelection{
			Languages: dlFlags.slang,
			CC:        true,
			SDH:       true,
		},
		AudioOnly:    dlFlags.audioOnly,
		SubsOnly:     dlFlags.subsOnly,
		ChaptersOnly: dlFlags.chapsOnly,
		ListOnly:     dlFlags.listOnly,
		KeysOnly:     dlFlags.keysOnly,
		Hybrid:       dlFlags.hybrid,
		NoMux:        dlFlags.noMux || !cfg.Mux.Enabled,
		StripSDH:     dlFlags.stripSDH,
		NoCache:      dlFlags.noCache,
	}, nil
}

func buildDownloader(cfg *config.Config, profile config.ServiceProfile) (*downloader.Downloader, error) {
	proxy := cfg.Download.Proxy
	if dlFlags.proxy != "" {
		proxy = dlFlags.proxy
	}
	if profile.Proxy != "" {
		proxy = profile.Proxy
	}
	if dlFlags.noProxy || profile.NoProxy {
		proxy = ""
	}
	userAgent := cfg.Download.UserAgent
	if profile.UserAgent != "" {
		userAgent = profile.UserAgent
	}
	return downloader.New(downloader.Config{
		Concurrency: cfg.Download.SegmentConcurrency,
		UserAgent:   userAgent,
		Proxy:       proxy,
		Retries:     cfg.Download.RetryAttempts,
		RetryDelay:  cfg.Download.RetryDelay,
	})
}

// buildVaults assembles the federation in config order. A vault that fails to
// open is skipped with a warning so one broken member never blocks a run.
func buildVaults(cfg *config.Config, logger *slog.Logger) (*vault.Federation, error) {
	var members []vault.Vault
	for _, vc := range cfg.Vaults {
		switch vc.Type {
		case "remote":
			v, err := vault.NewRemote(vault.RemoteConfig{
				Name:     vc.Name,
				URL:      vc.URL,
				Token:    vc.Token,
				ReadOnly: vc.ReadOnly,
			})
			if err != nil {
				logger.Warn("skipping vault",
					slog.String("vault", vc.Name),
					slog.String("error", err.Error()))
				continue
			}
			members = append(members, v)
		default:
			v, err := vault.OpenSQL(vc.Name, vc.Type, vc.DSN, logger)
			if err != nil {
				logger.Warn("skipping vault",
					slog.String("vault", vc.Name),
					slog.String("error", err.Error()))
				continue
			}
			members = append(members, v)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}
	return vault.NewFederation(logger, members...)
}

func buildCdm(cfg *config.Config) (drm.Cdm, error) {
	if cfg.Cdm.URL == "" {
		return nil, nil
	}
	return drm.NewRemoteCdm(drm.RemoteCdmConfig{
		System: drm.System(cfg.Cdm.System),
		URL:    cfg.Cdm.URL,
		Device: cfg.Cdm.Device,
		Secret: cfg.Cdm.Secret,
	})
}

// keyStore widens a possibly nil federation into the session interface
// without producing a non-nil interface around a nil pointer.
func keyStore(fed *vault.Federation) drm.KeyStore {
	if fed == nil {
		return nil
	}
	return fed
}

func committer(fed *vault.Federation) pipeline.Committer {
	if fed == nil {
		return nil
	}
	return fed
}
