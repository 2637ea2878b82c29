package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/streamdl/internal/downloader"
	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/service"
	"github.com/jmylchreest/streamdl/internal/tools"
)

// Options is the per-run request assembled by the CLI.
type Options struct {
	TitleID string
	Wanted  string // episode filter, e.g. "1x1,2x3-2x5"

	Video media.VideoSelection
	Audio media.AudioSelection
	Subs  media.SubtitleSelection

	AudioOnly    bool
	SubsOnly     bool
	ChaptersOnly bool
	ListOnly     bool
	KeysOnly     bool
	Hybrid       bool
	NoMux        bool
	StripSDH     bool
	NoCache      bool
}

// Report summarizes a run for exit-code mapping: 0 when nothing failed, 1
// when one or more titles failed. Exit 2 is reserved for errors before any
// title was attempted and never comes from a report.
type Report struct {
	Succeeded int
	Failed    int
}

// ExitCode maps the report onto the process exit status.
func (r Report) ExitCode() int {
	if r.Failed > 0 {
		return 1
	}
	return 0
}

// Committer is the slice of the vault federation the orchestrator flushes at
// run end.
type Committer interface {
	Commit(ctx context.Context) error
}

// Orchestrator drives titles through the full pipeline sequentially. The
// vault federation is the only resource shared across titles.
type Orchestrator struct {
	Logger  *slog.Logger
	Adapter service.Adapter
	Cdm     drm.Cdm
	Keys    drm.KeyStore // nil disables the vault
	Vaults  Committer    // usually the same federation as Keys

	Downloader *downloader.Downloader
	Runner     tools.Runner

	TempDir      string
	DownloadsDir string

	Decrypter   Decrypter
	ServiceCert []byte
}

// Run processes every title matched by the request.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Report, error) {
	jobID := ulid.Make().String()
	ctx = observability.ContextWithJobID(ctx, jobID)
	ctx = observability.ContextWithLogger(ctx, o.Logger)
	log := observability.WithComponent(o.Logger, "orchestrator")

	var report Report

	titles, err := o.Adapter.GetTitles(ctx, opts.TitleID)
	if err != nil {
		return report, fmt.Errorf("resolve titles: %w", err)
	}
	titles, err = filterWanted(titles, opts.Wanted)
	if err != nil {
		return report, err
	}
	if len(titles) == 0 {
		return report, fmt.Errorf("no titles matched %q", opts.TitleID)
	}
	log.InfoContext(ctx, "starting run",
		slog.String("service", o.Adapter.Name()),
		slog.String("job_id", jobID),
		slog.Int("titles", len(titles)))

	for _, title := range titles {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %v", media.ErrCancelled, err)
		}
		if err := o.processTitle(ctx, title, opts); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, media.ErrCancelled) {
				return report, fmt.Errorf("%w: title %q", media.ErrCancelled, title.Name)
			}
			report.Failed++
			log.ErrorContext(ctx, "title failed",
				slog.String("title", title.Name),
				slog.String("error", err.Error()))
			continue
		}
		report.Succeeded++
	}

	if o.Vaults != nil {
		if err := o.Vaults.Commit(ctx); err != nil {
			log.WarnContext(ctx, "vault commit failed", slog.String("error", err.Error()))
		}
	}
	return report, nil
}

func (o *Orchestrator) processTitle(ctx context.Context, title *media.Title, opts Options) error {
	log := observability.WithComponent(o.Logger, "orchestrator")
	if err := title.Validate(); err != nil {
		return err
	}

	tracks, err := o.Adapter.GetTracks(ctx, title)
	if err != nil {
		return fmt.Errorf("get tracks: %w", err)
	}
	if tracks.Total() == 0 {
		return fmt.Errorf("title %q: %w", title.Name, media.ErrNoMatchingTrack)
	}
	title.Tracks = *tracks
	if title.OriginalLang != "" {
		title.Tracks.MarkOriginalLang(title.OriginalLang)
	}

	chapters, err := o.Adapter.GetChapters(ctx, title)
	if err != nil {
		log.WarnContext(ctx, "chapters unavailable",
			slog.String("title", title.Name),
			slog.String("error", err.Error()))
	}

	if opts.ListOnly {
		o.listTracks(ctx, title)
		return nil
	}
	if opts.ChaptersOnly {
		return o.writeChapters(title, chapters)
	}

	if err := o.selectTracks(title, opts); err != nil {
		return err
	}

	session := drm.NewSession(drm.SessionConfig{
		Cdm:         o.Cdm,
		Keys:        o.sessionKeys(opts),
		Client:      &service.TitleClient{Adapter: o.Adapter, Title: title},
		FetchInit:   o.fetchInit,
		ServiceCert: o.ServiceCert,
		Service:     o.Adapter.Name(),
		TitleID:     title.ID,
	})

	if opts.KeysOnly {
		return o.printKeys(ctx, title, session)
	}

	tempDir := filepath.Join(o.TempDir, title.ID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}

	decrypt := &DecryptStage{Runner: o.Runner, Decrypter: o.Decrypter, Multikey: o.Adapter.Multikey()}
	post := &PostProcessStage{Runner: o.Runner, StripSDH: opts.StripSDH}

	// Audio and subtitles first, then video smallest first. Video URLs are
	// the ones that expire on token-bound services, so the largest transfer
	// starts as early as its ordering allows.
	for _, a := range title.Tracks.Audios {
		backend, err := o.processTrack(ctx, session, decrypt, &a.Track, tempDir)
		if err != nil {
			return fmt.Errorf("audio %s: %w", a.ID, err)
		}
		if backend == DecrypterMP4Decrypt {
			post.UsedMP4Decrypt = true
		}
		if err := post.ProcessAudio(ctx, a); err != nil {
			return fmt.Errorf("audio %s: %w", a.ID, err)
		}
	}
	for _, t := range title.Tracks.Subtitles {
		if _, err := o.processTrack(ctx, session, decrypt, &t.Track, tempDir); err != nil {
			log.WarnContext(ctx, "subtitle skipped",
				slog.String("track", t.ID),
				slog.String("error", err.Error()))
			t.Delete()
			continue
		}
		if err := post.ProcessSubtitle(ctx, t); err != nil {
			return fmt.Errorf("subtitle %s: %w", t.ID, err)
		}
	}
	title.Tracks.Subtitles = withLocation(title.Tracks.Subtitles)

	videos := append([]*media.Video(nil), title.Tracks.Videos...)
	sort.SliceStable(videos, func(i, j int) bool { return videos[i].Bitrate < videos[j].Bitrate })
	for _, v := range videos {
		backend, err := o.processTrack(ctx, session, decrypt, &v.Track, tempDir)
		if err != nil {
			return fmt.Errorf("video %s: %w", v.ID, err)
		}
		if backend == DecrypterMP4Decrypt {
			post.UsedMP4Decrypt = true
		}
		cc, err := post.ProcessVideo(ctx, v)
		if err != nil {
			return fmt.Errorf("video %s: %w", v.ID, err)
		}
		if cc != nil {
			if _, err := title.Tracks.AddSubtitles(true, cc); err == nil {
				if err := post.ProcessSubtitle(ctx, cc); err != nil {
					return err
				}
			}
		}
	}

	if opts.Hybrid {
		if err := o.makeHybrid(ctx, title); err != nil {
			return err
		}
	}

	mux := &MuxStage{
		Runner:       o.Runner,
		DownloadsDir: o.DownloadsDir,
		TempDir:      tempDir,
		SourceTag:    o.Adapter.Name(),
		NoMux:        opts.NoMux,
	}
	out, err := mux.Mux(ctx, title, chapters)
	if err != nil {
		return err
	}
	os.Remove(tempDir)

	log.InfoContext(ctx, "title finished",
		slog.String("title", title.Name),
		slog.String("output", out))
	return nil
}

// processTrack runs download, license and decrypt for one track. It reports
// which decrypter ran, or "" for clear tracks.
func (o *Orchestrator) processTrack(ctx context.Context, session *drm.Session, decrypt *DecryptStage, t *media.Track, tempDir string) (Decrypter, error) {
	if err := o.Downloader.Download(ctx, t, tempDir); err != nil {
		return "", err
	}
	if !t.Encrypted {
		return "", nil
	}
	keys, err := session.Keys(ctx, t)
	if err != nil {
		return "", err
	}
	backend := decrypt.Backend(t)
	if err := decrypt.Decrypt(ctx, t, keys); err != nil {
		return "", err
	}
	return backend, nil
}

func (o *Orchestrator) selectTracks(title *media.Title, opts Options) error {
	tracks := &title.Tracks

	switch {
	case opts.AudioOnly:
		tracks.Videos = nil
		tracks.Subtitles = nil
	case opts.SubsOnly:
		tracks.Videos = nil
		tracks.Audios = nil
	}

	if len(tracks.Videos) > 0 {
		if opts.Hybrid {
			sel := opts.Video
			sel.Range = ""
			if err := tracks.SelectVideosMulti([]media.DynamicRange{media.RangeHDR10, media.RangeDV}, sel); err != nil {
				return err
			}
		} else {
			sel := opts.Video
			sel.OneOnly = true
			sel.Closest = true
			if err := tracks.SelectVideos(sel); err != nil {
				return err
			}
		}
	}

	if len(tracks.Audios) > 0 {
		if err := tracks.SelectAudios(opts.Audio); err != nil {
			return err
		}
	}

	if len(tracks.Subtitles) > 0 {
		sel := opts.Subs
		sel.Forced = true
		for _, a := range tracks.Audios {
			sel.AudioLanguages = append(sel.AudioLanguages, a.Language)
		}
		if err := tracks.SelectSubtitles(sel); err != nil {
			return err
		}
	}

	tracks.SortAudios()
	tracks.SortSubtitles()
	return nil
}

func (o *Orchestrator) makeHybrid(ctx context.Context, title *media.Title) error {
	var hdr10, dv *media.Video
	for _, v := range title.Tracks.Videos {
		switch v.Range {
		case media.RangeHDR10:
			hdr10 = v
		case media.RangeDV:
			dv = v
		}
	}
	if hdr10 == nil || dv == nil {
		return fmt.Errorf("%w: hybrid needs both an HDR10 and a Dolby Vision track", media.ErrNoMatchingTrack)
	}
	hybrid := &HybridStage{Runner: o.Runner}
	if err := hybrid.Make(ctx, hdr10, dv); err != nil {
		return err
	}
	title.Tracks.Videos = []*media.Video{hdr10}
	return nil
}

func (o *Orchestrator) listTracks(ctx context.Context, title *media.Title) {
	log := observability.WithComponent(o.Logger, "orchestrator")
	log.InfoContext(ctx, "available tracks",
		slog.String("title", title.Name),
		slog.Int("count", title.Tracks.Total()))
	for _, v := range title.Tracks.Videos {
		log.InfoContext(ctx, v.String(), slog.String("id", v.ID))
	}
	for _, a := range title.Tracks.Audios {
		log.InfoContext(ctx, a.String(), slog.String("id", a.ID))
	}
	for _, s := range title.Tracks.Subtitles {
		log.InfoContext(ctx, s.String(), slog.String("id", s.ID))
	}
}

func (o *Orchestrator) printKeys(ctx context.Context, title *media.Title, session *drm.Session) error {
	log := observability.WithComponent(o.Logger, "orchestrator")
	seen := map[string]struct{}{}
	report := func(t *media.Track) error {
		if !t.Encrypted {
			return nil
		}
		keys, err := session.Keys(ctx, t)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, dup := seen[k.KID]; dup {
				continue
			}
			seen[k.KID] = struct{}{}
			log.InfoContext(ctx, "content key",
				slog.String("title", title.Name),
				slog.String("kid", k.KID),
				slog.String("key", k.Key))
		}
		return nil
	}
	for _, v := range title.Tracks.Videos {
		if err := report(&v.Track); err != nil {
			return err
		}
	}
	for _, a := range title.Tracks.Audios {
		if err := report(&a.Track); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) writeChapters(title *media.Title, chapters []*media.Chapter) error {
	if len(chapters) == 0 {
		return fmt.Errorf("title %q has no chapters", title.Name)
	}
	outDir := o.DownloadsDir
	if folder := title.SeriesFolder(); folder != "" {
		outDir = filepath.Join(outDir, folder)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	out := filepath.Join(outDir, title.Filename(o.Adapter.Name())+".chapters.txt")
	return media.WriteChaptersFile(out, chapters)
}

func (o *Orchestrator) sessionKeys(opts Options) drm.KeyStore {
	if opts.NoCache {
		return nil
	}
	return o.Keys
}

// fetchInit retrieves the first bytes of the track's first segment for PSSH
// and KID recovery when the manifest carried no protection data.
func (o *Orchestrator) fetchInit(ctx context.Context, t *media.Track) ([]byte, error) {
	return o.Downloader.FetchInit(ctx, t)
}

func withLocation(subs []*media.Text) []*media.Text {
	kept := subs[:0]
	for _, s := range subs {
		if s.Location() != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

// filterWanted narrows episodic titles to the requested episodes. The filter
// is a comma list of SxE items and SxE-SxE ranges; movies pass through
// untouched.
func filterWanted(titles []*media.Title, wanted string) ([]*media.Title, error) {
	if wanted == "" {
		return titles, nil
	}
	type episode struct{ s, e int }
	match := map[episode]struct{}{}
	for _, item := range strings.Split(wanted, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(item, "-")
		from, err := parseEpisodeRef(lo)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = parseEpisodeRef(hi); err != nil {
				return nil, err
			}
		}
		if to[0] != from[0] {
			return nil, fmt.Errorf("episode range %q crosses seasons", item)
		}
		for e := from[1]; e <= to[1]; e++ {
			match[episode{from[0], e}] = struct{}{}
		}
	}

	var kept []*media.Title
	for _, t := range titles {
		if t.Type != media.TitleTV {
			kept = append(kept, t)
			continue
		}
		if _, ok := match[episode{t.Season, t.Episode}]; ok {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

func parseEpisodeRef(ref string) ([2]int, error) {
	s, e, ok := strings.Cut(strings.ToLower(strings.TrimSpace(ref)), "x")
	if !ok {
		return [2]int{}, fmt.Errorf("episode reference %q is not SxE", ref)
	}
	season, err1 := strconv.Atoi(s)
	ep, err2 := strconv.Atoi(e)
	if err1 != nil || err2 != nil {
		return [2]int{}, fmt.Errorf("episode reference %q is not SxE", ref)
	}
	return [2]int{season, ep}, nil
}
