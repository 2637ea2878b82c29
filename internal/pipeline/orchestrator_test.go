package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/streamdl/internal/config"
	"github.com/jmylchreest/streamdl/internal/downloader"
	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/manifest"
	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/tools"
	"github.com/jmylchreest/streamdl/internal/vault"
)

const (
	seedKID = "abcdef0123456789abcdef0123456789"
	seedKey = "00112233445566778899aabbccddeeff"
)

func testLogConfig() config.LoggingConfig {
	return config.LoggingConfig{Level: "debug", Format: "text"}
}

// fakeCdm hands out a fixed key list and counts how often it is opened.
type fakeCdm struct {
	system drm.System
	keys   []drm.ContentKey
	opens  int
}

func (c *fakeCdm) System() drm.System { return c.system }

func (c *fakeCdm) Open(ctx context.Context) (drm.SessionID, error) {
	c.opens++
	return drm.SessionID(fmt.Sprintf("session-%d", c.opens)), nil
}

func (c *fakeCdm) SetServiceCertificate(ctx context.Context, session drm.SessionID, cert []byte) error {
	return nil
}

func (c *fakeCdm) GetLicenseChallenge(ctx context.Context, session drm.SessionID, initData []byte) ([]byte, error) {
	return []byte("challenge"), nil
}

func (c *fakeCdm) ParseLicense(ctx context.Context, session drm.SessionID, license []byte) error {
	return nil
}

func (c *fakeCdm) GetKeys(ctx context.Context, session drm.SessionID) ([]drm.ContentKey, error) {
	return c.keys, nil
}

func (c *fakeCdm) Close(ctx context.Context, session drm.SessionID) error { return nil }

// fakeAdapter serves a configured title list and builds a fresh track set per
// request so pipeline mutation never leaks across scenarios.
type fakeAdapter struct {
	titles      []*media.Title
	buildTracks func(title *media.Title) *media.TrackSet
	chapters    []*media.Chapter

	licenseDenials int // first N license calls fail
	licenseCalls   int
	refreshes      int
	multikey       bool
}

func (a *fakeAdapter) Name() string { return "TEST" }

func (a *fakeAdapter) GetTitles(ctx context.Context, titleID string) ([]*media.Title, error) {
	return a.titles, nil
}

func (a *fakeAdapter) GetTracks(ctx context.Context, title *media.Title) (*media.TrackSet, error) {
	return a.buildTracks(title), nil
}

func (a *fakeAdapter) GetChapters(ctx context.Context, title *media.Title) ([]*media.Chapter, error) {
	return a.chapters, nil
}

func (a *fakeAdapter) Certificate(ctx context.Context, title *media.Title, track *media.Track) ([]byte, error) {
	return nil, nil
}

func (a *fakeAdapter) License(ctx context.Context, title *media.Title, track *media.Track, challenge []byte) ([]byte, error) {
	a.licenseCalls++
	if a.licenseCalls <= a.licenseDenials {
		return nil, fmt.Errorf("license server: 401")
	}
	return []byte("license"), nil
}

func (a *fakeAdapter) RefreshSession(ctx context.Context) error { a.refreshes++; return nil }

func (a *fakeAdapter) Multikey() bool { return a.multikey }

// segmentServer answers every path with deterministic payload bytes, plus an
// HLS media playlist under /playlist.m3u8.
func segmentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-VERSION:6\n#EXTINF:4.0,\nseg0.m4s\n#EXTINF:4.0,\nseg1.m4s\n#EXT-X-ENDLIST\n")
			return
		}
		fmt.Fprintf(w, "<%s>", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOrchestrator(t *testing.T, adapter *fakeAdapter, cdm drm.Cdm, keys drm.KeyStore, runner tools.Runner) *Orchestrator {
	t.Helper()
	dl, err := downloader.New(downloader.Config{})
	require.NoError(t, err)
	var committer Committer
	if fed, ok := keys.(*vault.Federation); ok {
		committer = fed
	}
	return &Orchestrator{
		Logger:       observability.NewLoggerWithWriter(testLogConfig(), os.Stderr),
		Adapter:      adapter,
		Cdm:          cdm,
		Keys:         keys,
		Vaults:       committer,
		Downloader:   dl,
		Runner:       runner,
		TempDir:      t.TempDir(),
		DownloadsDir: t.TempDir(),
	}
}

func movieTitle(name string) *media.Title {
	return &media.Title{ID: "tt100", Type: media.TitleMovie, Name: name, Year: 2024}
}

// Scenario: unencrypted HLS movie with three renditions. The 720p rendition
// is selected, the CDM is never visited, one MKV comes out.
func TestRunUnencryptedHLSMovie(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemWidevine}

	adapter := &fakeAdapter{
		titles: []*media.Title{movieTitle("Clear Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			for _, spec := range []struct {
				height  int
				bitrate int
			}{{480, 2_000_000}, {720, 4_500_000}, {1080, 8_000_000}} {
				v := &media.Video{
					Track: media.Track{
						ID:         fmt.Sprintf("v%d", spec.height),
						Codec:      "avc1.640028",
						URLs:       []string{srv.URL + "/video.m3u8"},
						Descriptor: media.DescriptorM3U,
					},
					Width:   spec.height * 16 / 9,
					Height:  spec.height,
					Bitrate: spec.bitrate,
				}
				ts.AddVideos(true, v)
			}
			a := &media.Audio{
				Track:    media.Track{ID: "a1", Codec: "mp4a.40.2", Language: "en", URLs: []string{srv.URL + "/audio.mp4"}, Descriptor: media.DescriptorURL},
				Channels: "2.0", Bitrate: 128_000,
			}
			ts.AddAudios(true, a)
			s := &media.Text{Track: media.Track{ID: "s1", Codec: "vtt", Language: "en", URLs: []string{srv.URL + "/subs.vtt"}, Descriptor: media.DescriptorURL}}
			ts.AddSubtitles(true, s)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{
		TitleID: "tt100",
		Video:   media.VideoSelection{Quality: 720},
		Audio:   media.AudioSelection{Languages: []string{"en"}},
		Subs:    media.SubtitleSelection{Languages: []string{"en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)
	assert.Equal(t, 0, report.ExitCode())

	assert.Zero(t, cdm.opens, "clear content must not visit the cdm")

	mux := runner.callsFor(tools.Mkvmerge)
	require.Len(t, mux, 1)
	assert.Equal(t, 3, countArg(mux[0].args, "("), "one video, one audio, one subtitle")
	assert.Equal(t, ".mkv", filepath.Ext(mux[0].args[1]))
}

// Scenario: Widevine DASH movie. HEVC HDR10 selection, CDM key exchange,
// mp4decrypt, single MKV.
func TestRunWidevineDASHMovie(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemWidevine, keys: []drm.ContentKey{{KID: seedKID, Key: seedKey}}}

	adapter := &fakeAdapter{
		titles: []*media.Title{movieTitle("Protected Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			h264 := &media.Video{
				Track: media.Track{ID: "v-h264", Codec: "avc1.640028", URLs: []string{srv.URL + "/v264/init.mp4", srv.URL + "/v264/seg1.m4s"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Width: 1920, Height: 1080, Bitrate: 8_000_000,
			}
			hevc := &media.Video{
				Track: media.Track{ID: "v-hevc", Codec: "hvc1.2.4.L153.B0", URLs: []string{srv.URL + "/v265/init.mp4", srv.URL + "/v265/seg1.m4s"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Width: 3840, Height: 2160, Bitrate: 16_000_000, Range: media.RangeHDR10,
			}
			ts.AddVideos(true, h264, hevc)
			a := &media.Audio{
				Track:    media.Track{ID: "a1", Codec: "ec-3", Language: "en", URLs: []string{srv.URL + "/a1.mp4"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Channels: "5.1", Bitrate: 640_000,
			}
			ts.AddAudios(true, a)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{
		TitleID: "tt100",
		Video:   media.VideoSelection{Codec: "H265", Range: media.RangeHDR10},
		Audio:   media.AudioSelection{Languages: []string{"en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)

	require.NotZero(t, cdm.opens)
	decrypts := runner.callsFor(tools.MP4Decrypt)
	require.Len(t, decrypts, 2, "video and audio decrypt")
	for _, c := range decrypts {
		assert.Equal(t, "--key", c.args[0])
		assert.Equal(t, seedKID+":"+seedKey, c.args[1])
	}
	require.Len(t, runner.callsFor(tools.Mkvmerge), 1)
}

// Scenario: mp4decrypt-ed audio only. The decrypter leaves junk metadata
// behind, so the audio track itself must go through the bitexact repack.
func TestRunMP4DecryptedAudioRepacked(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemWidevine, keys: []drm.ContentKey{{KID: seedKID, Key: seedKey}}}

	adapter := &fakeAdapter{
		titles: []*media.Title{movieTitle("Audio Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			a := &media.Audio{
				Track:    media.Track{ID: "a1", Codec: "ec-3", Language: "en", URLs: []string{srv.URL + "/a1.mp4"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Channels: "5.1", Bitrate: 640_000,
			}
			ts.AddAudios(true, a)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{
		TitleID:   "tt100",
		AudioOnly: true,
		Audio:     media.AudioSelection{Languages: []string{"en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)

	require.Len(t, runner.callsFor(tools.MP4Decrypt), 1)
	repacks := 0
	for _, c := range runner.callsFor(tools.FFmpeg) {
		if countArg(c.args, "bitexact") > 0 {
			repacks++
		}
	}
	assert.Equal(t, 1, repacks, "the decrypted audio track must be repacked")
}

// Scenario: PlayReady Smooth Streaming Atmos audio, audio only. The packager
// decrypts, the Atmos container fix runs, the result is an MKA.
func TestRunISMAtmosAudioOnly(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemPlayReady, keys: []drm.ContentKey{{KID: seedKID, Key: seedKey}}}

	adapter := &fakeAdapter{
		titles: []*media.Title{movieTitle("Atmos Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			a := &media.Audio{
				Track: media.Track{
					ID: "a-atmos", Codec: "ec-3", Language: "en",
					URLs:       []string{srv.URL + "/atmos/manifest"},
					Descriptor: media.DescriptorISM,
					Encrypted:  true, KID: seedKID, PsshPR: []byte("pr-header"),
					NeedsRepack: true,
					Extra: manifest.ISMExtra{
						URLTemplate:   "QualityLevels({bitrate})/Fragments(audio={start time})",
						Bitrate:       768_000,
						FragmentTimes: []uint64{0, 20000},
					},
				},
				Channels: "5.1", Bitrate: 768_000, Atmos: true,
			}
			ts.AddAudios(true, a)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{
		TitleID:   "tt100",
		AudioOnly: true,
		Audio:     media.AudioSelection{Languages: []string{"en"}, WithAtmos: true},
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)

	require.Len(t, runner.callsFor(tools.Packager), 1, "smooth streaming decrypts via packager")

	var sawAtmosFix bool
	for _, c := range runner.callsFor(tools.FFmpeg) {
		if strings.HasSuffix(c.args[len(c.args)-1], ".eac3") {
			sawAtmosFix = true
		}
	}
	assert.True(t, sawAtmosFix, "atmos container fix must run")

	mux := runner.callsFor(tools.Mkvmerge)
	require.Len(t, mux, 1)
	assert.Equal(t, ".mka", filepath.Ext(mux[0].args[1]))
}

// Scenario: vault hit. The key sits in the first vault, the CDM is skipped,
// and replication brings the second vault up to date.
func TestRunVaultHitSkipsCdm(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemWidevine}

	logger := observability.NewLoggerWithWriter(testLogConfig(), os.Stderr)
	primary, err := vault.OpenSQL("primary", "sqlite", filepath.Join(t.TempDir(), "a.db"), logger)
	require.NoError(t, err)
	secondary, err := vault.OpenSQL("secondary", "sqlite", filepath.Join(t.TempDir(), "b.db"), logger)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = primary.InsertKey(ctx, vault.Entry{Service: "TEST", KID: seedKID, Key: seedKey, TitleID: "tt100"})
	require.NoError(t, err)
	require.NoError(t, primary.Commit(ctx))

	fed, err := vault.NewFederation(logger, primary, secondary)
	require.NoError(t, err)

	adapter := &fakeAdapter{
		titles: []*media.Title{{ID: "tt100", Type: media.TitleTV, Name: "Show", Season: 1, Episode: 1}},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			v := &media.Video{
				Track: media.Track{ID: "v1", Codec: "avc1.640028", URLs: []string{srv.URL + "/v/init.mp4"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Width: 1920, Height: 1080, Bitrate: 6_000_000,
			}
			ts.AddVideos(true, v)
			a := &media.Audio{
				Track:    media.Track{ID: "a1", Codec: "mp4a.40.2", Language: "en", URLs: []string{srv.URL + "/a.mp4"}, Descriptor: media.DescriptorURL},
				Channels: "2.0", Bitrate: 128_000,
			}
			ts.AddAudios(true, a)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, fed, runner)
	report, err := o.Run(ctx, Options{TitleID: "tt100", Audio: media.AudioSelection{Languages: []string{"en"}}})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)

	assert.Zero(t, cdm.opens, "vault hit must skip the cdm")

	key, err := secondary.GetKey(ctx, "TEST", seedKID)
	require.NoError(t, err)
	assert.Equal(t, seedKey, key, "replication reaches the second vault")
}

// Scenario: HDR hybrid. Both the HDR10 and DV tracks are selected, the
// compositor folds them into one stream, and the muxer sees a single video.
func TestRunHDRHybrid(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, hybridMinOutput+1)}
	cdm := &fakeCdm{system: drm.SystemWidevine}

	adapter := &fakeAdapter{
		titles: []*media.Title{movieTitle("Hybrid Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			hdr10 := &media.Video{
				Track: media.Track{ID: "v-hdr10", Codec: "hvc1.2.4.L153.B0", URLs: []string{srv.URL + "/hdr10.mp4"}, Descriptor: media.DescriptorMPD},
				Width: 3840, Height: 2160, Bitrate: 16_000_000, Range: media.RangeHDR10,
			}
			dv := &media.Video{
				Track: media.Track{ID: "v-dv", Codec: "dvhe.05.06", URLs: []string{srv.URL + "/dv.mp4"}, Descriptor: media.DescriptorMPD},
				Width: 3840, Height: 2160, Bitrate: 14_000_000, Range: media.RangeDV,
			}
			ts.AddVideos(true, hdr10, dv)
			a := &media.Audio{
				Track:    media.Track{ID: "a1", Codec: "ec-3", Language: "en", URLs: []string{srv.URL + "/a.mp4"}, Descriptor: media.DescriptorURL},
				Channels: "5.1", Bitrate: 640_000,
			}
			ts.AddAudios(true, a)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{
		TitleID: "tt100",
		Hybrid:  true,
		Audio:   media.AudioSelection{Languages: []string{"en"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)

	require.Len(t, runner.callsFor(tools.DoviTool), 2)

	mux := runner.callsFor(tools.Mkvmerge)
	require.Len(t, mux, 1)
	assert.Equal(t, 2, countArg(mux[0].args, "("), "one hybrid video plus audio")
}

// Scenario: the first license call is refused, the adapter session refreshes
// once and the retry succeeds.
func TestRunLicenseRetryAfterRefresh(t *testing.T) {
	srv := segmentServer(t)
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	cdm := &fakeCdm{system: drm.SystemWidevine, keys: []drm.ContentKey{{KID: seedKID, Key: seedKey}}}

	adapter := &fakeAdapter{
		licenseDenials: 1,
		titles:         []*media.Title{movieTitle("Retry Movie")},
		buildTracks: func(title *media.Title) *media.TrackSet {
			ts := &media.TrackSet{}
			v := &media.Video{
				Track: media.Track{ID: "v1", Codec: "avc1.640028", URLs: []string{srv.URL + "/v.mp4"}, Descriptor: media.DescriptorMPD, Encrypted: true, KID: seedKID, PsshWV: []byte("wv-init")},
				Width: 1920, Height: 1080, Bitrate: 6_000_000,
			}
			ts.AddVideos(true, v)
			return ts
		},
	}

	o := newOrchestrator(t, adapter, cdm, nil, runner)
	report, err := o.Run(context.Background(), Options{TitleID: "tt100"})
	require.NoError(t, err)
	assert.Equal(t, Report{Succeeded: 1}, report)
	assert.Equal(t, 1, adapter.refreshes)
	assert.Equal(t, 2, adapter.licenseCalls)
}

func TestRunWantedFilter(t *testing.T) {
	episodes := []*media.Title{
		{ID: "e1", Type: media.TitleTV, Name: "Show", Season: 1, Episode: 1},
		{ID: "e2", Type: media.TitleTV, Name: "Show", Season: 1, Episode: 2},
		{ID: "e3", Type: media.TitleTV, Name: "Show", Season: 2, Episode: 1},
	}

	kept, err := filterWanted(episodes, "1x1,2x1")
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "e1", kept[0].ID)
	assert.Equal(t, "e3", kept[1].ID)

	kept, err = filterWanted(episodes, "1x1-1x2")
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	_, err = filterWanted(episodes, "1x1-2x2")
	require.Error(t, err, "ranges must not cross seasons")

	_, err = filterWanted(episodes, "nonsense")
	require.Error(t, err)
}

func TestReportExitCodes(t *testing.T) {
	assert.Equal(t, 0, Report{Succeeded: 2}.ExitCode())
	assert.Equal(t, 1, Report{Succeeded: 1, Failed: 1}.ExitCode())
	assert.Equal(t, 1, Report{Failed: 3}.ExitCode(), "failed titles are exit 1 even when all failed")
}
