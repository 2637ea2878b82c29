// Package downloader turns a parsed track into a single file on disk. URL
// and DASH tracks carry their segment list already; HLS tracks resolve their
// media playlist here; ISM tracks expand their fragment template. Segments
// download in parallel but always concatenate in manifest order.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/streamdl/internal/manifest"
	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/pkg/httpclient"
)

// DefaultConcurrency bounds parallel segment fetches within one track.
const DefaultConcurrency = 8

// emptyThreshold is the size below which a download counts as empty. Three
// bytes covers a bare UTF-8 BOM.
const emptyThreshold = 3

// Config holds the per-run download settings.
type Config struct {
	Concurrency int
	Headers     map[string]string
	UserAgent   string
	Proxy       string
	Retries     int
	RetryDelay  time.Duration
}

// Downloader fetches tracks. It keeps one proxied and one direct client so
// tracks that must not use the proxy, and the denied-playlist fallback, can
// go direct.
type Downloader struct {
	cfg    Config
	client *httpclient.Client
	direct *httpclient.Client
}

// New builds a Downloader. A bad proxy URL fails here rather than mid-run.
func New(cfg Config) (*Downloader, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	direct, err := httpclient.New(httpclient.Config{
		UserAgent:  cfg.UserAgent,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
	})
	if err != nil {
		return nil, err
	}
	client := direct
	if cfg.Proxy != "" {
		client, err = httpclient.New(httpclient.Config{
			UserAgent:  cfg.UserAgent,
			ProxyURL:   cfg.Proxy,
			Retries:    cfg.Retries,
			RetryDelay: cfg.RetryDelay,
		})
		if err != nil {
			return nil, err
		}
	}
	return &Downloader{cfg: cfg, client: client, direct: direct}, nil
}

// clientFor honours the track's proxy flag: a track that does not need the
// proxy never carries one.
func (d *Downloader) clientFor(t *media.Track) *httpclient.Client {
	if t.NeedsProxy {
		return d.client
	}
	return d.direct
}

// TargetPath is the downloaded artifact path for a track, before decryption.
func TargetPath(dir string, t *media.Track) string {
	return filepath.Join(dir, t.ID+trackExtension(t, true))
}

// DecryptedPath is where the decrypt stage leaves its output.
func DecryptedPath(dir string, t *media.Track) string {
	return filepath.Join(dir, t.ID+trackExtension(t, false))
}

func trackExtension(t *media.Track, encrypted bool) string {
	lower := strings.ToLower(t.Codec)
	switch {
	case strings.Contains(lower, "vtt"):
		return ".vtt"
	case strings.Contains(lower, "srt"):
		return ".srt"
	case strings.Contains(lower, "ttml"), strings.Contains(lower, "stpp"), strings.Contains(lower, "dfxp"):
		return ".ttml"
	}
	if encrypted && t.Encrypted {
		return ".enc.mp4"
	}
	return ".mp4"
}

// Download fetches the track into dir and records the path on the track.
// When an earlier run already produced the artifact (encrypted or decrypted)
// the existing file is reused.
func (d *Downloader) Download(ctx context.Context, t *media.Track, dir string) error {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "downloader")

	if done, err := d.resume(ctx, t, dir, log); done || err != nil {
		return err
	}
	if len(t.URLs) == 0 {
		return fmt.Errorf("track %s has no urls", t.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	target := TargetPath(dir, t)
	var segments []string
	var err error
	switch t.Descriptor {
	case media.DescriptorM3U:
		segments, err = d.resolveHLS(ctx, t, log)
	case media.DescriptorISM:
		segments, err = resolveISM(t)
	default:
		segments = t.URLs
	}
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("track %s: %w", t.ID, media.ErrDownloadEmpty)
	}

	log.DebugContext(ctx, "downloading track",
		slog.String("track", t.ID),
		slog.Int("segments", len(segments)))

	if err := d.fetchSegments(ctx, d.clientFor(t), segments, target); err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	if info.Size() <= emptyThreshold {
		os.Remove(target)
		return fmt.Errorf("track %s: %w", t.ID, media.ErrDownloadEmpty)
	}
	t.SetLocation(target)
	return nil
}

// FetchInit returns the first media bytes of the track, enough to recover
// PSSH boxes or the tenc KID when the manifest carried no protection data.
// The downloaded artifact is preferred over a network fetch. For HLS tracks
// the playlist is resolved first so the fetch hits the EXT-X-MAP init section
// (or the first segment), never the playlist text itself.
func (d *Downloader) FetchInit(ctx context.Context, t *media.Track) ([]byte, error) {
	if loc := t.Location(); loc != "" {
		return os.ReadFile(loc)
	}
	if len(t.URLs) == 0 {
		return nil, fmt.Errorf("track %s has no urls", t.ID)
	}
	target := t.URL()
	if t.Descriptor == media.DescriptorM3U {
		log := observability.WithComponent(observability.LoggerFromContext(ctx), "downloader")
		segments, err := d.resolveHLS(ctx, t, log)
		if err != nil {
			return nil, err
		}
		target = segments[0]
	}
	resp, err := d.clientFor(t).Get(ctx, target, d.cfg.Headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("init segment for track %s: status %d", t.ID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resume checks for artifacts left by an earlier run. A decrypted artifact
// also clears the encrypted flag so the pipeline skips the decrypt stage.
func (d *Downloader) resume(ctx context.Context, t *media.Track, dir string, log *slog.Logger) (bool, error) {
	decrypted := DecryptedPath(dir, t)
	if info, err := os.Stat(decrypted); err == nil && info.Size() > emptyThreshold {
		t.SetLocation(decrypted)
		t.Encrypted = false
		log.InfoContext(ctx, "reusing decrypted artifact", slog.String("track", t.ID))
		return true, nil
	}
	target := TargetPath(dir, t)
	if target == decrypted {
		return false, nil
	}
	if info, err := os.Stat(target); err == nil && info.Size() > emptyThreshold {
		t.SetLocation(target)
		log.InfoContext(ctx, "reusing downloaded artifact", slog.String("track", t.ID))
		return true, nil
	}
	return false, nil
}

// fetchSegments downloads every segment with bounded parallelism into a temp
// directory, then concatenates them in order and renames the result into
// place.
func (d *Downloader) fetchSegments(ctx context.Context, client *httpclient.Client, segments []string, target string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(target), ".segments-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	parts := make([]string, len(segments))
	for i, seg := range segments {
		part := filepath.Join(tmpDir, fmt.Sprintf("%06d.part", i))
		parts[i] = part
		g.Go(func() error {
			return d.fetchOne(gctx, client, seg, part)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	partial := target + ".part"
	out, err := os.Create(partial)
	if err != nil {
		return err
	}
	for _, part := range parts {
		in, err := os.Open(part)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(partial, target)
}

func (d *Downloader) fetchOne(ctx context.Context, client *httpclient.Client, rawURL, dest string) error {
	resp, err := client.Get(ctx, rawURL, d.cfg.Headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("segment %s: unexpected status %s", rawURL, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// resolveISM expands the fragment template once per fragment start time. The
// manifest URL's trailing path element is replaced by the expanded template,
// mirroring how Smooth clients build fragment requests.
func resolveISM(t *media.Track) ([]string, error) {
	extra, ok := t.Extra.(manifest.ISMExtra)
	if !ok {
		return nil, fmt.Errorf("track %s carries no smooth streaming metadata", t.ID)
	}
	base := t.URL()
	idx := strings.LastIndex(base, "manifest")
	if idx < 0 {
		return nil, fmt.Errorf("track %s: manifest url %q has no template anchor", t.ID, base)
	}
	tmpl := strings.ReplaceAll(extra.URLTemplate, "{bitrate}", fmt.Sprintf("%d", extra.Bitrate))
	urls := make([]string, 0, len(extra.FragmentTimes))
	for _, start := range extra.FragmentTimes {
		expanded := strings.ReplaceAll(tmpl, "{start time}", fmt.Sprintf("%d", start))
		urls = append(urls, base[:idx]+expanded)
	}
	return urls, nil
}
