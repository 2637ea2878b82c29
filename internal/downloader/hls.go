package downloader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/pkg/httpclient"
)

// hlsSegment is one media segment with the discontinuity group it belongs to.
type hlsSegment struct {
	url  string
	disc int
	init string // active EXT-X-MAP URI for this group, may be empty
}

// resolveHLS fetches the track's media playlist and flattens it into the
// segment URLs to download.
func (d *Downloader) resolveHLS(ctx context.Context, t *media.Track, log *slog.Logger) ([]string, error) {
	client := d.clientFor(t)
	body, err := d.fetchPlaylist(ctx, client, t.URL())
	if err != nil {
		return nil, err
	}

	// Some origins refuse datacenter proxy ranges for media playlists while
	// serving the master fine. One direct retry covers that.
	if deniedPlaylist(body) && client != d.direct {
		log.DebugContext(ctx, "playlist denied via proxy, retrying direct", slog.String("track", t.ID))
		body, err = d.fetchPlaylist(ctx, d.direct, t.URL())
		if err != nil {
			return nil, err
		}
	}
	if deniedPlaylist(body) {
		return nil, fmt.Errorf("track %s: playlist request denied", t.ID)
	}

	base, err := url.Parse(t.URL())
	if err != nil {
		return nil, err
	}
	segments := parseMediaPlaylist(body, base)
	if len(segments) == 0 {
		return nil, fmt.Errorf("track %s: %w", t.ID, media.ErrDownloadEmpty)
	}
	return flattenLongestSpan(segments), nil
}

func (d *Downloader) fetchPlaylist(ctx context.Context, client *httpclient.Client, rawURL string) ([]byte, error) {
	resp, err := client.Get(ctx, rawURL, d.cfg.Headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func deniedPlaylist(body []byte) bool {
	return bytes.Contains(body, []byte("Denied"))
}

// parseMediaPlaylist walks the playlist lines tracking discontinuity groups
// and the active init section.
func parseMediaPlaylist(body []byte, base *url.URL) []hlsSegment {
	var segments []hlsSegment
	disc := 0
	currentInit := ""
	expectSegment := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY"):
			if !strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE") {
				disc++
			}
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			if uri := extractAttr(strings.TrimPrefix(line, "#EXT-X-MAP:"), "URI"); uri != "" {
				currentInit = resolve(base, uri)
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			expectSegment = true
		case line != "" && !strings.HasPrefix(line, "#") && expectSegment:
			segments = append(segments, hlsSegment{
				url:  resolve(base, line),
				disc: disc,
				init: currentInit,
			})
			expectSegment = false
		}
	}
	return segments
}

// flattenLongestSpan keeps only the segments of the longest discontinuity
// group. Bumpers and dub cards live in their own short groups; the feature is
// the long one. The group's init section, when present, goes first.
func flattenLongestSpan(segments []hlsSegment) []string {
	counts := map[int]int{}
	for _, s := range segments {
		counts[s.disc]++
	}
	best, bestCount := segments[0].disc, 0
	for disc, n := range counts {
		if n > bestCount || (n == bestCount && disc < best) {
			best, bestCount = disc, n
		}
	}

	var urls []string
	for _, s := range segments {
		if s.disc != best {
			continue
		}
		if len(urls) == 0 && s.init != "" {
			urls = append(urls, s.init)
		}
		urls = append(urls, s.url)
	}
	return urls
}

func extractAttr(attrList, key string) string {
	for _, kv := range splitAttrs(attrList) {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == key {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// splitAttrs splits a tag attribute list on commas outside quotes.
func splitAttrs(s string) []string {
	var out []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func resolve(base *url.URL, ref string) string {
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}
