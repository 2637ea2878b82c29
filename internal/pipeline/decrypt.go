// Package pipeline drives a title from parsed tracks to a finished file:
// download, license, decrypt, post-process, optional HDR hybrid, mux.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/tools"
)

// Decrypter names a decrypt backend.
type Decrypter string

const (
	DecrypterAuto       Decrypter = "auto"
	DecrypterPackager   Decrypter = "packager"
	DecrypterMP4Decrypt Decrypter = "mp4decrypt"
)

const zeroKID = "00000000000000000000000000000000"

// DecryptStage removes CENC encryption from downloaded tracks.
type DecryptStage struct {
	Runner tools.Runner
	// Decrypter is the configured backend; auto picks per track.
	Decrypter Decrypter
	// Multikey forces the packager path for services whose licenses carry
	// several keys.
	Multikey bool
}

// Backend settles the decrypter precedence for a track: an explicit
// configuration wins, auto uses the packager for Smooth Streaming or
// multi-key sources and mp4decrypt everywhere else.
func (s *DecryptStage) Backend(t *media.Track) Decrypter {
	if s.Decrypter != "" && s.Decrypter != DecrypterAuto {
		return s.Decrypter
	}
	if t.Descriptor == media.DescriptorISM || s.Multikey {
		return DecrypterPackager
	}
	return DecrypterMP4Decrypt
}

// Decrypt produces the cleartext artifact next to the encrypted one and swaps
// the track over to it. keys is the full list from the license; the track's
// own key must already be set.
func (s *DecryptStage) Decrypt(ctx context.Context, t *media.Track, keys []drm.ContentKey) error {
	if !t.Encrypted {
		return nil
	}
	if t.Key == "" || len(t.KID) != 32 {
		return fmt.Errorf("track %s: %w", t.ID, media.ErrNoContentKey)
	}

	log := observability.WithComponent(observability.LoggerFromContext(ctx), "decrypt")
	in := t.Location()
	out := decryptedName(in)

	backend := s.Backend(t)
	log.InfoContext(ctx, "decrypting track",
		slog.String("track", t.ID),
		slog.String("decrypter", string(backend)))

	var (
		result *tools.Result
		tool   string
		err    error
	)
	switch backend {
	case DecrypterPackager:
		tool = tools.Packager
		result, err = s.Runner.Run(ctx, tool, packagerArgs(in, out, t, keys)...)
	default:
		tool = tools.MP4Decrypt
		result, err = s.Runner.Run(ctx, tool, "--key", t.KID+":"+t.Key, in, out)
	}
	if err != nil {
		return err
	}
	if _, err := tools.Check(tool, result); err != nil {
		return err
	}
	// Install the cleartext artifact under its own name so a later run can
	// resume past this stage.
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("decrypter produced no output for track %s: %w", t.ID, err)
	}
	if err := os.Remove(in); err != nil && !os.IsNotExist(err) {
		return err
	}
	t.SetLocation(out)
	t.Encrypted = false
	return nil
}

// packagerArgs builds the shaka-packager invocation. Every known content key
// is passed as its own label; when the license carried only the track key, a
// second all-zero label is added for providers that encrypt auxiliary
// streams under a zero kid.
func packagerArgs(in, out string, t *media.Track, keys []drm.ContentKey) []string {
	if len(keys) == 0 {
		keys = []drm.ContentKey{{KID: t.KID, Key: t.Key}}
	}
	labels := make([]string, 0, len(keys)+1)
	seenZero := false
	for i, k := range keys {
		labels = append(labels, fmt.Sprintf("label=%d:key_id=%s:key=%s", i+1, k.KID, k.Key))
		if k.KID == zeroKID {
			seenZero = true
		}
	}
	if !seenZero {
		labels = append(labels, fmt.Sprintf("label=%d:key_id=%s:key=%s", len(keys)+1, zeroKID, t.Key))
	}
	return []string{
		fmt.Sprintf("input=%s,stream=0,output=%s", in, out),
		"--enable_raw_key_decryption",
		"--keys", strings.Join(labels, ","),
	}
}

// decryptedName strips the .enc marker; other extensions get a _dec suffix so
// input and output never collide.
func decryptedName(in string) string {
	if strings.HasSuffix(in, ".enc.mp4") {
		return strings.TrimSuffix(in, ".enc.mp4") + ".mp4"
	}
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + "_dec" + ext
}
