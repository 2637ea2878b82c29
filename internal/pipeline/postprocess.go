package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/tools"
)

// PostProcessStage runs the per-track fixups between decrypt and mux. The
// operations are independent but order matters: container fixes first,
// extraction afterwards.
type PostProcessStage struct {
	Runner tools.Runner
	// StripSDH converts SDH subtitles to plain CC subtitles when set.
	StripSDH bool
	// UsedMP4Decrypt forces a repack of av tracks; mp4decrypt leaves
	// slightly out-of-spec containers behind.
	UsedMP4Decrypt bool
}

// ProcessVideo applies the video fixups and returns any caption track pulled
// out of the stream.
func (s *PostProcessStage) ProcessVideo(ctx context.Context, v *media.Video) (*media.Text, error) {
	if err := s.repack(ctx, &v.Track); err != nil {
		return nil, err
	}
	if v.NeedsCCExtractor || v.NeedsCCExtractorFirst {
		return s.extractCaptions(ctx, v)
	}
	return nil, nil
}

// ProcessAudio applies the audio fixups.
func (s *PostProcessStage) ProcessAudio(ctx context.Context, a *media.Audio) error {
	if a.Descriptor == media.DescriptorISM && a.Atmos {
		if err := s.fixISMAtmos(ctx, a); err != nil {
			return err
		}
	}
	return s.repack(ctx, &a.Track)
}

// ProcessSubtitle applies the subtitle fixups.
func (s *PostProcessStage) ProcessSubtitle(ctx context.Context, t *media.Text) error {
	if s.StripSDH && t.SDH {
		if err := s.stripSDH(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// fixISMAtmos re-muxes an EAC-3-JOC stream into a bare .eac3 container.
// Smooth Streaming fragments lack the init data players expect for Atmos.
func (s *PostProcessStage) fixISMAtmos(ctx context.Context, a *media.Audio) error {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "postprocess")
	log.DebugContext(ctx, "fixing smooth streaming atmos container", slog.String("track", a.ID))

	in := a.Location()
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".eac3"
	result, err := s.Runner.Run(ctx, tools.FFmpeg,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-map", "0",
		"-c:a", "copy",
		out)
	if err != nil {
		return err
	}
	if _, err := tools.Check(tools.FFmpeg, result); err != nil {
		return err
	}
	return a.Swap(out)
}

// repack stream-copies the artifact into Matroska with scrubbed metadata.
func (s *PostProcessStage) repack(ctx context.Context, t *media.Track) error {
	if !t.NeedsRepack && !s.UsedMP4Decrypt {
		return nil
	}
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "postprocess")
	log.DebugContext(ctx, "repacking track", slog.String("track", t.ID))

	in := t.Location()
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".repack.mkv"
	result, err := s.Runner.Run(ctx, tools.FFmpeg,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-map_metadata", "-1",
		"-fflags", "bitexact",
		"-codec", "copy",
		out)
	if err != nil {
		return err
	}
	if _, err := tools.Check(tools.FFmpeg, result); err != nil {
		return err
	}
	if err := t.Swap(out); err != nil {
		return err
	}
	t.NeedsRepack = false
	return nil
}

// extractCaptions pulls EIA-608 captions buried in the video stream into an
// SRT file. An empty result means the stream carried no captions.
func (s *PostProcessStage) extractCaptions(ctx context.Context, v *media.Video) (*media.Text, error) {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "postprocess")

	in := v.Location()
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".cc.srt"
	result, err := s.Runner.Run(ctx, tools.CCExtractor, "-trim", "-noru", "-ru1", in, "-o", out)
	if err != nil {
		return nil, err
	}
	if _, err := tools.Check(tools.CCExtractor, result); err != nil {
		return nil, err
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		os.Remove(out)
		log.DebugContext(ctx, "no captions in stream", slog.String("track", v.ID))
		return nil, nil
	}

	cc := &media.Text{
		Track: media.Track{
			ID:         v.ID + "-cc",
			Source:     v.Source,
			Codec:      "srt",
			Language:   v.Language,
			Descriptor: media.DescriptorURL,
		},
		CC: true,
	}
	cc.SetLocation(out)
	log.InfoContext(ctx, "extracted captions", slog.String("track", v.ID))
	return cc, nil
}

// stripSDH rewrites an SDH subtitle without the bracketed sound cues,
// leaving a regular CC track.
func (s *PostProcessStage) stripSDH(ctx context.Context, t *media.Text) error {
	in := t.Location()
	if !strings.HasSuffix(in, ".srt") {
		return nil
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	stripped := stripSDHCues(string(data))
	out := strings.TrimSuffix(in, ".srt") + ".stripped.srt"
	if err := os.WriteFile(out, []byte(stripped), 0o644); err != nil {
		return err
	}
	if err := t.Swap(out); err != nil {
		return err
	}
	t.SDH = false
	t.CC = true
	return nil
}

// sdhCuePattern matches the hearing-impaired cues: bracketed sound effects,
// parenthesized speaker labels and music note spans.
var sdhCuePattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|♪[^♪]*♪|♪`)

// stripSDHCues removes the cue spans while renumbering the surviving SRT
// blocks.
func stripSDHCues(srt string) string {
	blocks := strings.Split(strings.ReplaceAll(srt, "\r\n", "\n"), "\n\n")
	var kept []string
	index := 1
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 {
			continue
		}
		var text []string
		for _, line := range lines[2:] {
			cleaned := strings.TrimSpace(sdhCuePattern.ReplaceAllString(line, ""))
			if cleaned != "" {
				text = append(text, cleaned)
			}
		}
		if len(text) == 0 {
			continue
		}
		kept = append(kept, fmt.Sprintf("%d\n%s\n%s", index, lines[1], strings.Join(text, "\n")))
		index++
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, "\n\n") + "\n"
}
