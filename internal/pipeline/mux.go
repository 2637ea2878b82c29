package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/tools"
)

// MuxStage merges the finished tracks of a title into a single Matroska file,
// or lays the per-track artifacts out under the downloads directory when
// muxing is off.
type MuxStage struct {
	Runner       tools.Runner
	DownloadsDir string
	TempDir      string
	SourceTag    string
	NoMux        bool
}

// Mux finalizes a title and returns the finished path (a file when muxing, a
// directory otherwise).
func (s *MuxStage) Mux(ctx context.Context, title *media.Title, chapters []*media.Chapter) (string, error) {
	outDir := s.DownloadsDir
	if folder := title.SeriesFolder(); folder != "" {
		outDir = filepath.Join(outDir, folder)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	if s.NoMux {
		return s.layout(title, outDir)
	}
	return s.merge(ctx, title, chapters, outDir)
}

// containerExt picks the output extension from the surviving track kinds.
func containerExt(tracks *media.TrackSet) string {
	switch {
	case len(tracks.Videos) > 0:
		return "mkv"
	case len(tracks.Audios) > 0:
		return "mka"
	default:
		return "mks"
	}
}

func (s *MuxStage) merge(ctx context.Context, title *media.Title, chapters []*media.Chapter, outDir string) (string, error) {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "mux")

	tracks := &title.Tracks
	if len(tracks.Videos)+len(tracks.Audios)+len(tracks.Subtitles) == 0 {
		return "", fmt.Errorf("title %q: %w: no tracks to mux", title.Name, media.ErrMuxFailed)
	}

	out := filepath.Join(outDir, title.Filename(s.SourceTag)+"."+containerExt(tracks))
	args := []string{"-o", out}

	for _, v := range tracks.Videos {
		args = append(args, "--language", "0:"+orUnd(v.Language))
		args = append(args, "(", v.Location(), ")")
	}

	audioLang := ""
	if len(tracks.Audios) > 0 {
		audioLang = tracks.Audios[0].Language
	}
	for _, a := range tracks.Audios {
		args = append(args, "--language", "0:"+orUnd(a.Language))
		if name := audioTrackName(a); name != "" {
			args = append(args, "--track-name", "0:"+name)
		}
		args = append(args, "(", a.Location(), ")")
	}

	for _, t := range tracks.Subtitles {
		args = append(args, "--language", "0:"+orUnd(t.Language))
		if name := textTrackName(t); name != "" {
			args = append(args, "--track-name", "0:"+name)
		}
		makeDefault := t.Forced && audioLang != "" && media.CloseMatch(t.Language, audioLang)
		args = append(args, "--forced-display-flag", "0:"+yesNo(t.Forced))
		args = append(args, "--default-track-flag", "0:"+yesNo(makeDefault))
		args = append(args, "(", t.Location(), ")")
	}

	if len(chapters) > 0 {
		chapterFile := filepath.Join(s.TempDir, "chapters.txt")
		if err := media.WriteChaptersFile(chapterFile, chapters); err != nil {
			return "", err
		}
		defer os.Remove(chapterFile)
		args = append(args, "--chapters", chapterFile)
	}

	result, err := s.Runner.Run(ctx, tools.Mkvmerge, args...)
	if err != nil {
		return "", err
	}
	warning, err := tools.Check(tools.Mkvmerge, result)
	if err != nil {
		return "", fmt.Errorf("title %q: %w: %v", title.Name, media.ErrMuxFailed, err)
	}
	if warning {
		log.WarnContext(ctx, "mkvmerge finished with warnings", slog.String("title", title.Name))
	}

	for _, v := range tracks.Videos {
		if err := v.Delete(); err != nil {
			return "", err
		}
	}
	for _, a := range tracks.Audios {
		if err := a.Delete(); err != nil {
			return "", err
		}
	}
	for _, t := range tracks.Subtitles {
		if err := t.Delete(); err != nil {
			return "", err
		}
	}

	log.InfoContext(ctx, "muxed title", slog.String("output", out))
	return out, nil
}

// layout moves each artifact into the final directory under a deterministic
// name derived from the title and the track itself.
func (s *MuxStage) layout(title *media.Title, outDir string) (string, error) {
	base := title.Filename(s.SourceTag)
	move := func(t *media.Track, suffix string) error {
		if t.Location() == "" {
			return nil
		}
		dst := filepath.Join(outDir, base+suffix+filepath.Ext(t.Location()))
		if err := os.Rename(t.Location(), dst); err != nil {
			return err
		}
		t.SetLocation(dst)
		return nil
	}

	for i, v := range title.Tracks.Videos {
		if err := move(&v.Track, trackSuffix("video", v.Language, i)); err != nil {
			return "", err
		}
	}
	for i, a := range title.Tracks.Audios {
		if err := move(&a.Track, trackSuffix("audio", a.Language, i)); err != nil {
			return "", err
		}
	}
	for i, t := range title.Tracks.Subtitles {
		if err := move(&t.Track, trackSuffix("sub", t.Language, i)); err != nil {
			return "", err
		}
	}
	return outDir, nil
}

func trackSuffix(kind, lang string, index int) string {
	return fmt.Sprintf(".%s-%s-%d", kind, orUnd(lang), index)
}

func orUnd(lang string) string {
	if lang == "" {
		return "und"
	}
	return lang
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func audioTrackName(a *media.Audio) string {
	switch {
	case a.Descriptive:
		return "Audio Description"
	case a.Atmos:
		return "Atmos"
	}
	return ""
}

func textTrackName(t *media.Text) string {
	switch {
	case t.SDH:
		return "SDH"
	case t.CC:
		return "CC"
	case t.Forced:
		return "Forced"
	}
	return ""
}
