package media

import (
	"fmt"
	"regexp"
	"strings"
)

// TitleType distinguishes movies from episodic content.
type TitleType string

const (
	TitleMovie TitleType = "movie"
	TitleTV    TitleType = "tv"
)

// Title is the unit of work the orchestrator processes. It is created by a
// service adapter, filled by the manifest parser, and mutated by selection
// and the pipeline stages.
type Title struct {
	ID           string
	Type         TitleType
	Name         string
	Season       int
	Episode      int
	EpisodeName  string
	Year         int
	OriginalLang string

	Tracks TrackSet

	// ServiceData carries adapter-private state through the pipeline.
	ServiceData any
}

// Validate checks the type-specific field invariants: an episode carries both
// season and episode numbers, a movie carries neither.
func (t *Title) Validate() error {
	switch t.Type {
	case TitleMovie:
		if t.Season != 0 || t.Episode != 0 {
			return fmt.Errorf("movie title %q must not carry season/episode numbers", t.Name)
		}
	case TitleTV:
		if t.Season == 0 || t.Episode == 0 {
			return fmt.Errorf("tv title %q must carry season and episode numbers", t.Name)
		}
	default:
		return fmt.Errorf("title %q has unknown type %q", t.Name, t.Type)
	}
	return nil
}

var filenameScrubRe = regexp.MustCompile(`[\\/:"*?<>|]+`)
var multiDotRe = regexp.MustCompile(`\.{2,}`)

func scrubName(s string) string {
	s = filenameScrubRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, " ", ".")
	s = strings.ReplaceAll(s, "&", "and")
	s = multiDotRe.ReplaceAllString(s, ".")
	return strings.Trim(s, ".")
}

// Filename derives the release-style output name from the title metadata and
// the selected tracks. The result is deterministic for a given title and
// selection.
func (t *Title) Filename(sourceTag string) string {
	var parts []string
	parts = append(parts, scrubName(t.Name))

	switch t.Type {
	case TitleMovie:
		if t.Year > 0 {
			parts = append(parts, fmt.Sprintf("%d", t.Year))
		}
	case TitleTV:
		parts = append(parts, fmt.Sprintf("S%02dE%02d", t.Season, t.Episode))
		if t.EpisodeName != "" {
			parts = append(parts, scrubName(t.EpisodeName))
		}
	}

	if len(t.Tracks.Videos) > 0 {
		v := t.Tracks.Videos[0]
		if v.Height > 0 {
			parts = append(parts, fmt.Sprintf("%dp", v.Height))
		}
	}
	if sourceTag != "" {
		parts = append(parts, strings.ToUpper(sourceTag))
	}
	parts = append(parts, "WEB-DL")
	if len(t.Tracks.Audios) > 0 {
		a := t.Tracks.Audios[0]
		parts = append(parts, audioTag(a))
		if a.Atmos {
			parts = append(parts, "Atmos")
		}
	}
	if len(t.Tracks.Videos) > 0 {
		v := t.Tracks.Videos[0]
		switch v.Range {
		case RangeHDR10:
			parts = append(parts, "HDR10")
		case RangeDV:
			parts = append(parts, "DV")
		case RangeHLG:
			parts = append(parts, "HLG")
		}
		parts = append(parts, videoTag(v))
	}
	return strings.Join(parts, ".")
}

// SeriesFolder returns the per-series directory name for episodic output.
func (t *Title) SeriesFolder() string {
	if t.Type != TitleTV {
		return ""
	}
	return scrubName(t.Name)
}

func audioTag(a *Audio) string {
	family := normalizeAudioCodec(a.Codec)
	switch family {
	case "EC3", "DDP":
		return "DDP" + a.Channels
	case "AC3", "DD":
		return "DD" + a.Channels
	case "AAC":
		return "AAC" + a.Channels
	case "DTS":
		return "DTS" + a.Channels
	case "OPUS":
		return "OPUS" + a.Channels
	}
	return strings.ToUpper(family) + a.Channels
}

func videoTag(v *Video) string {
	c := strings.ToLower(v.Codec)
	switch {
	case strings.HasPrefix(c, "avc"):
		return "H.264"
	case strings.HasPrefix(c, "hvc"), strings.HasPrefix(c, "hev"), strings.HasPrefix(c, "dvh"):
		return "H.265"
	case strings.HasPrefix(c, "vp09"), strings.HasPrefix(c, "vp9"):
		return "VP9"
	case strings.HasPrefix(c, "av01"):
		return "AV1"
	}
	return strings.ToUpper(v.Codec)
}
