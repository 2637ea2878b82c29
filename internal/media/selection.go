package media

import (
	"fmt"
	"strconv"
	"strings"
)

// VideoSelection captures the user's video filters.
type VideoSelection struct {
	Quality  int    // target height, 0 disables the filter
	VBitrate string // "" none, "min" keeps the lowest bitrate, otherwise a kb/s cap
	Range    DynamicRange
	Codec    string
	OneOnly  bool
	Closest  bool // fall back to the closest height when no exact match exists
}

// AudioSelection captures the user's audio filters.
type AudioSelection struct {
	Languages        []string
	Bitrate          int    // kb/s cap, 0 disables
	Channels         string // comma-separated list, e.g. "2.0,5.1"
	Codec            string // comma-separated list, e.g. "AAC,EC3"
	WithDescriptive  bool
	MaxCompatibility bool // keep the best track per (codec, channels) cell
	WithAtmos        bool
}

// SubtitleSelection captures the user's subtitle filters.
type SubtitleSelection struct {
	Languages      []string
	CC             bool
	SDH            bool
	Forced         bool
	AudioLanguages []string // forced subtitles are kept only for these languages
}

var videoCodecFamilies = map[string][]string{
	"H264": {"avc1", "avc3"},
	"AVC":  {"avc1", "avc3"},
	"H265": {"hvc1", "hev1", "dvhe", "dvh1"},
	"HEVC": {"hvc1", "hev1", "dvhe", "dvh1"},
	"VP9":  {"vp09", "vp9"},
	"AV1":  {"av01"},
}

// audioFamilies is ordered so normalization is deterministic: the first
// matching family names the cell a track lands in.
var audioFamilies = []struct {
	name     string
	prefixes []string
}{
	{"AAC", []string{"mp4a", "aac", "he-aac"}},
	{"EC3", []string{"ec-3", "ec3", "eac3", "eac-3"}},
	{"AC3", []string{"ac-3", "ac3"}},
	{"DTS", []string{"dts"}},
	{"OPUS", []string{"opus"}},
}

// audioFamilyAliases maps trade names onto their canonical family.
var audioFamilyAliases = map[string]string{
	"DDP": "EC3",
	"DD":  "AC3",
}

// audioFamilyPrefixes resolves a user-supplied codec name, alias or canonical,
// to the family's codec string prefixes.
func audioFamilyPrefixes(name string) ([]string, bool) {
	n := strings.ToUpper(name)
	if canon, ok := audioFamilyAliases[n]; ok {
		n = canon
	}
	for _, f := range audioFamilies {
		if f.name == n {
			return f.prefixes, true
		}
	}
	return nil, false
}

func codecInFamily(codec string, prefixes []string) bool {
	c := strings.ToLower(codec)
	for _, p := range prefixes {
		if strings.HasPrefix(c, p) {
			return true
		}
	}
	return false
}

// matchesQuality reports whether a video satisfies a target height. Besides
// exact height it accepts the 16:9 width for the height, which catches
// cropped scope content, and the 1248x520 frame one provider labels as its
// 720p tier.
func matchesQuality(v *Video, quality int) bool {
	if v.Height == quality {
		return true
	}
	if v.Width == quality*16/9 {
		return true
	}
	if v.Width == 1248 && v.Height == 520 && quality == 720 {
		return true
	}
	return false
}

// SelectVideos filters the video collection in place. Filters are applied in
// order: height, bitrate, dynamic range, codec family. With OneOnly only the
// first survivor is kept. An emptied set is an error.
func (ts *TrackSet) SelectVideos(sel VideoSelection) error {
	videos := ts.Videos

	if sel.Quality > 0 {
		var kept []*Video
		for _, v := range videos {
			if matchesQuality(v, sel.Quality) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 && sel.Closest {
			kept = closestQuality(videos, sel.Quality)
		}
		videos = kept
	}

	if sel.VBitrate != "" && len(videos) > 0 {
		if sel.VBitrate == "min" {
			lowest := videos[0]
			for _, v := range videos[1:] {
				if v.Bitrate < lowest.Bitrate {
					lowest = v
				}
			}
			videos = []*Video{lowest}
		} else if limit, err := strconv.Atoi(sel.VBitrate); err == nil {
			var kept []*Video
			for _, v := range videos {
				if v.Bitrate <= limit*1000 {
					kept = append(kept, v)
				}
			}
			videos = kept
		}
	}

	if sel.Range != "" {
		var kept []*Video
		for _, v := range videos {
			r := v.Range
			if r == "" {
				r = RangeSDR
			}
			if r == sel.Range {
				kept = append(kept, v)
			}
		}
		videos = kept
	}

	if sel.Codec != "" {
		prefixes, ok := videoCodecFamilies[strings.ToUpper(sel.Codec)]
		if !ok {
			prefixes = []string{strings.ToLower(sel.Codec)}
		}
		var kept []*Video
		for _, v := range videos {
			if codecInFamily(v.Codec, prefixes) {
				kept = append(kept, v)
			}
		}
		videos = kept
	}

	if len(videos) == 0 {
		return fmt.Errorf("%w: videos (quality=%d range=%s codec=%s)", ErrNoMatchingTrack, sel.Quality, sel.Range, sel.Codec)
	}
	if sel.OneOnly {
		videos = videos[:1]
	}
	ts.Videos = videos
	return nil
}

// closestQuality keeps the videos whose height is nearest the target.
func closestQuality(videos []*Video, quality int) []*Video {
	if len(videos) == 0 {
		return nil
	}
	best := -1
	for _, v := range videos {
		d := v.Height - quality
		if d < 0 {
			d = -d
		}
		if best < 0 || d < best {
			best = d
		}
	}
	var kept []*Video
	for _, v := range videos {
		d := v.Height - quality
		if d < 0 {
			d = -d
		}
		if d == best {
			kept = append(kept, v)
		}
	}
	return kept
}

// SelectVideosMulti keeps the best survivor per requested dynamic range,
// deduplicated by (width, height, codec). Used for the DV+HDR10 hybrid where
// two video tracks must survive selection.
func (ts *TrackSet) SelectVideosMulti(ranges []DynamicRange, sel VideoSelection) error {
	var kept []*Video
	seen := map[string]struct{}{}
	for _, r := range ranges {
		sub := &TrackSet{Videos: ts.Videos}
		rsel := sel
		rsel.Range = r
		rsel.OneOnly = true
		if err := sub.SelectVideos(rsel); err != nil {
			return fmt.Errorf("range %s: %w", r, err)
		}
		v := sub.Videos[0]
		k := fmt.Sprintf("%dx%d-%s", v.Width, v.Height, v.Codec)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return fmt.Errorf("%w: videos for ranges %v", ErrNoMatchingTrack, ranges)
	}
	ts.Videos = kept
	return nil
}

// SelectAudios filters the audio collection in place. Descriptive tracks are
// dropped unless requested, Atmos is preferred with a fallback to non-Atmos,
// codec and channel lists are honoured, and under MaxCompatibility the best
// bitrate per (codec, channels) cell is kept. Language selection runs last
// and keeps one track per language unless the request enumerates multiple
// codecs or channel layouts.
func (ts *TrackSet) SelectAudios(sel AudioSelection) error {
	audios := ts.Audios

	if !sel.WithDescriptive {
		var kept []*Audio
		for _, a := range audios {
			if !a.Descriptive {
				kept = append(kept, a)
			}
		}
		audios = kept
	}

	if sel.WithAtmos {
		var atmos []*Audio
		for _, a := range audios {
			if a.Atmos {
				atmos = append(atmos, a)
			}
		}
		if len(atmos) > 0 {
			audios = atmos
		}
	}

	codecs := splitList(sel.Codec)
	if len(codecs) > 0 {
		var kept []*Audio
		for _, a := range audios {
			for _, c := range codecs {
				prefixes, ok := audioFamilyPrefixes(c)
				if !ok {
					prefixes = []string{strings.ToLower(c)}
				}
				if codecInFamily(a.Codec, prefixes) {
					kept = append(kept, a)
					break
				}
			}
		}
		audios = kept
	}

	channels := splitList(sel.Channels)
	if len(channels) > 0 {
		var kept []*Audio
		for _, a := range audios {
			for _, ch := range channels {
				if a.Channels == ParseChannels(ch) {
					kept = append(kept, a)
					break
				}
			}
		}
		audios = kept
	}

	if sel.Bitrate > 0 {
		var kept []*Audio
		for _, a := range audios {
			if a.Bitrate <= sel.Bitrate*1000 {
				kept = append(kept, a)
			}
		}
		audios = kept
	}

	if sel.MaxCompatibility {
		audios = bestPerCell(audios)
	}

	onePerLang := len(codecs) <= 1 && len(channels) <= 1
	langs := sel.Languages
	if len(langs) == 0 {
		langs = []string{LangOriginal}
	}
	selected, res := SelectByLanguage(langs, audios, onePerLang)
	switch res {
	case LanguageNoOriginal:
		return fmt.Errorf("audios: %w", ErrNoOriginalLanguage)
	case LanguageEmpty:
		return fmt.Errorf("%w: audios (langs=%v codec=%s channels=%s)", ErrNoMatchingTrack, langs, sel.Codec, sel.Channels)
	}
	ts.Audios = selected
	return nil
}

// bestPerCell keeps the highest-bitrate audio per (codec family, channels)
// and language combination.
func bestPerCell(audios []*Audio) []*Audio {
	type cell struct{ codec, channels, lang string }
	best := map[cell]*Audio{}
	var order []cell
	for _, a := range audios {
		c := cell{normalizeAudioCodec(a.Codec), a.Channels, primarySubtag(a.Language)}
		cur, ok := best[c]
		if !ok {
			best[c] = a
			order = append(order, c)
			continue
		}
		if a.Bitrate > cur.Bitrate {
			best[c] = a
		}
	}
	out := make([]*Audio, 0, len(order))
	for _, c := range order {
		out = append(out, best[c])
	}
	return out
}

func normalizeAudioCodec(codec string) string {
	for _, f := range audioFamilies {
		if codecInFamily(codec, f.prefixes) {
			return f.name
		}
	}
	return strings.ToLower(codec)
}

// SelectSubtitles filters the subtitle collection in place. Closed-caption
// and SDH tracks are dropped unless requested. Forced tracks are kept only
// when requested and, when AudioLanguages is set, only for languages that
// accompany a selected audio track.
func (ts *TrackSet) SelectSubtitles(sel SubtitleSelection) error {
	var kept []*Text
	for _, s := range ts.Subtitles {
		switch {
		case s.CC && !sel.CC:
			continue
		case s.SDH && !sel.SDH:
			continue
		case s.Forced:
			if !sel.Forced {
				continue
			}
			if len(sel.AudioLanguages) > 0 && !langInList(s.Language, sel.AudioLanguages) {
				continue
			}
		}
		kept = append(kept, s)
	}

	if len(sel.Languages) > 0 {
		selected, res := SelectByLanguage(sel.Languages, kept, false)
		switch res {
		case LanguageNoOriginal:
			return fmt.Errorf("subtitles: %w", ErrNoOriginalLanguage)
		case LanguageEmpty:
			// No subtitles is not an error; the title may simply lack them.
			ts.Subtitles = nil
			return nil
		}
		kept = selected
	}
	ts.Subtitles = kept
	return nil
}

func langInList(lang string, list []string) bool {
	for _, l := range list {
		if l == LangAll || CloseMatch(l, lang) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
