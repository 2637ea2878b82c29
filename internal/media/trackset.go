package media

import (
	"fmt"
	"sort"
	"strings"
)

// TrackSet is the typed container the manifest parsers fill and the pipeline
// stages consume. Track ids are unique across all collections.
type TrackSet struct {
	Videos    []*Video
	Audios    []*Audio
	Subtitles []*Text
	Chapters  []*Chapter
}

// Total returns the number of media tracks, chapters excluded.
func (ts *TrackSet) Total() int {
	return len(ts.Videos) + len(ts.Audios) + len(ts.Subtitles)
}

func (ts *TrackSet) ids() map[string]struct{} {
	ids := make(map[string]struct{}, ts.Total())
	for _, v := range ts.Videos {
		ids[v.ID] = struct{}{}
	}
	for _, a := range ts.Audios {
		ids[a.ID] = struct{}{}
	}
	for _, s := range ts.Subtitles {
		ids[s.ID] = struct{}{}
	}
	return ids
}

// AddVideos inserts videos, rejecting duplicate ids. With warnOnly the
// duplicates are skipped and their ids returned so the caller can log them;
// otherwise the first duplicate is an error. Existing tracks are never
// overwritten.
func (ts *TrackSet) AddVideos(warnOnly bool, videos ...*Video) ([]string, error) {
	ids := ts.ids()
	var skipped []string
	for _, v := range videos {
		if _, dup := ids[v.ID]; dup {
			if !warnOnly {
				return skipped, fmt.Errorf("%w: %s", ErrDuplicateTrack, v.ID)
			}
			skipped = append(skipped, v.ID)
			continue
		}
		ids[v.ID] = struct{}{}
		ts.Videos = append(ts.Videos, v)
	}
	return skipped, nil
}

// AddAudios inserts audios with the same duplicate policy as AddVideos.
func (ts *TrackSet) AddAudios(warnOnly bool, audios ...*Audio) ([]string, error) {
	ids := ts.ids()
	var skipped []string
	for _, a := range audios {
		if _, dup := ids[a.ID]; dup {
			if !warnOnly {
				return skipped, fmt.Errorf("%w: %s", ErrDuplicateTrack, a.ID)
			}
			skipped = append(skipped, a.ID)
			continue
		}
		ids[a.ID] = struct{}{}
		ts.Audios = append(ts.Audios, a)
	}
	return skipped, nil
}

// AddSubtitles inserts subtitles with the same duplicate policy as AddVideos.
func (ts *TrackSet) AddSubtitles(warnOnly bool, subs ...*Text) ([]string, error) {
	ids := ts.ids()
	var skipped []string
	for _, s := range subs {
		if _, dup := ids[s.ID]; dup {
			if !warnOnly {
				return skipped, fmt.Errorf("%w: %s", ErrDuplicateTrack, s.ID)
			}
			skipped = append(skipped, s.ID)
			continue
		}
		ids[s.ID] = struct{}{}
		ts.Subtitles = append(ts.Subtitles, s)
	}
	return skipped, nil
}

// AddChapters appends chapter markers. Chapters have no track ids.
func (ts *TrackSet) AddChapters(chapters ...*Chapter) {
	ts.Chapters = append(ts.Chapters, chapters...)
}

// Merge folds another set into this one using the same duplicate policy.
func (ts *TrackSet) Merge(other *TrackSet, warnOnly bool) ([]string, error) {
	var skipped []string
	s, err := ts.AddVideos(warnOnly, other.Videos...)
	skipped = append(skipped, s...)
	if err != nil {
		return skipped, err
	}
	s, err = ts.AddAudios(warnOnly, other.Audios...)
	skipped = append(skipped, s...)
	if err != nil {
		return skipped, err
	}
	s, err = ts.AddSubtitles(warnOnly, other.Subtitles...)
	skipped = append(skipped, s...)
	if err != nil {
		return skipped, err
	}
	ts.AddChapters(other.Chapters...)
	return skipped, nil
}

// MarkOriginalLang flags close matches of lang as original language on every
// media track.
func (ts *TrackSet) MarkOriginalLang(lang string) {
	for _, v := range ts.Videos {
		v.IsOriginalLang = CloseMatch(lang, v.Language)
	}
	for _, a := range ts.Audios {
		a.IsOriginalLang = CloseMatch(lang, a.Language)
	}
	for _, s := range ts.Subtitles {
		s.IsOriginalLang = CloseMatch(lang, s.Language)
	}
}

// SortVideos orders videos by descending bitrate, then stably partitions so
// that tracks matching each language in byLanguage come first. The languages
// are applied in reverse so the first listed language ends up at the front.
func (ts *TrackSet) SortVideos(byLanguage ...string) {
	sort.SliceStable(ts.Videos, func(i, j int) bool {
		return ts.Videos[i].Bitrate > ts.Videos[j].Bitrate
	})
	for i := len(byLanguage) - 1; i >= 0; i-- {
		partitionByLanguage(ts.Videos, byLanguage[i])
	}
}

// SortAudios orders audios by descending bitrate, then descending channel
// count, then non-descriptive before descriptive, then the language
// partitioning used for videos.
func (ts *TrackSet) SortAudios(byLanguage ...string) {
	sort.SliceStable(ts.Audios, func(i, j int) bool {
		return ts.Audios[i].Bitrate > ts.Audios[j].Bitrate
	})
	sort.SliceStable(ts.Audios, func(i, j int) bool {
		return ChannelCount(ts.Audios[i].Channels) > ChannelCount(ts.Audios[j].Channels)
	})
	sort.SliceStable(ts.Audios, func(i, j int) bool {
		return !ts.Audios[i].Descriptive && ts.Audios[j].Descriptive
	})
	for i := len(byLanguage) - 1; i >= 0; i-- {
		partitionByLanguage(ts.Audios, byLanguage[i])
	}
}

// SortSubtitles orders subtitles ascending by language with a CC/SDH suffix,
// floats forced tracks to the top, then applies the language partitioning.
func (ts *TrackSet) SortSubtitles(byLanguage ...string) {
	key := func(t *Text) string {
		k := strings.ToLower(t.Language)
		switch {
		case t.CC:
			k += "-cc"
		case t.SDH:
			k += "-sdh"
		}
		return k
	}
	sort.SliceStable(ts.Subtitles, func(i, j int) bool {
		return key(ts.Subtitles[i]) < key(ts.Subtitles[j])
	})
	sort.SliceStable(ts.Subtitles, func(i, j int) bool {
		return ts.Subtitles[i].Forced && !ts.Subtitles[j].Forced
	})
	for i := len(byLanguage) - 1; i >= 0; i-- {
		partitionByLanguage(ts.Subtitles, byLanguage[i])
	}
}
