package media

import (
	"strings"

	"golang.org/x/text/language"
)

// Language sentinels accepted wherever a language list is taken.
const (
	LangOriginal = "orig" // the track marked as original language
	LangAll      = "all"  // disables language filtering
)

// CloseMatch reports whether two BCP-47 tags share the same primary language
// subtag. "en" close-matches "en-US" and "en-GB" but not "es".
func CloseMatch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ta, err := language.Parse(a)
	if err != nil {
		return strings.EqualFold(primarySubtag(a), primarySubtag(b))
	}
	tb, err := language.Parse(b)
	if err != nil {
		return strings.EqualFold(primarySubtag(a), primarySubtag(b))
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}

func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// LanguageResult classifies the outcome of a language selection.
type LanguageResult int

const (
	LanguageFound LanguageResult = iota
	LanguageEmpty
	LanguageNoOriginal
)

// Header gives generic code access to the shared track fields of any kind.
func (t *Track) Header() *Track { return t }

// SelectByLanguage is the shared language filter. langs may contain BCP-47
// tags plus the sentinels: LangAll disables filtering entirely, LangOriginal
// expands to the tracks flagged as original language. It returns
// LanguageNoOriginal only when LangOriginal was requested, the set spans more
// than one language, and no track carries the original-language flag. When
// onePerLang is set only the first close match per requested language is
// kept.
func SelectByLanguage[T interface{ Header() *Track }](langs []string, tracks []T, onePerLang bool) ([]T, LanguageResult) {
	if len(tracks) == 0 {
		return nil, LanguageEmpty
	}
	for _, l := range langs {
		if l == LangAll {
			return tracks, LanguageFound
		}
	}

	var out []T
	for _, want := range langs {
		if want == LangOriginal {
			originals := 0
			distinct := map[string]struct{}{}
			for _, tr := range tracks {
				h := tr.Header()
				distinct[primarySubtag(h.Language)] = struct{}{}
				if h.IsOriginalLang {
					out = append(out, tr)
					originals++
					if onePerLang {
						break
					}
				}
			}
			if originals == 0 {
				if len(distinct) <= 1 {
					// A single language with no flag is unambiguous.
					out = append(out, tracks[0])
					if !onePerLang {
						out = append(out, tracks[1:]...)
					}
					continue
				}
				return nil, LanguageNoOriginal
			}
			continue
		}
		for _, tr := range tracks {
			if CloseMatch(want, tr.Header().Language) {
				out = append(out, tr)
				if onePerLang {
					break
				}
			}
		}
	}

	out = dedupeByID(out)
	if len(out) == 0 {
		return nil, LanguageEmpty
	}
	return out, LanguageFound
}

func dedupeByID[T interface{ Header() *Track }](tracks []T) []T {
	seen := make(map[string]struct{}, len(tracks))
	out := tracks[:0:0]
	for _, tr := range tracks {
		id := tr.Header().ID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, tr)
	}
	return out
}

// partitionByLanguage stably moves close matches of lang to the front. The
// LangAll sentinel moves original-language tracks to the front instead.
func partitionByLanguage[T interface{ Header() *Track }](tracks []T, lang string) {
	match := func(h *Track) bool { return CloseMatch(lang, h.Language) }
	if lang == LangAll {
		match = func(h *Track) bool { return h.IsOriginalLang }
	}
	var front, back []T
	for _, tr := range tracks {
		if match(tr.Header()) {
			front = append(front, tr)
		} else {
			back = append(back, tr)
		}
	}
	copy(tracks, front)
	copy(tracks[len(front):], back)
}
