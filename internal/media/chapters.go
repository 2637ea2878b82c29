package media

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

var ogmChapterRe = regexp.MustCompile(`^CHAPTER(\d+)(NAME)?=(.*)$`)

// WriteChapters serializes chapters in OGM simple chapter format.
func WriteChapters(w io.Writer, chapters []*Chapter) error {
	sorted := make([]*Chapter, len(chapters))
	copy(sorted, chapters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })
	for _, c := range sorted {
		if _, err := fmt.Fprintf(w, "CHAPTER%02d=%s\nCHAPTER%02dNAME=%s\n", c.Number, c.Timecode, c.Number, c.Title); err != nil {
			return err
		}
	}
	return nil
}

// WriteChaptersFile atomically writes an OGM chapter file at path.
func WriteChaptersFile(path string, chapters []*Chapter) error {
	var b strings.Builder
	if err := WriteChapters(&b, chapters); err != nil {
		return err
	}
	return renameio.WriteFile(path, []byte(b.String()), 0o644)
}

// ParseChapters reads an OGM simple chapter document. Parse and serialize
// round-trip exactly for well-formed input.
func ParseChapters(r io.Reader) ([]*Chapter, error) {
	byNumber := map[int]*Chapter{}
	var order []int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := ogmChapterRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: malformed chapter line %q", ErrManifest, line)
		}
		num, err := strconv.Atoi(m[1])
		if err != nil || num < 1 {
			return nil, fmt.Errorf("%w: chapter number %q", ErrManifest, m[1])
		}
		c, ok := byNumber[num]
		if !ok {
			c = &Chapter{Number: num}
			byNumber[num] = c
			order = append(order, num)
		}
		if m[2] == "NAME" {
			c.Title = m[3]
		} else {
			c.Timecode = m[3]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := make([]*Chapter, 0, len(order))
	for _, n := range order {
		out = append(out, byNumber[n])
	}
	return out, nil
}
