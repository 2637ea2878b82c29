package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChaptersRoundTrip(t *testing.T) {
	chapters := []*Chapter{
		{Number: 1, Title: "Opening", Timecode: "00:00:00.000"},
		{Number: 2, Title: "Part One", Timecode: "00:04:12.500"},
		{Number: 3, Title: "Credits", Timecode: "00:41:03.250"},
	}

	var b strings.Builder
	require.NoError(t, WriteChapters(&b, chapters))

	parsed, err := ParseChapters(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Equal(t, chapters, parsed)

	var b2 strings.Builder
	require.NoError(t, WriteChapters(&b2, parsed))
	assert.Equal(t, b.String(), b2.String())
}

func TestParseChaptersRejectsGarbage(t *testing.T) {
	_, err := ParseChapters(strings.NewReader("not a chapter line\n"))
	require.ErrorIs(t, err, ErrManifest)
}

func TestParseChaptersRejectsZeroNumber(t *testing.T) {
	_, err := ParseChapters(strings.NewReader("CHAPTER00=00:00:00.000\n"))
	require.ErrorIs(t, err, ErrManifest)
}

func TestWriteChaptersOrdersByNumber(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteChapters(&b, []*Chapter{
		{Number: 2, Title: "B", Timecode: "00:10:00.000"},
		{Number: 1, Title: "A", Timecode: "00:00:00.000"},
	}))
	assert.True(t, strings.HasPrefix(b.String(), "CHAPTER01=00:00:00.000\n"))
}
