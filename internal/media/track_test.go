package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannels(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A000", "2.0"},
		{"F801", "5.1"},
		{"2", "2.0"},
		{"6", "5.1"},
		{"6.0", "5.1"},
		{"8", "7.1"},
		{"2.0", "2.0"},
		{"5.1", "5.1"},
		{"7.1", "7.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseChannels(tt.in))
		})
	}
}

func TestChannelCount(t *testing.T) {
	assert.Greater(t, ChannelCount("5.1"), ChannelCount("2.0"))
	assert.Zero(t, ChannelCount("bogus"))
}

func TestTrackSwap(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "track.mp4")
	newPath := filepath.Join(dir, "track_dec.mp4")
	require.NoError(t, os.WriteFile(oldPath, []byte("encrypted"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("decrypted"), 0o644))

	tr := &Track{ID: "t1", Encrypted: true}
	tr.SetLocation(oldPath)
	require.NoError(t, tr.Swap(newPath))

	assert.False(t, tr.Encrypted)
	assert.Equal(t, oldPath, tr.Location())
	data, err := os.ReadFile(oldPath)
	require.NoError(t, err)
	assert.Equal(t, "decrypted", string(data))
	assert.NoFileExists(t, newPath)
}

func TestTrackSwapMissingSource(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "track.mp4")
	require.NoError(t, os.WriteFile(oldPath, []byte("data"), 0o644))

	tr := &Track{ID: "t1"}
	tr.SetLocation(oldPath)
	require.Error(t, tr.Swap(filepath.Join(dir, "missing.mp4")))
}

func TestTrackMoveAndDelete(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a", "track.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	tr := &Track{ID: "t1"}
	tr.SetLocation(src)
	require.NoError(t, tr.Move(dst))
	assert.Equal(t, filepath.Join(dst, "track.mp4"), tr.Location())

	require.NoError(t, tr.Delete())
	assert.Empty(t, tr.Location())
	assert.NoFileExists(t, filepath.Join(dst, "track.mp4"))
}
