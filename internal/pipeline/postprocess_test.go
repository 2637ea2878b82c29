package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/tools"
)

func trackWithArtifact(t *testing.T, name, content string) string {
	t.Helper()
	loc := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(loc, []byte(content), 0o644))
	return loc
}

func TestProcessAudioFixesISMAtmos(t *testing.T) {
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	stage := &PostProcessStage{Runner: runner}

	a := &media.Audio{
		Track: media.Track{ID: "a1", Descriptor: media.DescriptorISM, NeedsRepack: true},
		Atmos: true,
	}
	a.SetLocation(trackWithArtifact(t, "a1.mp4", "fragments"))

	require.NoError(t, stage.ProcessAudio(context.Background(), a))

	ff := runner.callsFor(tools.FFmpeg)
	require.Len(t, ff, 2, "atmos fix then repack")
	assert.Contains(t, ff[0].args, "-c:a")
	assert.Contains(t, ff[0].args[len(ff[0].args)-1], ".eac3")
	assert.Contains(t, ff[1].args, "-map_metadata")
	assert.False(t, a.NeedsRepack)
}

func TestProcessAudioSkipsCleanTrack(t *testing.T) {
	runner := &fakeRunner{}
	stage := &PostProcessStage{Runner: runner}

	a := &media.Audio{Track: media.Track{ID: "a1", Descriptor: media.DescriptorMPD}}
	a.SetLocation(trackWithArtifact(t, "a1.mp4", "audio"))

	require.NoError(t, stage.ProcessAudio(context.Background(), a))
	assert.Empty(t, runner.calls)
}

func TestRepackAfterMP4Decrypt(t *testing.T) {
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	stage := &PostProcessStage{Runner: runner, UsedMP4Decrypt: true}

	v := &media.Video{Track: media.Track{ID: "v1", Descriptor: media.DescriptorMPD}}
	v.SetLocation(trackWithArtifact(t, "v1.mp4", "video"))

	_, err := stage.ProcessVideo(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, runner.callsFor(tools.FFmpeg), 1)
	args := runner.callsFor(tools.FFmpeg)[0].args
	assert.Contains(t, args, "-fflags")
	assert.Contains(t, args, "bitexact")
}

func TestExtractCaptionsAttachesSubtitle(t *testing.T) {
	runner := &fakeRunner{onRun: touchOutput(t, 64)}
	stage := &PostProcessStage{Runner: runner}

	v := &media.Video{
		Track:            media.Track{ID: "v1", Language: "en"},
		NeedsCCExtractor: true,
	}
	v.SetLocation(trackWithArtifact(t, "v1.mp4", "video"))

	cc, err := stage.ProcessVideo(context.Background(), v)
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.True(t, cc.CC)
	assert.Equal(t, "en", cc.Language)
	assert.Equal(t, "v1-cc", cc.ID)
	assert.FileExists(t, cc.Location())
}

func TestExtractCaptionsEmptyOutputDropped(t *testing.T) {
	runner := &fakeRunner{onRun: touchOutput(t, 0)} // ccextractor wrote nothing useful
	stage := &PostProcessStage{Runner: runner}

	v := &media.Video{Track: media.Track{ID: "v1"}, NeedsCCExtractor: true}
	v.SetLocation(trackWithArtifact(t, "v1.mp4", "video"))

	cc, err := stage.ProcessVideo(context.Background(), v)
	require.NoError(t, err)
	assert.Nil(t, cc)
}

func TestExtractCaptionsToleratesExitTen(t *testing.T) {
	runner := &fakeRunner{
		exitCode: map[string]int{tools.CCExtractor: 10},
		onRun:    touchOutput(t, 64),
	}
	stage := &PostProcessStage{Runner: runner}

	v := &media.Video{Track: media.Track{ID: "v1"}, NeedsCCExtractor: true}
	v.SetLocation(trackWithArtifact(t, "v1.mp4", "video"))

	cc, err := stage.ProcessVideo(context.Background(), v)
	require.NoError(t, err)
	assert.NotNil(t, cc)
}

const sdhFixture = `1
00:00:01,000 --> 00:00:02,000
[door slams]

2
00:00:03,000 --> 00:00:04,000
(Anna) Hello there.

3
00:00:05,000 --> 00:00:06,000
♪ ominous music ♪

4
00:00:07,000 --> 00:00:08,000
Plain dialogue.
`

func TestStripSDH(t *testing.T) {
	stage := &PostProcessStage{Runner: &fakeRunner{}, StripSDH: true}

	sub := &media.Text{Track: media.Track{ID: "s1", Codec: "srt"}, SDH: true}
	sub.SetLocation(trackWithArtifact(t, "s1.srt", sdhFixture))

	require.NoError(t, stage.ProcessSubtitle(context.Background(), sub))
	assert.False(t, sub.SDH)
	assert.True(t, sub.CC)

	data, err := os.ReadFile(sub.Location())
	require.NoError(t, err)
	text := string(data)
	assert.NotContains(t, text, "door slams")
	assert.NotContains(t, text, "ominous music")
	assert.NotContains(t, text, "(Anna)")
	assert.Contains(t, text, "Hello there.")
	assert.Contains(t, text, "Plain dialogue.")
	// Blocks are renumbered after cue-only blocks drop out.
	assert.Contains(t, text, "1\n00:00:03,000")
	assert.Contains(t, text, "2\n00:00:07,000")
}

func TestStripSDHLeavesPlainSubtitlesAlone(t *testing.T) {
	stage := &PostProcessStage{Runner: &fakeRunner{}, StripSDH: true}

	sub := &media.Text{Track: media.Track{ID: "s1", Codec: "srt"}}
	sub.SetLocation(trackWithArtifact(t, "s1.srt", sdhFixture))

	require.NoError(t, stage.ProcessSubtitle(context.Background(), sub))
	data, err := os.ReadFile(sub.Location())
	require.NoError(t, err)
	assert.Contains(t, string(data), "door slams")
}

func TestStripSDHCuesRenumbers(t *testing.T) {
	out := stripSDHCues(sdhFixture)
	assert.NotContains(t, out, "[door slams]")
	assert.Contains(t, out, "Hello there.")
}
