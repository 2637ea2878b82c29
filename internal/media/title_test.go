package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleValidate(t *testing.T) {
	tests := []struct {
		name    string
		title   Title
		wantErr bool
	}{
		{"movie ok", Title{Type: TitleMovie, Name: "Film"}, false},
		{"movie with episode", Title{Type: TitleMovie, Name: "Film", Season: 1, Episode: 2}, true},
		{"tv ok", Title{Type: TitleTV, Name: "Show", Season: 1, Episode: 2}, false},
		{"tv missing episode", Title{Type: TitleTV, Name: "Show", Season: 1}, true},
		{"unknown type", Title{Type: "radio", Name: "X"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.title.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTitleFilenameMovie(t *testing.T) {
	title := Title{
		Type: TitleMovie,
		Name: "Some Film: The Sequel",
		Year: 2021,
	}
	title.Tracks.Videos = []*Video{video("v", "hvc1.2.4", "en", 3840, 2160, 16000000, RangeHDR10)}
	title.Tracks.Audios = []*Audio{audio("a", "ec-3", "en", "5.1", 640000)}

	got := title.Filename("AMZN")
	assert.Equal(t, "Some.Film.The.Sequel.2021.2160p.AMZN.WEB-DL.DDP5.1.HDR10.H.265", got)
}

func TestTitleFilenameEpisode(t *testing.T) {
	title := Title{
		Type:        TitleTV,
		Name:        "Some Show",
		Season:      1,
		Episode:     3,
		EpisodeName: "The One",
	}
	title.Tracks.Videos = []*Video{video("v", "avc1.640028", "en", 1920, 1080, 8000000, "")}
	title.Tracks.Audios = []*Audio{audio("a", "mp4a.40.2", "en", "2.0", 128000)}

	got := title.Filename("NF")
	assert.Equal(t, "Some.Show.S01E03.The.One.1080p.NF.WEB-DL.AAC2.0.H.264", got)
	assert.Equal(t, "Some.Show", title.SeriesFolder())
}

func TestTitleFilenameDeterministic(t *testing.T) {
	title := Title{Type: TitleMovie, Name: "Film", Year: 2020}
	assert.Equal(t, title.Filename("NF"), title.Filename("NF"))
}
