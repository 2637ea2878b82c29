// Package media holds the canonical title and track model shared by the
// manifest parsers, the selection logic, and the pipeline stages.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Descriptor records what kind of manifest a track came from. It determines
// how the downloader resolves segments and how the decrypt stage picks a
// decryptor.
type Descriptor string

const (
	DescriptorURL Descriptor = "URL"
	DescriptorM3U Descriptor = "M3U"
	DescriptorMPD Descriptor = "MPD"
	DescriptorISM Descriptor = "ISM"
)

// DynamicRange is the video transfer signalling. The flags are mutually
// exclusive; SDR is the zero value.
type DynamicRange string

const (
	RangeSDR   DynamicRange = "SDR"
	RangeHDR10 DynamicRange = "HDR10"
	RangeDV    DynamicRange = "DV"
	RangeHLG   DynamicRange = "HLG"
)

// Track is the header shared by every track kind. Concrete kinds (Video,
// Audio, Text) embed it; Chapter stands alone.
type Track struct {
	ID             string
	Source         string
	URLs           []string
	Codec          string
	Language       string
	IsOriginalLang bool
	Descriptor     Descriptor

	NeedsProxy  bool
	NeedsRepack bool
	Encrypted   bool

	// DRM init data per system, raw PSSH payloads where known.
	PsshWV []byte
	PsshPR []byte
	KID    string
	Key    string

	// Extra carries the manifest-specific leftovers for this track. It holds
	// exactly one of manifest.MPDExtra, manifest.HLSExtra or manifest.ISMExtra
	// so consumers can type-switch on it.
	Extra any

	location string
}

// URL returns the primary URL of the track.
func (t *Track) URL() string {
	if len(t.URLs) == 0 {
		return ""
	}
	return t.URLs[0]
}

// Location returns the on-disk path of the downloaded artifact, empty until
// the downloader has run.
func (t *Track) Location() string { return t.location }

// SetLocation records the on-disk path of the downloaded artifact.
func (t *Track) SetLocation(path string) { t.location = path }

// Swap replaces the current artifact with the file at path. The old artifact
// is removed and the new file takes over its location. Encryption state is
// cleared since swaps always install a processed (decrypted or repackaged)
// artifact.
func (t *Track) Swap(path string) error {
	if t.location == "" {
		return fmt.Errorf("track %s has no downloaded artifact to swap", t.ID)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("swap source for track %s: %w", t.ID, err)
	}
	if err := os.Remove(t.location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old artifact for track %s: %w", t.ID, err)
	}
	if err := os.Rename(path, t.location); err != nil {
		return fmt.Errorf("install new artifact for track %s: %w", t.ID, err)
	}
	t.Encrypted = false
	return nil
}

// Move relocates the artifact into dir, keeping the base name, and updates
// the recorded location.
func (t *Track) Move(dir string) error {
	if t.location == "" {
		return fmt.Errorf("track %s has no downloaded artifact to move", t.ID)
	}
	dst := filepath.Join(dir, filepath.Base(t.location))
	if err := os.Rename(t.location, dst); err != nil {
		return fmt.Errorf("move artifact for track %s: %w", t.ID, err)
	}
	t.location = dst
	return nil
}

// Delete removes the artifact from disk and clears the location.
func (t *Track) Delete() error {
	if t.location == "" {
		return nil
	}
	if err := os.Remove(t.location); err != nil && !os.IsNotExist(err) {
		return err
	}
	t.location = ""
	return nil
}

// Video is a video track.
type Video struct {
	Track
	Bitrate int // bits per second
	Width   int
	Height  int
	FPS     float64
	Range   DynamicRange

	// EIA-608 captions may be buried in the video stream; these hints tell
	// the post-process stage to run ccextractor (First means before decrypt).
	NeedsCCExtractor      bool
	NeedsCCExtractorFirst bool
}

func (v *Video) String() string {
	r := v.Range
	if r == "" {
		r = RangeSDR
	}
	return fmt.Sprintf("VID | %s | %dx%d @ %d kb/s | %s | %s", v.Codec, v.Width, v.Height, v.Bitrate/1000, r, v.Language)
}

// Audio is an audio track.
type Audio struct {
	Track
	Bitrate     int
	Channels    string // normalized layout, e.g. "2.0", "5.1"
	Descriptive bool
	Atmos       bool
}

func (a *Audio) String() string {
	tags := ""
	if a.Atmos {
		tags += " | Atmos"
	}
	if a.Descriptive {
		tags += " | AD"
	}
	return fmt.Sprintf("AUD | %s | %s @ %d kb/s | %s%s", a.Codec, a.Channels, a.Bitrate/1000, a.Language, tags)
}

// ParseChannels normalizes a manifest channel declaration to the "N.M" form.
// Smooth Streaming uses hex channel masks, DASH often uses plain counts.
// A 6-channel layout is reported as 5.1.
func ParseChannels(channels string) string {
	switch strings.ToUpper(channels) {
	case "A000":
		return "2.0"
	case "F801":
		return "5.1"
	}
	if n, err := strconv.Atoi(channels); err == nil {
		if n == 6 {
			return "5.1"
		}
		if n == 8 {
			return "7.1"
		}
		return fmt.Sprintf("%d.0", n)
	}
	if f, err := strconv.ParseFloat(channels, 64); err == nil {
		if f == 6.0 {
			return "5.1"
		}
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return channels
}

// ChannelCount parses a normalized "N.M" layout into a float for sorting.
func ChannelCount(channels string) float64 {
	f, err := strconv.ParseFloat(channels, 64)
	if err != nil {
		return 0
	}
	return f
}

// Text is a subtitle or caption track. At most one of CC, SDH and Forced may
// be set.
type Text struct {
	Track
	CC     bool
	SDH    bool
	Forced bool
}

func (t *Text) String() string {
	tag := ""
	switch {
	case t.CC:
		tag = " | CC"
	case t.SDH:
		tag = " | SDH"
	case t.Forced:
		tag = " | Forced"
	}
	return fmt.Sprintf("SUB | %s | %s%s", t.Codec, t.Language, tag)
}

// Chapter is a single chapter marker.
type Chapter struct {
	Number   int
	Title    string
	Timecode string // HH:MM:SS.mmm
}
