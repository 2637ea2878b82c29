package manifest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/media"
)

// Smooth Streaming manifest structures, [MS-SSTR] naming.
type ismDocument struct {
	XMLName    xml.Name         `xml:"SmoothStreamingMedia"`
	Duration   uint64           `xml:"Duration,attr"`
	TimeScale  uint64           `xml:"TimeScale,attr"`
	Streams    []ismStreamIndex `xml:"StreamIndex"`
	Protection *ismProtection   `xml:"Protection"`
}

type ismStreamIndex struct {
	Type          string            `xml:"Type,attr"`
	Name          string            `xml:"Name,attr"`
	Subtype       string            `xml:"Subtype,attr"`
	Language      string            `xml:"Language,attr"`
	AudioTrackID  string            `xml:"AudioTrackId,attr"`
	TimeScale     uint64            `xml:"TimeScale,attr"`
	URL           string            `xml:"Url,attr"`
	QualityLevels []ismQualityLevel `xml:"QualityLevel"`
	Fragments     []ismFragment     `xml:"c"`
}

type ismQualityLevel struct {
	Index            string `xml:"Index,attr"`
	Bitrate          int    `xml:"Bitrate,attr"`
	FourCC           string `xml:"FourCC,attr"`
	CodecPrivateData string `xml:"CodecPrivateData,attr"`
	MaxWidth         int    `xml:"MaxWidth,attr"`
	MaxHeight        int    `xml:"MaxHeight,attr"`
	Channels         string `xml:"Channels,attr"`
	HasAtmos         string `xml:"HasAtmos,attr"`
}

type ismFragment struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R *int    `xml:"r,attr"`
}

type ismProtection struct {
	Header ismProtectionHeader `xml:"ProtectionHeader"`
}

type ismProtectionHeader struct {
	SystemID string `xml:"SystemID,attr"`
	Text     string `xml:",chardata"`
}

var ismAVCPrivateData = regexp.MustCompile(`^00000001\d7([0-9a-fA-F]{6})`)

// ismCodec derives an RFC 6381 codec string from the FourCC and
// CodecPrivateData pair.
func ismCodec(fourCC, privateData string) string {
	switch {
	case fourCC == "H264", fourCC == "X264", fourCC == "DAVC", fourCC == "AVC1":
		if m := ismAVCPrivateData.FindStringSubmatch(privateData); m != nil {
			return "avc1." + strings.ToUpper(m[1])
		}
		return "avc1.4D401E"
	case strings.HasPrefix(fourCC, "AAC"):
		profile := 2
		if fourCC == "AACH" {
			profile = 5
		} else if len(privateData) >= 2 {
			// The first AudioSpecificConfig byte carries the object type in
			// its top five bits.
			if b, err := strconv.ParseUint(privateData[:2], 16, 8); err == nil {
				if p := int(b&0xF8) >> 3; p != 0 {
					profile = p
				}
			}
		}
		return fmt.Sprintf("mp4a.40.%d", profile)
	}
	return fourCC
}

func parseISM(body []byte, manifestURL, source string) (*media.TrackSet, error) {
	var doc ismDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrManifest, err)
	}

	var (
		encrypted bool
		psshPR    []byte
		kid       string
	)
	if doc.Protection != nil {
		systemID := strings.ToLower(strings.ReplaceAll(doc.Protection.Header.SystemID, "-", ""))
		wv := strings.ReplaceAll(drm.WidevineSystemID.String(), "-", "")
		pr := strings.ReplaceAll(drm.PlayReadySystemID.String(), "-", "")
		if systemID == wv || systemID == pr {
			encrypted = true
			blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(doc.Protection.Header.Text))
			if err != nil {
				return nil, fmt.Errorf("%w: protection header: %w", media.ErrManifest, err)
			}
			psshPR = blob
			if k, err := drm.KIDFromPlayReadyBlob(blob); err == nil {
				kid = k
			}
		}
	}

	set := &media.TrackSet{}
	for _, stream := range doc.Streams {
		timescale := stream.TimeScale
		if timescale == 0 {
			timescale = doc.TimeScale
		}
		fragmentTimes := expandFragmentTimes(stream.Fragments)
		lang := strings.ToLower(strings.TrimSpace(stream.Language))
		if base, _, ok := strings.Cut(lang, "-"); ok {
			lang = base
		}

		for _, ql := range stream.QualityLevels {
			privateData := strings.TrimSpace(ql.CodecPrivateData)
			codec := ismCodec(ql.FourCC, privateData)
			id := trackID(codec, lang, ql.Bitrate, stream.AudioTrackID+ql.Index+privateData)

			header := media.Track{
				ID:          id,
				Source:      source,
				URLs:        []string{manifestURL},
				Codec:       codec,
				Language:    lang,
				Descriptor:  media.DescriptorISM,
				NeedsRepack: true,
				Encrypted:   encrypted,
				PsshPR:      psshPR,
				KID:         kid,
				Extra: ISMExtra{
					URLTemplate:   stream.URL,
					Bitrate:       ql.Bitrate,
					TimeScale:     timescale,
					FragmentTimes: fragmentTimes,
				},
			}

			switch strings.ToLower(stream.Type) {
			case "video":
				lower := strings.ToLower(codec)
				dynRange := media.RangeSDR
				if strings.HasPrefix(lower, "dvhe") || strings.HasPrefix(lower, "dvh1") {
					dynRange = media.RangeDV
				} else if strings.HasPrefix(lower, "hvc1") || strings.HasPrefix(lower, "hev1") {
					dynRange = media.RangeHDR10
				}
				if _, err := set.AddVideos(true, &media.Video{
					Track:   header,
					Bitrate: ql.Bitrate,
					Width:   ql.MaxWidth,
					Height:  ql.MaxHeight,
					Range:   dynRange,
				}); err != nil {
					return nil, err
				}
			case "audio":
				atmos := strings.EqualFold(ql.HasAtmos, "true") || strings.Contains(stream.Name, "ATM")
				if _, err := set.AddAudios(true, &media.Audio{
					Track:    header,
					Bitrate:  ql.Bitrate,
					Channels: media.ParseChannels(ql.Channels),
					Atmos:    atmos,
				}); err != nil {
					return nil, err
				}
			case "text":
				if _, err := set.AddSubtitles(true, &media.Text{
					Track: header,
					CC:    strings.EqualFold(stream.Subtype, "CAPT"),
				}); err != nil {
					return nil, err
				}
			}
		}
	}

	if set.Total() == 0 {
		return nil, fmt.Errorf("%w: no usable tracks in smooth manifest", media.ErrManifest)
	}
	return set, nil
}

// expandFragmentTimes flattens the c elements into absolute start times. An
// explicit t resets the clock; r repeats a duration that many times in total.
func expandFragmentTimes(fragments []ismFragment) []uint64 {
	var times []uint64
	var current uint64
	for _, frag := range fragments {
		if frag.T != nil {
			current = *frag.T
		}
		repeats := 1
		if frag.R != nil && *frag.R > 1 {
			repeats = *frag.R
		}
		for i := 0; i < repeats; i++ {
			times = append(times, current)
			current += frag.D
		}
	}
	return times
}
