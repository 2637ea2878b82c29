package manifest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/streamdl/internal/media"
)

// HLS KEYFORMAT values for the two DRM systems.
const (
	keyformatWidevine  = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	keyformatPlayReady = "com.microsoft.playready"
)

var hlsAttrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// parseHLSAttributes splits an EXT-X tag attribute list into a map. Quoted
// values keep their quotes stripped.
func parseHLSAttributes(s string) map[string]string {
	attrs := map[string]string{}
	for _, m := range hlsAttrPattern.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = strings.Trim(m[2], `"`)
	}
	return attrs
}

// hlsKey is one EXT-X-KEY / EXT-X-SESSION-KEY worth of protection data.
type hlsKey struct {
	psshWV []byte
	psshPR []byte
}

func parseHLSKey(attrs map[string]string) hlsKey {
	var key hlsKey
	uri := attrs["URI"]
	payload := decodeDataURI(uri)
	if payload == nil {
		return key
	}
	switch {
	case strings.EqualFold(attrs["KEYFORMAT"], keyformatWidevine):
		key.psshWV = payload
	case strings.EqualFold(attrs["KEYFORMAT"], keyformatPlayReady):
		key.psshPR = payload
	}
	return key
}

// decodeDataURI unpacks data:...;base64,XXX URIs, which is how HLS carries
// PSSH payloads inline.
func decodeDataURI(uri string) []byte {
	if !strings.HasPrefix(uri, "data:") {
		return nil
	}
	_, b64, ok := strings.Cut(uri, "base64,")
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return data
}

// parseM3U parses a master playlist. Media playlists are the downloader's
// business; every track here points at its playlist URL.
func parseM3U(body []byte, base *url.URL, source string) (*media.TrackSet, error) {
	set := &media.TrackSet{}
	var sessionKey hlsKey
	var streamAttrs map[string]string
	streamIndex := 0

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"), strings.HasPrefix(line, "#EXT-X-KEY:"):
			_, raw, _ := strings.Cut(line, ":")
			key := parseHLSKey(parseHLSAttributes(raw))
			if key.psshWV != nil {
				sessionKey.psshWV = key.psshWV
			}
			if key.psshPR != nil {
				sessionKey.psshPR = key.psshPR
			}

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			streamAttrs = parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))

		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseHLSAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if err := addHLSMedia(set, attrs, base, source); err != nil {
				return nil, err
			}

		case line != "" && !strings.HasPrefix(line, "#") && streamAttrs != nil:
			if err := addHLSStream(set, streamAttrs, line, base, source, streamIndex); err != nil {
				return nil, err
			}
			streamAttrs = nil
			streamIndex++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrManifest, err)
	}
	if set.Total() == 0 {
		return nil, fmt.Errorf("%w: no usable tracks in playlist", media.ErrManifest)
	}

	applySessionKey(set, sessionKey)
	return set, nil
}

func addHLSStream(set *media.TrackSet, attrs map[string]string, uri string, base *url.URL, source string, index int) error {
	bandwidth, _ := strconv.Atoi(attrs["BANDWIDTH"])
	var width, height int
	if res := attrs["RESOLUTION"]; res != "" {
		if w, h, ok := strings.Cut(res, "x"); ok {
			width, _ = strconv.Atoi(w)
			height, _ = strconv.Atoi(h)
		}
	}
	// CODECS lists every codec in the variant; the first entry is the video
	// codec by convention.
	codec := attrs["CODECS"]
	if c, _, ok := strings.Cut(codec, ","); ok {
		codec = c
	}
	fps, _ := strconv.ParseFloat(attrs["FRAME-RATE"], 64)

	playlist := resolveURL(base, uri)
	video := &media.Video{
		Track: media.Track{
			ID:         trackID(codec, "", bandwidth, fmt.Sprintf("%dx%d-%d", width, height, index)),
			Source:     source,
			URLs:       []string{playlist},
			Codec:      codec,
			Descriptor: media.DescriptorM3U,
			Extra:      HLSExtra{URI: playlist},
		},
		Bitrate: bandwidth,
		Width:   width,
		Height:  height,
		FPS:     fps,
		Range:   detectRange(codec, nil),
	}
	if attrs["VIDEO-RANGE"] == "PQ" && video.Range == media.RangeSDR {
		video.Range = media.RangeHDR10
	}
	if attrs["VIDEO-RANGE"] == "HLG" {
		video.Range = media.RangeHLG
	}
	_, err := set.AddVideos(true, video)
	return err
}

func addHLSMedia(set *media.TrackSet, attrs map[string]string, base *url.URL, source string) error {
	uri := attrs["URI"]
	if uri == "" {
		// Renditions without a URI are multiplexed into the variant streams
		// (CLOSED-CAPTIONS groups mostly).
		return nil
	}
	playlist := resolveURL(base, uri)
	lang := strings.ToLower(attrs["LANGUAGE"])
	name := attrs["NAME"]
	groupID := attrs["GROUP-ID"]
	extra := HLSExtra{GroupID: groupID, Name: name, URI: playlist}
	characteristics := attrs["CHARACTERISTICS"]

	header := media.Track{
		ID:         trackID(groupID, lang, 0, name),
		Source:     source,
		URLs:       []string{playlist},
		Language:   lang,
		Descriptor: media.DescriptorM3U,
		Extra:      extra,
	}

	switch strings.ToUpper(attrs["TYPE"]) {
	case "AUDIO":
		channels := attrs["CHANNELS"]
		// Apple signals Atmos as "16/JOC".
		atmos := strings.Contains(channels, "JOC")
		if n, _, ok := strings.Cut(channels, "/"); ok {
			channels = n
		}
		if atmos {
			channels = "16"
		}
		_, err := set.AddAudios(true, &media.Audio{
			Track:       header,
			Channels:    media.ParseChannels(channels),
			Atmos:       atmos,
			Descriptive: strings.Contains(characteristics, "public.accessibility.describes-video"),
		})
		return err
	case "SUBTITLES":
		_, err := set.AddSubtitles(true, &media.Text{
			Track:  header,
			Forced: attrs["FORCED"] == "YES",
			SDH: strings.Contains(characteristics, "public.accessibility.transcribes-spoken-dialog") &&
				strings.Contains(characteristics, "public.accessibility.describes-music-and-sound"),
		})
		return err
	}
	return nil
}

// applySessionKey stamps playlist-level protection onto every video and audio
// track that did not carry its own.
func applySessionKey(set *media.TrackSet, key hlsKey) {
	if key.psshWV == nil && key.psshPR == nil {
		return
	}
	for _, v := range set.Videos {
		applyKeyToTrack(&v.Track, key)
	}
	for _, a := range set.Audios {
		applyKeyToTrack(&a.Track, key)
	}
}

func applyKeyToTrack(t *media.Track, key hlsKey) {
	t.Encrypted = true
	if len(t.PsshWV) == 0 {
		t.PsshWV = key.psshWV
	}
	if len(t.PsshPR) == 0 {
		t.PsshPR = key.psshPR
	}
}
