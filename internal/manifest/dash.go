package manifest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmylchreest/streamdl/internal/drm"
	"github.com/jmylchreest/streamdl/internal/media"
)

// DASH ContentProtection scheme ids.
const (
	schemeMP4Protection = "urn:mpeg:dash:mp4protection:2011"
	schemeWidevine      = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	schemePlayReady     = "urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95"
	schemeCICPTransfer  = "urn:mpeg:mpegb:cicp:transfercharacteristics"
	schemeEC3JOC        = "tag:dolby.com,2018:dash:ec3_extensiontype:2018"
)

type mpdDocument struct {
	XMLName                   xml.Name    `xml:"MPD"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	Periods                   []mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	ID             string             `xml:"id,attr"`
	Duration       string             `xml:"duration,attr"`
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	MimeType           string                 `xml:"mimeType,attr"`
	ContentType        string                 `xml:"contentType,attr"`
	Lang               string                 `xml:"lang,attr"`
	Codecs             string                 `xml:"codecs,attr"`
	FrameRate          string                 `xml:"frameRate,attr"`
	BaseURL            string                 `xml:"BaseURL"`
	SegmentTemplate    *mpdSegmentTemplate    `xml:"SegmentTemplate"`
	ContentProtections []mpdContentProtection `xml:"ContentProtection"`
	Roles              []mpdDescriptorElem    `xml:"Role"`
	Accessibility      []mpdDescriptorElem    `xml:"Accessibility"`
	Supplementals      []mpdDescriptorElem    `xml:"SupplementalProperty"`
	Representations    []mpdRepresentation    `xml:"Representation"`
}

type mpdRepresentation struct {
	ID                 string                 `xml:"id,attr"`
	Bandwidth          int                    `xml:"bandwidth,attr"`
	Width              int                    `xml:"width,attr"`
	Height             int                    `xml:"height,attr"`
	Codecs             string                 `xml:"codecs,attr"`
	MimeType           string                 `xml:"mimeType,attr"`
	FrameRate          string                 `xml:"frameRate,attr"`
	AudioChannels      []mpdDescriptorElem    `xml:"AudioChannelConfiguration"`
	Supplementals      []mpdDescriptorElem    `xml:"SupplementalProperty"`
	ContentProtections []mpdContentProtection `xml:"ContentProtection"`
	BaseURL            string                 `xml:"BaseURL"`
	SegmentTemplate    *mpdSegmentTemplate    `xml:"SegmentTemplate"`
	SegmentList        *mpdSegmentList        `xml:"SegmentList"`
}

type mpdSegmentTemplate struct {
	Media          string       `xml:"media,attr"`
	Initialization string       `xml:"initialization,attr"`
	Timescale      uint64       `xml:"timescale,attr"`
	Duration       uint64       `xml:"duration,attr"`
	StartNumber    *int         `xml:"startNumber,attr"`
	Timeline       *mpdTimeline `xml:"SegmentTimeline"`
}

type mpdTimeline struct {
	S []mpdSegmentTime `xml:"S"`
}

type mpdSegmentTime struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

type mpdSegmentList struct {
	Initialization *mpdURLType  `xml:"Initialization"`
	Segments       []mpdURLType `xml:"SegmentURL"`
}

type mpdURLType struct {
	SourceURL string `xml:"sourceURL,attr"`
	Media     string `xml:"media,attr"`
}

type mpdContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	Pssh        string `xml:"pssh"`
	Pro         string `xml:"pro"`
}

type mpdDescriptorElem struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// protection is the DRM signalling collected from ContentProtection elements
// at either level.
type protection struct {
	encrypted bool
	kid       string
	psshWV    []byte
	psshPR    []byte
}

func (p protection) merge(other protection) protection {
	out := p
	out.encrypted = out.encrypted || other.encrypted
	if out.kid == "" {
		out.kid = other.kid
	}
	if len(out.psshWV) == 0 {
		out.psshWV = other.psshWV
	}
	if len(out.psshPR) == 0 {
		out.psshPR = other.psshPR
	}
	return out
}

func collectProtection(cps []mpdContentProtection) protection {
	var p protection
	for _, cp := range cps {
		p.encrypted = true
		switch strings.ToLower(cp.SchemeIDURI) {
		case schemeMP4Protection:
			if cp.DefaultKID != "" {
				if kid, err := drm.NormalizeKID(strings.ReplaceAll(cp.DefaultKID, "-", "")); err == nil {
					p.kid = kid
				}
			}
		case schemeWidevine:
			if data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cp.Pssh)); err == nil {
				p.psshWV = data
			}
		case schemePlayReady:
			blob := cp.Pssh
			if blob == "" {
				blob = cp.Pro
			}
			if data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob)); err == nil {
				p.psshPR = data
			}
		}
	}
	return p
}

func parseMPD(body []byte, base *url.URL, source string) (*media.TrackSet, error) {
	var doc mpdDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrManifest, err)
	}

	set := &media.TrackSet{}
	totalSeconds := parseISODuration(doc.MediaPresentationDuration)

	for _, period := range doc.Periods {
		periodSeconds := parseISODuration(period.Duration)
		if periodSeconds == 0 {
			periodSeconds = totalSeconds
		}
		periodBase := resolveBase(base, doc.BaseURL, period.BaseURL)

		for _, as := range period.AdaptationSets {
			asBase := resolveBase(periodBase, as.BaseURL)
			asProt := collectProtection(as.ContentProtections)

			for _, rep := range as.Representations {
				repBase := resolveBase(asBase, rep.BaseURL)
				prot := collectProtection(rep.ContentProtections).merge(asProt)

				codec := firstNonEmpty(rep.Codecs, as.Codecs)
				lang := strings.ToLower(as.Lang)
				urls := buildSegmentURLs(&rep, &as, repBase, periodSeconds)
				if len(urls) == 0 && rep.BaseURL != "" {
					urls = []string{repBase.String()}
				}

				header := media.Track{
					ID:         trackID(codec, lang, rep.Bandwidth, rep.ID),
					Source:     source,
					URLs:       urls,
					Codec:      codec,
					Language:   lang,
					Descriptor: media.DescriptorMPD,
					Encrypted:  prot.encrypted,
					PsshWV:     prot.psshWV,
					PsshPR:     prot.psshPR,
					KID:        prot.kid,
					Extra: MPDExtra{
						RepresentationID: rep.ID,
						PeriodID:         period.ID,
						MimeType:         firstNonEmpty(rep.MimeType, as.MimeType),
					},
				}

				switch contentKind(&rep, &as) {
				case "video":
					if _, err := set.AddVideos(true, &media.Video{
						Track:   header,
						Bitrate: rep.Bandwidth,
						Width:   rep.Width,
						Height:  rep.Height,
						FPS:     parseFrameRate(firstNonEmpty(rep.FrameRate, as.FrameRate)),
						Range:   detectRange(codec, append(as.Supplementals, rep.Supplementals...)),
					}); err != nil {
						return nil, err
					}
				case "audio":
					if _, err := set.AddAudios(true, &media.Audio{
						Track:       header,
						Bitrate:     rep.Bandwidth,
						Channels:    media.ParseChannels(channelValue(rep.AudioChannels)),
						Descriptive: hasDescriptor(as.Roles, "description") || hasDescriptor(as.Accessibility, "description"),
						Atmos:       hasAtmosSignal(append(as.Supplementals, rep.Supplementals...)),
					}); err != nil {
						return nil, err
					}
				case "text":
					if _, err := set.AddSubtitles(true, &media.Text{
						Track:  header,
						CC:     hasDescriptor(as.Roles, "caption"),
						Forced: hasDescriptor(as.Roles, "forced-subtitle") || hasDescriptor(as.Roles, "forced_subtitle"),
					}); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if set.Total() == 0 {
		return nil, fmt.Errorf("%w: no usable tracks in MPD", media.ErrManifest)
	}
	return set, nil
}

func contentKind(rep *mpdRepresentation, as *mpdAdaptationSet) string {
	hint := strings.ToLower(firstNonEmpty(as.ContentType, rep.MimeType, as.MimeType))
	switch {
	case strings.Contains(hint, "video"):
		return "video"
	case strings.Contains(hint, "audio"):
		return "audio"
	case strings.Contains(hint, "text"), strings.Contains(hint, "ttml"), strings.Contains(hint, "vtt"), strings.Contains(hint, "subtitle"):
		return "text"
	}
	return "video"
}

// buildSegmentURLs resolves the representation's addressing scheme into a flat
// URL list, init segment first.
func buildSegmentURLs(rep *mpdRepresentation, as *mpdAdaptationSet, base *url.URL, periodSeconds float64) []string {
	if rep.SegmentList != nil {
		return buildFromList(rep.SegmentList, base)
	}
	tmpl := rep.SegmentTemplate
	if tmpl == nil {
		tmpl = as.SegmentTemplate
	}
	if tmpl == nil {
		return nil
	}
	return buildFromTemplate(tmpl, rep, base, periodSeconds)
}

func buildFromList(list *mpdSegmentList, base *url.URL) []string {
	var urls []string
	if list.Initialization != nil && list.Initialization.SourceURL != "" {
		urls = append(urls, resolveURL(base, list.Initialization.SourceURL))
	}
	for _, seg := range list.Segments {
		urls = append(urls, resolveURL(base, seg.Media))
	}
	return urls
}

func buildFromTemplate(tmpl *mpdSegmentTemplate, rep *mpdRepresentation, base *url.URL, periodSeconds float64) []string {
	var urls []string
	if tmpl.Initialization != "" {
		urls = append(urls, resolveURL(base, expandDashTemplate(tmpl.Initialization, rep, 0, 0)))
	}

	startNumber := 1
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}
	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}

	if tmpl.Timeline != nil && len(tmpl.Timeline.S) > 0 {
		number := startNumber
		var current uint64
		for _, s := range tmpl.Timeline.S {
			if s.T != nil {
				current = *s.T
			}
			repeats := s.R + 1
			if repeats < 1 {
				repeats = 1
			}
			for i := 0; i < repeats; i++ {
				urls = append(urls, resolveURL(base, expandDashTemplate(tmpl.Media, rep, number, current)))
				number++
				current += s.D
			}
		}
		return urls
	}

	if tmpl.Duration > 0 && periodSeconds > 0 {
		count := int(math.Ceil(periodSeconds * float64(timescale) / float64(tmpl.Duration)))
		for i := 0; i < count; i++ {
			urls = append(urls, resolveURL(base, expandDashTemplate(tmpl.Media, rep, startNumber+i, 0)))
		}
	}
	return urls
}

var dashNumberFormat = regexp.MustCompile(`\$Number%(\d+)d\$`)

func expandDashTemplate(tmpl string, rep *mpdRepresentation, number int, t uint64) string {
	out := strings.ReplaceAll(tmpl, "$RepresentationID$", rep.ID)
	out = strings.ReplaceAll(out, "$Bandwidth$", strconv.Itoa(rep.Bandwidth))
	out = strings.ReplaceAll(out, "$Number$", strconv.Itoa(number))
	out = strings.ReplaceAll(out, "$Time$", strconv.FormatUint(t, 10))
	out = dashNumberFormat.ReplaceAllStringFunc(out, func(match string) string {
		width, _ := strconv.Atoi(dashNumberFormat.FindStringSubmatch(match)[1])
		return fmt.Sprintf("%0*d", width, number)
	})
	return out
}

// detectRange classifies the transfer signalling: Dolby Vision codecs first,
// then HEVC Main10 HDR10 profiles, then an HLG transfer-characteristics hint.
func detectRange(codec string, supplementals []mpdDescriptorElem) media.DynamicRange {
	lower := strings.ToLower(codec)
	switch {
	case strings.HasPrefix(lower, "dvhe"), strings.HasPrefix(lower, "dvh1"):
		return media.RangeDV
	case strings.HasPrefix(lower, "hvc1.2"), strings.HasPrefix(lower, "hev1.2"):
		return media.RangeHDR10
	}
	for _, sp := range supplementals {
		// CICP transfer characteristic 18 is ARIB STD-B67 (HLG).
		if strings.ToLower(sp.SchemeIDURI) == schemeCICPTransfer && sp.Value == "18" {
			return media.RangeHLG
		}
	}
	return media.RangeSDR
}

func hasAtmosSignal(supplementals []mpdDescriptorElem) bool {
	for _, sp := range supplementals {
		if strings.ToLower(sp.SchemeIDURI) == schemeEC3JOC && strings.EqualFold(sp.Value, "JOC") {
			return true
		}
	}
	return false
}

func hasDescriptor(elems []mpdDescriptorElem, value string) bool {
	for _, e := range elems {
		if strings.EqualFold(e.Value, value) {
			return true
		}
	}
	return false
}

func channelValue(elems []mpdDescriptorElem) string {
	for _, e := range elems {
		if e.Value != "" {
			return e.Value
		}
	}
	return ""
}

func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d != 0 {
			return n / d
		}
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// parseISODuration handles the PT#H#M#S durations MPDs carry.
func parseISODuration(s string) float64 {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "PT"), "P")
	if s == "" {
		return 0
	}
	var total float64
	for _, unit := range []struct {
		suffix  string
		seconds float64
	}{{"H", 3600}, {"M", 60}, {"S", 1}} {
		idx := strings.Index(s, unit.suffix)
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseFloat(s[:idx], 64)
		if err == nil {
			total += v * unit.seconds
		}
		s = s[idx+1:]
	}
	return total
}

func resolveBase(parent *url.URL, refs ...string) *url.URL {
	out := parent
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if rel, err := url.Parse(strings.TrimSpace(ref)); err == nil {
			out = out.ResolveReference(rel)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
