package drm

import (
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// wrmHeader mirrors the Microsoft WRMHEADER document across the schema
// versions in the wild. The KID location moved with each revision:
// 4.0.0.0 has DATA/KID as element text, 4.1.0.0 has
// DATA/PROTECTINFO/KID/@VALUE, and 4.3.0.0 has
// DATA/PROTECTINFO/KIDS/KID/@VALUE (possibly several).
type wrmHeader struct {
	XMLName xml.Name `xml:"WRMHEADER"`
	Version string   `xml:"version,attr"`
	Data    struct {
		KID         string `xml:"KID"`
		ProtectInfo struct {
			KID struct {
				Value string `xml:"VALUE,attr"`
			} `xml:"KID"`
			KIDs struct {
				KID []struct {
					Value string `xml:"VALUE,attr"`
				} `xml:"KID"`
			} `xml:"KIDS"`
		} `xml:"PROTECTINFO"`
	} `xml:"DATA"`
}

// DecodeWRMHeader extracts the WRMHEADER XML string from a PlayReady object
// blob. PlayReady headers are UTF-16LE with a binary preamble; the document
// starts at the first '<'.
func DecodeWRMHeader(blob []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	decoded, err := dec.Bytes(blob)
	if err != nil {
		return "", fmt.Errorf("wrm header is not utf-16le: %w", err)
	}
	s := string(decoded)
	start := strings.Index(s, "<")
	if start < 0 {
		return "", fmt.Errorf("wrm header contains no xml document")
	}
	end := strings.LastIndex(s, ">")
	if end < start {
		return "", fmt.Errorf("wrm header xml is truncated")
	}
	return s[start : end+1], nil
}

// KIDFromWRMHeader parses a WRMHEADER document and returns the normalized
// key ID, handling schema versions 4.0.0.0, 4.1.0.0 and 4.3.0.0.
func KIDFromWRMHeader(doc string) (string, error) {
	var hdr wrmHeader
	if err := xml.Unmarshal([]byte(doc), &hdr); err != nil {
		return "", fmt.Errorf("parse wrm header: %w", err)
	}
	var raw string
	switch {
	case strings.TrimSpace(hdr.Data.KID) != "":
		raw = strings.TrimSpace(hdr.Data.KID)
	case hdr.Data.ProtectInfo.KID.Value != "":
		raw = hdr.Data.ProtectInfo.KID.Value
	case len(hdr.Data.ProtectInfo.KIDs.KID) > 0:
		raw = hdr.Data.ProtectInfo.KIDs.KID[0].Value
	default:
		return "", fmt.Errorf("wrm header version %s carries no kid", hdr.Version)
	}
	return NormalizeKID(raw)
}

// KIDFromPlayReadyBlob combines DecodeWRMHeader and KIDFromWRMHeader for the
// raw ProtectionHeader payload found in Smooth Streaming manifests and
// PlayReady pssh boxes.
func KIDFromPlayReadyBlob(blob []byte) (string, error) {
	doc, err := DecodeWRMHeader(blob)
	if err != nil {
		return "", err
	}
	return KIDFromWRMHeader(doc)
}

// TranslatePlayReadyPssh derives a Widevine pssh box from PlayReady init
// data by extracting the kid from the WRM header and wrapping it in a
// Widevine cenc header. Used when a manifest only advertises PlayReady but
// the session runs a Widevine CDM.
func TranslatePlayReadyPssh(prPssh []byte) ([]byte, string, error) {
	payload := prPssh
	if p, err := ParsePssh(prPssh); err == nil {
		payload = p.Data
	}
	kid, err := KIDFromPlayReadyBlob(payload)
	if err != nil {
		return nil, "", fmt.Errorf("translate playready pssh: %w", err)
	}
	wv, err := NewWidevinePssh(kid)
	if err != nil {
		return nil, "", err
	}
	return wv, kid, nil
}
