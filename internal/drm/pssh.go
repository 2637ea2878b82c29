// Package drm implements PSSH and key-ID handling plus the license session
// protocol over an abstract content decryption module.
package drm

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DRM system identifiers as registered in the DASH-IF system ID registry.
var (
	WidevineSystemID  = uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	PlayReadySystemID = uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95")
)

// HdcpWatermarkKID is a published test key ID one provider embeds as a
// watermark. Keys for it never decrypt content and are skipped.
const HdcpWatermarkKID = "b770d5b4bb6b594daf985845aae9aa5f"

// ContentKey pairs a normalized key ID with its content key, both lowercase
// hex.
type ContentKey struct {
	KID string
	Key string
}

// NormalizeKID converts any of the key-ID encodings seen in manifests into
// the canonical form: 32 lowercase hex characters with the UUID fields in
// big-endian order. Accepted inputs are canonical hex (with or without
// dashes) and the base64 little-endian GUID used by PlayReady WRM headers.
// The function is idempotent.
func NormalizeKID(kid string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(kid), "-", "")
	if len(s) == 32 {
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s), nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kid))
	if err != nil {
		return "", fmt.Errorf("kid %q is neither hex nor base64: %w", kid, err)
	}
	if len(raw) != 16 {
		return "", fmt.Errorf("kid %q decodes to %d bytes, want 16", kid, len(raw))
	}
	return hex.EncodeToString(guidToUUID(raw)), nil
}

// guidToUUID reorders a little-endian GUID (Data1..Data3 little-endian) into
// RFC 4122 big-endian byte order.
func guidToUUID(guid []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = guid[3], guid[2], guid[1], guid[0]
	out[4], out[5] = guid[5], guid[4]
	out[6], out[7] = guid[7], guid[6]
	copy(out[8:], guid[8:])
	return out
}

// Pssh is a parsed Protection System Specific Header box.
type Pssh struct {
	Version  byte
	SystemID uuid.UUID
	KIDs     [][]byte // version 1 only
	Data     []byte
}

// ParsePssh decodes a raw pssh box, including its size/type header.
func ParsePssh(raw []byte) (*Pssh, error) {
	if len(raw) < 32 {
		return nil, fmt.Errorf("pssh box too short: %d bytes", len(raw))
	}
	size := binary.BigEndian.Uint32(raw[0:4])
	if int(size) > len(raw) {
		return nil, fmt.Errorf("pssh box truncated: header says %d, have %d", size, len(raw))
	}
	if string(raw[4:8]) != "pssh" {
		return nil, fmt.Errorf("not a pssh box: %q", raw[4:8])
	}
	p := &Pssh{Version: raw[8]}
	copy(p.SystemID[:], raw[12:28])
	off := 28
	if p.Version == 1 {
		if len(raw) < off+4 {
			return nil, fmt.Errorf("pssh v1 box truncated")
		}
		count := int(binary.BigEndian.Uint32(raw[off:]))
		off += 4
		for i := 0; i < count; i++ {
			if len(raw) < off+16 {
				return nil, fmt.Errorf("pssh v1 kid list truncated")
			}
			kid := make([]byte, 16)
			copy(kid, raw[off:off+16])
			p.KIDs = append(p.KIDs, kid)
			off += 16
		}
	}
	if len(raw) < off+4 {
		return nil, fmt.Errorf("pssh data length truncated")
	}
	dataLen := int(binary.BigEndian.Uint32(raw[off:]))
	off += 4
	if len(raw) < off+dataLen {
		return nil, fmt.Errorf("pssh data truncated: want %d, have %d", dataLen, len(raw)-off)
	}
	p.Data = append([]byte(nil), raw[off:off+dataLen]...)
	return p, nil
}

// Encode serializes the box back into its binary form.
func (p *Pssh) Encode() []byte {
	var body bytes.Buffer
	body.Write([]byte{p.Version, 0, 0, 0})
	body.Write(p.SystemID[:])
	if p.Version == 1 {
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(p.KIDs)))
		body.Write(count[:])
		for _, kid := range p.KIDs {
			body.Write(kid)
		}
	}
	var dataLen [4]byte
	binary.BigEndian.PutUint32(dataLen[:], uint32(len(p.Data)))
	body.Write(dataLen[:])
	body.Write(p.Data)

	out := make([]byte, 8+body.Len())
	binary.BigEndian.PutUint32(out[0:4], uint32(len(out)))
	copy(out[4:8], "pssh")
	copy(out[8:], body.Bytes())
	return out
}

// NewWidevinePssh builds a version 0 Widevine pssh box whose init data names
// the given kid (canonical hex). This is how PlayReady-only manifests are
// made usable with a Widevine CDM.
func NewWidevinePssh(kidHex string) ([]byte, error) {
	kid, err := hex.DecodeString(kidHex)
	if err != nil || len(kid) != 16 {
		return nil, fmt.Errorf("kid %q is not 16 hex bytes", kidHex)
	}
	// Minimal Widevine cenc header: a single key_id field (tag 2, length 16).
	data := append([]byte{0x12, 0x10}, kid...)
	p := &Pssh{Version: 0, SystemID: WidevineSystemID, Data: data}
	return p.Encode(), nil
}

// FindPssh scans a stream of ISO-BMFF boxes (typically a moov or a whole
// init segment) for pssh boxes matching the given system ID and returns the
// first match, including nested boxes.
func FindPssh(data []byte, systemID uuid.UUID) []byte {
	var containers = map[string]bool{"moov": true, "moof": true, "traf": true, "trak": true}
	offset := 0
	for offset+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset:]))
		if size < 8 || offset+size > len(data) {
			return nil
		}
		boxType := string(data[offset+4 : offset+8])
		switch {
		case boxType == "pssh":
			if p, err := ParsePssh(data[offset : offset+size]); err == nil && p.SystemID == systemID {
				return append([]byte(nil), data[offset:offset+size]...)
			}
		case containers[boxType]:
			if found := FindPssh(data[offset+8:offset+size], systemID); found != nil {
				return found
			}
		}
		offset += size
	}
	return nil
}
