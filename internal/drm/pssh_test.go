package drm

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKID = "000102030405060708090a0b0c0d0e0f"

// testKIDGuid is testKID in the little-endian GUID byte order PlayReady uses.
func testKIDGuid() []byte {
	return []byte{0x03, 0x02, 0x01, 0x00, 0x05, 0x04, 0x07, 0x06, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
}

func TestNormalizeKIDFromBase64Guid(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(testKIDGuid())
	got, err := NormalizeKID(b64)
	require.NoError(t, err)
	assert.Equal(t, testKID, got)
	assert.Len(t, got, 32)
}

func TestNormalizeKIDIdempotent(t *testing.T) {
	once, err := NormalizeKID(base64.StdEncoding.EncodeToString(testKIDGuid()))
	require.NoError(t, err)
	twice, err := NormalizeKID(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalizeKIDAcceptsHexForms(t *testing.T) {
	got, err := NormalizeKID("ABCDEF0123456789ABCDEF0123456789")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", got)

	got, err = NormalizeKID("abcdef01-2345-6789-abcd-ef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", got)
}

func TestNormalizeKIDRejectsGarbage(t *testing.T) {
	_, err := NormalizeKID("not-a-kid!!")
	require.Error(t, err)

	// Base64 that decodes to the wrong length.
	_, err = NormalizeKID(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestPsshEncodeParseRoundTrip(t *testing.T) {
	kid, _ := hex.DecodeString(testKID)
	original := &Pssh{
		Version:  1,
		SystemID: WidevineSystemID,
		KIDs:     [][]byte{kid},
		Data:     []byte{0x12, 0x10, 0xaa},
	}
	parsed, err := ParsePssh(original.Encode())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParsePsshRejectsJunk(t *testing.T) {
	_, err := ParsePssh([]byte("tiny"))
	require.Error(t, err)

	box := (&Pssh{SystemID: WidevineSystemID}).Encode()
	copy(box[4:8], "moov")
	_, err = ParsePssh(box)
	require.Error(t, err)
}

func TestNewWidevinePsshCarriesWidevineSystemID(t *testing.T) {
	box, err := NewWidevinePssh(testKID)
	require.NoError(t, err)

	parsed, err := ParsePssh(box)
	require.NoError(t, err)
	assert.Equal(t, WidevineSystemID, parsed.SystemID)

	kid, _ := hex.DecodeString(testKID)
	assert.Equal(t, append([]byte{0x12, 0x10}, kid...), parsed.Data)
}

func TestFindPsshScansContainers(t *testing.T) {
	wv, err := NewWidevinePssh(testKID)
	require.NoError(t, err)

	// Wrap the pssh in a moov container with a sibling box in front.
	free := append([]byte{0, 0, 0, 12}, []byte("free")...)
	free = append(free, []byte{1, 2, 3, 4}...)
	inner := append(free, wv...)
	moov := make([]byte, 8+len(inner))
	moov[3] = byte(len(moov))
	copy(moov[4:8], "moov")
	copy(moov[8:], inner)

	found := FindPssh(moov, WidevineSystemID)
	assert.Equal(t, wv, found)

	assert.Nil(t, FindPssh(moov, PlayReadySystemID))
}
