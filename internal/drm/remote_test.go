package drm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveAPI(t *testing.T, handler http.HandlerFunc) *RemoteCdm {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cdm, err := NewRemoteCdm(RemoteCdmConfig{URL: srv.URL, Device: "dev1", Secret: "s3cret"})
	require.NoError(t, err)
	return cdm
}

func writeData(w http.ResponseWriter, data any) {
	json.NewEncoder(w).Encode(map[string]any{"status": 200, "message": "OK", "data": data})
}

func TestRemoteCdmOpenAndClose(t *testing.T) {
	var closed string
	cdm := serveAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Secret-Key"))
		switch r.URL.Path {
		case "/dev1/open":
			writeData(w, map[string]string{"session_id": "abc123"})
		case "/dev1/close/abc123":
			closed = "abc123"
			writeData(w, nil)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	session, err := cdm.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionID("abc123"), session)

	require.NoError(t, cdm.Close(context.Background(), session))
	assert.Equal(t, "abc123", closed)
}

func TestRemoteCdmChallengeRoundTrip(t *testing.T) {
	initData := []byte("pssh-box")
	cdm := serveAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dev1/get_license_challenge/STREAMING", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sess", body["session_id"])
		assert.Equal(t, base64.StdEncoding.EncodeToString(initData), body["init_data"])
		writeData(w, map[string]string{
			"challenge_b64": base64.StdEncoding.EncodeToString([]byte("challenge-bytes")),
		})
	})

	challenge, err := cdm.GetLicenseChallenge(context.Background(), "sess", initData)
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge-bytes"), challenge)
}

func TestRemoteCdmGetKeysFiltersNonContent(t *testing.T) {
	cdm := serveAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dev1/get_keys/ALL", r.URL.Path)
		writeData(w, map[string]any{
			"keys": []map[string]string{
				{"key_id": "000102030405060708090a0b0c0d0e0f", "key": "FFEEDDCCBBAA99887766554433221100", "type": "CONTENT"},
				{"key_id": "ffffffffffffffffffffffffffffffff", "key": "00000000000000000000000000000000", "type": "SIGNING"},
			},
		})
	})

	keys, err := cdm.GetKeys(context.Background(), "sess")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", keys[0].KID)
	assert.Equal(t, "ffeeddccbbaa99887766554433221100", keys[0].Key)
}

func TestRemoteCdmSurfacesAPIError(t *testing.T) {
	cdm := serveAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, `{"status": 403, "message": "invalid secret key"}`)
	})

	_, err := cdm.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid secret key")
}

func TestRemoteCdmRequiresURLAndDevice(t *testing.T) {
	_, err := NewRemoteCdm(RemoteCdmConfig{URL: "http://host"})
	require.Error(t, err)
	_, err = NewRemoteCdm(RemoteCdmConfig{Device: "dev"})
	require.Error(t, err)
}
