package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteVaultGetKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/keys/AMZN/aabbccdd", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(remoteKeyBody{Key: "deadbeef"})
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL, Token: "tok"})
	require.NoError(t, err)

	key, err := v.GetKey(context.Background(), "AMZN", "aabbccdd")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", key)
}

func TestRemoteVaultMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL})
	require.NoError(t, err)

	key, err := v.GetKey(context.Background(), "AMZN", "aabbccdd")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestRemoteVaultInsert(t *testing.T) {
	var gotBody remoteKeyBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL})
	require.NoError(t, err)

	result, err := v.InsertKey(context.Background(), Entry{Service: "AMZN", KID: "aabbccdd", Key: "deadbeef", TitleID: "tt1"})
	require.NoError(t, err)
	assert.Equal(t, InsertSuccess, result)
	assert.Equal(t, "deadbeef", gotBody.Key)
	assert.Equal(t, "tt1", gotBody.TitleID)
}

func TestRemoteVaultInsertConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL})
	require.NoError(t, err)

	result, err := v.InsertKey(context.Background(), Entry{Service: "AMZN", KID: "aabbccdd", Key: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, InsertAlreadyExists, result)
}

func TestRemoteVaultInsertNoBucket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL})
	require.NoError(t, err)

	result, err := v.InsertKey(context.Background(), Entry{Service: "UNKNOWN", KID: "aabbccdd", Key: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, InsertFailure, result)
}

func TestRemoteVaultReadOnlySkipsInsert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("read-only vault must not call the server")
	}))
	defer srv.Close()

	v, err := NewRemote(RemoteConfig{Name: "remote", URL: srv.URL, ReadOnly: true})
	require.NoError(t, err)

	result, err := v.InsertKey(context.Background(), Entry{Service: "AMZN", KID: "aabbccdd", Key: "deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, InsertFailure, result)
}
