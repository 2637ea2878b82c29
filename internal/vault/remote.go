package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jmylchreest/streamdl/pkg/httpclient"
)

// RemoteVault talks to a network key server. The server exposes
// GET /keys/{service}/{kid} and PUT /keys/{service}/{kid}; a 404 on PUT
// means the server has no bucket for the service.
type RemoteVault struct {
	name     string
	baseURL  string
	token    string
	readOnly bool
	client   *httpclient.Client
}

// RemoteConfig configures a RemoteVault.
type RemoteConfig struct {
	Name     string
	URL      string
	Token    string
	ReadOnly bool
	Client   *httpclient.Client
}

// NewRemote creates a remote vault client.
func NewRemote(cfg RemoteConfig) (*RemoteVault, error) {
	client := cfg.Client
	if client == nil {
		var err error
		client, err = httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	return &RemoteVault{
		name:     cfg.Name,
		baseURL:  cfg.URL,
		token:    cfg.Token,
		readOnly: cfg.ReadOnly,
		client:   client,
	}, nil
}

func (v *RemoteVault) Name() string { return v.name }

type remoteKeyBody struct {
	Key     string `json:"key"`
	TitleID string `json:"title_id,omitempty"`
}

func (v *RemoteVault) keyURL(service, kid string) string {
	return fmt.Sprintf("%s/keys/%s/%s", v.baseURL, service, kid)
}

func (v *RemoteVault) headers() map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if v.token != "" {
		h["Authorization"] = "Bearer " + v.token
	}
	return h
}

// GetKey asks the server for a key; a 404 is a miss, not an error.
func (v *RemoteVault) GetKey(ctx context.Context, service, kid string) (string, error) {
	resp, err := v.client.Get(ctx, v.keyURL(service, kid), v.headers())
	if err != nil {
		return "", fmt.Errorf("vault %s lookup: %w", v.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body remoteKeyBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("vault %s response: %w", v.name, err)
		}
		return body.Key, nil
	case http.StatusNotFound:
		return "", nil
	default:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("vault %s lookup: unexpected status %s", v.name, resp.Status)
	}
}

// InsertKey pushes a key to the server. Read-only vaults and servers with no
// bucket for the service report InsertFailure without error.
func (v *RemoteVault) InsertKey(ctx context.Context, entry Entry) (InsertResult, error) {
	if v.readOnly {
		return InsertFailure, nil
	}
	payload, err := json.Marshal(remoteKeyBody{Key: entry.Key, TitleID: entry.TitleID})
	if err != nil {
		return InsertFailure, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, v.keyURL(entry.Service, entry.KID), bytes.NewReader(payload))
	if err != nil {
		return InsertFailure, err
	}
	for k, val := range v.headers() {
		req.Header.Set(k, val)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return InsertFailure, fmt.Errorf("vault %s insert: %w", v.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return InsertSuccess, nil
	case http.StatusOK, http.StatusConflict:
		return InsertAlreadyExists, nil
	case http.StatusNotFound, http.StatusForbidden:
		return InsertFailure, nil
	default:
		return InsertFailure, fmt.Errorf("vault %s insert: unexpected status %s", v.name, resp.Status)
	}
}

// Commit is a no-op; the server applies writes immediately.
func (v *RemoteVault) Commit(ctx context.Context) error { return nil }

// Close is a no-op.
func (v *RemoteVault) Close() error { return nil }
