package drm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmylchreest/streamdl/pkg/httpclient"
)

// RemoteCdm drives a CDM hosted behind the pywidevine serve API. The device
// keys never leave the server; only challenges and licenses travel.
type RemoteCdm struct {
	system  System
	baseURL string
	device  string
	secret  string
	client  *httpclient.Client
}

// RemoteCdmConfig wires a RemoteCdm.
type RemoteCdmConfig struct {
	System System
	URL    string
	Device string
	Secret string
	Client *httpclient.Client
}

// NewRemoteCdm builds a client for one serve device.
func NewRemoteCdm(cfg RemoteCdmConfig) (*RemoteCdm, error) {
	if cfg.URL == "" || cfg.Device == "" {
		return nil, fmt.Errorf("remote cdm needs url and device")
	}
	system := cfg.System
	if system == "" {
		system = SystemWidevine
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}
	return &RemoteCdm{
		system:  system,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		device:  cfg.Device,
		secret:  cfg.Secret,
		client:  client,
	}, nil
}

func (c *RemoteCdm) System() System { return c.system }

// envelope is the serve response wrapper.
type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RemoteCdm) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("cdm api %s: decoding response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK || (env.Status != 0 && env.Status != http.StatusOK) {
		return fmt.Errorf("cdm api %s: %s (status %d)", path, env.Message, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("cdm api %s: decoding data: %w", path, err)
		}
	}
	return nil
}

func (c *RemoteCdm) Open(ctx context.Context) (SessionID, error) {
	var data struct {
		SessionID string `json:"session_id"`
	}
	if err := c.call(ctx, http.MethodGet, "/"+c.device+"/open", nil, &data); err != nil {
		return "", err
	}
	if data.SessionID == "" {
		return "", fmt.Errorf("cdm api returned no session id")
	}
	return SessionID(data.SessionID), nil
}

func (c *RemoteCdm) SetServiceCertificate(ctx context.Context, session SessionID, cert []byte) error {
	if c.system != SystemWidevine {
		return fmt.Errorf("service certificates are a widevine concept")
	}
	body := map[string]any{
		"session_id":  string(session),
		"certificate": base64.StdEncoding.EncodeToString(cert),
	}
	return c.call(ctx, http.MethodPost, "/"+c.device+"/set_service_certificate", body, nil)
}

func (c *RemoteCdm) GetLicenseChallenge(ctx context.Context, session SessionID, initData []byte) ([]byte, error) {
	body := map[string]any{
		"session_id":   string(session),
		"init_data":    base64.StdEncoding.EncodeToString(initData),
		"privacy_mode": true,
	}
	var data struct {
		Challenge string `json:"challenge_b64"`
	}
	if err := c.call(ctx, http.MethodPost, "/"+c.device+"/get_license_challenge/STREAMING", body, &data); err != nil {
		return nil, err
	}
	challenge, err := base64.StdEncoding.DecodeString(data.Challenge)
	if err != nil {
		return nil, fmt.Errorf("cdm api challenge is not base64: %w", err)
	}
	return challenge, nil
}

func (c *RemoteCdm) ParseLicense(ctx context.Context, session SessionID, license []byte) error {
	body := map[string]any{
		"session_id":      string(session),
		"license_message": base64.StdEncoding.EncodeToString(license),
	}
	return c.call(ctx, http.MethodPost, "/"+c.device+"/parse_license", body, nil)
}

func (c *RemoteCdm) GetKeys(ctx context.Context, session SessionID) ([]ContentKey, error) {
	body := map[string]any{"session_id": string(session)}
	var data struct {
		Keys []struct {
			KeyID string `json:"key_id"`
			Key   string `json:"key"`
			Type  string `json:"type"`
		} `json:"keys"`
	}
	if err := c.call(ctx, http.MethodPost, "/"+c.device+"/get_keys/ALL", body, &data); err != nil {
		return nil, err
	}
	var keys []ContentKey
	for _, k := range data.Keys {
		if k.Type != "" && !strings.EqualFold(k.Type, "CONTENT") {
			continue
		}
		kid, err := NormalizeKID(k.KeyID)
		if err != nil {
			continue
		}
		keys = append(keys, ContentKey{KID: kid, Key: strings.ToLower(k.Key)})
	}
	return keys, nil
}

func (c *RemoteCdm) Close(ctx context.Context, session SessionID) error {
	return c.call(ctx, http.MethodGet, "/"+c.device+"/close/"+string(session), nil, nil)
}
