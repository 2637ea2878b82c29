// Package httpclient builds HTTP clients with per-purpose configuration:
// timeouts, user agent, retry policy, and proxy support including SOCKS5.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Default client settings.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
)

// Config holds the settings for one client.
type Config struct {
	Timeout    time.Duration
	UserAgent  string
	ProxyURL   string // http(s):// or socks5:// URL, empty for direct
	Retries    int
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		Retries:    DefaultRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Client wraps http.Client with user-agent injection and a bounded retry
// policy for transient failures.
type Client struct {
	http      *http.Client
	userAgent string
	retries   int
	delay     time.Duration
}

// New builds a Client. An unparseable or unsupported proxy URL is an error
// rather than a silent direct connection.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			var auth *xproxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &xproxy.Auth{User: u.User.Username(), Password: password}
			}
			dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("building socks5 dialer: %w", err)
			}
			transport.Proxy = nil
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent: cfg.UserAgent,
		retries:   cfg.Retries,
		delay:     cfg.RetryDelay,
	}, nil
}

// Do executes the request, retrying connection errors and 5xx responses up
// to the configured limit. The request body must be rewindable for retries
// to be attempted; requests with a body are tried once.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	attempts := c.retries + 1
	if req.Body != nil && req.GetBody == nil {
		attempts = 1
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.delay):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				req.Body = body
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && attempt < attempts-1 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server returned %s", resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", req.URL, attempts, lastErr)
}

// Get issues a GET with optional extra headers.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// StandardClient exposes the underlying http.Client for libraries that want
// one.
func (c *Client) StandardClient() *http.Client {
	return c.http
}
