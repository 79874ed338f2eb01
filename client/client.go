// Package client is the calling side of the vault: it encrypts payloads into
// envelopes before upload and decrypts them after download, so plaintext
// never crosses the wire or reaches storage.
//
// The Client is an explicitly constructed handle with a Connect/Close
// lifecycle. Network calls are retried with an exponential backoff policy;
// structurally bad data (4xx responses, malformed envelopes) is terminal and
// never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"filevault-server/envelope"
)

// RetryOpts bounds the exponential backoff applied to network calls.
type RetryOpts struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryOpts is a short, bounded schedule suitable for interactive use.
var DefaultRetryOpts = RetryOpts{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	MaxElapsedTime:  10 * time.Second,
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string     // Bearer token for the Authorization header
	Retry      *RetryOpts // nil means DefaultRetryOpts
	HTTPClient *http.Client
}

// APIError is a non-2xx response from the server. 4xx values are permanent;
// the retry policy only re-attempts 5xx and transport failures.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// ErrNotConnected is returned when an operation runs before Connect or after
// Close.
var ErrNotConnected = errors.New("client not connected")

// Client talks to a filevault server. Safe for concurrent use once connected.
type Client struct {
	baseURL   string
	token     string
	retry     RetryOpts
	http      *http.Client
	connected bool
}

// New validates the configuration and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}

	retry := DefaultRetryOpts
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		retry:   retry,
		http:    httpClient,
	}, nil
}

// Connect probes the server health endpoint and marks the client usable.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.connected = true
	return nil
}

// Close releases the underlying transport. The client can be reconnected.
func (c *Client) Close() {
	c.connected = false
	c.http.CloseIdleConnections()
}

// FileInfo is the record metadata returned by List.
type FileInfo struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	MIME      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Upload encrypts payload into an envelope and stores it under a new record,
// returning the record id. The size bound is enforced before any crypto or
// network work happens.
func (c *Client) Upload(ctx context.Context, name, mimeType string, payload []byte) (string, error) {
	if !c.connected {
		return "", ErrNotConnected
	}

	encoded, err := envelope.Encode(payload, envelope.MaxPayloadSize)
	if err != nil {
		return "", err
	}

	req := struct {
		Name    string `json:"name"`
		MIME    string `json:"mime"`
		Size    int64  `json:"size"`
		Content string `json:"content"`
	}{Name: name, MIME: mimeType, Size: int64(len(payload)), Content: encoded}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/files", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Download fetches a record and decrypts its envelope, returning the
// recovered file with the stored name and content type applied.
func (c *Client) Download(ctx context.Context, id string) (*envelope.File, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	var resp struct {
		File struct {
			Name    string `json:"name"`
			MIME    string `json:"mime"`
			Content string `json:"content"`
		} `json:"file"`
	}
	if err := c.do(ctx, http.MethodGet, "/files/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}

	return envelope.Decode(resp.File.Content, resp.File.Name, resp.File.MIME)
}

// List returns metadata for the caller's records.
func (c *Client) List(ctx context.Context) ([]FileInfo, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	var resp struct {
		Files []FileInfo `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/files", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Delete removes one of the caller's records.
func (c *Client) Delete(ctx context.Context, id string) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), nil, nil)
}

// Save writes a downloaded file into dir under its delivered name and
// returns the full path.
func Save(f *envelope.File, dir string) (string, error) {
	path := filepath.Join(dir, filepath.Base(f.Name))
	if err := os.WriteFile(path, f.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// do performs one authenticated request with the retry policy applied.
// Transport errors and 5xx responses are retried; everything else is
// permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = c.retry.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func readErrorMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return "unknown error"
}
