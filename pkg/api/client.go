// Package api is a client for the records REST service: detections,
// personnel, recognitions and transcriptions.
//
// Records are opaque to this client and are returned as raw JSON. Every
// failure is a *RequestError matching ErrRemoteRequestFailed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/isoai/isoai-client/internal/httpc"
	"github.com/isoai/isoai-client/pkg/retry"
)

const maxResponseBytes = 16 << 20

// Client talks to the records service.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base URL %q", cfg.BaseURL)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpc.NewClient(cfg.Timeout, cfg.Headers),
		retry:   cfg.Retry,
		logger:  cfg.Logger.With("component", "api.client"),
		token:   cfg.Token,
	}, nil
}

// BaseURL returns the service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken replaces the bearer token used for later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// =============================================================================
// Auth
// =============================================================================

// Credentials are the login form fields.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the login reply. Token is empty if the server did not
// return one under a known key.
type LoginResponse struct {
	Token string          `json:"token"`
	Raw   json.RawMessage `json:"raw"`
}

// Login authenticates and, on success, uses the returned token for later requests.
func (c *Client) Login(ctx context.Context, creds Credentials) (*LoginResponse, error) {
	raw, err := c.do(ctx, http.MethodPost, "/login", creds)
	if err != nil {
		return nil, err
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(raw, &body)

	resp := &LoginResponse{Token: body.Token, Raw: raw}
	if resp.Token == "" {
		resp.Token = body.AccessToken
	}
	if resp.Token != "" {
		c.SetToken(resp.Token)
	}
	return resp, nil
}

// =============================================================================
// Records
// =============================================================================

// NewPerson is the personnel creation form.
type NewPerson struct {
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	Image      string `json:"image,omitempty"` // data URI of a reference photo
}

// Detections lists recent detections.
func (c *Client) Detections(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/get-detections", nil)
}

// Personnel lists personnel records.
func (c *Client) Personnel(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/personel", nil)
}

// Person fetches one personnel record.
func (c *Client) Person(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/personel/"+url.PathEscape(id), nil)
}

// CreatePerson adds a personnel record.
func (c *Client) CreatePerson(ctx context.Context, p NewPerson) (json.RawMessage, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("api: person name required")
	}
	return c.do(ctx, http.MethodPost, "/personel", p)
}

// DeletePerson removes a personnel record.
func (c *Client) DeletePerson(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/personel/"+url.PathEscape(id), nil)
	return err
}

// Recognitions lists recognition events.
func (c *Client) Recognitions(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/recog", nil)
}

// RenameRecognition assigns a name to a recognition event.
func (c *Client) RenameRecognition(ctx context.Context, id, name string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/recog/name/"+url.PathEscape(id), map[string]string{"name": name})
}

// Transcriptions lists transcriptions.
func (c *Client) Transcriptions(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/transcriptions", nil)
}

// Transcription fetches one transcription.
func (c *Client) Transcription(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/transcriptions/"+url.PathEscape(id), nil)
}

// DeleteTranscription removes a transcription.
func (c *Client) DeleteTranscription(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/transcriptions/"+url.PathEscape(id), nil)
	return err
}

// =============================================================================
// Plumbing
// =============================================================================

// do performs one call, retrying per policy. An empty 2xx body is returned as nil.
func (c *Client) do(ctx context.Context, method, path string, in any) (json.RawMessage, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
	}

	var out json.RawMessage
	start := time.Now()
	err := retry.Do(ctx, c.retry, retryable, func(ctx context.Context) error {
		var err error
		out, err = c.once(ctx, method, path, payload)
		return err
	})

	if err != nil {
		c.logger.Warn("request failed", "method", method, "path", path, "error", err)
		return nil, err
	}
	c.logger.Debug("request", "method", method, "path", path, "latency_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, &RequestError{Method: method, Path: path, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("response is not JSON")}
	}
	return json.RawMessage(data), nil
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Error != "":
			return e.Error
		case e.Message != "":
			return e.Message
		case e.Detail != nil:
			if s, ok := e.Detail.(string); ok {
				return s
			}
			b, _ := json.Marshal(e.Detail)
			return string(b)
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
