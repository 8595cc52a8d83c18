// Package client talks to the session server's REST API on behalf of the
// capture and viewer binaries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/scg.report/internal/capture"
	"github.com/banshee-data/scg.report/internal/httputil"
	"github.com/banshee-data/scg.report/internal/monitoring"
	"github.com/banshee-data/scg.report/internal/reconstruct"
)

// DefaultBaseURL is used when no candidate answers its health check.
const DefaultBaseURL = "http://localhost:8000"

var (
	ErrNotFound     = errors.New("client: session not found")
	ErrAlreadyEnded = errors.New("client: session already ended")
)

// Session mirrors the server's session description.
type Session struct {
	ID           string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	Status       string    `json:"status"`
	ViewerURL    string    `json:"viewerUrl"`
	WebsocketURL string    `json:"websocketUrl"`
}

// EndResult is the server's reply to ending a session.
type EndResult struct {
	Message string `json:"message"`
	Saved   int    `json:"saved"`
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	base string
	http httputil.HTTPClient
}

// New returns a client for baseURL. hc may be nil.
func New(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) BaseURL() string { return c.base }

// ResolveBaseURL returns the first candidate whose /health answers 200,
// falling back to DefaultBaseURL.
func ResolveBaseURL(ctx context.Context, hc httputil.HTTPClient, candidates ...string) string {
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		c := New(cand, hc)
		if err := c.Health(ctx); err != nil {
			monitoring.Logf("server %s unavailable: %v", cand, err)
			continue
		}
		return c.base
	}
	return DefaultBaseURL
}

// Health checks the server and its database.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", &s)
	return s, err
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), &s)
	return s, err
}

func (c *Client) EndSession(ctx context.Context, id string) (EndResult, error) {
	var res EndResult
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/end", &res)
	return res, err
}

// Samples downloads the persisted three-axis samples, ordered by t.
func (c *Client) Samples(ctx context.Context, id string) ([]capture.RawSample, error) {
	var body struct {
		Samples []capture.RawSample `json:"samples"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id)+"/data", &body); err != nil {
		return nil, err
	}
	return body.Samples, nil
}

// FetchHistory returns the vertical history of an ended session.
func (c *Client) FetchHistory(ctx context.Context, id string) ([]reconstruct.Sample, error) {
	raw, err := c.Samples(ctx, id)
	if err != nil {
		return nil, err
	}
	return capture.Vertical(raw), nil
}

// WebsocketURL resolves the session's stream endpoint against the base URL,
// switching the scheme to ws or wss.
func (c *Client) WebsocketURL(s Session) (string, error) {
	base, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := s.WebsocketURL
	if path == "" {
		path = "/ws/" + s.ID
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	u := base.ResolveReference(ref)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrAlreadyEnded, msg)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := httputil.DecodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
