package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/pkg/types"
)

// TestClient is a thin HTTP client over the session API.
type TestClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewTestClient creates a client for the given base URL.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TestClient) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// CreateSession creates a session, optionally with initial text.
func (c *TestClient) CreateSession(ctx context.Context, text string) (*types.SessionRecord, error) {
	var body any
	if text != "" {
		body = map[string]string{"text": text}
	}
	var rec types.SessionRecord
	status, err := c.do(ctx, http.MethodPost, "/session", body, &rec)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("create session: status %d", status)
	}
	return &rec, nil
}

// GetSession fetches a session record.
func (c *TestClient) GetSession(ctx context.Context, id string) (*types.SessionRecord, int, error) {
	var rec types.SessionRecord
	status, err := c.do(ctx, http.MethodGet, "/session/"+id, nil, &rec)
	return &rec, status, err
}

// ListSessions lists sessions.
func (c *TestClient) ListSessions(ctx context.Context) ([]session.ListItem, error) {
	var items []session.ListItem
	status, err := c.do(ctx, http.MethodGet, "/session", nil, &items)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list sessions: status %d", status)
	}
	return items, nil
}

// SendMessage submits a turn; returns the HTTP status.
func (c *TestClient) SendMessage(ctx context.Context, id, text string) (int, error) {
	return c.do(ctx, http.MethodPost, "/session/"+id+"/message",
		map[string]string{"text": text}, nil)
}

// GetMessages fetches a session's message history.
func (c *TestClient) GetMessages(ctx context.Context, id string) ([]*types.Message, int, error) {
	var msgs []*types.Message
	status, err := c.do(ctx, http.MethodGet, "/session/"+id+"/message", nil, &msgs)
	return msgs, status, err
}

// AbortSession aborts an active turn; returns the HTTP status.
func (c *TestClient) AbortSession(ctx context.Context, id string) (int, error) {
	return c.do(ctx, http.MethodPost, "/session/"+id+"/abort", nil, nil)
}

// CompleteSession marks a session finished; returns the HTTP status.
func (c *TestClient) CompleteSession(ctx context.Context, id string) (int, error) {
	return c.do(ctx, http.MethodPost, "/session/"+id+"/complete", nil, nil)
}

// DeleteSession deletes a session; returns the HTTP status.
func (c *TestClient) DeleteSession(ctx context.Context, id string) (int, error) {
	return c.do(ctx, http.MethodDelete, "/session/"+id, nil, nil)
}
