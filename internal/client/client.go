// Package client talks to a running snakeface server over its JSON API and
// status websocket.
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
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/snakemake/snakeface/internal/server"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/supervisor"
)

// ErrServerNotRunning is returned when nothing answers at the server URL.
var ErrServerNotRunning = errors.New("snakeface server is not running")

// APIError is a non-2xx reply that did not carry an outcome.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client represents a connection to the server
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a client for the server at baseURL. token may be empty in
// notebook mode.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

// SubmitRequest is what Submit sends.
type SubmitRequest = server.SubmitBody

// ServiceInfo checks that the server is up.
func (c *Client) ServiceInfo(ctx context.Context) (*server.ServiceInfo, error) {
	var info server.ServiceInfo
	if err := c.get(ctx, "/api/service-info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Schema returns the server's argument schema.
func (c *Client) Schema(ctx context.Context) (*argschema.Schema, error) {
	var schema argschema.Schema
	if err := c.get(ctx, "/api/schema", &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// ListRuns returns the runs visible to the caller.
func (c *Client) ListRuns(ctx context.Context) ([]*store.Run, error) {
	var resp struct {
		Data []*store.Run `json:"data"`
	}
	if err := c.get(ctx, "/api/runs", &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Statuses returns the serialized status events of a run.
func (c *Client) Statuses(ctx context.Context, id string, plain bool) ([]map[string]any, error) {
	path := "/api/runs/" + url.PathEscape(id) + "/statuses"
	if plain {
		path += "?plain=1"
	}
	var resp struct {
		Data []map[string]any `json:"data"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Submit starts a new run, or resubmits id when it is not empty. A
// rejected request is an Outcome, not an error.
func (c *Client) Submit(ctx context.Context, id string, req SubmitRequest) (supervisor.Outcome, error) {
	path := "/api/runs"
	if id != "" {
		path += "/" + url.PathEscape(id) + "/submit"
	}
	return c.outcome(ctx, http.MethodPost, path, req)
}

// Cancel asks a running run to stop.
func (c *Client) Cancel(ctx context.Context, id string) (supervisor.Outcome, error) {
	return c.outcome(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil)
}

// Delete removes a run that is not executing.
func (c *Client) Delete(ctx context.Context, id string) (supervisor.Outcome, error) {
	return c.outcome(ctx, http.MethodDelete, "/api/runs/"+url.PathEscape(id), nil)
}

// Share makes the named user an owner of a run.
func (c *Client) Share(ctx context.Context, id, user string) (supervisor.Outcome, error) {
	return c.outcome(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/members", server.ShareBody{User: user})
}

// Watch subscribes to a run's status websocket and calls fn for every
// push until fn returns false, the server closes the stream, or ctx ends.
// An error envelope is delivered to fn and ends the stream.
func (c *Client) Watch(ctx context.Context, id string, plain bool, fn func(Push) bool) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/workflows/" + url.PathEscape(id) + "/"
	q := url.Values{}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if plain {
		q.Set("plain", "1")
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return c.wrapDialError(err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var push Push
		if err := conn.ReadJSON(&push); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("status stream failed: %w", err)
		}
		if !fn(push) || push.Status == status.StatusError {
			return nil
		}
	}
}

// Push is one websocket message. Snapshot is set on success, Message on
// error.
type Push struct {
	Status   string
	Snapshot status.Snapshot
	Message  string
}

func (p *Push) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status string          `json:"status"`
		Text   json.RawMessage `json:"text"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Status = raw.Status
	if raw.Status == status.StatusError {
		var text status.ErrorText
		if err := json.Unmarshal(raw.Text, &text); err != nil {
			return err
		}
		p.Message = text.Message
		return nil
	}
	return json.Unmarshal(raw.Text, &p.Snapshot)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// outcome performs a request whose reply is a supervisor outcome for any
// status the supervisor decided.
func (c *Client) outcome(ctx context.Context, method, path string, body any) (supervisor.Outcome, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return supervisor.Outcome{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return supervisor.Outcome{}, fmt.Errorf("failed to read response: %w", err)
	}
	var out supervisor.Outcome
	if err := json.Unmarshal(data, &out); err == nil && out.Kind != "" {
		return out, nil
	}
	return supervisor.Outcome{}, errorFromBody(resp.StatusCode, data)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapDialError(err)
	}
	return resp, nil
}

func (c *Client) wrapDialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w at %s", ErrServerNotRunning, c.baseURL)
	}
	return err
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return errorFromBody(resp.StatusCode, data)
}

func errorFromBody(code int, data []byte) error {
	var e server.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return &APIError{StatusCode: code, Message: e.Error}
	}
	var out supervisor.Outcome
	if err := json.Unmarshal(data, &out); err == nil && out.Message != "" {
		return &APIError{StatusCode: code, Message: out.Message}
	}
	return &APIError{StatusCode: code, Message: strings.TrimSpace(string(data))}
}
