// Package cli provides a client for the connman-dispatcher API and the
// output formatting shared by the command-line tools.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// baseURL is a placeholder host; every connection goes to the socket.
const baseURL = "http://connman-dispatcher"

// APIError is an error reply from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client talks to the connman-dispatcher API over its Unix socket.
type Client struct {
	transport *http.Transport
	http      *http.Client
}

// NewClient creates a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		transport: transport,
		http:      &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

// Status returns the daemon status.
func (c *Client) Status() (*Status, error) {
	var status Status
	if err := c.do(http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Technologies returns the technologies the daemon tracks.
func (c *Client) Technologies() ([]Technology, error) {
	var result struct {
		Technologies []Technology `json:"technologies"`
	}
	if err := c.do(http.MethodGet, "/api/v1/technologies", nil, &result); err != nil {
		return nil, err
	}
	return result.Technologies, nil
}

// List returns all pending requests.
func (c *Client) List() ([]PendingRequest, error) {
	var result struct {
		Requests []PendingRequest `json:"requests"`
	}
	if err := c.do(http.MethodGet, "/api/v1/pending", nil, &result); err != nil {
		return nil, err
	}
	return result.Requests, nil
}

// History returns resolved requests.
func (c *Client) History() ([]HistoryEntry, error) {
	var result struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := c.do(http.MethodGet, "/api/v1/history", nil, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Show returns the pending request whose ID starts with id.
func (c *Client) Show(id string) (*PendingRequest, error) {
	requests, err := c.List()
	if err != nil {
		return nil, err
	}
	return findRequest(requests, id)
}

// Answer answers the request whose ID starts with id and returns the full ID.
func (c *Client) Answer(id string, fields map[string]string) (string, error) {
	body := struct {
		Fields map[string]string `json:"fields"`
	}{fields}
	return c.act(id, "answer", body)
}

// Reject rejects the request whose ID starts with id and returns the full ID.
func (c *Client) Reject(id string) (string, error) {
	return c.act(id, "reject", nil)
}

func (c *Client) act(id, action string, body interface{}) (string, error) {
	requests, err := c.List()
	if err != nil {
		return "", err
	}
	req, err := findRequest(requests, id)
	if err != nil {
		return "", err
	}
	if err := c.do(http.MethodPost, "/api/v1/pending/"+req.ID+"/"+action, body, nil); err != nil {
		return "", err
	}
	return req.ID, nil
}

// Watch streams daemon events to fn, starting with a snapshot of pending
// requests, until ctx is done or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(Event) error) error {
	// Streams must not be cut by the request timeout.
	conn, _, err := websocket.Dial(ctx, "ws://connman-dispatcher/api/v1/ws", &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.transport},
	})
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("daemon closed the event stream")
			}
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// findRequest resolves a full or unambiguous partial request ID.
func findRequest(requests []PendingRequest, id string) (*PendingRequest, error) {
	var match *PendingRequest
	for i := range requests {
		req := &requests[i]
		if req.ID == id {
			return req, nil
		}
		if !strings.HasPrefix(req.ID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("ambiguous ID %q matches more than one request", id)
		}
		match = req
	}
	if match == nil {
		return nil, fmt.Errorf("no request found matching: %s", id)
	}
	return match, nil
}

// do sends a request with an optional JSON body and decodes a JSON reply
// into out when out is non-nil.
func (c *Client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var reply struct {
			Error string `json:"error"`
		}
		if data, err := io.ReadAll(resp.Body); err == nil && json.Unmarshal(data, &reply) == nil {
			apiErr.Message = reply.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
