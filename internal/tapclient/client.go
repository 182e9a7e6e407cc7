// Package tapclient is a small HTTP-over-unix-socket client for the tap
// device daemon. It is grounded on the teacher's own internal/client.Client:
// same dial-unix-socket transport, same doJSON/doRaw helper split, same
// APIError shape — narrowed from a 15-endpoint instance-management API down
// to the two tap operations the launcher needs.
package tapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/contain-vm/contain/internal/launcherr"
)

// DefaultSocketPath is where containd listens by default.
const DefaultSocketPath = "/run/contain.sock"

// Client talks to containd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the containd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		baseURL: "http://contain",
	}
}

// Create asks the daemon to allocate a tap device owned by user and returns
// its interface name.
func (c *Client) Create(ctx context.Context, user string) (string, error) {
	req := struct {
		User string `json:"user"`
	}{User: user}
	var resp struct {
		Name string `json:"name"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/net/tap", req, &resp); err != nil {
		return "", launcherr.New(launcherr.IPC, "create tap device", err)
	}
	return resp.Name, nil
}

// Delete releases a tap device previously returned by Create.
func (c *Client) Delete(ctx context.Context, name string) error {
	req := struct {
		Name string `json:"name"`
	}{Name: name}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/net/tap", req, nil); err != nil {
		return launcherr.New(launcherr.IPC, "delete tap device", err)
	}
	return nil
}

// doJSON makes a JSON request and decodes the JSON response into result.
// If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response. Caller must
// close resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
