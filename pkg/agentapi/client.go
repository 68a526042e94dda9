package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrConflict indicates the agent rejected a request because a sample
	// is currently executing (HTTP 409).
	ErrConflict = errors.New("agent busy")

	// ErrUnavailable indicates the agent could not be reached at all.
	ErrUnavailable = errors.New("agent unreachable")
)

// Client provides HTTP access to the guest agent inside the sandbox VM.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an agent client for the given base URL
// (e.g. "http://192.168.56.105:9090"). timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
}

// Status fetches the agent's current state.
func (c *Client) Status(ctx context.Context) (*StatusData, error) {
	var data StatusData
	if err := c.get(ctx, "/api/status", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Collectors lists the agent's collectors and their availability.
func (c *Client) Collectors(ctx context.Context) ([]CollectorInfo, error) {
	var data CollectorsData
	if err := c.get(ctx, "/api/collectors", &data); err != nil {
		return nil, err
	}
	return data.Collectors, nil
}

// Artifacts lists files currently present under the agent's artifacts dir.
func (c *Client) Artifacts(ctx context.Context) (*ArtifactsData, error) {
	var data ArtifactsData
	if err := c.get(ctx, "/api/artifacts", &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Execute starts a detonation. The agent acknowledges immediately and runs
// the sample in the background; poll Status until the agent leaves the
// executing state.
func (c *Client) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteAck, error) {
	var ack ExecuteAck
	if err := c.post(ctx, "/api/execute", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Collect runs all collectors without executing a sample.
func (c *Client) Collect(ctx context.Context) (json.RawMessage, error) {
	var data json.RawMessage
	if err := c.post(ctx, "/api/collect", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Cleanup removes all artifacts on the guest.
func (c *Client) Cleanup(ctx context.Context) error {
	return c.post(ctx, "/api/cleanup", nil, nil)
}

// Shutdown asks the agent process to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/api/shutdown", nil, nil)
}

// Ready reports whether the agent answers its status endpoint.
func (c *Client) Ready(ctx context.Context) bool {
	_, err := c.Status(ctx)
	return err == nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode agent response (HTTP %d): %w", resp.StatusCode, err)
	}

	if env.Status != "ok" {
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrConflict, env.Error)
		}
		return fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, env.Error)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode agent payload: %w", err)
		}
	}
	return nil
}
