package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// Client is the agent's HTTP client to the controller API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a controller client.
func NewClient(serverURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiEnvelope mirrors the controller's response shape.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// post sends body as JSON and decodes the envelope's data into out (when out
// is non-nil). Enveloped errors surface as Go errors.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if len(raw) == 0 {
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("%s returned %d", path, resp.StatusCode)
		}
		return nil
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%s failed: %s", path, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode data from %s: %w", path, err)
		}
	}
	return nil
}

// Register announces the agent. Idempotent on the controller side.
func (c *Client) Register(ctx context.Context, name, address string, fingerprint json.RawMessage) (*models.Agent, error) {
	var agent models.Agent
	err := c.post(ctx, "/api/agents/register", map[string]any{
		"name":        name,
		"address":     address,
		"fingerprint": fingerprint,
	}, &agent)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// Heartbeat sends the periodic liveness signal. Every heartbeat carries a
// fresh fingerprint so the controller's view never goes stale between
// config-update pushes.
func (c *Client) Heartbeat(ctx context.Context, name string, fingerprint json.RawMessage) error {
	return c.post(ctx, "/api/agents/heartbeat", map[string]any{
		"name":        name,
		"status":      "free",
		"fingerprint": fingerprint,
	}, nil)
}

// UpdateConfig pushes a fresh fingerprint.
func (c *Client) UpdateConfig(ctx context.Context, name string, fingerprint json.RawMessage) error {
	return c.post(ctx, "/api/agents/update_config", map[string]any{
		"name":        name,
		"fingerprint": fingerprint,
	}, nil)
}

// Unregister removes the agent's registration.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.post(ctx, "/api/agents/unregister", map[string]any{"name": name}, nil)
}

// ValidateName asks whether a proposed machine name is usable.
func (c *Client) ValidateName(ctx context.Context, name string) (bool, string, error) {
	var out struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := c.post(ctx, "/api/agents/validate_name", map[string]any{"name": name}, &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Reason, nil
}

// NotifyStarted reports that an execution began running.
func (c *Client) NotifyStarted(ctx context.Context, taskID int64, executionID, subtaskName, agentName string) error {
	return c.post(ctx, "/api/execute", map[string]any{
		"task_id":      taskID,
		"execution_id": executionID,
		"subtask_name": subtaskName,
		"agent_name":   agentName,
	}, nil)
}

// SubtaskResult is one terminal result posted back to the controller.
type SubtaskResult struct {
	TaskID           int64   `json:"task_id"`
	ExecutionID      string  `json:"execution_id"`
	SubtaskName      string  `json:"subtask_name"`
	AgentName        string  `json:"agent_name"`
	Status           string  `json:"status"`
	Result           string  `json:"result,omitempty"`
	Error            string  `json:"error,omitempty"`
	ExecutionSeconds float64 `json:"execution_seconds"`
}

// PostSubtaskResult reports one subtask completion.
func (c *Client) PostSubtaskResult(ctx context.Context, res SubtaskResult) error {
	return c.post(ctx, "/api/subtask_result", res, nil)
}

// GetAgent fetches the agent's canonical record.
func (c *Client) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/agents/"+name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !env.Success {
		return nil, fmt.Errorf("get agent failed: %s", env.Error)
	}
	var agent models.Agent
	if err := json.Unmarshal(env.Data, &agent); err != nil {
		return nil, fmt.Errorf("failed to decode agent: %w", err)
	}
	return &agent, nil
}
