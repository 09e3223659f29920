// Package backend is the HTTP client for the assistant backend's session
// lifecycle endpoints and the synchronous chat fallback used when the
// streaming status channel is unavailable.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the assistant backend over plain HTTP.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	AgentKey   string
}

func NewClient(baseURL, agentKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AgentKey:   agentKey,
	}
}

// StartRequest opens or resumes a session.
type StartRequest struct {
	CustomerID    string                 `json:"customer_id,omitempty"`
	AgentKey      string                 `json:"agent_key,omitempty"`
	PreferredMode string                 `json:"preferred_mode"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// StartResponse is the handshake result. SessionType is "new" or
// "continuation"; a continuation carries prior context to replay.
type StartResponse struct {
	SessionID   string `json:"session_id"`
	SessionType string `json:"session_type"`
	Mode        string `json:"mode"`
	Greeting    string `json:"greeting"`
	HasContext  bool   `json:"has_context"`
}

// HistoryMessage is one prior conversation turn as the backend stores it.
type HistoryMessage struct {
	TurnID  string `json:"turn_id"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

// ArchiveInfo describes the archived session after end.
type ArchiveInfo struct {
	SessionID  string `json:"session_id"`
	ArchivedBy string `json:"archived_by"`
	ArchivedAt string `json:"archived_at"`
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AgentKey != "" {
		req.Header.Set("X-Agent-Key", c.AgentKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.AgentKey != "" {
		req.Header.Set("X-Agent-Key", c.AgentKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Start opens a session.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	if req.AgentKey == "" {
		req.AgentKey = c.AgentKey
	}
	var out StartResponse
	if err := c.postJSON(ctx, "/sessions/start", req, &out); err != nil {
		return StartResponse{}, err
	}
	if out.SessionID == "" {
		return StartResponse{}, fmt.Errorf("backend start: empty session_id")
	}
	return out, nil
}

// End archives a session.
func (c *Client) End(ctx context.Context, sessionID, archivedBy string) (ArchiveInfo, error) {
	var out ArchiveInfo
	body := map[string]string{"session_id": sessionID, "archived_by": archivedBy}
	if err := c.postJSON(ctx, "/sessions/end", body, &out); err != nil {
		return ArchiveInfo{}, err
	}
	return out, nil
}

// History fetches the ordered prior messages of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryMessage, error) {
	var out []HistoryMessage
	if err := c.getJSON(ctx, "/sessions/"+sessionID+"/history", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SwitchMode performs the mode-switch handshake against the
// modality-appropriate backend. Failure leaves the session's mode unchanged
// on the caller's side.
func (c *Client) SwitchMode(ctx context.Context, sessionID, targetMode string) error {
	body := map[string]string{"session_id": sessionID, "target_mode": targetMode}
	return c.postJSON(ctx, "/sessions/"+sessionID+"/mode", body, nil)
}

// Context fetches the conversation context scoped to a modality's backend of
// record, used to reload after a preserving mode switch.
func (c *Client) Context(ctx context.Context, sessionID, mode string) ([]HistoryMessage, error) {
	var out []HistoryMessage
	if err := c.getJSON(ctx, "/sessions/"+sessionID+"/context?mode="+mode, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ask is the synchronous request/response fallback for when the streaming
// channel is closed or timed out. The reply is the first present of
// response|message|content.
func (c *Client) Ask(ctx context.Context, message, sessionID string, userContext map[string]interface{}) (string, error) {
	body := map[string]interface{}{
		"message":      message,
		"session_id":   sessionID,
		"user_context": userContext,
	}
	var out struct {
		Response string `json:"response"`
		Message  string `json:"message"`
		Content  string `json:"content"`
	}
	if err := c.postJSON(ctx, "/chat", body, &out); err != nil {
		return "", err
	}
	switch {
	case out.Response != "":
		return out.Response, nil
	case out.Message != "":
		return out.Message, nil
	case out.Content != "":
		return out.Content, nil
	}
	return "", fmt.Errorf("backend chat: empty reply")
}
