// Package assist is the client for the remote chat-completion backend.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is one completion turn. ChatID is the remote correlation token;
// absent on the first turn of a thread.
type Request struct {
	Message       string `json:"message"`
	ChatType      string `json:"chat_type"`
	ProjectID     string `json:"project_id"`
	ChatID        string `json:"chat_id,omitempty"`
	QuestionIndex int    `json:"question_index,omitempty"`
}

type Response struct {
	Reply              string   `json:"reply"`
	ChatID             string   `json:"chat_id"`
	MessageID          string   `json:"message_id"`
	MessageIDs         []string `json:"message_ids,omitempty"`
	Suggestions        []string `json:"suggestions,omitempty"`
	Clarifications     []string `json:"clarifications,omitempty"`
	MultiClarification bool     `json:"multi_clarification,omitempty"`
}

// Completer is the surface the conversation layer depends on.
type Completer interface {
	Complete(ctx context.Context, email string, req Request) (Response, error)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, email, path string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if email != "" {
		req.Header.Set("X-User-Email", email)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assist request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("assist responded %d", resp.StatusCode)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode assist response: %w", err)
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, email string, req Request) (Response, error) {
	var resp Response
	if err := c.post(ctx, email, "/api/chat", req, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// SendFeedback reports whether a reply was helpful. helpful=nil clears a
// previous rating.
func (c *Client) SendFeedback(ctx context.Context, email, messageID string, helpful *bool) error {
	body := map[string]any{
		"message_id":       messageID,
		"context_feedback": helpful,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	return c.post(ctx, email, "/api/feedback", body, nil)
}

// EstablishSession announces a signed-in user to the backend. Callers treat
// failure as non-blocking.
func (c *Client) EstablishSession(ctx context.Context, email, name string) error {
	return c.post(ctx, email, "/api/session", map[string]string{
		"email": email,
		"name":  name,
	}, nil)
}

// NotifyLogout tells the backend a user signed out.
func (c *Client) NotifyLogout(ctx context.Context, email string) error {
	return c.post(ctx, email, "/api/session/logout", map[string]string{
		"email": email,
	}, nil)
}
