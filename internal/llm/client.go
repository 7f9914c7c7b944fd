// ABOUTME: HTTP client for the chat-completion provider
// ABOUTME: Builds messages requests and surfaces malformed replies as ProviderError

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL points at the Anthropic messages API. Tests and
// self-hosted gateways override it.
const DefaultBaseURL = "https://api.anthropic.com"

const apiVersion = "2023-06-01"

// maxContentLen caps each message's content before it goes on the wire.
// History is unbounded in memory; the provider request is not.
const maxContentLen = 4000

// ProviderError is returned for non-success HTTP statuses and malformed
// response payloads. The send is fatal for the caller; retry policy is a
// caller-level concern.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider request failed (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider request failed: %s", e.Message)
}

// TurnMessage is the reduced {role, content} shape sent to the provider.
// Internal bookkeeping fields (IDs, agent tags, timestamps) never leave
// the process.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system"`
	Messages  []TurnMessage `json:"messages"`
}

type completionResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Client calls the chat-completion endpoint.
type Client struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-20250514"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    opts.BaseURL,
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

// Complete sends the system prompt and message history to the provider and
// returns the reply text. The API key is supplied per call so the
// credential cache stays the owner of key lifetime.
func (c *Client) Complete(ctx context.Context, apiKey, system string, msgs []TurnMessage) (string, error) {
	trimmed := make([]TurnMessage, len(msgs))
	for i, m := range msgs {
		if len(m.Content) > maxContentLen {
			m.Content = m.Content[:maxContentLen]
		}
		trimmed[i] = m
	}

	payload, err := json.Marshal(completionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  trimmed,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Status: resp.StatusCode, Message: "reading response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ProviderError{Status: resp.StatusCode, Message: snippet(body)}
	}

	var completion completionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", &ProviderError{Status: resp.StatusCode, Message: "parsing response: " + err.Error()}
	}
	if len(completion.Content) == 0 || completion.Content[0].Text == "" {
		return "", &ProviderError{Status: resp.StatusCode, Message: "response has no content text"}
	}

	return completion.Content[0].Text, nil
}

// snippet truncates an error body so provider errors stay log-friendly.
func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
