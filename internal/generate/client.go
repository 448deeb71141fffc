package generate

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

// Request is one generation task. PriorArtifacts carries earlier pipeline
// outputs the prompt should build on, keyed by a human-readable label.
type Request struct {
	Kind           Kind
	Transcript     string
	PriorArtifacts map[string]string
	CustomPrompt   string // overrides the default system prompt when set
	Model          string // overrides the client default when set
}

// Client calls an OpenAI-compatible /v1/chat/completions endpoint for the
// content-generation steps.
type Client struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a content-generation client.
func NewClient(url, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the default model identifier.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate runs one generation task and returns the produced text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	system := req.CustomPrompt
	if system == "" {
		system = SystemPrompt(req.Kind)
	}
	if system == "" {
		return "", fmt.Errorf("no prompt for generation kind %q", req.Kind)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	body := chatRequest{
		Model:       model,
		Temperature: 0.7,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: buildUserMessage(req)},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("generation API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("generation API returned no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("generation API returned empty content")
	}
	return text, nil
}

// buildUserMessage assembles the transcript and prior artifacts into one
// prompt body.
func buildUserMessage(req Request) string {
	var sb strings.Builder
	if req.Transcript != "" {
		sb.WriteString("TRANSCRIPT:\n")
		sb.WriteString(req.Transcript)
		sb.WriteString("\n")
	}
	for label, text := range req.PriorArtifacts {
		if text == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(strings.ToUpper(label))
		sb.WriteString(":\n")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}
