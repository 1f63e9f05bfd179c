package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // "user" or "assistant" or "system"
	Content string `json:"content"`
}

// ChatCompletionRequest is the body sent to an OpenAI-compatible
// /chat/completions endpoint. Nil sampling parameters serialize as null so
// the provider applies its own defaults.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

// Usage is the token accounting reported by the provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamClient issues a streaming completion and hands back the raw SSE body.
// The caller owns the returned reader and must close it.
type StreamClient interface {
	StreamCompletion(ctx context.Context, authHeader string, req *ChatCompletionRequest) (io.ReadCloser, error)
}

// ProviderError is returned for non-2xx responses
type ProviderError struct {
	StatusCode int
	Status     string // reason phrase, e.g. "Too Many Requests"
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%d %s", e.StatusCode, e.Status)
}

// BearerAuth formats an API key as an Authorization header value
func BearerAuth(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	return "Bearer " + apiKey
}

// cleanTitle cleans up a generated title by removing quotes and extra whitespace
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)

	// Remove surrounding quotes (single or double)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)

	if len([]rune(title)) > 100 {
		title = string([]rune(title)[:100]) + "..."
	}

	if title == "" {
		title = "New Chat"
	}

	return title
}
