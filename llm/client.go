package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is used when no base URL is configured
const DefaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody caps how much of a failed response body is kept
const maxErrorBody = 4096

// Config represents chat API client configuration
type Config struct {
	BaseURL               string
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
}

// Client talks to an OpenAI-compatible chat completion endpoint
type Client struct {
	config Config
	client *http.Client
}

// NewClient creates a new chat API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ResponseHeaderTimeout == 0 {
		config.ResponseHeaderTimeout = 120 * time.Second
	}

	// For streaming responses, we don't want a global timeout
	// Only set connection timeout via Transport
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   config.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		},
	}

	return &Client{config: config, client: client}
}

// BaseURL returns the endpoint root the client posts to
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// StreamCompletion posts req with streaming enabled and returns the SSE body.
// A non-2xx status is returned as *ProviderError with the body already closed.
func (c *Client) StreamCompletion(ctx context.Context, authHeader string, req *ChatCompletionRequest) (io.ReadCloser, error) {
	body := *req
	body.Stream = true

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Status:     reasonPhrase(resp),
			Body:       string(errBody),
		}
	}

	return resp.Body, nil
}

// reasonPhrase extracts "Not Found" from "404 Not Found"
func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
