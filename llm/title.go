package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const titleSystemPrompt = "You are a helpful assistant that generates short, concise titles for conversations. Generate a title in the same language as the conversation. The title should be 3-8 words, descriptive, and capture the main topic. Only output the title, nothing else."

// Titler generates conversation titles with a non-streaming completion
type Titler struct {
	baseURL string
}

// NewTitler creates a title generator posting to baseURL
func NewTitler(baseURL string) *Titler {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Titler{baseURL: baseURL}
}

// GenerateTitle generates a short title based on the first messages of a conversation
func (t *Titler) GenerateTitle(ctx context.Context, apiKey, model string, messages []Message) (string, error) {
	if apiKey == "" {
		return "", errors.New("API key is required")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = t.baseURL
	client := openai.NewClientWithConfig(clientConfig)

	titlePrompt := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
	}

	// Add the first few messages for context (limit to avoid token issues)
	maxMessages := 4
	for i, msg := range messages {
		if i >= maxMessages {
			break
		}
		if msg.Content == "" {
			continue
		}
		titlePrompt = append(titlePrompt, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	titlePrompt = append(titlePrompt, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: "Based on the above conversation, generate a short title (3-8 words):",
	})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: titlePrompt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in title response")
	}

	return cleanTitle(resp.Choices[0].Message.Content), nil
}
