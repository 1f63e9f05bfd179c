// Package stream turns an OpenAI-style server-sent-event body into
// accumulated content updates.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"character-chat/llm"
	"character-chat/utils"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// EmptyPlaceholder replaces a final content that is blank after trimming
	EmptyPlaceholder = "..."

	maxLineSize = 1024 * 1024
)

// Update is one step of a stream. Content is always the full text so far.
type Update struct {
	Content      string
	Usage        *llm.Usage
	FinishReason string
	Final        bool
}

// InterruptedError reports a read failure after the stream started.
// Partial holds the content accumulated before the failure.
type InterruptedError struct {
	Partial string
	Err     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("stream interrupted: %v", e.Err)
}

func (e *InterruptedError) Unwrap() error {
	return e.Err
}

// Ingester decodes chat completion chunks
type Ingester struct {
	logger *utils.Logger
}

// NewIngester creates an ingester. logger may be nil.
func NewIngester(logger *utils.Logger) *Ingester {
	return &Ingester{logger: logger}
}

// Consume reads r until EOF or the [DONE] sentinel, calling onUpdate after
// every non-empty delta and once more with Final set. It returns the final
// update. If onUpdate returns an error, consumption stops with that error.
func (i *Ingester) Consume(ctx context.Context, r io.Reader, onUpdate func(Update) error) (Update, error) {
	var (
		buf          strings.Builder
		usage        *llm.Usage
		finishReason string
		done         bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneSentinel {
			done = true
			break
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			i.logger.Warn("Skipping malformed stream chunk: %v", err)
			continue
		}

		if chunk.Usage != nil {
			usage = &llm.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}

		buf.WriteString(choice.Delta.Content)
		if err := onUpdate(Update{Content: buf.String()}); err != nil {
			return Update{Content: buf.String()}, err
		}
	}

	if err := scanner.Err(); err != nil {
		return Update{Content: buf.String()}, &InterruptedError{Partial: buf.String(), Err: err}
	}
	if err := ctx.Err(); err != nil && !done {
		return Update{Content: buf.String()}, &InterruptedError{Partial: buf.String(), Err: err}
	}

	final := Update{
		Content:      buf.String(),
		Usage:        usage,
		FinishReason: finishReason,
		Final:        true,
	}
	if strings.TrimSpace(final.Content) == "" {
		final.Content = EmptyPlaceholder
	}
	if err := onUpdate(final); err != nil {
		return final, err
	}
	return final, nil
}
