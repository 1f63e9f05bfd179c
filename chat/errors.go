package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNoModelConfigured is wrapped in a ValidationError when neither the
	// character nor the user settings name a model
	ErrNoModelConfigured = errors.New("no model configured")

	// ErrGenerationInProgress rejects a turn while another one is writing to
	// the same conversation
	ErrGenerationInProgress = errors.New("generation already in progress")

	// ErrNoAssistantMessage is returned by Regenerate when there is nothing to replace
	ErrNoAssistantMessage = errors.New("no assistant message to regenerate")

	// ErrClosed is returned after the orchestrator has been shut down
	ErrClosed = errors.New("orchestrator closed")
)

// ValidationError aborts a turn before any network call
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
