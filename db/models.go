package db

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation represents a chat with one character
type Conversation struct {
	ID          int64     `json:"id"`
	CharacterID int64     `json:"character_id"`
	ScenarioID  int64     `json:"scenario_id"` // 0 when none is bound
	PersonaID   int64     `json:"persona_id"`  // 0 when none is bound
	Title       string    `json:"title"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message represents a single message in a conversation
type Message struct {
	ID               int64     `json:"id"`
	ConversationID   int64     `json:"conversation_id"`
	Role             string    `json:"role"` // "system", "user" or "assistant"
	Content          string    `json:"content"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	FinishReason     string    `json:"finish_reason"` // empty until an assistant message settles
	CreatedAt        time.Time `json:"created_at"`
}

// Character is the AI side of a conversation
type Character struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Personality      string    `json:"personality"`
	FirstMessage     string    `json:"first_message"`
	Model            string    `json:"model"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	ContextTurnLimit int       `json:"context_turn_limit"`
	TimeAware        bool      `json:"time_aware"`
	DefaultScenario  string    `json:"default_scenario"`
	CreatedAt        time.Time `json:"created_at"`
}

// Persona describes who the user is playing as
type Persona struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scenario is a reusable setting for a character
type Scenario struct {
	ID           int64     `json:"id"`
	CharacterID  int64     `json:"character_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	FirstMessage string    `json:"first_message"`
	IsDefault    bool      `json:"is_default"`
	ImagePath    string    `json:"image_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserSettings holds the global, per-user preferences
type UserSettings struct {
	APIKey                  string   `json:"api_key"`
	PreferredModel          string   `json:"preferred_model"`
	GlobalPrompt            string   `json:"global_prompt"`
	DefaultContextTurnLimit int      `json:"default_context_turn_limit"`
	DefaultTemperature      *float64 `json:"default_temperature,omitempty"`
	DefaultMaxTokens        *int     `json:"default_max_tokens,omitempty"`
	ActivePersonaID         int64    `json:"active_persona_id"` // 0 or -1 when none
}

// Setting represents a configuration setting
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
