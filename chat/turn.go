package chat

import (
	"fmt"

	"character-chat/db"
)

// Kind selects one of the three turn variants
type Kind int

const (
	// NewMessage records user text and generates a reply
	NewMessage Kind = iota
	// Regenerate replaces the most recent assistant message
	Regenerate
	// Continue asks for more output without new user text
	Continue
)

func (k Kind) String() string {
	switch k {
	case NewMessage:
		return "new_message"
	case Regenerate:
		return "regenerate"
	case Continue:
		return "continue"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a step of the turn state machine
type State string

const (
	StateIdle                State = "idle"
	StateUserMessageRecorded State = "user_message_recorded"
	StateRequestBuilt        State = "request_built"
	StateResponseAwaited     State = "response_awaited"
	StateStreaming           State = "streaming"
	StateSucceeded           State = "settled_success"
	StateFailed              State = "settled_failed"
)

// Settled reports whether s is terminal
func (s State) Settled() bool {
	return s == StateSucceeded || s == StateFailed
}

// TurnRequest describes one turn
type TurnRequest struct {
	Kind Kind

	// ConversationID is 0 for a NewMessage turn that starts a conversation
	ConversationID int64

	// Content is the user text; only used by NewMessage
	Content string

	User      *db.UserSettings
	Character *db.Character

	// Explicit selections applied when a conversation is created. Zero means
	// "use the character's default scenario" and "no bound persona".
	ScenarioID int64
	PersonaID  int64
}

func (r *TurnRequest) validate() error {
	if r.Character == nil {
		return &ValidationError{Err: fmt.Errorf("character is required")}
	}
	if r.User == nil {
		return &ValidationError{Err: fmt.Errorf("user settings are required")}
	}
	switch r.Kind {
	case NewMessage:
		if r.Content == "" {
			return &ValidationError{Err: fmt.Errorf("message content is empty")}
		}
	case Regenerate, Continue:
		if r.ConversationID <= 0 {
			return &ValidationError{Err: fmt.Errorf("%s needs an existing conversation", r.Kind)}
		}
	default:
		return &ValidationError{Err: fmt.Errorf("unknown turn kind %s", r.Kind)}
	}
	return nil
}

// EventType identifies what an Event carries
type EventType string

const (
	EventConversationCreated EventType = "conversation_created"
	EventStateChanged        EventType = "state_changed"
	EventMessageUpdated      EventType = "message_updated"
	EventSettled             EventType = "settled"
)

// Event is delivered to the caller of RunTurn while the turn progresses
type Event struct {
	Type           EventType
	TurnID         string
	ConversationID int64
	State          State
	Message        *db.Message // copy of the persisted row, for message events and Settled
	Err            error       // set on a Failed settlement
}

// Result summarises a settled turn
type Result struct {
	TurnID         string
	ConversationID int64
	State          State
	Message        *db.Message
	Err            error
}

// Wait drains events until the turn settles and returns its result.
// onEvent, if not nil, sees every event first.
func Wait(events <-chan Event, onEvent func(Event)) Result {
	var res Result
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.ConversationID > 0 {
			res.ConversationID = ev.ConversationID
		}
		if ev.TurnID != "" {
			res.TurnID = ev.TurnID
		}
		if ev.Type == EventSettled {
			res.State = ev.State
			res.Message = ev.Message
			res.Err = ev.Err
		}
	}
	return res
}
