// Package prompt assembles the ordered, role-tagged messages sent to the
// chat API for one turn. Everything here is pure: no I/O, inputs untouched.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"character-chat/db"
	"character-chat/llm"
)

const (
	DefaultCharacterName = "Character"
	DefaultUserName      = "User"

	DayFormat  = "Monday, January 2, 2006"
	TimeFormat = "15:04"

	ContinueHint = "Your previous reply was cut off because it reached the length limit. Continue exactly from where you stopped without repeating anything you already wrote."
)

// Placeholder tokens recognised in prompt text
const (
	UserToken      = "{{user}}"
	CharacterToken = "{{character}}"
	DayToken       = "{day}"
	TimeToken      = "{time}"
)

// Input is everything one assembly needs. Nil entities are treated as absent.
type Input struct {
	Conversation *db.Conversation
	User         *db.UserSettings
	Character    *db.Character
	Persona      *db.Persona
	Scenario     *db.Scenario
	History      []*db.Message

	// PendingUser is the new user text of a NewMessage turn, empty otherwise
	PendingUser string

	// Now is the assembly time; zero means time.Now()
	Now time.Time
}

// Names holds the resolved display names used for substitution
type Names struct {
	User      string
	Character string
}

// Build returns the prompt segments in send order
func Build(in Input) []llm.Message {
	user := in.User
	if user == nil {
		user = &db.UserSettings{}
	}
	character := in.Character
	if character == nil {
		character = &db.Character{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	kept := Window(in.History, ContextLimit(character, user))
	names := ResolveNames(character, in.Persona)

	// The conversation starts at its first message, or now when there is none
	start := now
	if len(in.History) > 0 && in.History[0] != nil && !in.History[0].CreatedAt.IsZero() {
		start = in.History[0].CreatedAt
	}
	day, clock := start.Format(DayFormat), start.Format(TimeFormat)

	var segments []llm.Message

	var sb strings.Builder
	sb.WriteString(SubstituteTime(Substitute(user.GlobalPrompt, names), day, clock))
	sb.WriteString("\n")
	sb.WriteString(Substitute(personaBlock(in.Persona), names))
	sb.WriteString(SubstituteTime(Substitute(character.Personality, names), day, clock))
	sb.WriteString("\n")
	sb.WriteString(Substitute(scenarioBlock(in.Scenario, character), names))
	if character.TimeAware {
		sb.WriteString(fmt.Sprintf("\nThis conversation started on %s at %s.", day, clock))
	}
	if system := strings.TrimSpace(sb.String()); system != "" {
		segments = append(segments, llm.Message{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range kept {
		if character.TimeAware && msg.Role == db.RoleUser {
			segments = append(segments, llm.Message{
				Role:    openai.ChatMessageRoleSystem,
				Content: timestampNote(msg.CreatedAt, now),
			})
		}
		segments = append(segments, llm.Message{Role: msg.Role, Content: Substitute(msg.Content, names)})
	}

	if n := len(kept); n > 0 {
		last := kept[n-1]
		if last.Role == db.RoleAssistant && last.FinishReason == string(openai.FinishReasonLength) {
			segments = append(segments, llm.Message{Role: openai.ChatMessageRoleSystem, Content: ContinueHint})
		}
	}

	if in.PendingUser != "" && !endsWithUser(kept, in.PendingUser) {
		if character.TimeAware {
			segments = append(segments, llm.Message{Role: openai.ChatMessageRoleSystem, Content: timestampNote(now, now)})
		}
		segments = append(segments, llm.Message{Role: openai.ChatMessageRoleUser, Content: Substitute(in.PendingUser, names)})
	}

	return segments
}

// ContextLimit returns the number of user/assistant pairs to keep; 0 keeps all
func ContextLimit(character *db.Character, user *db.UserSettings) int {
	if character != nil && character.ContextTurnLimit > 0 {
		return character.ContextTurnLimit
	}
	if user != nil && user.DefaultContextTurnLimit > 0 {
		return user.DefaultContextTurnLimit
	}
	return 0
}

// Window keeps the trailing limit*2 entries of history. The returned slice
// shares the backing array with history.
func Window(history []*db.Message, limit int) []*db.Message {
	if limit <= 0 || len(history) <= limit*2 {
		return history
	}
	return history[len(history)-limit*2:]
}

// ResolveNames picks the display names for placeholder substitution
func ResolveNames(character *db.Character, persona *db.Persona) Names {
	names := Names{User: DefaultUserName, Character: DefaultCharacterName}
	if character != nil && character.Name != "" {
		names.Character = character.Name
	}
	if persona != nil && persona.Name != "" {
		names.User = persona.Name
	}
	return names
}

// Substitute replaces {{user}} and {{character}} with the resolved names
func Substitute(text string, names Names) string {
	if text == "" {
		return ""
	}
	return strings.NewReplacer(UserToken, names.User, CharacterToken, names.Character).Replace(text)
}

// SubstituteTime replaces {day} and {time}
func SubstituteTime(text, day, clock string) string {
	if text == "" {
		return ""
	}
	return strings.NewReplacer(DayToken, day, TimeToken, clock).Replace(text)
}

// PersonaID returns the persona bound for a turn: the conversation's own
// persona wins over the globally active one. Zero means none.
func PersonaID(conv *db.Conversation, user *db.UserSettings) int64 {
	if conv != nil && conv.PersonaID > 0 {
		return conv.PersonaID
	}
	if user != nil && user.ActivePersonaID > 0 {
		return user.ActivePersonaID
	}
	return 0
}

func personaBlock(persona *db.Persona) string {
	if persona == nil {
		return ""
	}
	return "User Persona:\nName: " + persona.Name + "\nDescription: " + persona.Description + "\n"
}

func scenarioBlock(scenario *db.Scenario, character *db.Character) string {
	if scenario != nil {
		return "Scenario Context:\nScenario: " + scenario.Name + "\n" + scenario.Description
	}
	if strings.TrimSpace(character.DefaultScenario) != "" {
		return "Scenario Context:\n" + character.DefaultScenario
	}
	return ""
}

func timestampNote(at, fallback time.Time) string {
	if at.IsZero() {
		at = fallback
	}
	return fmt.Sprintf("The following message was sent on %s at %s.", at.Format(DayFormat), at.Format(TimeFormat))
}

func endsWithUser(history []*db.Message, content string) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role == db.RoleUser && last.Content == content
}
