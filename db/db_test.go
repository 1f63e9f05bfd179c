package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "nested", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestConversation(t *testing.T, db *DB) (*Character, *Conversation) {
	t.Helper()
	c, err := db.CreateCharacter(&Character{Name: "Ava", Personality: "curious"})
	require.NoError(t, err)
	conv, err := db.CreateConversation(&Conversation{CharacterID: c.ID, Title: "Ava: hi"})
	require.NoError(t, err)
	return c, conv
}

func TestCharacterRoundTrip(t *testing.T) {
	db := newTestDB(t)

	temp := 0.7
	c, err := db.CreateCharacter(&Character{
		Name:             "Ava",
		Personality:      "{{character}} is curious",
		Model:            "gpt-4o-mini",
		Temperature:      &temp,
		ContextTurnLimit: 5,
		TimeAware:        true,
	})
	require.NoError(t, err)

	got, err := db.GetCharacter(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ava", got.Name)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
	assert.Nil(t, got.MaxTokens)
	assert.Equal(t, 5, got.ContextTurnLimit)
	assert.True(t, got.TimeAware)

	_, err = db.GetCharacter(c.ID + 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationBindings(t *testing.T) {
	db := newTestDB(t)
	c, err := db.CreateCharacter(&Character{Name: "Ava"})
	require.NoError(t, err)
	p, err := db.CreatePersona("Bob", "a traveller")
	require.NoError(t, err)
	s, err := db.CreateScenario(&Scenario{CharacterID: c.ID, Name: "Cafe"})
	require.NoError(t, err)

	conv, err := db.CreateConversation(&Conversation{CharacterID: c.ID, ScenarioID: s.ID, PersonaID: p.ID, Title: "t"})
	require.NoError(t, err)

	got, err := db.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ScenarioID)
	assert.Equal(t, p.ID, got.PersonaID)
	assert.True(t, got.Active)

	// deleting the persona unbinds it instead of deleting the conversation
	require.NoError(t, db.DeletePersona(p.ID))
	got, err = db.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.PersonaID)
	assert.Equal(t, s.ID, got.ScenarioID)
}

func TestConversationMissingReferenceRejected(t *testing.T) {
	db := newTestDB(t)
	c, err := db.CreateCharacter(&Character{Name: "Ava"})
	require.NoError(t, err)

	_, err = db.CreateConversation(&Conversation{CharacterID: c.ID, PersonaID: 999, Title: "t"})
	assert.Error(t, err)
}

func TestMessagesOrderedAndTouchConversation(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)

	base := time.Now().Add(-time.Hour)
	second, err := db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleAssistant, Content: "second", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleUser, Content: "first", CreatedAt: base})
	require.NoError(t, err)

	msgs, err := db.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, second.ID, msgs[1].ID)

	got, err := db.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(conv.UpdatedAt))
}

func TestUpdateMessage(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)

	msg, err := db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleAssistant, Model: "m"})
	require.NoError(t, err)

	msg.Content = "Hello"
	msg.PromptTokens, msg.CompletionTokens, msg.TotalTokens = 10, 2, 12
	msg.FinishReason = "stop"
	require.NoError(t, db.UpdateMessage(msg))

	got, err := db.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, 12, got.TotalTokens)
	assert.Equal(t, "stop", got.FinishReason)
	assert.Equal(t, "m", got.Model)

	err = db.UpdateMessage(&Message{ID: msg.ID + 50, ConversationID: conv.ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversationCascades(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)

	msg, err := db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, db.DeleteConversation(conv.ID))

	_, err = db.GetMessage(msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetConversation(conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSingleDefaultScenario(t *testing.T) {
	db := newTestDB(t)
	c, err := db.CreateCharacter(&Character{Name: "Ava"})
	require.NoError(t, err)

	_, err = db.GetDefaultScenario(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := db.CreateScenario(&Scenario{CharacterID: c.ID, Name: "A", IsDefault: true})
	require.NoError(t, err)
	b, err := db.CreateScenario(&Scenario{CharacterID: c.ID, Name: "B", IsDefault: true})
	require.NoError(t, err)

	def, err := db.GetDefaultScenario(c.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, def.ID)

	require.NoError(t, db.SetDefaultScenario(c.ID, a.ID))
	scenarios, err := db.ListScenarios(c.ID)
	require.NoError(t, err)
	defaults := 0
	for _, s := range scenarios {
		if s.IsDefault {
			defaults++
			assert.Equal(t, a.ID, s.ID)
		}
	}
	assert.Equal(t, 1, defaults)

	// a scenario of another character cannot become the default
	other, err := db.CreateCharacter(&Character{Name: "Max"})
	require.NoError(t, err)
	err = db.SetDefaultScenario(other.ID, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	def, err = db.GetDefaultScenario(c.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, def.ID)
}

func TestUserSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)

	empty, err := db.GetUserSettings()
	require.NoError(t, err)
	assert.Equal(t, &UserSettings{}, empty)

	temp := 0.9
	maxTokens := 512
	require.NoError(t, db.SaveUserSettings(&UserSettings{
		APIKey:                  "sk-1",
		PreferredModel:          "gpt-4o",
		GlobalPrompt:            "Be kind.",
		DefaultContextTurnLimit: 8,
		DefaultTemperature:      &temp,
		DefaultMaxTokens:        &maxTokens,
		ActivePersonaID:         3,
	}))

	got, err := db.GetUserSettings()
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got.APIKey)
	assert.Equal(t, "gpt-4o", got.PreferredModel)
	assert.Equal(t, 8, got.DefaultContextTurnLimit)
	require.NotNil(t, got.DefaultTemperature)
	assert.Equal(t, 0.9, *got.DefaultTemperature)
	require.NotNil(t, got.DefaultMaxTokens)
	assert.Equal(t, 512, *got.DefaultMaxTokens)
	assert.Equal(t, int64(3), got.ActivePersonaID)

	// clearing a field removes the row
	got.DefaultTemperature = nil
	require.NoError(t, db.SaveUserSettings(got))
	_, ok, err := db.GetSetting(SettingDefaultTemperature)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeReceivesMessageEvents(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)
	_, other := newTestConversation(t, db)

	events, cancel := db.Subscribe(conv.ID)
	defer cancel()

	msg, err := db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleAssistant})
	require.NoError(t, err)
	_, err = db.CreateMessage(&Message{ConversationID: other.ID, Role: RoleUser, Content: "elsewhere"})
	require.NoError(t, err)
	msg.Content = "partial"
	require.NoError(t, db.UpdateMessage(msg))
	require.NoError(t, db.DeleteMessage(msg.ID))

	var got []MessageEvent
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	assert.Equal(t, MessageCreated, got[0].Type)
	assert.Equal(t, MessageUpdated, got[1].Type)
	assert.Equal(t, "partial", got[1].Message.Content)
	assert.Equal(t, MessageDeleted, got[2].Type)
	assert.Equal(t, msg.ID, got[2].Message.ID)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestSearchMessages(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)

	_, err := db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleUser, Content: "Would you like some Earl Grey tea?"})
	require.NoError(t, err)
	_, err = db.CreateMessage(&Message{ConversationID: conv.ID, Role: RoleAssistant, Content: "100% yes"})
	require.NoError(t, err)

	results, err := db.SearchMessages("earl grey", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, conv.ID, results[0].ConversationID)
	assert.Contains(t, results[0].Snippet, "<mark>Earl Grey</mark>")

	// LIKE wildcards are matched literally
	results, err = db.SearchMessages("%", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "100% yes", results[0].Message.Content)

	results, err = db.SearchMessages("  ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUsageStatsCountsAssistantMessages(t *testing.T) {
	db := newTestDB(t)
	_, conv := newTestConversation(t, db)

	now := time.Now()
	for _, m := range []*Message{
		{ConversationID: conv.ID, Role: RoleUser, Content: "hi", CreatedAt: now},
		{ConversationID: conv.ID, Role: RoleAssistant, Content: "a", Model: "m1", PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, CreatedAt: now},
		{ConversationID: conv.ID, Role: RoleAssistant, Content: "b", Model: "m2", PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, CreatedAt: now},
	} {
		_, err := db.CreateMessage(m)
		require.NoError(t, err)
	}

	stats, err := db.GetUsageStats(now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, int64(40), stats.TotalTokens)
	assert.Equal(t, int64(15), stats.PromptTokens)
	require.Contains(t, stats.ModelStats, "m2")
	assert.Equal(t, int64(30), stats.ModelStats["m2"].TotalTokens)
	require.Len(t, stats.DailyStats, 1)
	assert.Equal(t, int64(40), stats.DailyStats[0].TotalTokens)

	dbStats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dbStats.ConversationCount)
	assert.Equal(t, int64(3), dbStats.MessageCount)
}
