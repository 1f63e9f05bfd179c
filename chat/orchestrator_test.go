package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"character-chat/db"
	"character-chat/llm"
)

// memStore is an in-memory Store that records every message write
type memStore struct {
	mu            sync.Mutex
	nextID        int64
	clock         time.Time
	conversations map[int64]*db.Conversation
	messages      []*db.Message
	personas      map[int64]*db.Persona
	scenarios     map[int64]*db.Scenario
	writes        []string
	touches       int
}

func newMemStore() *memStore {
	return &memStore{
		clock:         time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC),
		conversations: make(map[int64]*db.Conversation),
		personas:      make(map[int64]*db.Persona),
		scenarios:     make(map[int64]*db.Scenario),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) CreateConversation(conv *db.Conversation) (*db.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	cp.ID = s.id()
	cp.Active = true
	cp.CreatedAt, cp.UpdatedAt = s.clock, s.clock
	s.conversations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) GetConversation(id int64) (*db.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, db.ErrNotFound)
	}
	cp := *conv
	return &cp, nil
}

func (s *memStore) UpdateConversation(conv *db.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; !ok {
		return db.ErrNotFound
	}
	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

func (s *memStore) TouchConversation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if conv, ok := s.conversations[id]; ok {
		s.clock = s.clock.Add(time.Second)
		conv.UpdatedAt = s.clock
	}
	return nil
}

func (s *memStore) CreateMessage(msg *db.Message) (*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, db.ErrNotFound
	}
	cp := *msg
	cp.ID = s.id()
	s.clock = s.clock.Add(time.Second)
	cp.CreatedAt = s.clock
	s.conversations[msg.ConversationID].UpdatedAt = s.clock
	s.messages = append(s.messages, &cp)
	s.writes = append(s.writes, fmt.Sprintf("create %s %q", cp.Role, cp.Content))
	out := cp
	return &out, nil
}

func (s *memStore) UpdateMessage(msg *db.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == msg.ID {
			cp := *msg
			cp.CreatedAt = m.CreatedAt
			s.messages[i] = &cp
			s.writes = append(s.writes, fmt.Sprintf("update %s %q", cp.Role, cp.Content))
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) DeleteMessage(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.writes = append(s.writes, fmt.Sprintf("delete %s %q", m.Role, m.Content))
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) ListMessages(conversationID int64) ([]*db.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) GetPersona(id int64) (*db.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, fmt.Errorf("persona %d: %w", id, db.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetScenario(id int64) (*db.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("scenario %d: %w", id, db.ErrNotFound)
	}
	cp := *sc
	return &cp, nil
}

func (s *memStore) GetDefaultScenario(characterID int64) (*db.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.scenarios {
		if sc.CharacterID == characterID && sc.IsDefault {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("default scenario: %w", db.ErrNotFound)
}

func (s *memStore) addConversation(t *testing.T, characterID int64, msgs ...*db.Message) *db.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(&db.Conversation{CharacterID: characterID, Title: "test"})
	require.NoError(t, err)
	for _, m := range msgs {
		m.ConversationID = conv.ID
		_, err := s.CreateMessage(m)
		require.NoError(t, err)
	}
	s.mu.Lock()
	s.writes = nil
	s.mu.Unlock()
	return conv
}

func (s *memStore) snapshot(convID int64) []*db.Message {
	msgs, _ := s.ListMessages(convID)
	return msgs
}

func (s *memStore) writeLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// fakeClient replays canned responses and records requests
type fakeClient struct {
	mu       sync.Mutex
	requests []*llm.ChatCompletionRequest
	auth     []string
	respond  func(ctx context.Context) (io.ReadCloser, error)
}

func (c *fakeClient) StreamCompletion(ctx context.Context, authHeader string, req *llm.ChatCompletionRequest) (io.ReadCloser, error) {
	c.mu.Lock()
	cp := *req
	c.requests = append(c.requests, &cp)
	c.auth = append(c.auth, authHeader)
	c.mu.Unlock()
	return c.respond(ctx)
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeClient) lastRequest() *llm.ChatCompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func streamOf(body string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func sse(finish string, fragments ...string) string {
	var sb strings.Builder
	for _, f := range fragments {
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
	}
	fmt.Fprintf(&sb, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":%q}]}\n\n", finish)
	sb.WriteString("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":3,\"total_tokens\":10}}\n\n")
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func newTestOrchestrator(t *testing.T, store Store, client llm.StreamClient, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(store, client, nil, opts...)
	t.Cleanup(o.Close)
	return o
}

func run(t *testing.T, o *Orchestrator, req TurnRequest) (Result, []Event) {
	t.Helper()
	events, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	var seen []Event
	res := Wait(events, func(ev Event) { seen = append(seen, ev) })
	return res, seen
}

func testUser() *db.UserSettings {
	return &db.UserSettings{APIKey: "sk-test", PreferredModel: "default-model"}
}

func TestNewConversationUsesScenarioGreeting(t *testing.T) {
	store := newMemStore()
	store.scenarios[100] = &db.Scenario{ID: 100, CharacterID: 1, Name: "Cafe", Description: "A quiet cafe.", FirstMessage: "Welcome to the cafe!", IsDefault: true}
	client := &fakeClient{respond: streamOf(sse("stop", "He", "llo"))}
	o := newTestOrchestrator(t, store, client)

	character := &db.Character{ID: 1, Name: "Ava", FirstMessage: "Hi, I'm Ava."}
	res, events := run(t, o, TurnRequest{Kind: NewMessage, Content: "One tea please", User: testUser(), Character: character})

	require.NoError(t, res.Err)
	assert.Equal(t, StateSucceeded, res.State)
	require.NotZero(t, res.ConversationID)

	conv, err := store.GetConversation(res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), conv.ScenarioID)
	assert.Equal(t, "Ava: One tea please", conv.Title)

	msgs := store.snapshot(res.ConversationID)
	require.Len(t, msgs, 3)
	assert.Equal(t, db.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Welcome to the cafe!", msgs[0].Content)
	assert.Equal(t, db.RoleUser, msgs[1].Role)
	assert.Equal(t, "One tea please", msgs[1].Content)
	assert.Equal(t, "Hello", msgs[2].Content)
	assert.Equal(t, "stop", msgs[2].FinishReason)
	assert.Equal(t, 10, msgs[2].TotalTokens)
	assert.Equal(t, "default-model", msgs[2].Model)

	// the conversation id is published before the request is built
	created, built := -1, -1
	for i, ev := range events {
		switch {
		case ev.Type == EventConversationCreated && created < 0:
			created = i
		case ev.Type == EventStateChanged && ev.State == StateRequestBuilt:
			built = i
		}
	}
	require.GreaterOrEqual(t, created, 0)
	assert.Less(t, created, built)
	assert.Equal(t, res.ConversationID, events[created].ConversationID)

	req := client.lastRequest()
	assert.Equal(t, "default-model", req.Model)
	assert.True(t, req.Stream)
	assert.Contains(t, req.Messages[0].Content, "Scenario Context:\nScenario: Cafe\nA quiet cafe.")
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, llm.Message{Role: db.RoleUser, Content: "One tea please"}, last)
	assert.Equal(t, "Bearer sk-test", client.auth[0])
}

func TestNewConversationFallsBackToCharacterGreeting(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{respond: streamOf(sse("stop", "ok"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{
		Kind:      NewMessage,
		Content:   "hello",
		User:      testUser(),
		Character: &db.Character{ID: 1, Name: "Ava", FirstMessage: "Hi, I'm Ava."},
	})
	require.NoError(t, res.Err)

	msgs := store.snapshot(res.ConversationID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hi, I'm Ava.", msgs[0].Content)
	conv, _ := store.GetConversation(res.ConversationID)
	assert.Zero(t, conv.ScenarioID)
}

func TestNewConversationBindsExplicitPersona(t *testing.T) {
	store := newMemStore()
	store.personas[7] = &db.Persona{ID: 7, Name: "Bob", Description: "a traveller"}
	store.personas[8] = &db.Persona{ID: 8, Name: "Global", Description: "ignored"}
	client := &fakeClient{respond: streamOf(sse("stop", "ok"))}
	o := newTestOrchestrator(t, store, client)

	user := testUser()
	user.ActivePersonaID = 8
	res, _ := run(t, o, TurnRequest{
		Kind:      NewMessage,
		Content:   "I am {{user}}",
		User:      user,
		Character: &db.Character{ID: 1, Name: "Ava"},
		PersonaID: 7,
	})
	require.NoError(t, res.Err)

	conv, _ := store.GetConversation(res.ConversationID)
	assert.Equal(t, int64(7), conv.PersonaID)

	req := client.lastRequest()
	assert.Contains(t, req.Messages[0].Content, "Name: Bob")
	assert.NotContains(t, req.Messages[0].Content, "Global")
	assert.Equal(t, "I am Bob", req.Messages[len(req.Messages)-1].Content)
}

func TestNewConversationUnknownPersonaFails(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{respond: streamOf(sse("stop", "ok"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, Content: "hi", User: testUser(), Character: &db.Character{ID: 1}, PersonaID: 42})
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, db.ErrNotFound)
	assert.Zero(t, client.calls())
}

func TestWriteOrdering(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1, &db.Message{Role: db.RoleAssistant, Content: "greeting"})
	client := &fakeClient{respond: streamOf(sse("stop", "The ", "quick ", "fox"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "tell me", User: testUser(), Character: &db.Character{ID: 1}})
	require.NoError(t, res.Err)

	assert.Equal(t, []string{
		`create user "tell me"`,
		`create assistant ""`,
		`update assistant "The "`,
		`update assistant "The quick "`,
		`update assistant "The quick fox"`,
		`update assistant "The quick fox"`,
	}, store.writeLog())
	// every reply write bumps the conversation
	assert.Equal(t, 4, store.touches)

	// the final write carries usage and finish reason
	require.NotNil(t, res.Message)
	assert.Equal(t, "The quick fox", res.Message.Content)
	assert.Equal(t, 7, res.Message.PromptTokens)
	assert.Equal(t, 3, res.Message.CompletionTokens)
	assert.Equal(t, "stop", res.Message.FinishReason)
}

func TestSettledEventsAndStates(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: streamOf(sse("stop", "a"))}
	o := newTestOrchestrator(t, store, client)

	_, events := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "x", User: testUser(), Character: &db.Character{ID: 1}})

	var states []State
	for _, ev := range events {
		if ev.Type == EventStateChanged {
			states = append(states, ev.State)
		}
		assert.NotEmpty(t, ev.TurnID)
	}
	assert.Equal(t, []State{StateUserMessageRecorded, StateRequestBuilt, StateResponseAwaited, StateStreaming}, states)

	last := events[len(events)-1]
	assert.Equal(t, EventSettled, last.Type)
	assert.True(t, last.State.Settled())
}

func TestRegenerateReplacesLatestAssistant(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1,
		&db.Message{Role: db.RoleAssistant, Content: "greeting"},
		&db.Message{Role: db.RoleUser, Content: "question"},
		&db.Message{Role: db.RoleAssistant, Content: "bad answer"},
	)
	client := &fakeClient{respond: streamOf(sse("stop", "better answer"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: Regenerate, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})
	require.NoError(t, res.Err)

	msgs := store.snapshot(conv.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "greeting", msgs[0].Content)
	assert.Equal(t, "question", msgs[1].Content)
	assert.Equal(t, "better answer", msgs[2].Content)
	assert.Equal(t, `delete assistant "bad answer"`, store.writeLog()[0])

	// the removed reply is not part of the prompt
	for _, m := range client.lastRequest().Messages {
		assert.NotEqual(t, "bad answer", m.Content)
	}
	assert.Equal(t, "question", client.lastRequest().Messages[len(client.lastRequest().Messages)-1].Content)
}

func TestRegenerateWithoutAssistantFails(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1, &db.Message{Role: db.RoleUser, Content: "question"})
	client := &fakeClient{respond: streamOf(sse("stop", "x"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: Regenerate, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrNoAssistantMessage)
	assert.Zero(t, client.calls())
	assert.Len(t, store.snapshot(conv.ID), 1)

	// the failure is local to the turn
	assert.False(t, o.IsGenerating(conv.ID))
}

func TestContinueKeepsHistory(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1,
		&db.Message{Role: db.RoleUser, Content: "hi"},
		&db.Message{Role: db.RoleAssistant, Content: "hello", FinishReason: "length"},
	)
	client := &fakeClient{respond: streamOf(sse("stop", " and more"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: Continue, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})
	require.NoError(t, res.Err)

	msgs := store.snapshot(conv.ID)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, " and more", msgs[2].Content)
	for _, w := range store.writeLog() {
		assert.False(t, strings.HasPrefix(w, "delete"), w)
	}

	req := client.lastRequest()
	hint := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "system", hint.Role)
	assert.Contains(t, hint.Content, "Continue exactly from where you stopped")
}

func TestNoModelConfigured(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: streamOf(sse("stop", "x"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "hi", User: &db.UserSettings{}, Character: &db.Character{ID: 1}})

	assert.Equal(t, StateFailed, res.State)
	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.ErrorIs(t, res.Err, ErrNoModelConfigured)
	assert.Zero(t, client.calls())
	assert.Nil(t, res.Message)

	// the user message stays, no placeholder is written
	assert.Equal(t, []string{`create user "hi"`}, store.writeLog())
}

func TestCharacterModelAndSampling(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: streamOf(sse("stop", "x"))}
	o := newTestOrchestrator(t, store, client)

	temp := 0.25
	userMax := 300
	user := testUser()
	user.DefaultMaxTokens = &userMax
	res, _ := run(t, o, TurnRequest{
		Kind:           NewMessage,
		ConversationID: conv.ID,
		Content:        "hi",
		User:           user,
		Character:      &db.Character{ID: 1, Model: "char-model", Temperature: &temp},
	})
	require.NoError(t, res.Err)

	req := client.lastRequest()
	assert.Equal(t, "char-model", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, float32(0.25), *req.Temperature)
	require.NotNil(t, req.MaxTokens)
	assert.Equal(t, 300, *req.MaxTokens)
}

func TestProviderErrorPersisted(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: func(context.Context) (io.ReadCloser, error) {
		return nil, &llm.ProviderError{StatusCode: 429, Status: "Too Many Requests", Body: "{}"}
	}}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "hi", User: testUser(), Character: &db.Character{ID: 1}})

	assert.Equal(t, StateFailed, res.State)
	var perr *llm.ProviderError
	assert.ErrorAs(t, res.Err, &perr)

	msgs := store.snapshot(conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, db.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Error: 429 Too Many Requests", msgs[1].Content)
	assert.Equal(t, "Error: 429 Too Many Requests", res.Message.Content)
}

type brokenBody struct {
	r   io.Reader
	err error
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, b.err
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

func TestInterruptedStreamKeepsPartial(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: func(context.Context) (io.ReadCloser, error) {
		return &brokenBody{
			r:   strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"Once upon\"}}]}\n\n"),
			err: errors.New("unexpected EOF"),
		}, nil
	}}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "story", User: testUser(), Character: &db.Character{ID: 1}})

	assert.Equal(t, StateFailed, res.State)
	msgs := store.snapshot(conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon\n\nError: Stream interrupted. unexpected EOF", msgs[1].Content)
}

func TestTransportFailureTakesInterruptedPath(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: Continue, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})

	assert.Equal(t, StateFailed, res.State)
	msgs := store.snapshot(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Error: Stream interrupted. dial tcp: connection refused", msgs[0].Content)
}

func TestEmptyReplyStoresPlaceholder(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1)
	client := &fakeClient{respond: streamOf("data: [DONE]\n")}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: Continue, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})
	require.NoError(t, res.Err)
	assert.Equal(t, "...", store.snapshot(conv.ID)[0].Content)
}

func TestConcurrentTurnRejected(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1, &db.Message{Role: db.RoleAssistant, Content: "greeting"})
	release := make(chan struct{})
	client := &fakeClient{respond: func(context.Context) (io.ReadCloser, error) {
		<-release
		return io.NopCloser(strings.NewReader(sse("stop", "done"))), nil
	}}
	o := newTestOrchestrator(t, store, client)
	req := TurnRequest{Kind: Continue, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}}

	events, err := o.RunTurn(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, o.IsGenerating(conv.ID))

	_, err = o.RunTurn(context.Background(), TurnRequest{Kind: Regenerate, ConversationID: conv.ID, User: testUser(), Character: &db.Character{ID: 1}})
	assert.ErrorIs(t, err, ErrGenerationInProgress)

	// other conversations are not blocked
	assert.False(t, o.IsGenerating(conv.ID+1000))

	close(release)
	res := Wait(events, nil)
	require.NoError(t, res.Err)
	assert.False(t, o.IsGenerating(conv.ID))

	res, _ = run(t, o, req)
	assert.NoError(t, res.Err)
}

func TestRunTurnValidation(t *testing.T) {
	o := newTestOrchestrator(t, newMemStore(), &fakeClient{respond: streamOf("")})

	cases := map[string]TurnRequest{
		"missing character": {Kind: NewMessage, Content: "hi", User: testUser()},
		"missing user":      {Kind: NewMessage, Content: "hi", Character: &db.Character{ID: 1}},
		"empty content":     {Kind: NewMessage, User: testUser(), Character: &db.Character{ID: 1}},
		"regenerate no id":  {Kind: Regenerate, User: testUser(), Character: &db.Character{ID: 1}},
		"unknown kind":      {Kind: Kind(9), ConversationID: 1, User: testUser(), Character: &db.Character{ID: 1}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.RunTurn(context.Background(), req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestRunTurnAfterClose(t *testing.T) {
	o := New(newMemStore(), &fakeClient{respond: streamOf("")}, nil)
	o.Close()

	_, err := o.RunTurn(context.Background(), TurnRequest{Kind: Continue, ConversationID: 1, User: testUser(), Character: &db.Character{ID: 1}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, o.IsGenerating(1))
}

type fakeTitler struct {
	mu    sync.Mutex
	calls int
	seen  []llm.Message
	model string
}

func (f *fakeTitler) GenerateTitle(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = messages
	f.model = model
	return "Tea Time", nil
}

func TestNewConversationGetsGeneratedTitle(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{respond: streamOf(sse("stop", "Sure!"))}
	titler := &fakeTitler{}
	o := newTestOrchestrator(t, store, client, WithTitleGenerator(titler))

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, Content: "tea?", User: testUser(), Character: &db.Character{ID: 1, Name: "Ava"}})
	require.NoError(t, res.Err)

	// Close waits for the title request that follows the turn
	o.Close()

	conv, err := store.GetConversation(res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Tea Time", conv.Title)
	assert.Equal(t, 1, titler.calls)
	assert.Equal(t, "default-model", titler.model)
	assert.Len(t, titler.seen, 2)

	// existing conversations keep their title
	_, _ = run(t, newTestOrchestrator(t, store, client, WithTitleGenerator(titler)), TurnRequest{
		Kind: NewMessage, ConversationID: res.ConversationID, Content: "more", User: testUser(), Character: &db.Character{ID: 1},
	})
	assert.Equal(t, 1, titler.calls)
}

func TestDefaultTitle(t *testing.T) {
	assert.Equal(t, "Ava: hello there", defaultTitle("Ava", "  hello\n there "))
	assert.Equal(t, "Character", defaultTitle("", ""))
	long := strings.Repeat("é", 50)
	assert.Equal(t, "Ava: "+strings.Repeat("é", 40)+"...", defaultTitle("Ava", long))
}

func TestNewMessageAfterTruncatedReplyGetsContinueHint(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1,
		&db.Message{Role: db.RoleUser, Content: "hi"},
		&db.Message{Role: db.RoleAssistant, Content: "hello", FinishReason: "length"},
	)
	client := &fakeClient{respond: streamOf(sse("stop", "ok"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{Kind: NewMessage, ConversationID: conv.ID, Content: "go on", User: testUser(), Character: &db.Character{ID: 1}})
	require.NoError(t, res.Err)

	msgs := client.lastRequest().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.Message{Role: db.RoleUser, Content: "hi"}, msgs[0])
	assert.Equal(t, llm.Message{Role: db.RoleAssistant, Content: "hello"}, msgs[1])
	assert.Equal(t, "system", msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "Continue exactly from where you stopped")
	assert.Equal(t, llm.Message{Role: db.RoleUser, Content: "go on"}, msgs[3])

	// the user message is still persisted exactly once
	var users int
	for _, m := range store.snapshot(conv.ID) {
		if m.Role == db.RoleUser && m.Content == "go on" {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestNewMessageWindowKeepsWholePairs(t *testing.T) {
	store := newMemStore()
	conv := store.addConversation(t, 1,
		&db.Message{Role: db.RoleUser, Content: "u0"},
		&db.Message{Role: db.RoleAssistant, Content: "a0"},
		&db.Message{Role: db.RoleUser, Content: "u1"},
		&db.Message{Role: db.RoleAssistant, Content: "a1"},
	)
	client := &fakeClient{respond: streamOf(sse("stop", "ok"))}
	o := newTestOrchestrator(t, store, client)

	res, _ := run(t, o, TurnRequest{
		Kind:           NewMessage,
		ConversationID: conv.ID,
		Content:        "u2",
		User:           testUser(),
		Character:      &db.Character{ID: 1, ContextTurnLimit: 1},
	})
	require.NoError(t, res.Err)

	assert.Equal(t, []llm.Message{
		{Role: db.RoleUser, Content: "u1"},
		{Role: db.RoleAssistant, Content: "a1"},
		{Role: db.RoleUser, Content: "u2"},
	}, client.lastRequest().Messages)
}

func TestIsGeneratingDoesNotRegisterFlags(t *testing.T) {
	o := newTestOrchestrator(t, newMemStore(), &fakeClient{respond: streamOf("")})

	for id := int64(1); id <= 100; id++ {
		assert.False(t, o.IsGenerating(id))
	}

	entries := 0
	o.flags.Range(func(_, _ any) bool {
		entries++
		return true
	})
	assert.Zero(t, entries)
}

func TestCloseNeverStrandsQueuedTurns(t *testing.T) {
	for i := 0; i < 50; i++ {
		o := New(newMemStore(), &fakeClient{respond: streamOf(sse("stop", "x"))}, nil)

		var wg sync.WaitGroup
		accepted := make(chan (<-chan Event), 8)
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				// the conversation does not exist, so the turn settles failed right away
				events, err := o.RunTurn(context.Background(), TurnRequest{
					Kind: Continue, ConversationID: id, User: testUser(), Character: &db.Character{ID: 1},
				})
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				accepted <- events
			}(int64(j + 1))
		}
		o.Close()
		wg.Wait()
		close(accepted)

		for events := range accepted {
			settled := make(chan Result, 1)
			go func(events <-chan Event) { settled <- Wait(events, nil) }(events)
			select {
			case res := <-settled:
				assert.Equal(t, StateFailed, res.State)
			case <-time.After(2 * time.Second):
				t.Fatal("turn queued before Close never settled")
			}
		}
	}
}
