// Package chat sequences conversation turns: it records user input,
// assembles the prompt, streams the reply and persists it as it arrives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"character-chat/db"
	"character-chat/llm"
	"character-chat/prompt"
	"character-chat/stream"
	"character-chat/utils"
)

const (
	jobQueueSize   = 32
	eventBuffer    = 16
	titleTimeout   = 30 * time.Second
	titleMaxPrefix = 40
)

// Store is the persistence the orchestrator needs. CreateMessage must bump
// the owning conversation's last-updated timestamp.
type Store interface {
	CreateConversation(conv *db.Conversation) (*db.Conversation, error)
	GetConversation(id int64) (*db.Conversation, error)
	UpdateConversation(conv *db.Conversation) error
	TouchConversation(id int64) error

	CreateMessage(msg *db.Message) (*db.Message, error)
	UpdateMessage(msg *db.Message) error
	DeleteMessage(id int64) error
	ListMessages(conversationID int64) ([]*db.Message, error)

	GetPersona(id int64) (*db.Persona, error)
	GetScenario(id int64) (*db.Scenario, error)
	GetDefaultScenario(characterID int64) (*db.Scenario, error)
}

// TitleGenerator names new conversations after their first exchange
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTitleGenerator enables generated titles for new conversations
func WithTitleGenerator(t TitleGenerator) Option {
	return func(o *Orchestrator) { o.titler = t }
}

// WithClock overrides the time source used for prompt assembly
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs turns one at a time on a single worker goroutine
type Orchestrator struct {
	store    Store
	client   llm.StreamClient
	ingester *stream.Ingester
	logger   *utils.Logger
	titler   TitleGenerator
	now      func() time.Time

	mu      sync.Mutex // guards closed and enqueueing
	closed  bool
	jobs    chan func()
	done    chan struct{}
	stopped chan struct{}

	flags sync.Map // context key -> *atomic.Bool
}

// New creates an orchestrator and starts its worker
func New(store Store, client llm.StreamClient, logger *utils.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		client:   client,
		ingester: stream.NewIngester(logger),
		logger:   logger,
		now:      time.Now,
		jobs:     make(chan func(), jobQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	utils.SafeGo(logger, "turn worker", func() {
		defer close(o.stopped)
		o.work()
	})
	return o
}

// Close stops the worker and waits for it to exit. Queued turns, and the
// title request of a finished one, still run first.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	o.mu.Unlock()
	<-o.stopped
}

func (o *Orchestrator) work() {
	for {
		select {
		case job := <-o.jobs:
			job()
		case <-o.done:
			for {
				select {
				case job := <-o.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// IsGenerating reports whether a turn is writing to the conversation
func (o *Orchestrator) IsGenerating(conversationID int64) bool {
	f, ok := o.flags.Load(conversationKey(conversationID))
	return ok && f.(*atomic.Bool).Load()
}

func (o *Orchestrator) flag(key string) *atomic.Bool {
	f, _ := o.flags.LoadOrStore(key, new(atomic.Bool))
	return f.(*atomic.Bool)
}

func conversationKey(id int64) string {
	return fmt.Sprintf("conversation:%d", id)
}

// requestKey scopes the in-progress flag. Turns that start a conversation
// are keyed by character until the conversation exists.
func requestKey(req *TurnRequest) string {
	if req.ConversationID > 0 {
		return conversationKey(req.ConversationID)
	}
	return fmt.Sprintf("new:%d", req.Character.ID)
}

// RunTurn queues a turn and returns the channel its events arrive on. The
// channel is closed after the Settled event. Callers must drain it; events
// are dropped once ctx is done, persistence still completes.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := requestKey(&req)
	if !o.flag(key).CompareAndSwap(false, true) {
		return nil, ErrGenerationInProgress
	}

	t := &turn{
		id:     uuid.NewString(),
		req:    req,
		ctx:    ctx,
		events: make(chan Event, eventBuffer),
		keys:   []string{key},
		state:  StateIdle,
	}

	job := func() { o.execute(t) }

	// Close cannot run while a job is being queued, so the worker drains
	// every job that made it into the queue
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.flag(key).Store(false)
		return nil, ErrClosed
	}

	select {
	case o.jobs <- job:
		return t.events, nil
	case <-ctx.Done():
		o.flag(key).Store(false)
		return nil, ctx.Err()
	}
}

// turn is the mutable state of one RunTurn call; only the worker touches it
type turn struct {
	id     string
	req    TurnRequest
	ctx    context.Context
	events chan Event
	keys   []string

	state       State
	conv        *db.Conversation
	created     bool
	placeholder *db.Message
	model       string

	userMessageID int64
}

func (t *turn) emit(ev Event) {
	ev.TurnID = t.id
	if t.conv != nil {
		ev.ConversationID = t.conv.ID
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

func (t *turn) setState(s State) {
	t.state = s
	t.emit(Event{Type: EventStateChanged, State: s})
}

func (t *turn) emitMessage(msg *db.Message) {
	cp := *msg
	t.emit(Event{Type: EventMessageUpdated, Message: &cp})
}

func (o *Orchestrator) execute(t *turn) {
	o.logger.Info("[turn %s] %s started (conversation=%d, character=%d)", t.id, t.req.Kind, t.req.ConversationID, t.req.Character.ID)

	err := utils.SafeCall(o.logger, "turn "+t.id, func() error {
		return o.run(t)
	})

	settled := Event{Type: EventSettled, State: StateSucceeded}
	if err != nil {
		settled.State = StateFailed
		settled.Err = err
		o.logger.Error("[turn %s] failed: %v", t.id, err)
	} else {
		o.logger.Info("[turn %s] succeeded", t.id)
	}
	t.state = settled.State
	if t.placeholder != nil {
		cp := *t.placeholder
		settled.Message = &cp
	}
	// a caller that sees Settled may start the next turn right away
	for _, key := range t.keys {
		o.flag(key).Store(false)
	}
	t.emit(settled)
	close(t.events)

	if err == nil && t.created {
		o.nameConversation(t)
	}
}

func (o *Orchestrator) run(t *turn) error {
	req := &t.req

	switch req.Kind {
	case NewMessage:
		if req.ConversationID > 0 {
			conv, err := o.store.GetConversation(req.ConversationID)
			if err != nil {
				return err
			}
			t.conv = conv
		} else if err := o.startConversation(t); err != nil {
			return err
		}

		msg, err := o.store.CreateMessage(&db.Message{
			ConversationID: t.conv.ID,
			Role:           db.RoleUser,
			Content:        req.Content,
		})
		if err != nil {
			return fmt.Errorf("failed to save user message: %w", err)
		}
		t.userMessageID = msg.ID
		t.setState(StateUserMessageRecorded)

	case Regenerate:
		conv, err := o.store.GetConversation(req.ConversationID)
		if err != nil {
			return err
		}
		t.conv = conv
		if err := o.dropLatestReply(t); err != nil {
			return err
		}

	case Continue:
		conv, err := o.store.GetConversation(req.ConversationID)
		if err != nil {
			return err
		}
		t.conv = conv
	}

	return o.generate(t)
}

// startConversation creates the conversation, binds scenario and persona and
// stores the greeting before any user text
func (o *Orchestrator) startConversation(t *turn) error {
	req := &t.req
	character := req.Character

	var scenario *db.Scenario
	if req.ScenarioID > 0 {
		s, err := o.store.GetScenario(req.ScenarioID)
		if err != nil {
			return err
		}
		scenario = s
	} else {
		s, err := o.store.GetDefaultScenario(character.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		scenario = s
	}

	var personaID int64
	if req.PersonaID > 0 {
		if _, err := o.store.GetPersona(req.PersonaID); err != nil {
			return err
		}
		personaID = req.PersonaID
	}

	conv := &db.Conversation{
		CharacterID: character.ID,
		PersonaID:   personaID,
		Title:       defaultTitle(character.Name, req.Content),
	}
	if scenario != nil {
		conv.ScenarioID = scenario.ID
	}

	created, err := o.store.CreateConversation(conv)
	if err != nil {
		return err
	}
	t.conv = created
	t.created = true

	key := conversationKey(created.ID)
	o.flag(key).Store(true)
	t.keys = append(t.keys, key)

	greeting := character.FirstMessage
	if scenario != nil && scenario.FirstMessage != "" {
		greeting = scenario.FirstMessage
	}
	if strings.TrimSpace(greeting) != "" {
		msg, err := o.store.CreateMessage(&db.Message{
			ConversationID: created.ID,
			Role:           db.RoleAssistant,
			Content:        greeting,
		})
		if err != nil {
			return fmt.Errorf("failed to save greeting: %w", err)
		}
		t.emitMessage(msg)
	}

	o.logger.Info("[turn %s] created conversation %d", t.id, created.ID)
	t.emit(Event{Type: EventConversationCreated})
	return nil
}

func (o *Orchestrator) dropLatestReply(t *turn) error {
	history, err := o.store.ListMessages(t.conv.ID)
	if err != nil {
		return err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == db.RoleAssistant {
			if err := o.store.DeleteMessage(history[i].ID); err != nil {
				return fmt.Errorf("failed to delete assistant message: %w", err)
			}
			o.logger.Debug("[turn %s] removed assistant message %d", t.id, history[i].ID)
			return nil
		}
	}
	return ErrNoAssistantMessage
}

// generate is the tail shared by every turn kind
func (o *Orchestrator) generate(t *turn) error {
	req := &t.req
	user, character := req.User, req.Character

	history, err := o.store.ListMessages(t.conv.ID)
	if err != nil {
		return err
	}
	// The new user row is passed as PendingUser so the window and the
	// continue hint only see the turns before it
	if n := len(history); n > 0 && t.userMessageID > 0 && history[n-1].ID == t.userMessageID {
		history = history[:n-1]
	}

	persona, err := o.lookupPersona(prompt.PersonaID(t.conv, user))
	if err != nil {
		return err
	}
	scenario, err := o.lookupScenario(t.conv.ScenarioID)
	if err != nil {
		return err
	}

	input := prompt.Input{
		Conversation: t.conv,
		User:         user,
		Character:    character,
		Persona:      persona,
		Scenario:     scenario,
		History:      history,
		Now:          o.now(),
	}
	if req.Kind == NewMessage {
		input.PendingUser = req.Content
	}
	messages := prompt.Build(input)

	model := character.Model
	if model == "" {
		model = user.PreferredModel
	}
	if model == "" {
		return &ValidationError{Err: ErrNoModelConfigured}
	}
	t.model = model

	chatReq := &llm.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature(character, user),
		MaxTokens:   maxTokens(character, user),
		Stream:      true,
	}
	t.setState(StateRequestBuilt)
	o.logger.Debug("[turn %s] request built: model=%s segments=%d", t.id, model, len(messages))

	placeholder, err := o.store.CreateMessage(&db.Message{
		ConversationID: t.conv.ID,
		Role:           db.RoleAssistant,
		Model:          model,
	})
	if err != nil {
		return fmt.Errorf("failed to save placeholder message: %w", err)
	}
	t.placeholder = placeholder
	t.emitMessage(placeholder)

	t.setState(StateResponseAwaited)
	body, err := o.client.StreamCompletion(t.ctx, llm.BearerAuth(user.APIKey), chatReq)
	if err != nil {
		var perr *llm.ProviderError
		if errors.As(err, &perr) {
			o.logger.Warn("[turn %s] provider returned %s: %s", t.id, perr.Error(), perr.Body)
			return o.settleWithError(t, "Error: "+perr.Error(), err)
		}
		// Transport failures before the first byte take the interrupted path
		return o.settleWithError(t, interruptedContent("", err), &stream.InterruptedError{Err: err})
	}
	defer body.Close()

	t.setState(StateStreaming)
	_, err = o.ingester.Consume(t.ctx, body, func(u stream.Update) error {
		t.placeholder.Content = u.Content
		if u.Final {
			if u.Usage != nil {
				t.placeholder.PromptTokens = u.Usage.PromptTokens
				t.placeholder.CompletionTokens = u.Usage.CompletionTokens
				t.placeholder.TotalTokens = u.Usage.TotalTokens
			}
			t.placeholder.FinishReason = u.FinishReason
		}
		return o.persistReply(t)
	})

	var interrupted *stream.InterruptedError
	if errors.As(err, &interrupted) {
		o.logger.Warn("[turn %s] stream interrupted after %d bytes: %v", t.id, len(interrupted.Partial), interrupted.Err)
		return o.settleWithError(t, interruptedContent(interrupted.Partial, interrupted.Err), err)
	}
	if err != nil {
		return err
	}

	o.logger.Info("[turn %s] reply stored: %d chars, finish=%q, tokens=%d",
		t.id, len(t.placeholder.Content), t.placeholder.FinishReason, t.placeholder.TotalTokens)
	return nil
}

func (o *Orchestrator) persistReply(t *turn) error {
	if err := o.store.UpdateMessage(t.placeholder); err != nil {
		return fmt.Errorf("failed to save reply: %w", err)
	}
	if err := o.store.TouchConversation(t.conv.ID); err != nil {
		return err
	}
	t.emitMessage(t.placeholder)
	return nil
}

// settleWithError writes content into the placeholder and returns cause so
// the turn settles as failed
func (o *Orchestrator) settleWithError(t *turn, content string, cause error) error {
	t.placeholder.Content = content
	if err := o.persistReply(t); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func interruptedContent(partial string, cause error) string {
	suffix := "Error: Stream interrupted. " + cause.Error()
	if partial == "" {
		return suffix
	}
	return partial + "\n\n" + suffix
}

func (o *Orchestrator) lookupPersona(id int64) (*db.Persona, error) {
	if id <= 0 {
		return nil, nil
	}
	p, err := o.store.GetPersona(id)
	if errors.Is(err, db.ErrNotFound) {
		o.logger.Warn("Persona %d no longer exists, continuing without one", id)
		return nil, nil
	}
	return p, err
}

func (o *Orchestrator) lookupScenario(id int64) (*db.Scenario, error) {
	if id <= 0 {
		return nil, nil
	}
	s, err := o.store.GetScenario(id)
	if errors.Is(err, db.ErrNotFound) {
		o.logger.Warn("Scenario %d no longer exists, continuing without one", id)
		return nil, nil
	}
	return s, err
}

func temperature(character *db.Character, user *db.UserSettings) *float32 {
	v := character.Temperature
	if v == nil {
		v = user.DefaultTemperature
	}
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

func maxTokens(character *db.Character, user *db.UserSettings) *int {
	v := character.MaxTokens
	if v == nil {
		v = user.DefaultMaxTokens
	}
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func defaultTitle(characterName, content string) string {
	if characterName == "" {
		characterName = prompt.DefaultCharacterName
	}
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return characterName
	}
	if runes := []rune(content); len(runes) > titleMaxPrefix {
		content = string(runes[:titleMaxPrefix]) + "..."
	}
	return characterName + ": " + content
}

// nameConversation replaces the default title with a generated one. Failures
// are logged only.
func (o *Orchestrator) nameConversation(t *turn) {
	if o.titler == nil || t.req.User.APIKey == "" {
		return
	}

	history, err := o.store.ListMessages(t.conv.ID)
	if err != nil {
		o.logger.Warn("[turn %s] title skipped: %v", t.id, err)
		return
	}
	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()
	title, err := o.titler.GenerateTitle(ctx, t.req.User.APIKey, t.model, messages)
	if err != nil {
		o.logger.Warn("[turn %s] title generation failed: %v", t.id, err)
		return
	}

	conv, err := o.store.GetConversation(t.conv.ID)
	if err != nil {
		o.logger.Warn("[turn %s] title skipped: %v", t.id, err)
		return
	}
	conv.Title = title
	if err := o.store.UpdateConversation(conv); err != nil {
		o.logger.Warn("[turn %s] failed to save title: %v", t.id, err)
	}
}
