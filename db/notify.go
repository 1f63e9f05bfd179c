package db

import "sync"

// MessageEventType describes what happened to a message
type MessageEventType string

const (
	MessageCreated MessageEventType = "created"
	MessageUpdated MessageEventType = "updated"
	MessageDeleted MessageEventType = "deleted"
)

// MessageEvent is delivered to subscribers of a conversation
type MessageEvent struct {
	Type    MessageEventType
	Message Message
}

// subscriberBuffer bounds how far a slow subscriber may lag before events are dropped
const subscriberBuffer = 64

type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int64]map[int]chan MessageEvent
}

func newHub() *hub {
	return &hub{subs: make(map[int64]map[int]chan MessageEvent)}
}

func (h *hub) subscribe(conversationID int64) (<-chan MessageEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan MessageEvent, subscriberBuffer)
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]chan MessageEvent)
	}
	h.subs[conversationID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[conversationID]; ok {
				if c, ok := set[id]; ok {
					delete(set, id)
					close(c)
				}
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
		})
	}
	return ch, cancel
}

// publish never blocks the writer; a full subscriber misses the event
func (h *hub) publish(conversationID int64, ev MessageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[conversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for convID, set := range h.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(h.subs, convID)
	}
}

// Subscribe returns a channel of message events for one conversation and a
// function that ends the subscription
func (db *DB) Subscribe(conversationID int64) (<-chan MessageEvent, func()) {
	return db.hub.subscribe(conversationID)
}
