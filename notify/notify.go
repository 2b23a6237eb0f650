package notify

import (
	"context"
	"sync"
	"time"

	"docqueue/model"
)

// Event announces that a task entered a status. Delivery is best effort:
// polling the task remains the source of truth.
type Event struct {
	TaskID  string       `json:"task_id"`
	Status  model.Status `json:"status"`
	Attempt int          `json:"attempt"`
	At      time.Time    `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type discard struct{}

func (discard) Publish(context.Context, Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

const subscriberBuffer = 16

// Hub fans events out to in-process subscribers keyed by task id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Publish never blocks; a subscriber that is not keeping up misses events.
func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events for taskID and a func that must be
// called to release it.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan Event]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[taskID], ch)
			if len(h.subs[taskID]) == 0 {
				delete(h.subs, taskID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
