package syncer

import (
	"sync"
	"time"
)

const subscriberBuffer = 16

// SyncEvent describes the outcome of one sync attempt. Error carries the
// already-truncated message stored on the submission, never raw payload data.
type SyncEvent struct {
	SubmissionID string    `json:"submission_id"`
	TraceID      string    `json:"trace_id"`
	Outcome      string    `json:"outcome"`
	RecordID     string    `json:"record_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt"`
	At           time.Time `json:"at"`
}

const (
	OutcomeSynced  = "synced"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// EventHub fans sync outcomes out to live subscribers. Delivery is best
// effort: a subscriber that stops draining loses events rather than stalling
// the workers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan SyncEvent]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan SyncEvent]struct{}{}}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed afterwards.
func (h *EventHub) Subscribe() (<-chan SyncEvent, func()) {
	ch := make(chan SyncEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *EventHub) Publish(ev SyncEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
