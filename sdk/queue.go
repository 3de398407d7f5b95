package sdk

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is a user message waiting for its session to become idle.
type QueuedMessage struct {
	ID        string
	Text      string
	CreatedAt time.Time
}

// outbox holds one FIFO queue per session and tracks which sessions have a
// dispatch in flight.
type outbox struct {
	mu       sync.Mutex
	queues   map[string][]QueuedMessage
	inflight map[string]bool
}

func newOutbox() *outbox {
	return &outbox{
		queues:   make(map[string][]QueuedMessage),
		inflight: make(map[string]bool),
	}
}

func (o *outbox) enqueue(agentID, text string, now time.Time) QueuedMessage {
	msg := QueuedMessage{ID: uuid.NewString(), Text: text, CreatedAt: now}
	o.mu.Lock()
	o.queues[agentID] = append(o.queues[agentID], msg)
	o.mu.Unlock()
	return msg
}

// busy reports whether a send for agentID must queue to keep FIFO order.
func (o *outbox) busy(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[agentID] || len(o.queues[agentID]) > 0
}

// take pops the head of the queue and marks the session in flight. It fails
// when the queue is empty or a dispatch is already in flight.
func (o *outbox) take(agentID string) (QueuedMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[agentID]
	if len(q) == 0 || o.inflight[agentID] {
		return QueuedMessage{}, false
	}
	msg := q[0]
	if len(q) == 1 {
		delete(o.queues, agentID)
	} else {
		o.queues[agentID] = q[1:]
	}
	o.inflight[agentID] = true
	return msg, true
}

// release ends an in-flight dispatch. A failed message goes back to the front.
func (o *outbox) release(agentID string, failed *QueuedMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, agentID)
	if failed != nil {
		o.queues[agentID] = append([]QueuedMessage{*failed}, o.queues[agentID]...)
	}
}

func (o *outbox) pending(agentID string) []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage(nil), o.queues[agentID]...)
}

func (o *outbox) agents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.queues))
	for id := range o.queues {
		out = append(out, id)
	}
	return out
}

func (o *outbox) inFlight(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[agentID]
}
