package gateway

import (
	"encoding/json"
	"sync"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/metrics"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// Hub tracks authenticated connections and fans stream events out to all of
// them. It implements session.Emitter.
type Hub struct {
	metrics *metrics.Bridge

	mu    sync.RWMutex
	conns map[string]*clientConn // connection id -> conn
}

// NewHub returns an empty hub. m may be nil.
func NewHub(m *metrics.Bridge) *Hub {
	return &Hub{
		metrics: m,
		conns:   make(map[string]*clientConn),
	}
}

// Add registers an authenticated connection.
func (h *Hub) Add(c *clientConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

// Remove forgets a connection.
func (h *Hub) Remove(c *clientConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetClients(n)
}

// Count returns the number of authenticated connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ClientIDs returns the client ids of every connection.
func (h *Hub) ClientIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.clientID)
	}
	return out
}

// Emit broadcasts a stream event for agentID to every connection.
func (h *Hub) Emit(agentID string, event string, data any) {
	raw, err := marshalData(data)
	if err != nil {
		logger.Errorf("[gateway] marshal %s event for %s: %v", event, agentID, err)
		return
	}
	frame, err := json.Marshal(wire.StreamEvent{
		Type:    wire.TypeStream,
		AgentID: agentID,
		Event:   event,
		Data:    raw,
	})
	if err != nil {
		logger.Errorf("[gateway] marshal stream frame: %v", err)
		return
	}
	h.broadcast(frame)
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.RLock()
	targets := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
