package gateway

import (
	"sort"
	"sync"
)

// PushRegistry tracks device push tokens registered by connected clients. A
// registration belongs to the connection that made it and is released when
// that connection goes away. It implements notify.TokenSource.
type PushRegistry struct {
	mu     sync.RWMutex
	tokens map[string]map[string]string // clientID -> token -> connection id
}

// NewPushRegistry returns an empty registry.
func NewPushRegistry() *PushRegistry {
	return &PushRegistry{
		tokens: make(map[string]map[string]string),
	}
}

// Register records token for clientID on connection connID.
func (r *PushRegistry) Register(clientID, token, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, ok := r.tokens[clientID]
	if !ok {
		tokens = make(map[string]string)
		r.tokens[clientID] = tokens
	}
	tokens[token] = connID
}

// Unregister removes token if it is still owned by connID.
func (r *PushRegistry) Unregister(clientID, token, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, ok := r.tokens[clientID]
	if !ok {
		return
	}
	if current, ok := tokens[token]; ok && current == connID {
		delete(tokens, token)
	}
	if len(tokens) == 0 {
		delete(r.tokens, clientID)
	}
}

// UnregisterAll drops every token owned by connID.
func (r *PushRegistry) UnregisterAll(clientID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens, ok := r.tokens[clientID]
	if !ok {
		return
	}
	for token, current := range tokens {
		if current == connID {
			delete(tokens, token)
		}
	}
	if len(tokens) == 0 {
		delete(r.tokens, clientID)
	}
}

// PushTokens returns every registered token, sorted and de-duplicated.
func (r *PushRegistry) PushTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tokens := range r.tokens {
		for token := range tokens {
			seen[token] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
