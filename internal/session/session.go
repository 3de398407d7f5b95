package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/agentevent"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/storage"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

// Session is one live agent process and its conversation state.
type Session struct {
	id             string
	name           string
	cwd            string
	approvalPolicy string
	systemPrompt   string
	createdAt      time.Time

	client *appserver.Client

	mu       sync.Mutex
	model    string
	status   wire.Status
	threadID string
	turnID   string
	messages []wire.MessageEntry
}

func newSession(id string, p wire.CreateAgentParams, now time.Time) *Session {
	name := p.Name
	if name == "" {
		name = id
	}
	return &Session{
		id:             id,
		name:           name,
		cwd:            p.Cwd,
		approvalPolicy: p.ApprovalPolicy,
		systemPrompt:   p.SystemPrompt,
		createdAt:      now,
		model:          p.Model,
		status:         wire.StatusInitializing,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() wire.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status wire.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Summary snapshots the session for clients.
func (s *Session) Summary(withMessages bool) wire.AgentSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := wire.AgentSummary{
		ID:             s.id,
		Name:           s.name,
		Model:          s.model,
		Cwd:            s.cwd,
		ApprovalPolicy: s.approvalPolicy,
		SystemPrompt:   s.systemPrompt,
		Status:         s.status,
		ThreadID:       s.threadID,
		TurnID:         s.turnID,
		CreatedAt:      s.createdAt.UnixMilli(),
	}
	if withMessages {
		out.Messages = append([]wire.MessageEntry(nil), s.messages...)
	}
	return out
}

func (s *Session) descriptor() storage.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Descriptor{
		ID:             s.id,
		Name:           s.name,
		Model:          s.model,
		Cwd:            s.cwd,
		ApprovalPolicy: s.approvalPolicy,
		SystemPrompt:   s.systemPrompt,
	}
}

// statusChange is reported when a notification moved the state machine.
type statusChange struct {
	status wire.Status
	turnID string
}

// apply updates local state for one notification. It returns a non-nil
// statusChange when the status or turn changed.
func (s *Session) apply(n agentevent.Notification, now time.Time) *statusChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevStatus, prevTurn := s.status, s.turnID

	switch v := n.(type) {
	case agentevent.TurnStarted:
		s.status = wire.StatusWorking
		if v.TurnID != "" {
			s.turnID = v.TurnID
		}
	case agentevent.TurnCompleted:
		s.status = wire.StatusReady
		s.turnID = ""
	case agentevent.TurnFailed:
		s.status = wire.StatusError
		if v.TurnID != "" {
			s.turnID = v.TurnID
		}
		text := "Turn failed"
		if v.Message != "" {
			text += ": " + v.Message
		}
		s.appendLocked(wire.MessageEntry{Kind: wire.KindError, Text: text}, now)
	case agentevent.ItemStarted:
		s.startItemLocked(v.Item, now)
	case agentevent.ItemDelta:
		s.appendDeltaLocked(v.ItemID, v.Kind, v.Delta, now)
	case agentevent.ItemCompleted:
		s.completeItemLocked(v.Item, now)
	}

	if s.status == prevStatus && s.turnID == prevTurn {
		return nil
	}
	return &statusChange{status: s.status, turnID: s.turnID}
}

func (s *Session) appendLocked(e wire.MessageEntry, now time.Time) wire.MessageEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TurnID == "" {
		e.TurnID = s.turnID
	}
	e.CreatedAt = now.UnixMilli()
	s.messages = append(s.messages, e)
	return e
}

// findItemLocked returns the index of the entry for itemID, or -1.
func (s *Session) findItemLocked(itemID string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ItemID == itemID {
			return i
		}
	}
	return -1
}

// startItemLocked shows a placeholder for command items so the user sees
// what is running before any output arrives.
func (s *Session) startItemLocked(it agentevent.Item, now time.Time) {
	if it.Kind() != wire.KindCommand || s.findItemLocked(it.ID) >= 0 {
		return
	}
	s.appendLocked(wire.MessageEntry{
		ItemID:    it.ID,
		Kind:      wire.KindCommand,
		Text:      it.PartialText(),
		Streaming: true,
	}, now)
}

func (s *Session) appendDeltaLocked(itemID string, kind wire.MessageKind, delta string, now time.Time) {
	idx := s.findItemLocked(itemID)
	if idx < 0 {
		s.appendLocked(wire.MessageEntry{
			ItemID:    itemID,
			Kind:      kind,
			Text:      delta,
			Streaming: true,
		}, now)
		return
	}
	entry := &s.messages[idx]
	if !entry.Streaming {
		// Finalized entries are immutable.
		return
	}
	entry.Text += delta
}

// completeItemLocked finalizes the entry for an item. A repeated completion
// leaves the log unchanged.
func (s *Session) completeItemLocked(it agentevent.Item, now time.Time) {
	if it.IsUserEcho() {
		return
	}
	idx := s.findItemLocked(it.ID)
	if idx < 0 {
		s.appendLocked(wire.MessageEntry{
			ItemID: it.ID,
			Kind:   it.Kind(),
			Text:   it.FinalText(),
		}, now)
		return
	}
	entry := &s.messages[idx]
	if !entry.Streaming {
		return
	}
	entry.Text = it.FinalText()
	entry.Streaming = false
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []wire.MessageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.MessageEntry(nil), s.messages...)
}
