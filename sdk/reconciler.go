package sdk

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/agentevent"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const defaultFlushInterval = 50 * time.Millisecond

// HistorySink receives finalized message entries, for example to keep a
// durable cross-device history. Implementations must not block.
type HistorySink interface {
	AppendFinal(agentID string, entry wire.MessageEntry)
}

// ReconcilerOptions configures a Reconciler. Every field is optional.
type ReconcilerOptions struct {
	// FlushInterval bounds how long streamed text is buffered. Defaults to
	// 50ms.
	FlushInterval time.Duration
	History       HistorySink
	Metrics       MetricsSink
	// OnChange is called after the local record of an agent changed. It runs
	// without the reconciler lock held.
	OnChange func(agentID string)
	Now      func() time.Time
}

type deltaKey struct {
	agentID string
	itemID  string
}

type pendingDelta struct {
	kind wire.MessageKind
	text string
}

// Reconciler maintains the client's view of every agent from the bridge's
// stream events: message logs with coalesced deltas, status, and turn timing.
type Reconciler struct {
	opts ReconcilerOptions

	mu      sync.Mutex
	agents  map[string]*wire.AgentSummary
	pending map[deltaKey]*pendingDelta
	order   []deltaKey
	timer   *time.Timer
	turns   *turnTracker
	closed  bool
}

// NewReconciler returns an empty reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		opts:    opts,
		agents:  make(map[string]*wire.AgentSummary),
		pending: make(map[deltaKey]*pendingDelta),
		turns:   newTurnTracker(),
	}
}

// changes collects agents touched while the lock is held.
type changes map[string]struct{}

func (c changes) add(id string) { c[id] = struct{}{} }

func (r *Reconciler) notify(c changes) {
	if r.opts.OnChange == nil || len(c) == 0 {
		return
	}
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.opts.OnChange(id)
	}
}

// Apply folds one stream event into local state. It returns true when the
// event left the agent idle (ready or error), which is when queued messages
// may be dispatched.
func (r *Reconciler) Apply(ev wire.StreamEvent) bool {
	if ev.AgentID == "" {
		return false
	}
	c := changes{}
	var metric *TurnMetric

	r.mu.Lock()
	idle := r.applyLocked(ev, c, &metric)
	r.mu.Unlock()

	if metric != nil && r.opts.Metrics != nil {
		r.opts.Metrics.RecordTurn(*metric)
	}
	r.notify(c)
	return idle
}

func (r *Reconciler) applyLocked(ev wire.StreamEvent, c changes, metric **TurnMetric) bool {
	now := r.opts.Now()
	id := ev.AgentID

	switch ev.Event {
	case wire.EventCreated:
		var s wire.AgentSummary
		if err := json.Unmarshal(ev.Data, &s); err != nil {
			logger.Debugf("sdk: bad created payload for %s: %v", id, err)
			return false
		}
		s.ID = id
		if cur, ok := r.agents[id]; ok && len(cur.Messages) > len(s.Messages) {
			s.Messages = cur.Messages
		}
		r.agents[id] = &s
		c.add(id)
		return isIdle(s.Status)

	case wire.EventStopped:
		a := r.agent(id)
		r.flushAgentLocked(id, c)
		a.Status = wire.StatusStopped
		a.TurnID = ""
		r.turns.drop(id)
		c.add(id)
		return false

	case wire.EventStatus:
		var st wire.StatusEvent
		if err := json.Unmarshal(ev.Data, &st); err != nil || st.Status == "" {
			return false
		}
		a := r.agent(id)
		prev := a.Status
		a.Status = st.Status
		a.TurnID = st.TurnID
		c.add(id)
		return isIdle(st.Status) && !isIdle(prev)

	case wire.EventModelUpdated:
		var p struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(ev.Data, &p); err == nil && p.Model != "" {
			r.agent(id).Model = p.Model
			c.add(id)
		}
		return false

	case wire.EventUserMessage:
		var e wire.MessageEntry
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			return false
		}
		a := r.agent(id)
		for _, m := range a.Messages {
			if e.ID != "" && m.ID == e.ID {
				return false
			}
		}
		a.Messages = append(a.Messages, e)
		c.add(id)
		return false
	}

	switch n := agentevent.ParseNotification(ev.Event, ev.Data).(type) {
	case agentevent.TurnStarted:
		a := r.agent(id)
		a.Status = wire.StatusWorking
		if n.TurnID != "" {
			a.TurnID = n.TurnID
		}
		r.turns.start(id, n.TurnID, a.Model, now)
		c.add(id)

	case agentevent.TurnCompleted:
		r.flushAgentLocked(id, c)
		a := r.agent(id)
		a.Status = wire.StatusReady
		a.TurnID = ""
		if m, ok := r.turns.finish(id, n.TurnID, false, ev.Data, now); ok {
			*metric = &m
		}
		c.add(id)
		return true

	case agentevent.TurnFailed:
		r.flushAgentLocked(id, c)
		a := r.agent(id)
		a.Status = wire.StatusError
		text := "Turn failed"
		if n.Message != "" {
			text += ": " + n.Message
		}
		r.appendLocked(a, wire.MessageEntry{Kind: wire.KindError, Text: text, TurnID: n.TurnID}, now)
		if m, ok := r.turns.finish(id, n.TurnID, true, ev.Data, now); ok {
			*metric = &m
		}
		c.add(id)
		return true

	case agentevent.ItemStarted:
		if n.Item.Kind() != wire.KindCommand {
			return false
		}
		a := r.agent(id)
		if indexOfItem(a.Messages, n.Item.ID) >= 0 {
			return false
		}
		r.appendLocked(a, wire.MessageEntry{
			ItemID:    n.Item.ID,
			Kind:      wire.KindCommand,
			Text:      n.Item.PartialText(),
			Streaming: true,
		}, now)
		c.add(id)

	case agentevent.ItemDelta:
		r.bufferLocked(deltaKey{agentID: id, itemID: n.ItemID}, n.Kind, n.Delta)

	case agentevent.ItemCompleted:
		if n.Item.IsUserEcho() {
			return false
		}
		key := deltaKey{agentID: id, itemID: n.Item.ID}
		r.flushKeyLocked(key, now)
		r.finalizeLocked(id, n.Item, now)
		c.add(id)
	}
	return false
}

func isIdle(s wire.Status) bool {
	return s == wire.StatusReady || s == wire.StatusError
}

// agent returns the local record, creating a placeholder for unknown ids.
func (r *Reconciler) agent(id string) *wire.AgentSummary {
	a, ok := r.agents[id]
	if !ok {
		a = &wire.AgentSummary{ID: id}
		r.agents[id] = a
	}
	return a
}

func (r *Reconciler) appendLocked(a *wire.AgentSummary, e wire.MessageEntry, now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TurnID == "" {
		e.TurnID = a.TurnID
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = now.UnixMilli()
	}
	a.Messages = append(a.Messages, e)
}

func indexOfItem(msgs []wire.MessageEntry, itemID string) int {
	for i, m := range msgs {
		if m.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) bufferLocked(key deltaKey, kind wire.MessageKind, text string) {
	if r.closed {
		return
	}
	p, ok := r.pending[key]
	if !ok {
		p = &pendingDelta{kind: kind}
		r.pending[key] = p
		r.order = append(r.order, key)
	}
	p.text += text
	if r.timer == nil {
		r.timer = time.AfterFunc(r.opts.FlushInterval, r.onFlushTimer)
	}
}

func (r *Reconciler) onFlushTimer() {
	c := changes{}
	r.mu.Lock()
	r.timer = nil
	r.flushAllLocked(c)
	r.mu.Unlock()
	r.notify(c)
}

// Flush moves every buffered delta into the message logs now.
func (r *Reconciler) Flush() {
	c := changes{}
	r.mu.Lock()
	r.flushAllLocked(c)
	r.mu.Unlock()
	r.notify(c)
}

func (r *Reconciler) flushAllLocked(c changes) {
	now := r.opts.Now()
	for _, key := range r.order {
		if r.flushKeyLocked(key, now) {
			c.add(key.agentID)
		}
	}
	r.order = r.order[:0]
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconciler) flushAgentLocked(agentID string, c changes) {
	now := r.opts.Now()
	for _, key := range r.order {
		if key.agentID == agentID && r.flushKeyLocked(key, now) {
			c.add(agentID)
		}
	}
}

// flushKeyLocked applies the buffered text for key. Keys already flushed are
// left in r.order and skipped on the next batch.
func (r *Reconciler) flushKeyLocked(key deltaKey, now time.Time) bool {
	p, ok := r.pending[key]
	if !ok {
		return false
	}
	delete(r.pending, key)

	a := r.agent(key.agentID)
	idx := indexOfItem(a.Messages, key.itemID)
	if idx < 0 {
		r.appendLocked(a, wire.MessageEntry{
			ItemID:    key.itemID,
			Kind:      p.kind,
			Text:      p.text,
			Streaming: true,
		}, now)
		return true
	}
	if !a.Messages[idx].Streaming {
		// Finalized entries are immutable.
		return false
	}
	a.Messages[idx].Text += p.text
	return true
}

// finalizeLocked writes the authoritative text for an item: the first entry
// for the item is kept and finalized, duplicates are dropped.
func (r *Reconciler) finalizeLocked(agentID string, it agentevent.Item, now time.Time) {
	a := r.agent(agentID)
	final := it.FinalText()

	first := -1
	kept := a.Messages[:0]
	changed := false
	for _, m := range a.Messages {
		if m.ItemID != it.ID {
			kept = append(kept, m)
			continue
		}
		if first >= 0 {
			changed = true
			continue
		}
		first = len(kept)
		if m.Streaming || m.Text != final {
			changed = true
		}
		m.Text = final
		m.Streaming = false
		kept = append(kept, m)
	}
	a.Messages = kept

	if first < 0 {
		r.appendLocked(a, wire.MessageEntry{ItemID: it.ID, Kind: it.Kind(), Text: final}, now)
		first = len(a.Messages) - 1
		changed = true
	}
	if changed && r.opts.History != nil {
		r.opts.History.AppendFinal(agentID, a.Messages[first])
	}
}

// Resync merges a full listing from the bridge. Live fields always come from
// the bridge; a local log longer than the bridge's is kept; agents the bridge
// no longer has are marked stopped and retained.
func (r *Reconciler) Resync(remote []wire.AgentSummary) {
	c := changes{}
	r.mu.Lock()
	r.flushAllLocked(c)

	seen := make(map[string]struct{}, len(remote))
	for _, rs := range remote {
		seen[rs.ID] = struct{}{}
		merged := rs
		merged.Messages = append([]wire.MessageEntry(nil), rs.Messages...)
		if cur, ok := r.agents[rs.ID]; ok && len(cur.Messages) > len(rs.Messages) {
			merged.Messages = cur.Messages
		}
		if merged.Status != wire.StatusWorking {
			r.turns.drop(rs.ID)
		}
		r.agents[rs.ID] = &merged
		c.add(rs.ID)
	}
	for id, a := range r.agents {
		if _, ok := seen[id]; ok || a.Status == wire.StatusStopped {
			continue
		}
		a.Status = wire.StatusStopped
		a.TurnID = ""
		r.turns.drop(id)
		c.add(id)
	}
	r.mu.Unlock()
	r.notify(c)
}

// Agent returns a copy of one agent's local record.
func (r *Reconciler) Agent(id string) (wire.AgentSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return wire.AgentSummary{}, false
	}
	out := *a
	out.Messages = append([]wire.MessageEntry(nil), a.Messages...)
	return out, true
}

// Agents returns copies of every local record, oldest first.
func (r *Reconciler) Agents() []wire.AgentSummary {
	r.mu.Lock()
	out := make([]wire.AgentSummary, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		cp.Messages = append([]wire.MessageEntry(nil), a.Messages...)
		out = append(out, cp)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Status returns the local status of an agent, or "" when unknown.
func (r *Reconciler) Status(id string) wire.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[id]; ok {
		return a.Status
	}
	return ""
}

// Close flushes pending deltas and stops the flush timer.
func (r *Reconciler) Close() {
	r.Flush()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
