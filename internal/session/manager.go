// Package session owns the bridge's agent sessions: spawning app-server
// processes, the initialize/thread handshake, the turn state machine, and
// recovery of sessions after a restart.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/metrics"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/notify"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/storage"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when creating a session whose id is taken.
	ErrExists = errors.New("session already exists")
	// ErrBusy is returned when a message is sent while a turn is running.
	ErrBusy = errors.New(wire.ErrTextBusy)
)

const (
	persistTimeout  = 5 * time.Second
	interruptWait   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Emitter receives session events for fan-out to clients.
type Emitter interface {
	Emit(agentID string, event string, data any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, any) {}

// Config controls how agent processes are spawned.
type Config struct {
	// Command is the agent binary, "codex" by default.
	Command string
	// Args defaults to ["app-server"].
	Args           []string
	RequestTimeout time.Duration
	ClientName     string
	ClientVersion  string
	// NotifyTurns sends an informational push when a turn ends.
	NotifyTurns bool
	Debug       bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEmitter sets the event sink.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// WithNotifier sets the push notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(b *metrics.Bridge) Option {
	return func(m *Manager) { m.metrics = b }
}

// Manager is the session registry.
type Manager struct {
	cfg      Config
	launcher appserver.Launcher
	store    storage.Store
	emitter  Emitter
	notifier notify.Notifier
	metrics  *metrics.Bridge
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	creating map[string]struct{}
	closing  bool

	// persistMu keeps descriptor writes single-file and guards the fields
	// below.
	persistMu sync.Mutex
	// restoring holds writes back until Restore has tried every descriptor.
	restoring bool
	// retained are persisted descriptors that failed to restore. They stay
	// on disk so the next start retries them.
	retained []storage.Descriptor
}

// NewManager returns an empty registry.
func NewManager(cfg Config, launcher appserver.Launcher, store storage.Store, opts ...Option) *Manager {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"app-server"}
	}
	m := &Manager{
		cfg:      cfg,
		launcher: launcher,
		store:    store,
		emitter:  nopEmitter{},
		notifier: notify.Nop{},
		now:      time.Now,
		sessions: make(map[string]*Session),
		creating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create spawns an agent process and runs the initialize, initialized,
// thread/start handshake. On any failure the process is killed and nothing is
// registered.
func (m *Manager) Create(ctx context.Context, p wire.CreateAgentParams) (wire.AgentSummary, error) {
	if strings.TrimSpace(p.Cwd) == "" {
		return wire.AgentSummary{}, fmt.Errorf("cwd is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return wire.AgentSummary{}, fmt.Errorf("session manager is shutting down")
	}
	_, live := m.sessions[id]
	_, pending := m.creating[id]
	if live || pending {
		m.mu.Unlock()
		return wire.AgentSummary{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.creating[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.creating, id)
		m.mu.Unlock()
	}()

	s := newSession(id, p, m.now())
	proc, err := m.launcher.Launch(ctx, appserver.Command{
		Path: m.cfg.Command,
		Args: m.cfg.Args,
		Dir:  p.Cwd,
	})
	if err != nil {
		return wire.AgentSummary{}, fmt.Errorf("spawn agent: %w", err)
	}

	client := appserver.NewClient(appserver.Options{
		RequestTimeout: m.cfg.RequestTimeout,
		Debug:          m.cfg.Debug,
		Observer:       m.metrics,
	})
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		m.route(s, method, params)
	})
	s.client = client
	if err := client.Attach(proc); err != nil {
		_ = proc.Kill()
		return wire.AgentSummary{}, err
	}

	threadID, err := m.handshake(ctx, s)
	if err != nil {
		_ = client.Close()
		logger.Warnf("[session] %s handshake failed: %v", id, err)
		return wire.AgentSummary{}, err
	}

	s.mu.Lock()
	s.threadID = threadID
	s.status = wire.StatusReady
	s.mu.Unlock()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = client.Close()
		return wire.AgentSummary{}, fmt.Errorf("session manager is shutting down")
	}
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(count)
	go m.watch(s)
	m.persist()

	summary := s.Summary(false)
	m.emitter.Emit(id, wire.EventCreated, summary)
	logger.Infof("[session] %s ready (pid=%d thread=%s cwd=%s)", id, proc.PID(), threadID, p.Cwd)
	return summary, nil
}

func (m *Manager) handshake(ctx context.Context, s *Session) (string, error) {
	if err := s.client.Initialize(ctx, m.cfg.ClientName, m.cfg.ClientVersion); err != nil {
		return "", err
	}

	params := map[string]any{"cwd": s.cwd}
	if s.model != "" {
		params["model"] = s.model
	}
	if s.approvalPolicy != "" {
		params["approvalPolicy"] = s.approvalPolicy
	}
	if s.systemPrompt != "" {
		params["baseInstructions"] = s.systemPrompt
	}
	raw, err := s.client.Call(ctx, appserver.MethodThreadStart, params)
	if err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}

	var result struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("thread/start: decode result: %w", err)
	}
	if result.Thread.ID == "" {
		return "", fmt.Errorf("thread/start: missing thread id")
	}
	return result.Thread.ID, nil
}

// watch tears the session down when its process exits on its own.
func (m *Manager) watch(s *Session) {
	<-s.client.Done()
	m.handleExit(s, s.client.ExitCode())
}

func (m *Manager) handleExit(s *Session, code *int) {
	m.mu.Lock()
	cur, ok := m.sessions[s.id]
	if !ok || cur != s || m.closing {
		// Stopped on request or shutting down.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	count := len(m.sessions)
	m.mu.Unlock()

	s.setStatus(wire.StatusStopped)
	m.metrics.SetSessions(count)
	m.metrics.ProcessExited(code)
	m.persist()

	m.emitter.Emit(s.id, wire.EventStopped, wire.StoppedEvent{ExitCode: code})

	codeText := "signal"
	if code != nil {
		codeText = fmt.Sprintf("%d", *code)
	}
	if tail := strings.TrimSpace(s.client.StderrTail()); tail != "" {
		logger.Warnf("[session] %s exited (code=%s); stderr tail: %s", s.id, codeText, lastLine(tail))
	} else {
		logger.Warnf("[session] %s exited (code=%s)", s.id, codeText)
	}

	if code != nil && *code != 0 {
		notify.Dispatch(m.notifier, notify.Alert{
			Title:    fmt.Sprintf("%s crashed", s.name),
			Body:     fmt.Sprintf("Agent process exited with code %d", *code),
			Severity: notify.SeverityError,
			AgentID:  s.id,
			Category: notify.CategoryAgentCrash,
		})
	}
}

// Stop kills the session's process and forgets the session.
func (m *Manager) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	_ = s.client.Close()
	s.setStatus(wire.StatusStopped)
	m.metrics.SetSessions(count)
	m.persist()

	m.emitter.Emit(id, wire.EventStopped, wire.StoppedEvent{})
	logger.Infof("[session] %s stopped", id)
	return nil
}

// UpdateModel changes the model used by subsequent turns. The running thread
// is not notified; turn/start carries the model.
func (m *Manager) UpdateModel(_ context.Context, id string, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is required")
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	m.persist()
	m.emitter.Emit(id, wire.EventModelUpdated, map[string]string{"model": model})
	return nil
}

// SendMessage starts a turn with text as user input and returns the turn id.
func (m *Manager) SendMessage(ctx context.Context, id string, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("message text is required")
	}
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	prevStatus := s.status
	if prevStatus != wire.StatusReady && prevStatus != wire.StatusError {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrBusy, id, prevStatus)
	}
	s.status = wire.StatusWorking
	s.turnID = ""
	entry := s.appendLocked(wire.MessageEntry{Kind: wire.KindUser, Text: text}, m.now())
	params := map[string]any{
		"threadId": s.threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
		"cwd":      s.cwd,
	}
	if s.model != "" {
		params["model"] = s.model
	}
	if s.approvalPolicy != "" {
		params["approvalPolicy"] = s.approvalPolicy
	}
	s.mu.Unlock()

	m.emitter.Emit(id, wire.EventUserMessage, entry)

	raw, err := s.client.Call(ctx, appserver.MethodTurnStart, params)
	if err != nil {
		s.mu.Lock()
		if s.status == wire.StatusWorking && s.turnID == "" {
			s.status = prevStatus
		}
		s.mu.Unlock()
		return "", fmt.Errorf("turn/start: %w", err)
	}

	var result struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	_ = json.Unmarshal(raw, &result)

	s.mu.Lock()
	// turn/started (or even turn/completed) may have been routed before the
	// response was delivered; only fill in what is still missing.
	changed := false
	if s.status == wire.StatusWorking && s.turnID == "" && result.Turn.ID != "" {
		s.turnID = result.Turn.ID
		changed = true
	}
	status, turnID := s.status, s.turnID
	s.mu.Unlock()

	if changed {
		m.emitter.Emit(id, wire.EventStatus, wire.StatusEvent{Status: status, TurnID: turnID})
	}
	return result.Turn.ID, nil
}

// Interrupt asks the agent to cancel the running turn. It does not wait for
// the outcome.
func (m *Manager) Interrupt(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	threadID, turnID := s.threadID, s.turnID
	s.mu.Unlock()
	if turnID == "" {
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptWait)
		defer cancel()
		_, err := s.client.Call(ctx, appserver.MethodTurnInterrupt, map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
		})
		if err != nil {
			logger.Debugf("[session] %s interrupt %s: %v", id, turnID, err)
		}
	}()
	return nil
}

// Get returns one session including its message log.
func (m *Manager) Get(id string) (wire.AgentSummary, error) {
	s, err := m.lookup(id)
	if err != nil {
		return wire.AgentSummary{}, err
	}
	return s.Summary(true), nil
}

// List returns every live session, oldest first, with message logs.
func (m *Manager) List() []wire.AgentSummary {
	sessions := m.snapshot()
	out := make([]wire.AgentSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary(true))
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Restore recreates every persisted session under its original id. A
// descriptor that fails is logged and skipped but kept in the store for the
// next start. The store is written once, after every descriptor was tried.
// It returns how many sessions came back.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	descriptors, err := m.store.Load(ctx)
	if err != nil {
		logger.Errorf("[session] load persisted sessions: %v", err)
		return 0, err
	}

	m.persistMu.Lock()
	m.restoring = true
	m.persistMu.Unlock()

	var failed []storage.Descriptor
	defer func() {
		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		m.restoring = false
		m.retained = append(m.retained, failed...)
		m.saveLocked()
	}()

	restored := 0
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			logger.Warnf("[session] skip persisted session: %v", err)
			m.metrics.Restored(false)
			continue
		}
		_, err := m.Create(ctx, wire.CreateAgentParams{
			ID:             d.ID,
			Name:           d.Name,
			Model:          d.Model,
			Cwd:            d.Cwd,
			ApprovalPolicy: d.ApprovalPolicy,
			SystemPrompt:   d.SystemPrompt,
		})
		if err != nil {
			logger.Warnf("[session] restore %s failed: %v", d.ID, err)
			m.metrics.Restored(false)
			if !errors.Is(err, ErrExists) {
				failed = append(failed, d)
			}
			continue
		}
		m.metrics.Restored(true)
		restored++
	}
	if len(descriptors) > 0 {
		logger.Infof("[session] restored %d/%d sessions", restored, len(descriptors))
	}
	return restored, nil
}

// Close kills every process without touching the persisted list, so the
// sessions come back on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.client.Close()
	}
	deadline := time.After(shutdownTimeout)
	for _, s := range sessions {
		select {
		case <-s.client.Done():
		case <-deadline:
			logger.Warnf("[session] %s did not exit before shutdown deadline", s.id)
			return
		}
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// persist overwrites the stored descriptor list with the live sessions and
// the retained ones. It is a no-op while Restore runs.
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if m.restoring {
		return
	}
	m.saveLocked()
}

func (m *Manager) saveLocked() {
	sessions := m.snapshot()
	descriptors := make([]storage.Descriptor, 0, len(sessions)+len(m.retained))
	seen := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		descriptors = append(descriptors, s.descriptor())
		seen[s.id] = struct{}{}
	}
	kept := m.retained[:0]
	for _, d := range m.retained {
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}
		kept = append(kept, d)
		descriptors = append(descriptors, d)
	}
	m.retained = kept

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, descriptors); err != nil {
		logger.Errorf("[session] persist %d descriptors: %v", len(descriptors), err)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
