package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver/appservertest"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/notify"
	"github.com/dhruvalgolakiya/taskdex-sub000/internal/storage"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

type emitted struct {
	agentID string
	event   string
	data    any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(agentID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{agentID, event, data})
}

func (r *recordingEmitter) named(event string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return errors.New("push service unreachable")
}

func (r *recordingNotifier) sent() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Alert(nil), r.alerts...)
}

type harness struct {
	mgr      *Manager
	launcher *appservertest.Launcher
	store    *storage.FileStore
	emitter  *recordingEmitter
	notifier *recordingNotifier
}

func newHarness(t *testing.T, handler appservertest.Handler) *harness {
	t.Helper()
	h := &harness{
		launcher: &appservertest.Launcher{Handler: handler},
		store:    storage.NewFileStore(filepath.Join(t.TempDir(), "state")),
		emitter:  &recordingEmitter{},
		notifier: &recordingNotifier{},
	}
	h.mgr = NewManager(Config{RequestTimeout: 2 * time.Second}, h.launcher, h.store,
		WithEmitter(h.emitter),
		WithNotifier(h.notifier),
	)
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) persisted(t *testing.T) []storage.Descriptor {
	t.Helper()
	got, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return got
}

func TestCreateSendCompleteScenario(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()

	summary, err := h.mgr.Create(ctx, wire.CreateAgentParams{Name: "api", Model: "m1", Cwd: "/tmp/proj"})
	require.NoError(t, err)
	require.Equal(t, wire.StatusReady, summary.Status)
	require.Equal(t, "thr_1", summary.ThreadID)

	proc := h.launcher.Last()
	require.Equal(t, "/tmp/proj", proc.Cmd.Dir)
	require.Equal(t, []string{"app-server"}, proc.Cmd.Args)
	require.Equal(t, []string{
		appserver.MethodInitialize,
		appserver.MethodInitialized,
		appserver.MethodThreadStart,
	}, proc.Methods())

	var threadParams map[string]any
	require.NoError(t, json.Unmarshal(proc.Received()[2].Params, &threadParams))
	require.Equal(t, "m1", threadParams["model"])
	require.Equal(t, "/tmp/proj", threadParams["cwd"])

	list := h.mgr.List()
	require.Len(t, list, 1)
	require.Equal(t, summary.ID, list[0].ID)

	turnID, err := h.mgr.SendMessage(ctx, summary.ID, "fix bug")
	require.NoError(t, err)
	require.Equal(t, "turn_1", turnID)

	got, err := h.mgr.Get(summary.ID)
	require.NoError(t, err)
	require.Equal(t, wire.StatusWorking, got.Status)
	require.Equal(t, "turn_1", got.TurnID)
	require.Len(t, got.Messages, 1)
	require.Equal(t, wire.KindUser, got.Messages[0].Kind)
	require.Equal(t, "fix bug", got.Messages[0].Text)

	_, err = h.mgr.SendMessage(ctx, summary.ID, "again")
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, proc.Notify("turn/completed", map[string]any{"turn": map[string]any{"id": "turn_1"}}))
	require.Eventually(t, func() bool {
		got, err := h.mgr.Get(summary.ID)
		return err == nil && got.Status == wire.StatusReady && got.TurnID == ""
	}, time.Second, 5*time.Millisecond)

	require.Len(t, h.emitter.named(wire.EventUserMessage), 1)
	require.NotEmpty(t, h.emitter.named("turn/completed"))
}

func TestCreateHandshakeFailureRegistersNothing(t *testing.T) {
	handler := func(req appservertest.Request) appservertest.Reply {
		if req.Method == appserver.MethodThreadStart {
			return appservertest.Reply{Err: &appserver.RPCError{Code: -32602, Message: "unknown model"}}
		}
		return appservertest.CodexHandler("thr_1")(req)
	}
	h := newHarness(t, handler)

	_, err := h.mgr.Create(context.Background(), wire.CreateAgentParams{Model: "nope", Cwd: "/tmp/proj"})
	var rpcErr *appserver.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "unknown model", rpcErr.Message)

	require.Empty(t, h.mgr.List())
	require.True(t, h.launcher.Last().Killed())
	require.Empty(t, h.persisted(t))
	require.Empty(t, h.emitter.named(wire.EventCreated))
}

func TestCreateSpawnFailure(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	h.launcher.Fail = func(appserver.Command) error { return errors.New("codex: not found") }

	_, err := h.mgr.Create(context.Background(), wire.CreateAgentParams{Cwd: "/tmp/proj"})
	require.ErrorContains(t, err, "codex: not found")
	require.Zero(t, h.mgr.Len())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/proj"})
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/proj"})
	require.ErrorIs(t, err, ErrExists)

	_, err = h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a2"})
	require.Error(t, err, "cwd is required")
}

func TestStopKillsAndPersists(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()

	a, err := h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/a"})
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, wire.CreateAgentParams{ID: "b2", Cwd: "/tmp/b"})
	require.NoError(t, err)
	require.Len(t, h.persisted(t), 2)

	procA := h.launcher.Processes()[0]
	require.NoError(t, h.mgr.Stop(ctx, a.ID))
	require.True(t, procA.Killed())

	_, err = h.mgr.Get(a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	persisted := h.persisted(t)
	require.Len(t, persisted, 1)
	require.Equal(t, "b2", persisted[0].ID)

	stopped := h.emitter.named(wire.EventStopped)
	require.Len(t, stopped, 1)
	require.Nil(t, stopped[0].data.(wire.StoppedEvent).ExitCode)

	require.ErrorIs(t, h.mgr.Stop(ctx, a.ID), ErrNotFound)

	// The exit caused by Stop does not raise a crash alert.
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.notifier.sent())
}

func TestUpdateModelAppliesToNextTurn(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()

	a, err := h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Model: "m1", Cwd: "/tmp/a"})
	require.NoError(t, err)
	require.NoError(t, h.mgr.UpdateModel(ctx, a.ID, "m2"))
	require.Equal(t, "m2", h.persisted(t)[0].Model)

	proc := h.launcher.Last()
	before := len(proc.Received())
	require.Equal(t, 3, before, "no RPC for a model change")

	_, err = h.mgr.SendMessage(ctx, a.ID, "hello")
	require.NoError(t, err)
	reqs := proc.Received()
	var params map[string]any
	require.NoError(t, json.Unmarshal(reqs[len(reqs)-1].Params, &params))
	require.Equal(t, "m2", params["model"])
	require.Equal(t, "thr_1", params["threadId"])

	require.ErrorIs(t, h.mgr.UpdateModel(ctx, "missing", "m3"), ErrNotFound)
}

func TestUnplannedExitAlertsOnNonZeroCode(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()

	a, err := h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Name: "api", Cwd: "/tmp/a"})
	require.NoError(t, err)

	code := 1
	h.launcher.Last().Exit(&code)

	require.Eventually(t, func() bool { return len(h.emitter.named(wire.EventStopped)) == 1 }, time.Second, 5*time.Millisecond)
	ev := h.emitter.named(wire.EventStopped)[0]
	require.Equal(t, a.ID, ev.agentID)
	require.Equal(t, 1, *ev.data.(wire.StoppedEvent).ExitCode)

	require.Zero(t, h.mgr.Len())
	require.Empty(t, h.persisted(t))

	require.Eventually(t, func() bool { return len(h.notifier.sent()) == 1 }, time.Second, 5*time.Millisecond)
	alert := h.notifier.sent()[0]
	require.Equal(t, notify.SeverityError, alert.Severity)
	require.Equal(t, notify.CategoryAgentCrash, alert.Category)
	require.Equal(t, "a1", alert.AgentID)
}

func TestCleanExitDoesNotAlert(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	_, err := h.mgr.Create(context.Background(), wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/a"})
	require.NoError(t, err)

	code := 0
	h.launcher.Last().Exit(&code)
	require.Eventually(t, func() bool { return h.mgr.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.notifier.sent())
}

func TestRestoreRecreatesPersistedSessions(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_9"))
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, []storage.Descriptor{
		{ID: "a1", Name: "api", Model: "m1", Cwd: "/tmp/proj"},
	}))

	n, err := h.mgr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := h.mgr.Get("a1")
	require.NoError(t, err)
	require.Equal(t, wire.StatusReady, got.Status)
	require.Equal(t, "api", got.Name)
	require.Equal(t, "thr_9", got.ThreadID)
}

func TestRestoreIsolatesFailures(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	h.launcher.Fail = func(cmd appserver.Command) error {
		if cmd.Dir == "/gone" {
			return errors.New("chdir /gone: no such file or directory")
		}
		return nil
	}
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, []storage.Descriptor{
		{ID: "a1", Cwd: "/tmp/a"},
		{ID: "b2", Cwd: "/gone"},
		{ID: "", Cwd: "/tmp/x"},
		{ID: "c3", Cwd: "/tmp/c"},
	}))

	n, err := h.mgr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var ids []string
	for _, s := range h.mgr.List() {
		ids = append(ids, s.ID)
	}
	require.ElementsMatch(t, []string{"a1", "c3"}, ids)

	// The unreachable descriptor stays on disk for the next start; the one
	// without an id is dropped.
	var stored []string
	for _, d := range h.persisted(t) {
		stored = append(stored, d.ID)
	}
	require.ElementsMatch(t, []string{"a1", "b2", "c3"}, stored)

	// Later writes keep it too.
	require.NoError(t, h.mgr.Stop(ctx, "a1"))
	stored = stored[:0]
	for _, d := range h.persisted(t) {
		stored = append(stored, d.ID)
	}
	require.ElementsMatch(t, []string{"b2", "c3"}, stored)
}

func TestRestoreLeavesStoreUntouchedUntilDone(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	ctx := context.Background()
	all := []storage.Descriptor{
		{ID: "a1", Cwd: "/tmp/a"},
		{ID: "b2", Cwd: "/tmp/b"},
		{ID: "c3", Cwd: "/tmp/c"},
	}
	require.NoError(t, h.store.Save(ctx, all))

	var mu sync.Mutex
	var seen []storage.Descriptor
	h.launcher.Fail = func(cmd appserver.Command) error {
		if cmd.Dir == "/tmp/b" {
			got, err := h.store.Load(context.Background())
			if err != nil {
				return err
			}
			mu.Lock()
			seen = got
			mu.Unlock()
		}
		return nil
	}

	n, err := h.mgr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	mu.Lock()
	require.Equal(t, all, seen)
	mu.Unlock()
	require.Len(t, h.persisted(t), 3)
}

func TestInterruptIsFireAndForget(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := func(req appservertest.Request) appservertest.Reply {
		if req.Method == appserver.MethodTurnInterrupt {
			<-block
		}
		return appservertest.CodexHandler("thr_1")(req)
	}
	h := newHarness(t, handler)
	ctx := context.Background()

	a, err := h.mgr.Create(ctx, wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/a"})
	require.NoError(t, err)

	// Nothing to interrupt while idle.
	require.NoError(t, h.mgr.Interrupt(a.ID))

	_, err = h.mgr.SendMessage(ctx, a.ID, "long task")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Interrupt(a.ID) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Interrupt blocked on the agent")
	}

	proc := h.launcher.Last()
	require.Eventually(t, func() bool {
		for _, m := range proc.Methods() {
			if m == appserver.MethodTurnInterrupt {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.mgr.Interrupt("missing"), ErrNotFound)
}

func TestNotificationsForwardVerbatimWithStatus(t *testing.T) {
	h := newHarness(t, appservertest.CodexHandler("thr_1"))
	a, err := h.mgr.Create(context.Background(), wire.CreateAgentParams{ID: "a1", Cwd: "/tmp/a"})
	require.NoError(t, err)
	proc := h.launcher.Last()

	require.NoError(t, proc.Notify("turn/started", map[string]any{"turn": map[string]any{"id": "t1"}}))
	require.NoError(t, proc.Notify("item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "Hel"}))
	require.NoError(t, proc.Notify("item/agentMessage/delta", map[string]any{"itemId": "m1", "delta": "lo"}))
	require.NoError(t, proc.Notify("item/completed", map[string]any{"item": map[string]any{"id": "m1", "type": "agentMessage", "text": "Hello"}}))
	require.NoError(t, proc.Notify("thread/tokenUsage/updated", map[string]any{"total": 42}))

	require.Eventually(t, func() bool {
		return len(h.emitter.named("thread/tokenUsage/updated")) == 1
	}, time.Second, 5*time.Millisecond)

	passthrough := h.emitter.named("thread/tokenUsage/updated")[0]
	require.Equal(t, a.ID, passthrough.agentID)
	require.JSONEq(t, `{"total":42}`, string(passthrough.data.(json.RawMessage)))

	statuses := h.emitter.named(wire.EventStatus)
	require.NotEmpty(t, statuses)
	require.Equal(t, wire.StatusWorking, statuses[len(statuses)-1].data.(wire.StatusEvent).Status)

	got, err := h.mgr.Get(a.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "Hello", got.Messages[0].Text)
	require.False(t, got.Messages[0].Streaming)
}
