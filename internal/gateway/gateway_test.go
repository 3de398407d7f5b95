package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/crypto"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const testKey = "test-shared-key"

type fakeService struct {
	mu      sync.Mutex
	agents  map[string]wire.AgentSummary
	sent    []wire.SendMessageParams
	stopped []string
}

func newFakeService() *fakeService {
	return &fakeService{agents: make(map[string]wire.AgentSummary)}
}

func (f *fakeService) Create(_ context.Context, p wire.CreateAgentParams) (wire.AgentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Cwd == "" {
		return wire.AgentSummary{}, errors.New("cwd is required")
	}
	id := p.ID
	if id == "" {
		id = "agent-" + p.Name
	}
	a := wire.AgentSummary{ID: id, Name: p.Name, Cwd: p.Cwd, Model: p.Model, Status: wire.StatusReady}
	f.agents[id] = a
	return a, nil
}

func (f *fakeService) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[id]; !ok {
		return errors.New("session not found: " + id)
	}
	delete(f.agents, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeService) List() []wire.AgentSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.AgentSummary, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a)
	}
	return out
}

func (f *fakeService) Get(id string) (wire.AgentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return wire.AgentSummary{}, errors.New("session not found: " + id)
	}
	return a, nil
}

func (f *fakeService) SendMessage(_ context.Context, id string, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, wire.SendMessageParams{AgentID: id, Text: text})
	return "turn_1", nil
}

func (f *fakeService) Interrupt(string) error { return nil }

func (f *fakeService) UpdateModel(_ context.Context, id string, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return errors.New("session not found: " + id)
	}
	a.Model = model
	f.agents[id] = a
	return nil
}

type harness struct {
	srv    *Server
	svc    *fakeService
	push   *PushRegistry
	tokens *crypto.TokenManager
	url    string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.SharedKey == "" {
		cfg.SharedKey = testKey
	}
	tokens, err := crypto.NewTokenManager(cfg.SharedKey, time.Hour)
	require.NoError(t, err)

	svc := newFakeService()
	push := NewPushRegistry()
	srv := NewServer(cfg, svc, NewHub(nil), tokens, push)

	r := gin.New()
	r.GET("/v1/gateway", srv.HandleWebSocket)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &harness{
		srv:    srv,
		svc:    svc,
		push:   push,
		tokens: tokens,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/gateway",
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, action, requestID string, params any) {
	t.Helper()
	req := wire.Request{Action: action, RequestID: requestID}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = raw
	}
	require.NoError(t, ws.WriteJSON(req))
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wire.Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// readReply skips stream frames until the reply for requestID arrives.
func readReply(t *testing.T, ws *websocket.Conn, requestID string) wire.Frame {
	t.Helper()
	for {
		f := readFrame(t, ws)
		if f.Type != wire.TypeStream && f.RequestID == requestID {
			return f
		}
	}
}

func (h *harness) authed(t *testing.T, clientID string) (*websocket.Conn, wire.AuthResult) {
	t.Helper()
	ws := h.dial(t)
	send(t, ws, wire.ActionAuth, "auth-1", wire.AuthParams{Key: testKey, ClientID: clientID})
	f := readFrame(t, ws)
	require.Equal(t, wire.TypeResponse, f.Type, "auth failed: %s", f.Error)
	require.Equal(t, "auth-1", f.RequestID)

	var res wire.AuthResult
	require.NoError(t, json.Unmarshal(f.Data, &res))
	return ws, res
}

func requireAuthClose(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	require.Equal(t, wire.CloseAuthFailed, closeErr.Code)
}

func TestAuthSuccessReturnsClientIDAndToken(t *testing.T) {
	h := newHarness(t, Config{})
	_, res := h.authed(t, "phone-1")

	require.Equal(t, "phone-1", res.ClientID)
	require.NotEmpty(t, res.Token)

	claims, err := h.tokens.Verify(res.Token)
	require.NoError(t, err)
	require.Equal(t, "phone-1", claims.ClientID)
}

func TestAuthGeneratesClientID(t *testing.T) {
	h := newHarness(t, Config{})
	_, res := h.authed(t, "")
	require.NotEmpty(t, res.ClientID)
}

func TestAuthWrongKeyClosesWith4001(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.dial(t)
	send(t, ws, wire.ActionAuth, "a1", wire.AuthParams{Key: "nope"})

	f := readFrame(t, ws)
	require.Equal(t, wire.TypeError, f.Type)
	require.Equal(t, "a1", f.RequestID)
	require.NotEmpty(t, f.Error)

	requireAuthClose(t, ws)
	require.Equal(t, 0, h.srv.Hub().Count())
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t, Config{})
	ws := h.dial(t)
	send(t, ws, wire.ActionListAgents, "r1", nil)

	f := readFrame(t, ws)
	require.Equal(t, wire.TypeError, f.Type)
	requireAuthClose(t, ws)
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, Config{AuthTimeout: 100 * time.Millisecond})
	ws := h.dial(t)

	f := readFrame(t, ws)
	require.Equal(t, wire.TypeError, f.Type)
	require.Contains(t, f.Error, "timeout")
	requireAuthClose(t, ws)
}

func TestAuthWithResumeToken(t *testing.T) {
	h := newHarness(t, Config{})
	_, first := h.authed(t, "tablet")

	ws := h.dial(t)
	send(t, ws, wire.ActionAuth, "a2", wire.AuthParams{Token: first.Token})
	f := readFrame(t, ws)
	require.Equal(t, wire.TypeResponse, f.Type)

	var res wire.AuthResult
	require.NoError(t, json.Unmarshal(f.Data, &res))
	require.Equal(t, "tablet", res.ClientID)
}

func TestAuthWithForgedToken(t *testing.T) {
	h := newHarness(t, Config{})
	other, err := crypto.NewTokenManager("another-key", time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue("mallory")
	require.NoError(t, err)

	ws := h.dial(t)
	send(t, ws, wire.ActionAuth, "a3", wire.AuthParams{Token: forged})
	f := readFrame(t, ws)
	require.Equal(t, wire.TypeError, f.Type)
	requireAuthClose(t, ws)
}

func TestUnknownActionReturnsError(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")

	send(t, ws, "launch_rockets", "r9", nil)
	f := readReply(t, ws, "r9")
	require.Equal(t, wire.TypeError, f.Type)
	require.Contains(t, f.Error, "unknown action")
}

func TestCreateListStop(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")

	send(t, ws, wire.ActionCreateAgent, "c1", wire.CreateAgentParams{Name: "fixer", Cwd: "/tmp/repo"})
	f := readReply(t, ws, "c1")
	require.Equal(t, wire.TypeResponse, f.Type, f.Error)
	var created wire.AgentSummary
	require.NoError(t, json.Unmarshal(f.Data, &created))
	require.Equal(t, "agent-fixer", created.ID)

	send(t, ws, wire.ActionListAgents, "l1", nil)
	f = readReply(t, ws, "l1")
	var list []wire.AgentSummary
	require.NoError(t, json.Unmarshal(f.Data, &list))
	require.Len(t, list, 1)

	send(t, ws, wire.ActionStopAgent, "s1", wire.AgentRef{AgentID: created.ID})
	f = readReply(t, ws, "s1")
	require.Equal(t, wire.TypeResponse, f.Type, f.Error)

	send(t, ws, wire.ActionGetAgent, "g1", wire.AgentRef{AgentID: created.ID})
	f = readReply(t, ws, "g1")
	require.Equal(t, wire.TypeError, f.Type)
	require.Contains(t, f.Error, "not found")
}

func TestServiceErrorsBecomeErrorFrames(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")

	send(t, ws, wire.ActionCreateAgent, "c1", wire.CreateAgentParams{Name: "x"})
	f := readReply(t, ws, "c1")
	require.Equal(t, wire.TypeError, f.Type)
	require.Equal(t, wire.ActionCreateAgent, f.Action)
	require.Contains(t, f.Error, "cwd")

	send(t, ws, wire.ActionSendMessage, "m1", wire.SendMessageParams{Text: "hi"})
	f = readReply(t, ws, "m1")
	require.Equal(t, wire.TypeError, f.Type)
	require.Contains(t, f.Error, "agentId")
}

func TestSendMessageReturnsTurnID(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")

	send(t, ws, wire.ActionSendMessage, "m1", wire.SendMessageParams{AgentID: "a1", Text: "Hello"})
	f := readReply(t, ws, "m1")
	require.Equal(t, wire.TypeResponse, f.Type, f.Error)

	var res wire.SendMessageResult
	require.NoError(t, json.Unmarshal(f.Data, &res))
	require.Equal(t, "turn_1", res.TurnID)
	require.Equal(t, []wire.SendMessageParams{{AgentID: "a1", Text: "Hello"}}, h.svc.sent)
}

func TestBroadcastReachesOnlyAuthenticatedClients(t *testing.T) {
	h := newHarness(t, Config{AuthTimeout: 2 * time.Second})
	a, _ := h.authed(t, "a")
	b, _ := h.authed(t, "b")
	pending := h.dial(t)

	require.Eventually(t, func() bool { return h.srv.Hub().Count() == 2 }, time.Second, 10*time.Millisecond)

	h.srv.Hub().Emit("agent-1", wire.EventTurnStarted, json.RawMessage(`{"turn":{"id":"t1"}}`))

	for _, ws := range []*websocket.Conn{a, b} {
		f := readFrame(t, ws)
		require.Equal(t, wire.TypeStream, f.Type)
		require.Equal(t, "agent-1", f.AgentID)
		require.Equal(t, wire.EventTurnStarted, f.Event)
		require.JSONEq(t, `{"turn":{"id":"t1"}}`, string(f.Data))
	}

	// The unauthenticated connection only ever sees its auth timeout.
	f := readFrame(t, pending)
	require.Equal(t, wire.TypeError, f.Type)
	require.Equal(t, wire.ActionAuth, f.Action)
}

func TestDisconnectRemovesClient(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")
	require.Eventually(t, func() bool { return h.srv.Hub().Count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"c"}, h.srv.Hub().ClientIDs())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.srv.Hub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPushRegistrationIsReleasedOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "phone")

	send(t, ws, wire.ActionRegisterPush, "p1", wire.PushRegistration{Token: "ExponentPushToken[abc]"})
	f := readReply(t, ws, "p1")
	require.Equal(t, wire.TypeResponse, f.Type, f.Error)
	require.Equal(t, []string{"ExponentPushToken[abc]"}, h.push.PushTokens())

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return len(h.push.PushTokens()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPingAction(t *testing.T) {
	h := newHarness(t, Config{})
	ws, _ := h.authed(t, "c")

	send(t, ws, wire.ActionPing, "p", nil)
	f := readReply(t, ws, "p")
	require.Equal(t, wire.TypeResponse, f.Type)
	require.Contains(t, string(f.Data), "time")
}

func TestCheckOrigin(t *testing.T) {
	srv := NewServer(Config{AllowedOrigins: []string{"https://app.example.com"}}, newFakeService(), nil, nil, nil)

	req := httptest.NewRequest("GET", "/v1/gateway", nil)
	require.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	require.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	require.False(t, srv.checkOrigin(req))
}
