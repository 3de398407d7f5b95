// Package sdk is the client side of the taskdex gateway. Client keeps one
// authenticated WebSocket to the bridge, reconnecting with backoff, and feeds
// stream events into a Reconciler that maintains each agent's message log,
// status and turn timing. Messages sent while an agent is busy or the bridge
// is unreachable are queued and delivered in order once the agent is idle.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const (
	defaultRequestTimeout      = 30 * time.Second
	defaultAuthTimeout         = 15 * time.Second
	defaultDispatcherQueueSize = 256
	writeWait                  = 10 * time.Second
	queueRetryDelay            = time.Second
)

var (
	// ErrNotConnected is returned by requests made while no authenticated
	// connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthFailed is returned when the bridge rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("request timed out")

	errDisconnected = errors.New("connection closed")
)

// RequestError is an error reply from the bridge.
type RequestError struct {
	Action  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Options configures a Client.
type Options struct {
	// URL is the gateway endpoint, e.g. ws://host:8765/v1/gateway.
	URL string
	// Key is the bridge's shared key.
	Key string
	// ClientID pins the client identity. The bridge assigns one when empty.
	ClientID string
	// Token is a resume token from a previous session. It is tried before
	// Key; a rejected token falls back to Key on the next attempt.
	Token string

	RequestTimeout time.Duration
	Reconciler     *Reconciler
	Dialer         *websocket.Dialer

	OnConnected    func(clientID string)
	OnDisconnected func(err error)
	// OnEvent runs on the client's event goroutine after the reconciler
	// applied ev. It must not block or call Send.
	OnEvent func(ev wire.StreamEvent)
}

// SendResult reports what Send did with a message.
type SendResult struct {
	// Queued is true when the message was queued instead of sent.
	Queued bool
	// Message is the queued message when Queued is set.
	Message QueuedMessage
	// TurnID is the turn started when the message was sent directly.
	TurnID string
}

type reply struct {
	frame wire.Frame
	err   error
}

// Client is a reconnecting gateway client.
type Client struct {
	opts     Options
	rec      *Reconciler
	outbox   *outbox
	dispatch *dispatcher
	backoff  backoff
	nextID   atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	gen      uint64
	live     bool
	liveCh   chan struct{}
	token    string
	clientID string
	pending  map[string]chan reply
}

// NewClient returns a client. Call Run to connect.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	rec := opts.Reconciler
	if rec == nil {
		rec = NewReconciler(ReconcilerOptions{})
	}
	return &Client{
		opts:     opts,
		rec:      rec,
		outbox:   newOutbox(),
		dispatch: newDispatcher(defaultDispatcherQueueSize),
		backoff:  backoff{jitter: randomJitter},
		liveCh:   make(chan struct{}),
		token:    opts.Token,
		clientID: opts.ClientID,
		pending:  make(map[string]chan reply),
	}
}

// Reconciler returns the client's reconciler.
func (c *Client) Reconciler() *Reconciler { return c.rec }

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := c.backoff.Next()
		logger.Infof("sdk: disconnected (%v), reconnecting in %v", err, delay.Round(time.Millisecond))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// connectOnce dials, authenticates and reads until the connection drops.
func (c *Client) connectOnce(ctx context.Context) error {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	gen := c.install(ws)
	err = c.serve(ctx, gen, ws)
	c.teardown(gen, err)
	return err
}

func (c *Client) serve(ctx context.Context, gen uint64, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	defer ws.Close()

	if err := c.authenticate(ws); err != nil {
		return err
	}
	c.backoff.Reset()
	c.markLive(gen)

	go c.resync(gen)
	return c.readLoop(gen, ws)
}

func (c *Client) install(ws *websocket.Conn) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.ws = ws
	c.live = false
	return c.gen
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.ws != nil
}

func (c *Client) markLive(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.live = true
	close(c.liveCh)
	clientID := c.clientID
	c.mu.Unlock()

	if c.opts.OnConnected != nil {
		c.opts.OnConnected(clientID)
	}
}

func (c *Client) teardown(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	wasLive := c.live
	c.ws = nil
	c.live = false
	if wasLive {
		c.liveCh = make(chan struct{})
	}
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: errDisconnected}
	}
	if c.opts.OnDisconnected != nil {
		c.opts.OnDisconnected(cause)
	}
}

// authenticate runs the auth handshake synchronously on a fresh socket.
func (c *Client) authenticate(ws *websocket.Conn) error {
	c.mu.Lock()
	params := wire.AuthParams{ClientID: c.clientID}
	usedToken := c.token != ""
	if usedToken {
		params.Token = c.token
	} else {
		params.Key = c.opts.Key
	}
	c.mu.Unlock()

	raw, _ := json.Marshal(params)
	req := wire.Request{Action: wire.ActionAuth, Params: raw, RequestID: "auth"}
	if err := c.write(ws, req); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(defaultAuthTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if f.Action != wire.ActionAuth {
			continue
		}
		if f.Type == wire.TypeError {
			if usedToken {
				c.mu.Lock()
				c.token = ""
				c.mu.Unlock()
			}
			return fmt.Errorf("%w: %s", ErrAuthFailed, f.Error)
		}
		var res wire.AuthResult
		if err := json.Unmarshal(f.Data, &res); err != nil {
			return fmt.Errorf("auth: decode result: %w", err)
		}
		c.mu.Lock()
		c.clientID = res.ClientID
		if res.Token != "" {
			c.token = res.Token
		}
		c.mu.Unlock()
		return nil
	}
}

func (c *Client) readLoop(gen uint64, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Debugf("sdk: drop malformed frame: %v", err)
			continue
		}
		switch f.Type {
		case wire.TypeStream:
			ev := wire.StreamEvent{Type: f.Type, AgentID: f.AgentID, Event: f.Event, Data: f.Data}
			_ = c.dispatch.do(func() { c.handleEvent(gen, ev) })
		case wire.TypeResponse, wire.TypeError:
			c.resolve(f)
		}
	}
}

// handleEvent runs on the dispatcher. Events from a socket that is no longer
// current are ignored.
func (c *Client) handleEvent(gen uint64, ev wire.StreamEvent) {
	if !c.isCurrent(gen) {
		return
	}
	idle := c.rec.Apply(ev)
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
	if idle {
		c.drain(ev.AgentID)
	}
}

func (c *Client) resolve(f wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.RequestID]
	if ok {
		delete(c.pending, f.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- reply{frame: f}
	}
}

// resync fetches the bridge's live sessions after a (re)connect.
func (c *Client) resync(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()

	var agents []wire.AgentSummary
	if err := c.Request(ctx, wire.ActionListAgents, nil, &agents); err != nil {
		logger.Warnf("sdk: resync: %v", err)
		return
	}
	_ = c.dispatch.do(func() {
		if !c.isCurrent(gen) {
			return
		}
		c.rec.Resync(agents)
		for _, id := range c.outbox.agents() {
			c.drain(id)
		}
	})
}

func (c *Client) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}

// Connected reports whether an authenticated connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// WaitConnected blocks until the client is authenticated or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		live, ch := c.live, c.liveCh
		c.mu.Unlock()
		if live {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClientID returns the identity assigned at the last auth.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Token returns the current resume token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Request sends one action and decodes the reply data into out, which may be
// nil.
func (c *Client) Request(ctx context.Context, action string, params any, out any) error {
	req := wire.Request{Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil || !c.live {
		c.mu.Unlock()
		return ErrNotConnected
	}
	req.RequestID = fmt.Sprintf("req-%d", c.nextID.Add(1))
	ch := make(chan reply, 1)
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}

	if err := c.write(ws, req); err != nil {
		forget()
		return fmt.Errorf("%s: %w", action, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", action, r.err)
		}
		if r.frame.Type == wire.TypeError {
			return &RequestError{Action: action, Message: r.frame.Error}
		}
		if out == nil || len(r.frame.Data) == 0 {
			return nil
		}
		return json.Unmarshal(r.frame.Data, out)
	case <-timer.C:
		forget()
		return fmt.Errorf("%s: %w", action, ErrTimeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Send delivers a user message, or queues it when the agent is working, the
// connection is down, or earlier messages are still queued. A message the
// bridge refuses because a turn just started is queued as well. Send must
// not be called from OnEvent.
func (c *Client) Send(ctx context.Context, agentID, text string) (SendResult, error) {
	v, err := c.dispatch.call(func() (any, error) {
		if c.Connected() && c.rec.Status(agentID) != wire.StatusWorking && !c.outbox.busy(agentID) {
			return nil, nil
		}
		msg := c.outbox.enqueue(agentID, text, time.Now())
		return &msg, nil
	})
	if err != nil {
		return SendResult{}, err
	}
	if msg, ok := v.(*QueuedMessage); ok {
		logger.Debugf("sdk: queued message %s for %s", msg.ID, agentID)
		return SendResult{Queued: true, Message: *msg}, nil
	}

	turnID, err := c.SendMessage(ctx, agentID, text)
	if isBusy(err) {
		msg := c.outbox.enqueue(agentID, text, time.Now())
		logger.Debugf("sdk: %s busy, queued message %s", agentID, msg.ID)
		c.redrain(agentID)
		return SendResult{Queued: true, Message: msg}, nil
	}
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{TurnID: turnID}, nil
}

func isBusy(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && strings.HasPrefix(reqErr.Message, wire.ErrTextBusy)
}

// Queued returns the messages waiting for agentID.
func (c *Client) Queued(agentID string) []QueuedMessage {
	return c.outbox.pending(agentID)
}

// drain dispatches the head of the agent's queue when it is idle. It runs on
// the dispatcher.
func (c *Client) drain(agentID string) {
	if !c.Connected() {
		return
	}
	switch c.rec.Status(agentID) {
	case wire.StatusWorking, wire.StatusStopped, wire.StatusInitializing:
		return
	}
	msg, ok := c.outbox.take(agentID)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		if _, err := c.SendMessage(ctx, agentID, msg.Text); err != nil {
			logger.Warnf("sdk: deliver queued message %s to %s: %v", msg.ID, agentID, err)
			c.outbox.release(agentID, &msg)
			time.AfterFunc(queueRetryDelay, func() { c.redrain(agentID) })
			return
		}
		c.outbox.release(agentID, nil)
		c.redrain(agentID)
	}()
}

// redrain checks the queue again once the dispatcher has applied every event
// received so far. The turn may have ended before the send reply arrived, in
// which case no later event would trigger a drain.
func (c *Client) redrain(agentID string) {
	_ = c.dispatch.do(func() { c.drain(agentID) })
}

// ListAgents returns every live session on the bridge.
func (c *Client) ListAgents(ctx context.Context) ([]wire.AgentSummary, error) {
	var out []wire.AgentSummary
	err := c.Request(ctx, wire.ActionListAgents, nil, &out)
	return out, err
}

// GetAgent returns one session with its message log.
func (c *Client) GetAgent(ctx context.Context, agentID string) (wire.AgentSummary, error) {
	var out wire.AgentSummary
	err := c.Request(ctx, wire.ActionGetAgent, wire.AgentRef{AgentID: agentID}, &out)
	return out, err
}

// CreateAgent starts a session on the bridge.
func (c *Client) CreateAgent(ctx context.Context, p wire.CreateAgentParams) (wire.AgentSummary, error) {
	var out wire.AgentSummary
	err := c.Request(ctx, wire.ActionCreateAgent, p, &out)
	return out, err
}

// StopAgent stops a session.
func (c *Client) StopAgent(ctx context.Context, agentID string) error {
	return c.Request(ctx, wire.ActionStopAgent, wire.AgentRef{AgentID: agentID}, nil)
}

// SendMessage starts a turn directly, bypassing the queue.
func (c *Client) SendMessage(ctx context.Context, agentID, text string) (string, error) {
	var out wire.SendMessageResult
	err := c.Request(ctx, wire.ActionSendMessage, wire.SendMessageParams{AgentID: agentID, Text: text}, &out)
	return out.TurnID, err
}

// Interrupt asks the agent to cancel its running turn.
func (c *Client) Interrupt(ctx context.Context, agentID string) error {
	return c.Request(ctx, wire.ActionInterrupt, wire.AgentRef{AgentID: agentID}, nil)
}

// UpdateModel changes the model for subsequent turns.
func (c *Client) UpdateModel(ctx context.Context, agentID, model string) error {
	return c.Request(ctx, wire.ActionUpdateModel, wire.UpdateModelParams{AgentID: agentID, Model: model}, nil)
}

// RegisterPush registers a device push token for this client.
func (c *Client) RegisterPush(ctx context.Context, token, platform string) error {
	return c.Request(ctx, wire.ActionRegisterPush, wire.PushRegistration{Token: token, Platform: platform}, nil)
}

// Close releases the dispatcher and the reconciler. Run must have returned.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	c.dispatch.close()
	c.rec.Close()
}
