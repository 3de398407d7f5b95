package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
)

const (
	// DefaultRequestTimeout bounds a single request/response round-trip.
	DefaultRequestTimeout = 30 * time.Second

	// maxLineSize bounds a single JSONL message. Aggregated command output and
	// file patches routinely exceed 64KiB.
	maxLineSize = 8 * 1024 * 1024

	// stderrCopyLimit bounds the stderr tail kept for diagnostics.
	stderrCopyLimit = 64 * 1024

	readChunkSize = 32 * 1024
)

var (
	// ErrClosed is returned when a request cannot complete because the
	// process exited or the client was closed.
	ErrClosed = errors.New("app-server client closed")

	// ErrTimeout is the synthetic result delivered to a caller whose request
	// received no response within the request timeout.
	ErrTimeout = errors.New("timeout")
)

// NotificationHandler receives server-initiated JSON-RPC notifications. It is
// called from the stdout reader goroutine, in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server-initiated JSON-RPC requests such as
// approval prompts.
type RequestHandler func(method string, params json.RawMessage) (json.RawMessage, *RPCError)

// Observer is notified about every completed call.
type Observer interface {
	ObserveCall(method string, elapsed time.Duration, err error)
}

// Options configures a Client.
type Options struct {
	RequestTimeout time.Duration
	Debug          bool
	Observer       Observer
}

// Client owns one app-server process and correlates requests with responses
// over its stdio.
type Client struct {
	timeout  time.Duration
	debug    bool
	observer Observer

	proc  Process
	stdin io.WriteCloser

	nextID int64

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]*pendingCall
	started    bool
	closed     bool
	notifyFn   NotificationHandler
	requestFn  RequestHandler
	stderrTail []byte
	exitCode   *int

	lines      *LineBuffer
	readerDone chan struct{}
	done       chan struct{}
}

// pendingCall is an in-flight request awaiting its response.
type pendingCall struct {
	method    string
	reply     chan rpcResponse
	createdAt time.Time
	timer     *time.Timer
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error payload. It is returned as-is from Call so
// callers can inspect the code.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("app-server error %d: %s", e.Code, e.Message)
}

// NewClient creates a client that is not yet attached to a process.
func NewClient(opts Options) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		timeout:    timeout,
		debug:      opts.Debug,
		observer:   opts.Observer,
		pending:    make(map[int64]*pendingCall),
		lines:      NewLineBuffer(maxLineSize),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for server notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = handler
}

// SetRequestHandler sets the handler for server-initiated requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestFn = handler
}

// Attach starts reading from proc. The client takes ownership of the process:
// it is reaped once stdout reaches EOF, after which Done is closed.
func (c *Client) Attach(proc Process) error {
	if proc == nil {
		return fmt.Errorf("app-server process is nil")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("app-server client already attached")
	}
	c.started = true
	c.proc = proc
	c.stdin = proc.Stdin()
	c.mu.Unlock()

	go c.readStdout(proc.Stdout())
	if stderr := proc.Stderr(); stderr != nil {
		go c.readStderr(stderr)
	}
	go c.reap()
	return nil
}

// Initialize performs the initialize/initialized handshake.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) error {
	if clientName == "" {
		clientName = "taskdex"
	}
	if clientVersion == "" {
		clientVersion = "unknown"
	}
	_, err := c.Call(ctx, MethodInitialize, map[string]any{
		"clientInfo": map[string]any{
			"name":    clientName,
			"title":   "Taskdex Bridge",
			"version": clientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify(MethodInitialized, map[string]any{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// Call sends a request and waits for its response, the request timeout, or
// ctx cancellation, whichever comes first. A protocol error reply is returned
// as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&c.nextID, 1)
	idRaw := json.RawMessage(fmt.Sprintf("%d", id))
	call := &pendingCall{
		method:    method,
		reply:     make(chan rpcResponse, 1),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = call
	call.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.mu.Unlock()

	msg := rpcMessage{JSONRPC: jsonrpcVersion, ID: &idRaw, Method: method, Params: rawParams}
	if err := c.send(msg); err != nil {
		c.forget(id)
		return nil, err
	}

	var resp rpcResponse
	select {
	case <-ctx.Done():
		c.forget(id)
		resp = rpcResponse{err: ctx.Err()}
	case resp = <-call.reply:
	}
	if c.observer != nil {
		c.observer.ObserveCall(method, time.Since(call.createdAt), resp.err)
	}
	return resp.result, resp.err
}

// Notify sends a notification (no id, no reply).
func (c *Client) Notify(method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(rpcMessage{JSONRPC: jsonrpcVersion, Method: method, Params: rawParams})
}

// PendingCount reports the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close kills the process and fails every pending request with ErrClosed.
// It does not wait for the process to exit; use Done for that.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	proc := c.proc
	stdin := c.stdin
	c.mu.Unlock()

	c.failPending(ErrClosed)
	if stdin != nil {
		_ = stdin.Close()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil && c.debug {
			logger.Debugf("app-server: kill pid=%d: %v", proc.PID(), err)
		}
	}
	return nil
}

// Done is closed after the process has exited and been reaped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the exit code once Done is closed. It is nil when the
// process was killed by a signal or could not be reaped.
func (c *Client) ExitCode() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// StderrTail returns the last bytes written to stderr.
func (c *Client) StderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.stderrTail)
}

// reap waits for stdout to drain, then for the process to exit.
func (c *Client) reap() {
	<-c.readerDone
	code, err := c.proc.Wait()

	c.mu.Lock()
	c.exitCode = code
	c.closed = true
	c.mu.Unlock()

	if err != nil {
		logger.Debugf("app-server: wait pid=%d: %v", c.proc.PID(), err)
	}
	c.failPending(ErrClosed)
	close(c.done)
}

// readStdout parses newline-delimited JSON messages and dispatches
// notifications, requests and responses in arrival order.
func (c *Client) readStdout(r io.Reader) {
	defer close(c.readerDone)
	if r == nil {
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range c.lines.Feed(buf[:n]) {
				c.handleLine(line)
			}
		}
		if err != nil {
			if tail := c.lines.Flush(); tail != nil {
				c.handleLine(tail)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debugf("app-server: stdout ended: %v", err)
			}
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		if c.debug {
			logger.Debugf("app-server: dropped invalid JSONL message (len=%d): %v", len(line), err)
		}
		return
	}

	switch {
	case msg.Method != "" && msg.ID == nil:
		if c.debug {
			logger.Tracef("app-server: notify %s (bytes=%d)", msg.Method, len(line))
		}
		c.dispatchNotification(msg.Method, msg.Params)
	case msg.Method != "" && msg.ID != nil:
		c.dispatchRequest(*msg.ID, msg.Method, msg.Params)
	case msg.ID != nil:
		c.dispatchResponse(*msg.ID, msg.Result, msg.Error)
	default:
		if c.debug {
			logger.Debugf("app-server: ignored message: %s", string(line))
		}
	}
}

// readStderr keeps a bounded tail of stderr.
func (c *Client) readStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.appendStderrTail(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) appendStderrTail(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderrTail = append(c.stderrTail, chunk...)
	if len(c.stderrTail) > stderrCopyLimit {
		c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrCopyLimit:]
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	handler := c.notifyFn
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler(method, params)
}

func (c *Client) dispatchRequest(id json.RawMessage, method string, params json.RawMessage) {
	c.mu.Lock()
	handler := c.requestFn
	c.mu.Unlock()

	var result json.RawMessage
	var rpcErr *RPCError
	if handler == nil {
		logger.Warnf("app-server: declined server request %s (no handler)", method)
		rpcErr = &RPCError{Code: -32601, Message: "request handler not configured"}
	} else {
		result, rpcErr = handler(method, params)
	}

	reply := rpcMessage{JSONRPC: jsonrpcVersion, ID: &id}
	if rpcErr != nil {
		reply.Error = rpcErr
	} else {
		if result == nil {
			result = json.RawMessage("{}")
		}
		reply.Result = result
	}
	if err := c.send(reply); err != nil && c.debug {
		logger.Debugf("app-server: reply to %s: %v", method, err)
	}
}

// dispatchResponse resolves a pending request. A response for an id that has
// already timed out finds no entry and is ignored.
func (c *Client) dispatchResponse(id json.RawMessage, result json.RawMessage, rpcErr *RPCError) {
	idNum, ok := parseNumericID(id)
	if !ok {
		return
	}

	c.mu.Lock()
	call := c.pending[idNum]
	delete(c.pending, idNum)
	c.mu.Unlock()
	if call == nil {
		if c.debug {
			logger.Debugf("app-server: late or unknown response id=%d", idNum)
		}
		return
	}
	call.timer.Stop()

	if rpcErr != nil {
		call.reply <- rpcResponse{err: rpcErr}
		return
	}
	call.reply <- rpcResponse{result: result}
}

func (c *Client) expire(id int64) {
	c.mu.Lock()
	call := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if call == nil {
		return
	}
	logger.Warnf("app-server: %s id=%d timed out after %s", call.method, id, c.timeout)
	call.reply <- rpcResponse{err: ErrTimeout}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	call := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if call != nil {
		call.timer.Stop()
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		select {
		case call.reply <- rpcResponse{err: err}:
		default:
		}
	}
}

// send writes a single JSON-RPC message followed by a newline.
func (c *Client) send(msg rpcMessage) error {
	c.mu.Lock()
	closed := c.closed
	stdin := c.stdin
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if stdin == nil {
		return fmt.Errorf("app-server stdin not initialized")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = stdin.Write(raw)
	return err
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// parseNumericID parses a JSON-RPC id that is expected to be a number.
func parseNumericID(id json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(id, &n); err != nil {
		return 0, false
	}
	return n, true
}
