// Package appservertest provides an in-memory app-server for tests.
package appservertest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dhruvalgolakiya/taskdex-sub000/internal/appserver"
)

// Request is a message received from the client.
type Request struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Reply is what a Handler answers. Drop leaves the request unanswered.
type Reply struct {
	Result any
	Err    *appserver.RPCError
	Drop   bool
}

// Handler answers client requests. It is not called for notifications.
type Handler func(req Request) Reply

// CodexHandler answers the handshake and turn requests the way a healthy
// app-server does. Turn ids are numbered from 1.
func CodexHandler(threadID string) Handler {
	var turns atomic.Int64
	return func(req Request) Reply {
		switch req.Method {
		case appserver.MethodInitialize:
			return Reply{Result: map[string]any{"userAgent": "fake/0.0.0"}}
		case appserver.MethodThreadStart:
			return Reply{Result: map[string]any{"thread": map[string]any{"id": threadID}}}
		case appserver.MethodTurnStart:
			n := turns.Add(1)
			return Reply{Result: map[string]any{"turn": map[string]any{"id": fmt.Sprintf("turn_%d", n)}}}
		default:
			return Reply{Result: map[string]any{}}
		}
	}
}

var pids atomic.Int64

// Process is an in-memory appserver.Process backed by pipes.
type Process struct {
	Cmd appserver.Command

	handler Handler
	pid     int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex

	mu       sync.Mutex
	received []Request
	killed   bool
	code     *int

	once   sync.Once
	exited chan struct{}
}

// NewProcess starts a fake process that answers requests with h.
func NewProcess(h Handler) *Process {
	p := &Process{
		handler: h,
		pid:     int(pids.Add(1)) + 40000,
		exited:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.serve()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }
func (p *Process) Stderr() io.ReadCloser { return nil }
func (p *Process) PID() int { return p.pid }

// Kill terminates the process as if by a signal.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(nil)
	return nil
}

// Exit ends the process with the given exit code (nil means signaled).
func (p *Process) Exit(code *int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
		close(p.exited)
	})
}

// Wait implements appserver.Process.
func (p *Process) Wait() (*int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Exited is closed when the process has ended.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Received returns every message read from stdin so far.
func (p *Process) Received() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.received...)
}

// Methods returns the methods of every message read from stdin so far.
func (p *Process) Methods() []string {
	var out []string
	for _, r := range p.Received() {
		out = append(out, r.Method)
	}
	return out
}

// Notify writes a notification to the client.
func (p *Process) Notify(method string, params any) error {
	return p.writeJSON(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// Respond writes a result for id, whether or not it is still pending.
func (p *Process) Respond(id int64, result any) error {
	return p.writeJSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// WriteRaw writes raw bytes to stdout unchanged.
func (p *Process) WriteRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdoutW.Write(b)
	return err
}

func (p *Process) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.WriteRaw(append(raw, '\n'))
}

func (p *Process) serve() {
	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		p.mu.Lock()
		p.received = append(p.received, req)
		p.mu.Unlock()

		if req.ID == nil || req.Method == "" || p.handler == nil {
			continue
		}
		reply := p.handler(req)
		if reply.Drop {
			continue
		}
		msg := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
		if reply.Err != nil {
			msg["error"] = reply.Err
		} else {
			result := reply.Result
			if result == nil {
				result = map[string]any{}
			}
			msg["result"] = result
		}
		_ = p.writeJSON(msg)
	}
}

// Launcher hands out fake processes.
type Launcher struct {
	// Handler answers requests for every launched process.
	Handler Handler
	// Fail, when set, is consulted before launching and may refuse.
	Fail func(cmd appserver.Command) error

	mu    sync.Mutex
	procs []*Process
}

// Launch implements appserver.Launcher.
func (l *Launcher) Launch(_ context.Context, cmd appserver.Command) (appserver.Process, error) {
	if l.Fail != nil {
		if err := l.Fail(cmd); err != nil {
			return nil, err
		}
	}
	p := NewProcess(l.Handler)
	p.Cmd = cmd
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

// Processes returns every launched process in order.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Last returns the most recently launched process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}
