package sdk

import (
	"errors"
	"sync"
)

var errDispatcherClosed = errors.New("dispatcher closed")

type dispatchResult struct {
	value any
	err   error
}

// dispatcher serializes work onto a single goroutine. Inbound stream events
// are applied through it so they reach the reconciler in socket order.
type dispatcher struct {
	q chan func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q:    make(chan func(), queueSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for fn := range d.q {
			if fn != nil {
				fn()
			}
		}
	}()
	return d
}

func (d *dispatcher) do(fn func()) error {
	if fn == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errDispatcherClosed
	}
	d.q <- fn
	return nil
}

func (d *dispatcher) call(fn func() (any, error)) (any, error) {
	if fn == nil {
		return nil, nil
	}
	done := make(chan dispatchResult, 1)
	err := d.do(func() {
		value, err := fn()
		done <- dispatchResult{value: value, err: err}
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	return res.value, res.err
}

// close stops accepting work and waits for queued work to finish.
func (d *dispatcher) close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.q)
	}
	d.mu.Unlock()
	<-d.done
}
