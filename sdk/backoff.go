package sdk

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase   = time.Second
	backoffMax    = 30 * time.Second
	backoffJitter = 300 * time.Millisecond
)

// backoffDelay returns the wait before reconnect attempt n (zero based):
// base doubled per attempt, capped, plus jitter.
func backoffDelay(attempt int, jitter func() time.Duration) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	if jitter != nil {
		d += jitter()
	}
	return d
}

func randomJitter() time.Duration {
	return rand.N(backoffJitter)
}

// backoff tracks consecutive failed reconnects.
type backoff struct {
	attempt int
	jitter  func() time.Duration
}

// Next returns the delay for the next attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	d := backoffDelay(b.attempt, b.jitter)
	b.attempt++
	return d
}

// Reset is called after a successful authentication.
func (b *backoff) Reset() {
	b.attempt = 0
}
