package progress

import (
	"sync/atomic"

	"github.com/flashpipe/flashpipe/pkg/errors"
)

// Token is the cooperative cancellation flag for exactly one in-flight
// operation. Single writer (whoever calls Cancel), many readers. Long
// running work checks it at every chunk boundary, so worst-case
// cancellation latency is one chunk's worth of I/O.
type Token struct {
	cancelled atomic.Bool
}

// NewToken returns a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{}
}

// Cancel sets the flag. Idempotent; never blocks.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Err returns ErrCancelled once the token is cancelled, nil otherwise.
// Chunk loops call this before and after each blocking I/O call.
func (t *Token) Err() error {
	if t.cancelled.Load() {
		return errors.ErrCancelled
	}
	return nil
}
