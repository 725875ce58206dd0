package supervisor

import (
	"context"
	"sync"
	"time"
)

// latch is a binary coordination signal: it can be set, cleared, and waited
// on. It carries no ownership, only state.
type latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

// Set marks the latch and releases all waiters. Idempotent.
func (l *latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Clear unsets the latch so future waits block again.
func (l *latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// IsSet reports whether the latch is currently set.
func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// waitCh returns a channel closed once the latch is set.
func (l *latch) waitCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.ch
}

// Wait blocks until the latch is set, the context is cancelled, or the
// timeout elapses. A zero timeout waits indefinitely.
func (l *latch) Wait(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-l.waitCh():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return context.DeadlineExceeded
	}
}
