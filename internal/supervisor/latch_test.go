package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchSetReleasesWaiters(t *testing.T) {
	l := newLatch()
	done := make(chan error, 1)
	go func() {
		done <- l.Wait(context.Background(), time.Second)
	}()

	l.Set()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.True(t, l.IsSet())
}

func TestLatchWaitTimeout(t *testing.T) {
	l := newLatch()
	err := l.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLatchWaitContextCancel(t *testing.T) {
	l := newLatch()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLatchClearBlocksAgain(t *testing.T) {
	l := newLatch()
	l.Set()
	require.NoError(t, l.Wait(context.Background(), time.Second))

	l.Clear()
	assert.False(t, l.IsSet())
	err := l.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l.Set()
	assert.NoError(t, l.Wait(context.Background(), time.Second))
}

func TestLatchSetIdempotent(t *testing.T) {
	l := newLatch()
	l.Set()
	l.Set()
	assert.True(t, l.IsSet())
}
