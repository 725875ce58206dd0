package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
	"github.com/soundmesh/fleet/pkg/config"
)

type stubConn struct {
	connected bool
}

func (c *stubConn) Connected() bool  { return c.connected }
func (c *stubConn) Connecting() bool { return false }
func (c *stubConn) Connect(ctx context.Context) error {
	c.connected = true
	return nil
}
func (c *stubConn) Send(op any) error              { return nil }
func (c *stubConn) Ping(ctx context.Context) error { return nil }
func (c *stubConn) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (c *stubConn) Close() error {
	c.connected = false
	return nil
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	logger := discardLogger()
	configs := store.NewMemoryStore().NodeConfigs()
	reg := registry.New(func(opts node.Options) node.Conn {
		return &stubConn{}
	}, configs, time.Second, logger)
	cfg := config.ManagedConfig{
		JavaPath:    "/nonexistent/java-binary",
		DownloadDir: t.TempDir(),
	}
	return New(cfg, reg, configs, logger)
}

func TestAwaitReadyLine(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		close   bool
		exitErr error
		wantErr error
	}{
		{
			name:  "ready line",
			lines: []string{"starting up", readyLine},
		},
		{
			name:    "port in use",
			lines:   []string{"Web server failed to start. Port 2154 was already in use."},
			wantErr: ErrPortInUse,
		},
		{
			name:    "generic start failure",
			lines:   []string{"APPLICATION FAILED TO START"},
			wantErr: ErrStartFailure,
		},
		{
			name:    "output ends early",
			close:   true,
			wantErr: ErrEarlyExit,
		},
		{
			name:    "process exits",
			exitErr: errors.New("exit status 1"),
			wantErr: ErrEarlyExit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t)
			s.stopCh = make(chan struct{})

			lines := make(chan string, len(tt.lines)+1)
			for _, l := range tt.lines {
				lines <- l
			}
			if tt.close {
				close(lines)
			}
			done := make(chan error, 1)
			if tt.exitErr != nil {
				done <- tt.exitErr
			}

			err := s.awaitReadyLine(context.Background(), lines, done)
			if tt.wantErr == nil {
				require.NoError(t, err)
				close(lines)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAwaitReadyLineTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	s.stopCh = make(chan struct{})
	s.cfg.StartTimeout = 30 * time.Millisecond

	err := s.awaitReadyLine(context.Background(), make(chan string), make(chan error))
	assert.ErrorIs(t, err, ErrStartFailure)
}

func TestAwaitReadyLineStopRequested(t *testing.T) {
	s := newTestSupervisor(t)
	s.stopCh = make(chan struct{})
	close(s.stopCh)

	// A stop during the wait must not look like a start failure, so the
	// attempt unwinds without connecting anything.
	err := s.awaitReadyLine(context.Background(), make(chan string), make(chan error))
	assert.ErrorIs(t, err, errStopRequested)
}

func TestStartAbortsOnMissingRuntime(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	err := s.WaitUntilReady(ctx, 2*time.Second)
	require.ErrorIs(t, err, ErrUnsupportedRuntime)
	assert.Equal(t, StateStopped, s.State())
}

func TestStartReplacesPreviousLoop(t *testing.T) {
	s := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.WaitUntilReady(ctx, 2*time.Second), ErrUnsupportedRuntime)

	// A second Start supersedes the first loop instead of refusing.
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.WaitUntilReady(ctx, 2*time.Second), ErrUnsupportedRuntime)

	require.NoError(t, s.Shutdown(ctx))
}

func TestShutdownWithoutStart(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Shutdown(context.Background()))
}
