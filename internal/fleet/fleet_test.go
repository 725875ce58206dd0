package fleet

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
	"github.com/soundmesh/fleet/pkg/config"
)

type fakeConn struct {
	sink      node.StatsSink
	connected bool
}

func (c *fakeConn) Connected() bool  { return c.connected }
func (c *fakeConn) Connecting() bool { return false }
func (c *fakeConn) Connect(ctx context.Context) error {
	c.connected = true
	return nil
}
func (c *fakeConn) Send(op any) error              { return nil }
func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (c *fakeConn) Close() error {
	c.connected = false
	return nil
}
func (c *fakeConn) BindStats(sink node.StatsSink) { c.sink = sink }

func newTestFleet(t *testing.T) (*Fleet, map[string]*fakeConn) {
	t.Helper()
	conns := make(map[string]*fakeConn)
	f := New(Options{
		Config: &config.Config{
			Registry: config.RegistryConfig{RequestTimeout: time.Second},
		},
		Store:  store.NewMemoryStore(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ConnFactory: func(opts node.Options) node.Conn {
			c := &fakeConn{}
			conns[opts.Identifier] = c
			return c
		},
	})
	return f, conns
}

func addNode(t *testing.T, f *Fleet, conns map[string]*fakeConn, id string, playing int) {
	t.Helper()
	n, err := f.reg.AddNode(registry.AddOptions{
		Identifier: id,
		Host:       id + ".example.com",
		Password:   "pw",
	})
	require.NoError(t, err)
	require.NoError(t, n.Connect(context.Background()))
	if playing >= 0 {
		conns[id].sink.SetStats(&node.Stats{PlayingPlayers: playing})
	}
}

func TestNextBestNodeExcludesFailedNode(t *testing.T) {
	f, conns := newTestFleet(t)
	addNode(t, f, conns, "busy", 40)
	addNode(t, f, conns, "idle", 1)

	best := f.nextBestNode("", "idle")
	require.NotNil(t, best)
	assert.Equal(t, "busy", best.Identifier())
}

func TestNextBestNodeSkipsNodesWithoutStats(t *testing.T) {
	f, conns := newTestFleet(t)
	// Connected but never pushed stats; never a failover target.
	addNode(t, f, conns, "silent", -1)

	assert.Nil(t, f.nextBestNode("", "other"))

	addNode(t, f, conns, "serving", 5)
	best := f.nextBestNode("", "other")
	require.NotNil(t, best)
	assert.Equal(t, "serving", best.Identifier())
}
