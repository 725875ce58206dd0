package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/store"
)

// fakeConn implements node.Conn for tests without a network.
type fakeConn struct {
	connected bool
	closed    bool
	sink      node.StatsSink
}

func (c *fakeConn) Connected() bool               { return c.connected }
func (c *fakeConn) Connecting() bool              { return false }
func (c *fakeConn) Connect(context.Context) error { c.connected = true; return nil }
func (c *fakeConn) Send(any) error                { return nil }
func (c *fakeConn) Ping(context.Context) error    { return nil }
func (c *fakeConn) Close() error                  { c.closed = true; c.connected = false; return nil }
func (c *fakeConn) BindStats(s node.StatsSink)    { c.sink = s }
func (c *fakeConn) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if c.connected {
		return nil
	}
	return node.ErrReadyTimeout
}

// testRegistry returns a registry whose conns are recorded for later
// manipulation.
func testRegistry(t *testing.T) (*Registry, map[string]*fakeConn) {
	t.Helper()
	conns := make(map[string]*fakeConn)
	factory := func(opts node.Options) node.Conn {
		c := &fakeConn{}
		conns[opts.Identifier] = c
		return c
	}
	return New(factory, store.NewMemoryStore().NodeConfigs(), time.Second, nil), conns
}

// addServingNode registers a connected node with the given playing player
// count.
func addServingNode(t *testing.T, r *Registry, conns map[string]*fakeConn, id string, playing int) *node.Node {
	t.Helper()
	n, err := r.AddNode(AddOptions{Identifier: id, Host: "host-" + id, Port: 2333, Password: "pw"})
	require.NoError(t, err)
	conns[id].connected = true
	conns[id].sink.SetStats(&node.Stats{PlayingPlayers: playing})
	return n
}

// sourceServer fakes the node REST surface so a feature probe yields
// exactly the given sources.
func sourceServer(t *testing.T, sources ...string) (host string, port int) {
	t.Helper()
	defaults := make(map[string]bool, len(sources))
	for _, s := range sources {
		defaults[s] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/sources" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"defaults": defaults})
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), p
}

// addProbedNode registers a connected node backed by a fake REST surface
// and runs the feature probe against it.
func addProbedNode(t *testing.T, r *Registry, conns map[string]*fakeConn, id string, playing int, sources ...string) *node.Node {
	t.Helper()
	host, port := sourceServer(t, sources...)
	n, err := r.AddNode(AddOptions{Identifier: id, Host: host, Port: port, Password: "pw"})
	require.NoError(t, err)
	conns[id].connected = true
	conns[id].sink.SetStats(&node.Stats{PlayingPlayers: playing})
	require.NoError(t, n.UpdateFeatures(context.Background()))
	return n
}

func TestAddNodeDefaults(t *testing.T) {
	r, _ := testRegistry(t)

	n, err := r.AddNode(AddOptions{Host: "music.example.com", Password: "pw", UseTLS: true})
	require.NoError(t, err)
	assert.NotEmpty(t, n.Identifier())
	assert.Equal(t, 443, n.Port(), "TLS nodes default to 443")
	assert.Equal(t, "music.example.com-"+n.Identifier(), n.Name())
	assert.Equal(t, n.Identifier(), n.ResumeKey())

	plain, err := r.AddNode(AddOptions{Host: "other.example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, 80, plain.Port(), "plaintext nodes default to 80")
}

func TestAddNodeDuplicateIdentifier(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.AddNode(AddOptions{Identifier: "a", Host: "h1", Port: 1, Password: "pw"})
	require.NoError(t, err)

	_, err = r.AddNode(AddOptions{Identifier: "a", Host: "h2", Port: 2, Password: "pw"})
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	// The failed registration must not disturb the original.
	n := r.GetNode("a")
	require.NotNil(t, n)
	assert.Equal(t, "h1", n.Host())
	assert.Len(t, r.Nodes(), 1)
}

func TestRemoveNodeClosesConn(t *testing.T) {
	r, conns := testRegistry(t)
	addServingNode(t, r, conns, "a", 0)

	require.NoError(t, r.RemoveNode(context.Background(), "a"))
	assert.Nil(t, r.GetNode("a"))
	assert.True(t, conns["a"].closed)
}

func TestFindBestNodePicksLowestPenalty(t *testing.T) {
	r, conns := testRegistry(t)
	addServingNode(t, r, conns, "busy", 50)
	addServingNode(t, r, conns, "idle", 1)
	addServingNode(t, r, conns, "medium", 10)

	best := r.FindBestNode("")
	require.NotNil(t, best)
	assert.Equal(t, "idle", best.Identifier())
}

func TestFindBestNodeSkipsUnavailable(t *testing.T) {
	r, conns := testRegistry(t)
	addServingNode(t, r, conns, "down", 0)
	addServingNode(t, r, conns, "up", 100)
	conns["down"].connected = false

	best := r.FindBestNode("")
	require.NotNil(t, best)
	assert.Equal(t, "up", best.Identifier())
}

func TestFindBestNodeSkipsMissingStats(t *testing.T) {
	r, conns := testRegistry(t)

	_, err := r.AddNode(AddOptions{Identifier: "silent", Host: "h", Port: 1, Password: "pw"})
	require.NoError(t, err)
	conns["silent"].connected = true

	assert.Nil(t, r.FindBestNode(""), "a node that never pushed stats scores +Inf")
}

func TestFindBestNodeCapabilityFilter(t *testing.T) {
	r, conns := testRegistry(t)
	addProbedNode(t, r, conns, "a", 1, "youtube")
	addProbedNode(t, r, conns, "b", 20, "youtube", "spotify")

	best := r.FindBestNode("spotify")
	require.NotNil(t, best)
	assert.Equal(t, "b", best.Identifier(), "loaded node still wins when it alone has the source")

	assert.Nil(t, r.FindBestNode("gcloud-tts"))
}

func TestFindBestNodeEmptyRegistry(t *testing.T) {
	r, _ := testRegistry(t)
	assert.Nil(t, r.FindBestNode(""))
	assert.Nil(t, r.FindBestNode("youtube"))
}

func TestFindBestNodeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("selection always returns a minimal-penalty available node", prop.ForAll(
		func(playing []int, down []bool) bool {
			r, conns := testRegistry(t)
			anyUp := false
			for i, p := range playing {
				id := fmt.Sprintf("n%d", i)
				addServingNode(t, r, conns, id, p)
				if i < len(down) && down[i] {
					conns[id].connected = false
				} else {
					anyUp = true
				}
			}

			best := r.FindBestNode("")
			if !anyUp {
				return best == nil
			}
			if best == nil || !best.Available() {
				return false
			}
			for _, n := range r.AvailableNodes() {
				if n.Penalty() < best.Penalty() {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 100)),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestWaitUntilReady(t *testing.T) {
	r, conns := testRegistry(t)

	err := r.WaitUntilReady(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoNodesRegistered)

	_, err = r.AddNode(AddOptions{Identifier: "a", Host: "h", Port: 1, Password: "pw"})
	require.NoError(t, err)

	err = r.WaitUntilReady(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadyTimeout)

	conns["a"].connected = true
	assert.NoError(t, r.WaitUntilReady(context.Background(), time.Second))
}

func TestManagedNode(t *testing.T) {
	r, _ := testRegistry(t)
	assert.Nil(t, r.ManagedNode())

	_, err := r.AddNode(AddOptions{Identifier: "ext", Host: "h", Port: 1, Password: "pw"})
	require.NoError(t, err)
	_, err = r.AddNode(AddOptions{Identifier: store.BundledNodeID, Host: "localhost", Port: 2154, Password: "pw", Managed: true})
	require.NoError(t, err)

	m := r.ManagedNode()
	require.NotNil(t, m)
	assert.True(t, m.Managed())
}
