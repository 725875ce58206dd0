// Package ws implements the node link over a websocket. It handles the
// handshake headers, resuming, push message dispatch, and automatic
// reconnection with backoff.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soundmesh/fleet/internal/node"
)

const (
	writeTimeout     = 10 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Conn is a websocket implementation of node.Conn.
type Conn struct {
	url       string
	headers   http.Header
	resumeKey string
	logger    *slog.Logger

	mu         sync.Mutex
	ws         *websocket.Conn
	sink       node.StatsSink
	connected  bool
	connecting bool
	resumed    bool
	sessionID  string
	stopCh     chan struct{}
	lastPong   time.Time
}

var _ node.Conn = (*Conn)(nil)

// New builds a websocket link from node options. The link is idle until
// Connect is called.
func New(opts node.Options, clientID string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	scheme := "ws"
	if opts.UseTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", opts.Host, opts.Port)}

	h := http.Header{}
	h.Set("Authorization", opts.Password)
	h.Set("User-Id", clientID)
	h.Set("Client-Name", "soundmesh-fleet")
	if opts.ResumeKey != "" {
		h.Set("Resume-Key", opts.ResumeKey)
	}

	return &Conn{
		url:       u.String(),
		headers:   h,
		resumeKey: opts.ResumeKey,
		logger:    logger.With("component", "ws", "node_id", opts.Identifier),
	}
}

// BindStats wires the stats sink; called by the node constructor.
func (c *Conn) BindStats(sink node.StatsSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Connected reports whether the link is established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connecting reports whether a handshake is in flight.
func (c *Conn) Connecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting
}

// SessionID returns the session identifier announced by the node, empty
// until the ready message arrives.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Resumed reports whether the node resumed the previous session.
func (c *Conn) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

// Connect starts the connect loop. It returns once the loop is running;
// use WaitUntilReady to block for an established link.
func (c *Conn) Connect(_ context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	go c.run(stop)
	return nil
}

// run dials and reads until Close, reconnecting with capped exponential
// backoff after every drop.
func (c *Conn) run(stop <-chan struct{}) {
	delay := reconnectBase
	for {
		ws, err := c.dial()
		if err != nil {
			c.logger.Warn("node link dial failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-stop:
				return
			}
			if delay *= 2; delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}
		delay = reconnectBase

		c.mu.Lock()
		c.ws = ws
		c.connected = true
		c.connecting = false
		c.lastPong = time.Now()
		// Stale statistics from before the drop must not influence
		// load scoring.
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.ClearStats()
		}
		c.logger.Info("node link established")

		c.readLoop(ws, stop)

		c.mu.Lock()
		c.connected = false
		c.connecting = true
		c.sessionID = ""
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-stop:
			return
		default:
			c.logger.Warn("node link dropped, reconnecting")
		}
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.Dial(c.url, c.headers)
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, node.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})
	return ws, nil
}

// message is the envelope of every push from the node.
type message struct {
	Op        string          `json:"op"`
	SessionID string          `json:"sessionId"`
	Resumed   bool            `json:"resumed"`
	Type      string          `json:"type"`
	GuildID   string          `json:"guildId"`
	Raw       json.RawMessage `json:"-"`
}

func (c *Conn) readLoop(ws *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			ws.Close()
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("undecodable node push", "error", err)
		return
	}
	switch msg.Op {
	case "ready":
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.resumed = msg.Resumed
		c.mu.Unlock()
		c.logger.Info("node session ready",
			"session_id", msg.SessionID, "resumed", msg.Resumed)
	case "stats":
		var stats node.Stats
		if err := json.Unmarshal(data, &stats); err != nil {
			c.logger.Warn("undecodable node stats", "error", err)
			return
		}
		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.SetStats(&stats)
		}
	case "playerUpdate", "event":
		// Player-level pushes are consumed by the session layer, not
		// the link.
	default:
		c.logger.Debug("unhandled node push", "op", msg.Op)
	}
}

// Send transmits a session operation as JSON.
func (c *Conn) Send(op any) error {
	c.mu.Lock()
	ws := c.ws
	ok := c.connected
	c.mu.Unlock()
	if !ok || ws == nil {
		return node.ErrNotConnected
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(op)
}

// Ping sends a websocket ping and waits for the matching pong.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	ok := c.connected
	sent := time.Now()
	c.mu.Unlock()
	if !ok || ws == nil {
		return node.ErrNotConnected
	}
	payload := strconv.FormatInt(sent.UnixNano(), 10)
	if err := ws.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("node ping: %w", err)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			pong := c.lastPong
			c.mu.Unlock()
			if !pong.Before(sent) {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("node ping: %w", ctx.Err())
		}
	}
}

// WaitUntilReady blocks until the link is established or the timeout
// elapses.
func (c *Conn) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Connected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timer:
			return node.ErrReadyTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the connect loop and tears the link down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return ws.Close()
	}
	return nil
}
