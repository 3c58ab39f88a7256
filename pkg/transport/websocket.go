package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/isoai/isoai-client/internal/httpc"
	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/retry"
)

// wsChannel is a persistent websocket connection with automatic reconnect.
// The framer decides whether it speaks envelopes or socket.io.
type wsChannel struct {
	dispatcher

	cfg    *Config
	framer framer

	connMu       sync.Mutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	exhausted    bool
	closed       bool

	// Serializes data frames; control frames may interleave.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	outbox chan []byte
	busy   atomic.Bool
	wg     sync.WaitGroup
}

func newWSChannel(cfg *Config, f framer) *wsChannel {
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.Never{}
	}
	return &wsChannel{
		dispatcher: dispatcher{logger: cfg.Logger.With("component", "transport."+f.name())},
		cfg:        cfg,
		framer:     f,
		outbox:     make(chan []byte, 1),
	}
}

// Connect dials the server once. Failure is returned, not retried.
func (c *wsChannel) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return ErrClosed
	}
	if c.ctx != nil {
		c.connMu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connMu.Unlock()

	conn, liveness, err := c.dial(c.ctx)
	if err != nil {
		c.connMu.Lock()
		c.cancel()
		c.ctx, c.cancel = nil, nil
		c.connMu.Unlock()
		return err
	}

	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.wg.Add(2)
	c.connMu.Unlock()

	go c.writeLoop()
	go c.keepaliveLoop()
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	c.attach(conn, liveness)
	return nil
}

// dial connects and runs the framer handshake. liveness is how long the
// connection may stay silent before it is considered lost; zero means forever.
func (c *wsChannel) dial(ctx context.Context) (conn *websocket.Conn, liveness time.Duration, err error) {
	u, err := c.framer.url(c.cfg.Endpoint)
	if err != nil {
		return nil, 0, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, u, httpc.Header(c.cfg.AuthHeaders))
	if err != nil {
		de := &DialError{Endpoint: u, Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, 0, de
	}

	liveness, err = c.framer.handshake(conn, c.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, 0, &DialError{Endpoint: u, Err: err}
	}
	return conn, liveness, nil
}

// attach makes conn the current connection and starts its reader.
func (c *wsChannel) attach(conn *websocket.Conn, liveness time.Duration) bool {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.connected = true
	c.reconnecting = false
	c.exhausted = false
	c.wg.Add(1)
	c.connMu.Unlock()

	go c.readLoop(conn, liveness)

	c.logger.Info("channel connected", "endpoint", c.cfg.Endpoint)
	c.state(true)
	return true
}

func (c *wsChannel) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *wsChannel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) controlDeadline() time.Time {
	if c.cfg.WriteTimeout > 0 {
		return time.Now().Add(c.cfg.WriteTimeout)
	}
	return time.Now().Add(time.Second)
}

// Send implements Channel.
func (c *wsChannel) Send(msg *protocol.Message) error {
	c.connMu.Lock()
	closed, connected, exhausted := c.closed, c.connected, c.exhausted
	c.connMu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case exhausted:
		c.dropped.Add(1)
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, ErrMaxAttempts)
	case !connected:
		c.dropped.Add(1)
		return ErrChannelUnavailable
	}

	data, err := c.framer.encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Type, err)
	}

	if !c.busy.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		return ErrChannelUnavailable
	}
	select {
	case c.outbox <- data:
		return nil
	default:
		c.busy.Store(false)
		c.dropped.Add(1)
		return ErrChannelUnavailable
	}
}

// readLoop reads frames from one connection until it fails.
func (c *wsChannel) readLoop(conn *websocket.Conn, liveness time.Duration) {
	defer c.wg.Done()

	for {
		if liveness > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(liveness)); err != nil {
				c.handleDisconnect(conn, err)
				return
			}
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.handleDisconnect(conn, err)
			return
		}

		msg, reply, err := c.framer.decode(data)
		if err != nil {
			if errors.Is(err, errRemoteClosed) {
				c.handleDisconnect(conn, err)
				return
			}
			c.invalid.Add(1)
			c.logger.Warn("invalid frame", "error", err)
			continue
		}

		if reply != nil {
			if err := c.write(conn, reply); err != nil {
				c.handleDisconnect(conn, err)
				return
			}
		}
		if msg != nil {
			c.dispatch(msg)
		}
	}
}

// writeLoop drains the outbound slot.
func (c *wsChannel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.outbox:
			conn := c.current()
			if conn == nil {
				c.dropped.Add(1)
				c.busy.Store(false)
				continue
			}

			if err := c.write(conn, data); err != nil {
				c.dropped.Add(1)
				c.busy.Store(false)
				c.logger.Warn("send failed", "error", err)
				c.handleDisconnect(conn, err)
				continue
			}
			c.sent.Add(1)
			c.busy.Store(false)
		}
	}
}

// keepaliveLoop sends periodic pings to maintain the connection.
func (c *wsChannel) keepaliveLoop() {
	defer c.wg.Done()

	if c.cfg.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			conn := c.current()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, c.controlDeadline()); err != nil {
				c.logger.Warn("keepalive ping failed", "error", err)
				c.handleDisconnect(conn, err)
			}
		}
	}
}

// handleDisconnect drops conn and starts reconnecting. Stale connections
// and disconnects during Close are ignored.
func (c *wsChannel) handleDisconnect(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.closed || c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	start := !c.reconnecting
	if start {
		c.reconnecting = true
		c.wg.Add(1)
	}
	c.connMu.Unlock()

	conn.Close()
	c.logger.Warn("channel disconnected", "error", cause)
	c.state(false)

	if start {
		go c.reconnectLoop()
	}
}

// reconnectLoop redials until it succeeds or the policy gives up.
// The lost connection counts as the first failed attempt.
func (c *wsChannel) reconnectLoop() {
	defer c.wg.Done()

	for attempt := 1; ; attempt++ {
		delay, ok := c.cfg.Reconnect.Next(attempt)
		if !ok {
			c.connMu.Lock()
			c.reconnecting = false
			c.exhausted = true
			c.connMu.Unlock()
			c.logger.Error("reconnect gave up", "attempts", attempt-1)
			return
		}

		c.logger.Info("attempting to reconnect", "attempt", attempt, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, liveness, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		if c.attach(conn, liveness) {
			c.reconnects.Add(1)
			c.logger.Info("reconnected successfully", "attempt", attempt)
		}
		return
	}
}

// Connected implements Channel.
func (c *wsChannel) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// Close implements Channel. It waits for every channel goroutine to exit.
func (c *wsChannel) Close() error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	cancel := c.cancel
	c.connMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		if bye := c.framer.goodbye(); bye != nil {
			_ = c.write(conn, bye)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			c.controlDeadline())
		conn.Close()
	}

	c.wg.Wait()

	if wasConnected {
		c.state(false)
	}
	st := c.Stats()
	c.logger.Info("channel closed", "sent", st.Sent, "dropped", st.Dropped, "received", st.Received)
	return nil
}
