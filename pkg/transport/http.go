package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/isoai/isoai-client/internal/httpc"
	"github.com/isoai/isoai-client/pkg/protocol"
)

// httpChannel posts each envelope and dispatches the response envelope.
// There is no persistent connection, so it never reconnects.
type httpChannel struct {
	dispatcher

	cfg    *Config
	client *http.Client

	mu        sync.Mutex
	endpoint  string
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool

	busy atomic.Bool
	wg   sync.WaitGroup
}

func newHTTPChannel(cfg *Config) *httpChannel {
	return &httpChannel{
		dispatcher: dispatcher{logger: cfg.Logger.With("component", "transport.http")},
		cfg:        cfg,
		client:     httpc.NewClient(cfg.RequestTimeout, cfg.AuthHeaders),
	}
}

func httpURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Connect implements Channel. It only validates the endpoint.
func (c *httpChannel) Connect(ctx context.Context) error {
	endpoint, err := httpURL(c.cfg.Endpoint)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.endpoint = endpoint
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("channel ready", "endpoint", endpoint)
	c.state(true)
	return nil
}

// Send implements Channel. At most one request is in flight.
func (c *httpChannel) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.connected || !c.busy.CompareAndSwap(false, true) {
		c.dropped.Add(1)
		return ErrChannelUnavailable
	}

	c.wg.Add(1)
	go c.post(c.ctx, data)
	return nil
}

func (c *httpChannel) post(ctx context.Context, data []byte) {
	defer c.wg.Done()
	defer c.busy.Store(false)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error("build request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.dropped.Add(1)
		if ctx.Err() == nil {
			c.logger.Warn("post failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		c.dropped.Add(1)
		c.logger.Warn("read response failed", "error", err)
		return
	}
	c.sent.Add(1)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.serverErrors.Add(1)
		c.logger.Warn("server rejected frame", "status", resp.StatusCode, "body", truncate(body))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}

	msg, err := protocol.ParseMessage(body)
	if err != nil {
		c.invalid.Add(1)
		c.logger.Warn("invalid response", "error", err)
		return
	}
	c.dispatch(msg)
}

// Connected implements Channel.
func (c *httpChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close implements Channel. In-flight requests are cancelled and awaited.
func (c *httpChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if wasConnected {
		c.state(false)
	}
	return nil
}
