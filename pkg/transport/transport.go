// Package transport implements the bidirectional channel between a stream
// session and a remote inference server.
//
// A channel is owned by exactly one session. Outbound frames are
// fire-and-forget through a single slot: when a send is still in flight the
// new frame is dropped rather than queued. Each inbound server message is
// dispatched exactly once, in arrival order, on the channel's read goroutine.
// There is no frame/result correlation; the latest message wins.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/isoai/isoai-client/pkg/protocol"
)

// ResultHandler receives decoded inference results.
type ResultHandler func(*protocol.Result)

// StateHandler receives connection state changes.
type StateHandler func(connected bool)

// Channel is a connection to an inference server.
type Channel interface {
	// Connect establishes the connection. The channel lives until ctx ends
	// or Close is called.
	Connect(ctx context.Context) error

	// Send hands a message to the outbound slot without blocking.
	// It returns ErrChannelUnavailable when the message was dropped.
	Send(msg *protocol.Message) error

	OnResult(h ResultHandler)
	OnStateChange(h StateHandler)

	Connected() bool
	Stats() Stats

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Stats are channel counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	Received     uint64 `json:"received"`
	Invalid      uint64 `json:"invalid"`
	ServerErrors uint64 `json:"server_errors"`
	Reconnects   uint64 `json:"reconnects"`
}

// New creates a channel for the configured mode.
func New(opts ...Option) (Channel, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case ModeHTTP:
		return newHTTPChannel(cfg), nil
	case ModeSocketIO:
		return newWSChannel(cfg, &socketIOFramer{events: cfg.Events}), nil
	default:
		return newWSChannel(cfg, envelopeFramer{}), nil
	}
}

// dispatcher holds handlers and counters shared by every channel kind.
type dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	onResult ResultHandler
	onState  StateHandler

	sent         atomic.Uint64
	dropped      atomic.Uint64
	received     atomic.Uint64
	invalid      atomic.Uint64
	serverErrors atomic.Uint64
	reconnects   atomic.Uint64
}

func (d *dispatcher) OnResult(h ResultHandler) {
	d.mu.Lock()
	d.onResult = h
	d.mu.Unlock()
}

func (d *dispatcher) OnStateChange(h StateHandler) {
	d.mu.Lock()
	d.onState = h
	d.mu.Unlock()
}

func (d *dispatcher) Stats() Stats {
	return Stats{
		Sent:         d.sent.Load(),
		Dropped:      d.dropped.Load(),
		Received:     d.received.Load(),
		Invalid:      d.invalid.Load(),
		ServerErrors: d.serverErrors.Load(),
		Reconnects:   d.reconnects.Load(),
	}
}

func (d *dispatcher) state(connected bool) {
	d.mu.RLock()
	h := d.onState
	d.mu.RUnlock()

	if h != nil {
		h(connected)
	}
}

// dispatch delivers one inbound message.
func (d *dispatcher) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResult:
		res, err := msg.GetResult()
		if err != nil {
			d.invalid.Add(1)
			d.logger.Warn("invalid result payload", "error", err)
			return
		}
		d.received.Add(1)

		d.mu.RLock()
		h := d.onResult
		d.mu.RUnlock()
		if h != nil {
			h(res)
		}

	case protocol.TypeError:
		d.serverErrors.Add(1)
		if ed, err := msg.GetErrorData(); err == nil {
			d.logger.Warn("server error", "message", ed.Message)
		}

	case protocol.TypePong:
		if pd, err := msg.GetPongData(); err == nil {
			d.logger.Debug("pong", "latency_ms", pd.LatencyMs)
		}

	default:
		d.logger.Debug("ignoring message", "type", msg.Type)
	}
}
