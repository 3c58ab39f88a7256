package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/retry"
)

// Mode selects the wire framing of a channel.
type Mode string

const (
	// ModeWebSocket sends protocol envelopes as websocket text frames.
	ModeWebSocket Mode = "websocket"

	// ModeSocketIO speaks Engine.IO v4 over websocket using legacy event names.
	ModeSocketIO Mode = "socketio"

	// ModeHTTP posts each envelope and dispatches the response envelope.
	ModeHTTP Mode = "http"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeWebSocket, ModeSocketIO, ModeHTTP:
		return m, nil
	case "":
		return ModeWebSocket, nil
	}
	return "", fmt.Errorf("transport: unknown mode %q", s)
}

// Config holds channel configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// Endpoint is the inference server URL (ws://, wss://, http:// or https://).
	Endpoint string

	// AuthHeaders are sent with the handshake or every request.
	AuthHeaders map[string]string

	Mode Mode

	// Events are the legacy event names used in socket.io mode.
	Events protocol.EventNames

	// Reconnect decides whether and when to redial after connection loss.
	// Nil never reconnects.
	Reconnect retry.Policy

	// Timeouts
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration // http mode
	KeepaliveInterval time.Duration // websocket mode

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring a channel.
type Option func(*Config)

// WithEndpoint sets the server URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Config) {
		c.Endpoint = endpoint
	}
}

// WithAuthHeaders sets the authentication headers.
func WithAuthHeaders(headers map[string]string) Option {
	return func(c *Config) {
		c.AuthHeaders = headers
	}
}

// WithMode sets the wire framing.
func WithMode(mode Mode) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithEvents sets the socket.io event names.
func WithEvents(events protocol.EventNames) Option {
	return func(c *Config) {
		c.Events = events
	}
}

// WithReconnect sets the reconnect policy.
func WithReconnect(p retry.Policy) Option {
	return func(c *Config) {
		c.Reconnect = p
	}
}

// WithKeepalive sets the websocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Config) {
		c.KeepaliveInterval = interval
	}
}

// WithLogger sets the structured logger for the channel.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	events, _ := protocol.ProfileByName(protocol.DefaultProfile)
	return &Config{
		Mode:              ModeWebSocket,
		Events:            events,
		Reconnect:         retry.DefaultExponential(),
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Logger:            slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Mode == ModeSocketIO && (c.Events.Send == "" || c.Events.Receive == "") {
		return fmt.Errorf("transport: socketio mode needs send and receive event names")
	}
	return nil
}
