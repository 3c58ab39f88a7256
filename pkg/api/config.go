package api

import (
	"log/slog"
	"time"

	"github.com/isoai/isoai-client/pkg/retry"
)

// Config holds REST client configuration.
type Config struct {
	// Connection
	BaseURL string
	Headers map[string]string // sent with every request
	Token   string            // bearer token, usually from Login

	Timeout time.Duration

	// Retry is consulted for transport failures, 429 and 5xx.
	// Nil makes exactly one attempt.
	Retry retry.Policy

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithHeaders sets headers sent with every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Config) { c.Headers = h }
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Config) { c.Token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry enables retries.
func WithRetry(p retry.Policy) Option {
	return func(c *Config) { c.Retry = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// DefaultConfig returns the local API with a 30s timeout and no retries.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8000",
		Timeout: 30 * time.Second,
		Logger:  slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
