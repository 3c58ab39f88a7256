// Package capture runs the fixed-period capture loop of a stream session.
//
// The scheduler invokes a tick function once per period for as long as it
// runs. Ticks never overlap and are never queued: while a tick is running,
// elapsed periods are dropped. Once Stop returns, no tick fires again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Observed capture periods.
const (
	FastPeriod = 100 * time.Millisecond
	SlowPeriod = 500 * time.Millisecond
)

// ErrStopped is returned when starting a scheduler that was already stopped.
var ErrStopped = errors.New("capture: scheduler stopped")

// Config holds scheduler settings.
type Config struct {
	Period  time.Duration `json:"period"`
	Enabled bool          `json:"enabled"`
}

// DefaultConfig returns an enabled 100ms scheduler.
func DefaultConfig() Config {
	return Config{Period: FastPeriod, Enabled: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("capture: period must be positive, got %v", c.Period)
	}
	return nil
}

// TickFunc is one encode-and-send step. It must not block for longer than
// a period; emission is fire-and-forget.
type TickFunc func(ctx context.Context)

// Ticker delivers ticks. It matches the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker for a period.
type TickerFactory func(period time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// RealTicker wraps time.NewTicker.
func RealTicker(period time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(period)}
}

// Stats are scheduler counters.
type Stats struct {
	Ticks   uint64 `json:"ticks"`   // ticks executed
	Skipped uint64 `json:"skipped"` // ticks that arrived after stop began
}

// Scheduler runs a TickFunc at a fixed period.
type Scheduler struct {
	cfg       Config
	tick      TickFunc
	newTicker TickerFactory
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	ticks   atomic.Uint64
	skipped atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker overrides the ticker source.
func WithTicker(f TickerFactory) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. It does nothing until Start.
func New(cfg Config, tick TickFunc, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tick == nil {
		return nil, errors.New("capture: tick function required")
	}

	s := &Scheduler{
		cfg:       cfg,
		tick:      tick,
		newTicker: RealTicker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "capture.scheduler")
	return s, nil
}

// Start begins ticking. It is a no-op when disabled or already running.
// The loop ends when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrStopped
	}
	if s.running || !s.cfg.Enabled {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.newTicker(s.cfg.Period)

	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, ticker, s.done)

	s.logger.Debug("scheduler started", "period", s.cfg.Period)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker Ticker, done chan struct{}) {
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.fire(ctx)
		}
	}
}

// fire runs one tick unless teardown has begun.
func (s *Scheduler) fire(ctx context.Context) {
	if s.stopped.Load() || ctx.Err() != nil {
		s.skipped.Add(1)
		return
	}

	s.ticks.Add(1)
	s.tick(ctx)
}

// Stop ends the loop and waits for an in-flight tick to finish; ticks only
// run on the loop goroutine, so once it has exited none can follow.
// After Stop returns no tick runs. Safe to call more than once and before Start.
func (s *Scheduler) Stop() {
	// Flag first so a tick racing with teardown becomes a no-op.
	s.stopped.Store(true)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.logger.Debug("scheduler stopped", "ticks", s.ticks.Load())
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Stats returns tick counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:   s.ticks.Load(),
		Skipped: s.skipped.Load(),
	}
}
