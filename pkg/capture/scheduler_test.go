package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

// fakeClock hands out fakeTickers and lets tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	ticker *fakeTicker
	ready  chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{ready: make(chan struct{})}
}

func (c *fakeClock) factory(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticker = &fakeTicker{c: make(chan time.Time)}
	close(c.ready)
	return c.ticker
}

// tick blocks until the scheduler loop accepts the tick.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	<-c.ready
	c.mu.Lock()
	ft := c.ticker
	c.mu.Unlock()
	select {
	case ft.c <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not accept tick")
	}
}

func TestSchedulerTicksOncePerPeriod(t *testing.T) {
	clock := newFakeClock()
	var sends atomic.Int32
	ticked := make(chan struct{}, 16)

	s, err := New(DefaultConfig(), func(context.Context) {
		sends.Add(1)
		ticked <- struct{}{}
	}, WithTicker(clock.factory))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Running() {
		t.Error("Running() = false after Start")
	}

	// One second at 100ms.
	for i := 0; i < 10; i++ {
		clock.tick(t)
		<-ticked
	}
	s.Stop()

	if got := sends.Load(); got != 10 {
		t.Errorf("sends = %d, want 10", got)
	}
	if !clock.ticker.stopped.Load() {
		t.Error("ticker not stopped on Stop")
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestSchedulerNoTickAfterStop(t *testing.T) {
	var sends atomic.Int32
	s, err := New(DefaultConfig(), func(context.Context) { sends.Add(1) }, WithTicker(newFakeClock().factory))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	// A tick that was already scheduled when Stop ran.
	s.fire(context.Background())

	if got := sends.Load(); got != 0 {
		t.Errorf("sends after stop = %d, want 0", got)
	}
	if st := s.Stats(); st.Skipped != 1 || st.Ticks != 0 {
		t.Errorf("stats = %+v, want 1 skipped", st)
	}
}

func TestSchedulerStopWaitsForInFlightTick(t *testing.T) {
	clock := newFakeClock()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	s, err := New(DefaultConfig(), func(context.Context) {
		close(entered)
		<-release
		finished.Store(true)
	}, WithTicker(clock.factory))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	clock.tick(t)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	if !finished.Load() {
		t.Error("in-flight tick did not complete before Stop returned")
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	noop := func(context.Context) {}

	t.Run("disabled", func(t *testing.T) {
		s, err := New(Config{Period: FastPeriod}, noop, WithTicker(newFakeClock().factory))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if s.Running() {
			t.Error("disabled scheduler should not run")
		}
	})

	t.Run("start after stop", func(t *testing.T) {
		s, err := New(DefaultConfig(), noop, WithTicker(newFakeClock().factory))
		if err != nil {
			t.Fatal(err)
		}
		s.Stop()
		s.Stop()
		if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
			t.Errorf("Start() error = %v, want ErrStopped", err)
		}
	})

	t.Run("double start", func(t *testing.T) {
		clock := newFakeClock()
		s, err := New(DefaultConfig(), noop, WithTicker(clock.factory))
		if err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		// A second factory call would close ready twice and panic.
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("context end", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := New(DefaultConfig(), noop, WithTicker(newFakeClock().factory))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		cancel()

		deadline := time.Now().Add(time.Second)
		for s.Running() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if s.Running() {
			t.Error("scheduler still running after context end")
		}
		s.Stop()
	})

	t.Run("invalid", func(t *testing.T) {
		if _, err := New(Config{Enabled: true}, noop); err == nil {
			t.Error("zero period should fail")
		}
		if _, err := New(DefaultConfig(), nil); err == nil {
			t.Error("nil tick should fail")
		}
	})
}

func TestSchedulerRealTicker(t *testing.T) {
	if testing.Short() {
		t.Skip("wall clock test")
	}

	var sends atomic.Int32
	s, err := New(Config{Period: 20 * time.Millisecond, Enabled: true}, func(context.Context) { sends.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(210 * time.Millisecond)
	s.Stop()

	after := sends.Load()
	if after < 5 || after > 11 {
		t.Errorf("sends = %d, want about 10", after)
	}

	time.Sleep(60 * time.Millisecond)
	if got := sends.Load(); got != after {
		t.Errorf("sends grew after Stop: %d -> %d", after, got)
	}
}
