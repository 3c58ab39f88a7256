// Package session ties a device, an encoder, a transport channel and a
// renderer into one stream session.
//
// A session moves Idle → RequestingPermission → Streaming → Stopped. Stopped
// is terminal; a new stream needs a new session. Each session owns its own
// channel, so nothing leaks between sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/isoai/isoai-client/pkg/capture"
	"github.com/isoai/isoai-client/pkg/device"
	"github.com/isoai/isoai-client/pkg/encoder"
	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/transport"
)

// State is the lifecycle state of a session.
type State int

const (
	Idle State = iota
	RequestingPermission
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingPermission:
		return "requesting_permission"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChannelFactory creates the session's channel. It is called once per session.
type ChannelFactory func() (transport.Channel, error)

// Config holds session settings.
type Config struct {
	Capture capture.Config

	// Width and Height are the encoded frame size. Zero uses the source size.
	Width  int
	Height int

	// MaxEncodeFailures consecutive failed ticks are treated as a lost
	// device and end the session. Zero disables the check.
	MaxEncodeFailures int
}

// DefaultConfig streams 640x480 frames every 100ms.
func DefaultConfig() Config {
	return Config{
		Capture: capture.DefaultConfig(),
		Width:             640,
		Height:            480,
		MaxEncodeFailures: 50,
	}
}

// Deps are the collaborators of a session.
type Deps struct {
	Device     device.Device
	Encoder    *encoder.Encoder
	NewChannel ChannelFactory
	Renderer   *render.Renderer

	// Optional.
	Logger *slog.Logger
	Ticker capture.TickerFactory
}

// Stats summarize a session.
type Stats struct {
	ID             string          `json:"id"`
	State          State           `json:"state"`
	Device         string          `json:"device"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	FramesSent     uint64          `json:"frames_sent"`
	FramesDropped  uint64          `json:"frames_dropped"`
	EncodeFailures uint64          `json:"encode_failures"`
	Results        uint64          `json:"results"`
	DeviceLost     bool            `json:"device_lost,omitempty"`
	Channel        transport.Stats `json:"channel"`
	Scheduler      capture.Stats   `json:"scheduler"`
}

// Session is one stream session.
type Session struct {
	id     string
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	track     device.Track
	channel   transport.Channel
	sched     *capture.Scheduler
	startedAt time.Time
	listeners []func(State)

	// Counters of the channel and scheduler as they were at teardown.
	finalChannel   transport.Stats
	finalScheduler capture.Stats

	frameID        atomic.Uint64
	sent           atomic.Uint64
	dropped        atomic.Uint64
	encodeFailures atomic.Uint64
	results        atomic.Uint64
	failStreak     atomic.Int64
	deviceLost     atomic.Bool
}

// New creates an idle session.
func New(cfg Config, deps Deps) (*Session, error) {
	if deps.Device == nil || deps.Encoder == nil || deps.NewChannel == nil || deps.Renderer == nil {
		return nil, errors.New("session: device, encoder, channel factory and renderer are required")
	}
	if err := cfg.Capture.Validate(); err != nil {
		return nil, err
	}
	if cfg.Width < 0 || cfg.Height < 0 || cfg.MaxEncodeFailures < 0 {
		return nil, fmt.Errorf("session: invalid frame size %dx%d or failure limit %d", cfg.Width, cfg.Height, cfg.MaxEncodeFailures)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &Session{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "session", "session_id", id),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn for every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// transition moves to next unless the session is already stopped.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return false
	}
	s.state = next
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info("session state", "state", next)
	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// Start acquires the device, connects the channel and starts streaming.
// ctx bounds the whole session: when it ends the channel and scheduler
// stop, though Stop must still be called to release the device.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, state)
	}
	s.mu.Unlock()

	if !s.transition(RequestingPermission) {
		return ErrStoppedDuringSetup
	}

	track, err := s.deps.Device.Acquire(ctx)
	if err != nil {
		s.logger.Warn("device acquisition failed", "device", s.deps.Device.Name(), "error", err)
		s.abort()
		return &SetupError{Stage: StagePermission, Err: err}
	}
	if !s.adopt(func() { s.track = track }) {
		track.Close()
		return ErrStoppedDuringSetup
	}
	s.deps.Renderer.SetFrameSize(s.frameSize(track))

	ch, err := s.deps.NewChannel()
	if err != nil {
		s.abort()
		return &SetupError{Stage: StageConnect, Err: err}
	}
	ch.OnResult(s.handleResult)
	ch.OnStateChange(func(up bool) {
		s.logger.Info("channel state", "connected", up)
	})
	if !s.adopt(func() { s.channel = ch }) {
		ch.Close()
		return ErrStoppedDuringSetup
	}

	if err := ch.Connect(ctx); err != nil {
		s.logger.Warn("channel connect failed", "error", err)
		s.abort()
		return &SetupError{Stage: StageConnect, Err: err}
	}

	opts := []capture.Option{capture.WithLogger(s.logger)}
	if s.deps.Ticker != nil {
		opts = append(opts, capture.WithTicker(s.deps.Ticker))
	}
	sched, err := capture.New(s.cfg.Capture, s.tick, opts...)
	if err != nil {
		s.abort()
		return &SetupError{Stage: StageSchedule, Err: err}
	}
	if !s.adopt(func() { s.sched = sched }) {
		return ErrStoppedDuringSetup
	}
	if err := sched.Start(ctx); err != nil {
		s.abort()
		return &SetupError{Stage: StageSchedule, Err: err}
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	if !s.transition(Streaming) {
		return ErrStoppedDuringSetup
	}
	return nil
}

// adopt records a resource unless Stop already ran.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return false
	}
	set()
	return true
}

// abort tears down after a failed setup step or a lost device.
func (s *Session) abort() {
	if err := s.Stop(); err != nil {
		s.logger.Warn("teardown", "error", err)
	}
}

// frameSize is the size frames are encoded at.
func (s *Session) frameSize(track device.Track) (int, int) {
	if s.cfg.Width == 0 || s.cfg.Height == 0 {
		return track.Dimensions()
	}
	return s.cfg.Width, s.cfg.Height
}

// deviceGone ends the session once the device is revoked. Stop waits for the
// scheduler loop, so it must not run on the tick goroutine.
func (s *Session) deviceGone(cause error) {
	if !s.deviceLost.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("device lost, stopping session", "device", s.deps.Device.Name(), "error", cause)
	go s.abort()
}

// tick encodes the current frame and hands it to the channel.
func (s *Session) tick(context.Context) {
	s.mu.Lock()
	track, ch := s.track, s.channel
	s.mu.Unlock()
	if track == nil || ch == nil {
		return
	}

	w, h := s.frameSize(track)
	frame, err := s.deps.Encoder.Encode(track, w, h)
	if err != nil {
		s.encodeFailures.Add(1)
		streak := s.failStreak.Add(1)
		if errors.Is(err, device.ErrDeviceRevoked) || errors.Is(err, device.ErrDeviceClosed) ||
			(s.cfg.MaxEncodeFailures > 0 && streak >= int64(s.cfg.MaxEncodeFailures)) {
			s.deviceGone(err)
			return
		}
		s.logger.Debug("encode failed, skipping tick", "error", err)
		return
	}
	s.failStreak.Store(0)

	msg, err := protocol.NewFrameMessage(frame.Width, frame.Height, frame.MIME, frame.Data, s.frameID.Add(1))
	if err != nil {
		s.encodeFailures.Add(1)
		s.logger.Warn("frame message", "error", err)
		return
	}

	if err := ch.Send(msg); err != nil {
		s.dropped.Add(1)
		return
	}
	s.sent.Add(1)
}

func (s *Session) handleResult(res *protocol.Result) {
	if s.State() != Streaming {
		return
	}
	s.results.Add(1)
	s.deps.Renderer.Apply(res)
}

// Stop ends the session: the scheduler stops first so no frame is emitted
// afterwards, then the channel closes and the device is released. Every step
// is attempted even if an earlier one fails. Safe to call more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopped
	sched, ch, track := s.sched, s.channel, s.track
	s.sched, s.channel, s.track = nil, nil, nil
	listeners := append([]func(State){}, s.listeners...)
	s.mu.Unlock()

	var errs []error
	if sched != nil {
		errs = append(errs, guard("scheduler", func() error {
			sched.Stop()
			st := sched.Stats()
			s.mu.Lock()
			s.finalScheduler = st
			s.mu.Unlock()
			return nil
		}))
	}
	if ch != nil {
		errs = append(errs, guard("channel", ch.Close))
		errs = append(errs, guard("channel stats", func() error {
			st := ch.Stats()
			s.mu.Lock()
			s.finalChannel = st
			s.mu.Unlock()
			return nil
		}))
	}
	if track != nil {
		errs = append(errs, guard("device", track.Close))
	}
	s.deps.Renderer.Reset()

	err := errors.Join(errs...)
	st := s.Stats()
	s.logger.Info("session state", "state", Stopped,
		"frames_sent", st.FramesSent, "frames_dropped", st.FramesDropped, "results", st.Results,
		"reconnects", st.Channel.Reconnects, "device_lost", st.DeviceLost)
	for _, fn := range listeners {
		fn(Stopped)
	}
	return err
}

// guard runs one teardown step, turning a panic into an error.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: %s teardown panicked: %v", step, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("session: %s teardown: %w", step, err)
	}
	return nil
}

// Snapshot returns the device's current picture while streaming.
func (s *Session) Snapshot() (image.Image, error) {
	s.mu.Lock()
	track, state := s.track, s.state
	s.mu.Unlock()
	if state != Streaming || track == nil {
		return nil, fmt.Errorf("%w: snapshot in state %s", ErrInvalidState, state)
	}
	return track.Snapshot()
}

// Stats returns session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ID:        s.id,
		State:     s.state,
		Device:    s.deps.Device.Name(),
		StartedAt: s.startedAt,
		Channel:   s.finalChannel,
		Scheduler: s.finalScheduler,
	}
	ch, sched := s.channel, s.sched
	s.mu.Unlock()

	st.FramesSent = s.sent.Load()
	st.FramesDropped = s.dropped.Load()
	st.EncodeFailures = s.encodeFailures.Load()
	st.Results = s.results.Load()
	st.DeviceLost = s.deviceLost.Load()
	if ch != nil {
		st.Channel = ch.Stats()
	}
	if sched != nil {
		st.Scheduler = sched.Stats()
	}
	return st
}
