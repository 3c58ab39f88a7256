package device

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
)

// MockDevice is a synthetic camera for tests and headless runs.
// Each snapshot draws a moving bar so consecutive frames differ.
type MockDevice struct {
	width, height int
	deny          bool
	closeErr      error

	acquired atomic.Int64
	released atomic.Int64
	revoked  atomic.Bool
}

// MockOption configures a MockDevice.
type MockOption func(*MockDevice)

// WithDeny makes Acquire fail with ErrPermissionDenied.
func WithDeny() MockOption {
	return func(m *MockDevice) { m.deny = true }
}

// WithCloseError makes track Close return err (after releasing).
func WithCloseError(err error) MockOption {
	return func(m *MockDevice) { m.closeErr = err }
}

// NewMockDevice creates a synthetic device producing width x height frames.
func NewMockDevice(width, height int, opts ...MockOption) *MockDevice {
	m := &MockDevice{width: width, height: height}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Device.
func (m *MockDevice) Name() string {
	return fmt.Sprintf("mock-%dx%d", m.width, m.height)
}

// Acquire implements Device.
func (m *MockDevice) Acquire(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.deny {
		return nil, fmt.Errorf("%w: %s refused", ErrPermissionDenied, m.Name())
	}
	m.acquired.Add(1)
	return &mockTrack{dev: m}, nil
}

// Revoke simulates the device being taken away: every open track fails
// with ErrDeviceRevoked from then on.
func (m *MockDevice) Revoke() {
	m.revoked.Store(true)
}

// Acquired returns how many tracks were handed out.
func (m *MockDevice) Acquired() int64 {
	return m.acquired.Load()
}

// Released returns how many tracks were closed.
func (m *MockDevice) Released() int64 {
	return m.released.Load()
}

type mockTrack struct {
	dev *MockDevice

	mu     sync.Mutex
	closed bool
	frame  int
}

func (t *mockTrack) Dimensions() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, 0
	}
	return t.dev.width, t.dev.height
}

func (t *mockTrack) Snapshot() (image.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrDeviceClosed
	}
	if t.dev.revoked.Load() {
		return nil, ErrDeviceRevoked
	}

	w, h := t.dev.width, t.dev.height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bar := t.frame % max(w, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 32, G: 32, B: 32, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 240, G: 240, B: 240, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	t.frame++
	return img, nil
}

func (t *mockTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.dev.released.Add(1)
	return t.dev.closeErr
}
