// Package webcam acquires a local camera through OpenCV.
package webcam

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/isoai/isoai-client/pkg/device"
	"gocv.io/x/gocv"
)

// Config selects and sizes the camera.
type Config struct {
	// Index is the OS camera index (0 = default camera).
	Index int

	// Width and Height request a capture size. Zero keeps the driver default.
	Width  int
	Height int
}

// Device is a local camera.
type Device struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a camera device. Nothing is opened until Acquire.
func New(cfg Config, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{cfg: cfg, logger: logger.With("component", "device.webcam")}
}

// Name implements device.Device.
func (d *Device) Name() string {
	return fmt.Sprintf("camera-%d", d.cfg.Index)
}

// Acquire opens the camera. A camera that cannot be opened, or that opens
// but yields no frame, is reported as device.ErrPermissionDenied.
func (d *Device) Acquire(ctx context.Context) (device.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := gocv.OpenVideoCapture(d.cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", device.ErrPermissionDenied, d.Name(), err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s not opened", device.ErrPermissionDenied, d.Name())
	}

	if d.cfg.Width > 0 && d.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))
	}

	t := &track{vc: vc, mat: gocv.NewMat()}

	// Some drivers grant the handle but deliver nothing until consent is given.
	if _, err := t.Snapshot(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %s produced no frame: %v", device.ErrPermissionDenied, d.Name(), err)
	}

	w, h := t.Dimensions()
	d.logger.Info("camera acquired", "device", d.Name(), "width", w, "height", h)
	return t, nil
}

type track struct {
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

func (t *track) Dimensions() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.mat.Empty() {
		return 0, 0
	}
	return t.mat.Cols(), t.mat.Rows()
}

func (t *track) Snapshot() (image.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, device.ErrDeviceClosed
	}
	if ok := t.vc.Read(&t.mat); !ok || t.mat.Empty() {
		if !t.vc.IsOpened() {
			return nil, device.ErrDeviceRevoked
		}
		return nil, fmt.Errorf("webcam: read failed")
	}
	return t.mat.ToImage()
}

func (t *track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	matErr := t.mat.Close()
	if err := t.vc.Close(); err != nil {
		return err
	}
	return matErr
}
