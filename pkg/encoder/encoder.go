// Package encoder turns the current picture of a live video source into a
// compressed still image ready to be sent over a channel.
package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/isoai/isoai-client/pkg/protocol"
	"golang.org/x/image/draw"
)

// Format is an output image format.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// MIME returns the MIME type of the format.
func (f Format) MIME() string {
	return "image/" + string(f)
}

// DefaultMaxSurfacePixels bounds the drawing surface (roughly 8K UHD).
const DefaultMaxSurfacePixels = 7680 * 4320

// Source is a live video source.
type Source interface {
	// Dimensions returns the intrinsic frame size; zero while not producing frames.
	Dimensions() (width, height int)

	// Snapshot returns the current frame.
	Snapshot() (image.Image, error)
}

// Frame is one encoded still image. It is never persisted.
type Frame struct {
	Data       []byte
	MIME       string
	Width      int
	Height     int
	CapturedAt time.Time
}

// DataURI returns the frame as "data:<mime>;base64,...".
func (f *Frame) DataURI() string {
	return protocol.DataURI(f.MIME, f.Data)
}

// Config holds encoder settings.
type Config struct {
	Format  Format
	Quality int // JPEG quality 1-100, ignored for PNG

	// MaxSurfacePixels caps width*height of the drawing surface.
	MaxSurfacePixels int
}

// DefaultConfig returns JPEG at quality 80.
func DefaultConfig() Config {
	return Config{
		Format:           FormatJPEG,
		Quality:          80,
		MaxSurfacePixels: DefaultMaxSurfacePixels,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Format {
	case FormatJPEG, FormatPNG:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, c.Format)
	}
	if c.Format == FormatJPEG && (c.Quality < 1 || c.Quality > 100) {
		return fmt.Errorf("encoder: quality must be between 1 and 100, got %d", c.Quality)
	}
	if c.MaxSurfacePixels <= 0 {
		return fmt.Errorf("encoder: max surface pixels must be positive")
	}
	return nil
}

// SurfaceAllocator hands out drawing surfaces. It may fail, which surfaces
// as ErrRenderContextUnavailable.
type SurfaceAllocator func(width, height int) (*image.RGBA, error)

// Encoder draws a source frame onto a reusable surface and compresses it.
// It is safe for concurrent use; calls are serialized.
type Encoder struct {
	cfg      Config
	allocate SurfaceAllocator

	mu      sync.Mutex
	surface *image.RGBA
	buf     bytes.Buffer
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithAllocator overrides how drawing surfaces are created.
func WithAllocator(a SurfaceAllocator) Option {
	return func(e *Encoder) { e.allocate = a }
}

// New creates an encoder.
func New(cfg Config, opts ...Option) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{
		cfg: cfg,
		allocate: func(w, h int) (*image.RGBA, error) {
			return image.NewRGBA(image.Rect(0, 0, w, h)), nil
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the encoder configuration.
func (e *Encoder) Config() Config {
	return e.cfg
}

// Encode captures the current picture of src scaled to width x height.
func (e *Encoder) Encode(src Source, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidSize
	}

	sw, sh := src.Dimensions()
	if sw <= 0 || sh <= 0 {
		return nil, ErrSourceNotReady
	}

	img, err := src.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrSourceNotReady
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	surface, err := e.acquireSurface(width, height)
	if err != nil {
		return nil, err
	}

	draw.ApproxBiLinear.Scale(surface, surface.Bounds(), img, img.Bounds(), draw.Src, nil)

	e.buf.Reset()
	switch e.cfg.Format {
	case FormatPNG:
		err = png.Encode(&e.buf, surface)
	default:
		err = jpeg.Encode(&e.buf, surface, &jpeg.Options{Quality: e.cfg.Quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.cfg.Format, err)
	}

	// The buffer is reused across calls, so hand out a copy.
	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())

	return &Frame{
		Data:       data,
		MIME:       e.cfg.Format.MIME(),
		Width:      width,
		Height:     height,
		CapturedAt: time.Now(),
	}, nil
}

// acquireSurface reuses the previous surface when the size matches.
// Caller holds e.mu.
func (e *Encoder) acquireSurface(width, height int) (*image.RGBA, error) {
	// width > max/height is width*height > max without the overflow.
	if width > e.cfg.MaxSurfacePixels/height {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrRenderContextUnavailable, width, height, e.cfg.MaxSurfacePixels)
	}

	if e.surface != nil {
		b := e.surface.Bounds()
		if b.Dx() == width && b.Dy() == height {
			return e.surface, nil
		}
	}

	surface, err := e.allocate(width, height)
	if err != nil {
		e.surface = nil
		return nil, fmt.Errorf("%w: %v", ErrRenderContextUnavailable, err)
	}
	if surface == nil {
		e.surface = nil
		return nil, ErrRenderContextUnavailable
	}

	e.surface = surface
	return surface, nil
}
