// Package render turns inference results into view state.
//
// Every result replaces the previous view wholesale. There is no history,
// no merging and no reordering: the view always reflects the most recently
// received result, in arrival order.
package render

import (
	"fmt"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/isoai/isoai-client/pkg/protocol"
)

// Row is one line of the detections table.
type Row struct {
	Label              string  `json:"label"`
	Similarity         float64 `json:"similarity"`
	Emotion            string  `json:"emotion,omitempty"`
	EmotionProbability float64 `json:"emotion_probability,omitempty"`
	Known              bool    `json:"known"`
}

// Box is one overlay rectangle.
type Box struct {
	Rect  protocol.Box `json:"rect"`
	Label string       `json:"label"`
	Color color.RGBA   `json:"-"`
	Hex   string       `json:"color"`
}

// View is the complete display state for one result.
type View struct {
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Image      string    `json:"image,omitempty"` // replacement image data URI
	Rows       []Row     `json:"rows"`
	Boxes      []Box     `json:"boxes"`

	// FrameWidth and FrameHeight are the size of the frames the boxes refer
	// to. Zero means boxes are in the coordinates of whatever they are drawn on.
	FrameWidth  int `json:"frame_width,omitempty"`
	FrameHeight int `json:"frame_height,omitempty"`
}

// Empty reports whether the view shows nothing.
func (v View) Empty() bool {
	return v.Image == "" && len(v.Rows) == 0
}

// Palette maps detections to overlay colors.
type Palette struct {
	Known   color.RGBA
	Unknown color.RGBA
}

// DefaultPalette draws recognized identities green and unknown faces red.
func DefaultPalette() Palette {
	return Palette{
		Known:   color.RGBA{G: 200, A: 255},
		Unknown: color.RGBA{R: 230, A: 255},
	}
}

// For returns the color of a detection.
func (p Palette) For(d protocol.Detection) color.RGBA {
	if d.Known() {
		return p.Known
	}
	return p.Unknown
}

// Hex formats a color as #rrggbb.
func Hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithPalette overrides the overlay colors.
func WithPalette(p Palette) Option {
	return func(r *Renderer) { r.palette = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// WithClock overrides the arrival clock.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// Renderer holds the current view of one stream session.
type Renderer struct {
	palette Palette
	logger  *slog.Logger
	now     func() time.Time

	// notifyMu keeps subscriber callbacks in sequence order.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	seq    uint64
	view   View
	frameW int
	frameH int
	subs   map[int]func(View)
	nextID int
}

// New creates a renderer with an empty view.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		palette: DefaultPalette(),
		logger:  slog.Default(),
		now:     time.Now,
		subs:    make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "render")
	return r
}

// Apply replaces the current view with one built from res and notifies
// subscribers. A nil or empty result clears the view.
// Subscribers must not call Apply.
func (r *Renderer) Apply(res *protocol.Result) View {
	if res == nil {
		res = &protocol.Result{}
	}

	v := View{
		Image: res.Image,
		Rows:  make([]Row, 0, len(res.Detections)),
		Boxes: make([]Box, 0, len(res.Detections)),
	}
	for _, d := range res.Detections {
		v.Rows = append(v.Rows, Row{
			Label:              d.Label,
			Similarity:         d.Similarity,
			Emotion:            d.Emotion,
			EmotionProbability: d.EmotionProbability,
			Known:              d.Known(),
		})
		c := r.palette.For(d)
		v.Boxes = append(v.Boxes, Box{
			Rect:  d.Box,
			Label: boxLabel(d),
			Color: c,
			Hex:   Hex(c),
		})
	}

	return r.publish(v)
}

// SetFrameSize records the size of the frames sent for inference. Views
// published afterwards carry it so boxes can be scaled to any picture.
func (r *Renderer) SetFrameSize(width, height int) {
	r.mu.Lock()
	r.frameW, r.frameH = width, height
	r.mu.Unlock()
}

// Reset clears the view.
func (r *Renderer) Reset() View {
	return r.publish(View{Rows: []Row{}, Boxes: []Box{}})
}

func (r *Renderer) publish(v View) View {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.seq++
	v.Seq = r.seq
	v.ReceivedAt = r.now()
	v.FrameWidth, v.FrameHeight = r.frameW, r.frameH
	r.view = v
	subs := make([]func(View), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	r.logger.Debug("view updated", "seq", v.Seq, "detections", len(v.Rows), "image", v.Image != "")

	for _, fn := range subs {
		fn(v)
	}
	return v
}

// Current returns the latest view.
func (r *Renderer) Current() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Subscribe registers fn for every future view. Call cancel to stop.
func (r *Renderer) Subscribe(fn func(View)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func boxLabel(d protocol.Detection) string {
	label := d.Label
	if label == "" {
		label = protocol.UnknownLabel
	}
	if d.Known() && d.Similarity > 0 {
		// Servers report either a 0-1 score or a percentage.
		pct := d.Similarity
		if pct <= 1 {
			pct *= 100
		}
		label = fmt.Sprintf("%s %.0f%%", label, pct)
	}
	if d.Emotion != "" {
		label += " / " + d.Emotion
	}
	return label
}
