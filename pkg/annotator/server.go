package annotator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/render"
)

// maxFrameSize bounds inbound envelopes.
const maxFrameSize = 8 << 20

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAnnotatedImage makes replies carry the frame with boxes drawn on it.
func WithAnnotatedImage(quality int) Option {
	return func(s *Server) {
		s.annotate = true
		s.quality = quality
	}
}

// WithTimeout bounds a single detection.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// Stats counts server activity.
type Stats struct {
	Connections int    `json:"connections"`
	Frames      uint64 `json:"frames"`
	Results     uint64 `json:"results"`
	Failures    uint64 `json:"failures"`
}

// Server answers frame envelopes with result envelopes.
type Server struct {
	detector Detector
	logger   *slog.Logger
	annotate bool
	quality  int
	timeout  time.Duration

	mu    sync.RWMutex
	conns map[string]time.Time

	frames   atomic.Uint64
	results  atomic.Uint64
	failures atomic.Uint64
}

// New creates a server around det.
func New(det Detector, opts ...Option) *Server {
	s := &Server{
		detector: det,
		logger:   slog.Default(),
		quality:  80,
		timeout:  5 * time.Second,
		conns:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "annotator")
	return s
}

// RegisterRoutes mounts /ws/infer, POST /infer and GET /stats.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/infer", websocket.New(s.handleSocket, websocket.Config{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}))
	app.Post("/infer", s.handlePost)
	app.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})
}

// Stats returns counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		Connections: n,
		Frames:      s.frames.Load(),
		Results:     s.results.Load(),
		Failures:    s.failures.Load(),
	}
}

// Close releases the detector.
func (s *Server) Close() error {
	return s.detector.Close()
}

// handleSocket serves one client. Frames are answered in order on the
// reading goroutine, so a slow detector applies backpressure to the client.
func (s *Server) handleSocket(c *websocket.Conn) {
	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = time.Now()
	s.mu.Unlock()
	s.logger.Info("client connected", "conn", id)

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.logger.Info("client disconnected", "conn", id)
	}()

	c.SetReadLimit(maxFrameSize)
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		reply := s.handle(context.Background(), data)
		if reply == nil {
			continue
		}
		out, err := reply.Bytes()
		if err != nil {
			continue
		}
		if err := c.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

// handlePost answers one envelope per request.
func (s *Server) handlePost(c *fiber.Ctx) error {
	reply := s.handle(c.UserContext(), c.Body())
	if reply == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if reply.Type == protocol.TypeError {
		c.Status(fiber.StatusBadRequest)
	}
	return c.JSON(reply)
}

// handle turns one inbound envelope into an optional reply.
func (s *Server) handle(ctx context.Context, data []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return s.fail(err)
	}

	switch msg.Type {
	case protocol.TypeFrame:
		frame, err := msg.GetFrameData()
		if err != nil {
			return s.fail(fmt.Errorf("invalid frame: %w", err))
		}
		res, err := s.Infer(ctx, frame)
		if err != nil {
			return s.fail(err)
		}
		reply, err := protocol.NewResultMessage(res)
		if err != nil {
			return s.fail(err)
		}
		return reply

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			return s.fail(err)
		}
		pong, _ := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		return pong

	default:
		return s.fail(fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

func (s *Server) fail(err error) *protocol.Message {
	s.failures.Add(1)
	s.logger.Warn("frame rejected", "error", err)
	msg, _ := protocol.NewErrorMessage(err.Error())
	return msg
}

// Infer runs the detector on one frame.
func (s *Server) Infer(ctx context.Context, frame *protocol.FrameData) (*protocol.Result, error) {
	s.frames.Add(1)

	_, data, err := frame.DecodeImage()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dets, err := s.detector.Detect(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	res := &protocol.Result{Detections: dets}
	if res.Detections == nil {
		res.Detections = []protocol.Detection{}
	}

	if s.annotate {
		img, err := s.draw(data, res)
		if err != nil {
			return nil, err
		}
		res.Image = img
	}

	s.results.Add(1)
	return res, nil
}

// draw renders the detections onto the frame and returns a JPEG data URI.
func (s *Server) draw(data []byte, res *protocol.Result) (string, error) {
	base, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	view := render.New().Apply(res)
	out, err := render.ComposeJPEG(base, view, s.quality)
	if err != nil {
		if errors.Is(err, render.ErrNoImage) {
			return "", nil
		}
		return "", err
	}
	return protocol.DataURI("image/jpeg", out), nil
}
