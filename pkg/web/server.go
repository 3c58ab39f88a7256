// Package web serves the operator dashboard: login, stream session control,
// the live result view and proxies to the records API.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/isoai/isoai-client/pkg/api"
	"github.com/isoai/isoai-client/pkg/hub"
	"github.com/isoai/isoai-client/pkg/prefs"
	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/session"
)

// Dashboard message types pushed on /ws/results.
const (
	TypeView    protocol.MessageType = "view"
	TypeSession protocol.MessageType = "session"
	TypePrefs   protocol.MessageType = "prefs"
)

// Config holds dashboard settings.
type Config struct {
	Addr       string
	StaticDir  string // served at / when set
	CookieName string

	// Auth gates /api and /ws behind POST /login.
	Auth       bool
	SessionTTL time.Duration

	OverlayQuality int
}

// DefaultConfig listens on :8080 with auth enabled.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		CookieName:     "isoai_session",
		Auth:           true,
		SessionTTL:     12 * time.Hour,
		OverlayQuality: 80,
	}
}

// SessionFactory builds a fresh stream session.
type SessionFactory func() (*session.Session, error)

// Deps are the dashboard collaborators.
type Deps struct {
	Renderer   *render.Renderer
	NewSession SessionFactory

	// Optional. Without API, login and record routes answer 503.
	API    *api.Client
	Prefs  prefs.Store
	Logger *slog.Logger
}

// watcher is implemented by stores that can report external edits.
type watcher interface {
	Watch(ctx context.Context, fn func(prefs.Prefs)) error
}

// Server is the dashboard server.
type Server struct {
	app    *fiber.App
	cfg    Config
	deps   Deps
	logger *slog.Logger

	results *hub.Hub

	// ctx bounds stream sessions started from the dashboard.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *session.Session

	keysMu sync.Mutex
	keys   map[string]time.Time

	unsubscribe func()
	now         func() time.Time
}

// NewServer builds the dashboard routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Renderer == nil || deps.NewSession == nil {
		return nil, errors.New("web: renderer and session factory are required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultConfig().CookieName
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.OverlayQuality < 1 || cfg.OverlayQuality > 100 {
		cfg.OverlayQuality = DefaultConfig().OverlayQuality
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		results: hub.New("results", hub.WithLogger(logger)),
		ctx:     ctx,
		cancel:  cancel,
		keys:    make(map[string]time.Time),
		now:     time.Now,
	}

	app := fiber.New(fiber.Config{
		AppName:               "isoai dashboard",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Post("/login", s.handleLogin)
	app.Post("/logout", s.handleLogout)

	apiGroup := app.Group("/api", s.requireAuth)
	apiGroup.Get("/session", s.handleSessionStatus)
	apiGroup.Post("/session", s.handleSessionStart)
	apiGroup.Post("/session/stop", s.handleSessionStop)
	apiGroup.Get("/view", s.handleView)
	apiGroup.Get("/overlay.jpg", s.handleOverlay)
	apiGroup.Get("/prefs", s.handleGetPrefs)
	apiGroup.Put("/prefs", s.handlePutPrefs)

	apiGroup.Get("/detections", s.handleDetections)
	apiGroup.Get("/personnel", s.handlePersonnel)
	apiGroup.Post("/personnel", s.handleCreatePerson)
	apiGroup.Get("/personnel/:id", s.handlePerson)
	apiGroup.Delete("/personnel/:id", s.handleDeletePerson)
	apiGroup.Get("/recog", s.handleRecognitions)
	apiGroup.Put("/recog/:id/name", s.handleRenameRecognition)
	apiGroup.Get("/transcriptions", s.handleTranscriptions)
	apiGroup.Get("/transcriptions/:id", s.handleTranscription)
	apiGroup.Delete("/transcriptions/:id", s.handleDeleteTranscription)

	app.Use("/ws", s.requireAuth, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/results", s.results.Handler())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	s.unsubscribe = deps.Renderer.Subscribe(func(v render.View) {
		s.publish(TypeView, v)
	})
	return s, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the result broadcast hub.
func (s *Server) Hub() *hub.Hub {
	return s.results
}

// Start runs background workers. Serve and Run call it.
func (s *Server) Start() {
	go s.results.Run(s.ctx)

	if w, ok := s.deps.Prefs.(watcher); ok {
		go func() {
			err := w.Watch(s.ctx, func(p prefs.Prefs) { s.publish(TypePrefs, p) })
			if err != nil {
				s.logger.Warn("prefs watch stopped", "error", err)
			}
		}()
	}
}

// Serve starts the workers and serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.Start()
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.cfg.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Shutdown()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops any running stream session and the server.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	var errs []error
	if sess != nil {
		errs = append(errs, sess.Stop())
	}
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	errs = append(errs, s.app.Shutdown())
	return errors.Join(errs...)
}

// publish pushes a dashboard envelope to every websocket client.
func (s *Server) publish(t protocol.MessageType, v any) {
	msg, err := protocol.NewMessage(t, v)
	if err != nil {
		s.logger.Warn("encode dashboard message", "type", t, "error", err)
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	s.results.Broadcast(hub.NewJSONMessage(data))
}
