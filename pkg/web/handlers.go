package web

import (
	"encoding/json"
	"errors"
	"image"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/isoai/isoai-client/pkg/api"
	"github.com/isoai/isoai-client/pkg/device"
	"github.com/isoai/isoai-client/pkg/prefs"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/session"
	"github.com/isoai/isoai-client/pkg/transport"
)

// handleError renders every error as {"error": ...}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	body := fiber.Map{"error": err.Error()}

	var fe *fiber.Error
	var re *api.RequestError
	var se *session.SetupError
	switch {
	case errors.As(err, &fe):
		code = fe.Code
		body["error"] = fe.Message
	case errors.As(err, &re):
		code = fiber.StatusBadGateway
		body["upstream_status"] = re.StatusCode
		if re.Message != "" {
			body["error"] = re.Message
		}
	case errors.As(err, &se):
		body["stage"] = se.Stage
		switch {
		case errors.Is(err, device.ErrPermissionDenied):
			code = fiber.StatusForbidden
		case errors.Is(err, transport.ErrChannelUnavailable):
			code = fiber.StatusServiceUnavailable
		case se.Stage == session.StageConnect:
			code = fiber.StatusBadGateway
		}
	case errors.Is(err, session.ErrInvalidState):
		code = fiber.StatusConflict
	}

	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(body)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	state := "idle"
	if sess := s.current(); sess != nil {
		state = sess.State().String()
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"session": state,
		"clients": s.results.ClientCount(),
	})
}

// =============================================================================
// Stream session
// =============================================================================

func (s *Server) current() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) handleSessionStatus(c *fiber.Ctx) error {
	sess := s.current()
	if sess == nil {
		return c.JSON(fiber.Map{"state": session.Idle})
	}
	return c.JSON(sess.Stats())
}

// handleSessionStart replaces a stopped session with a fresh one. Only one
// session streams at a time.
func (s *Server) handleSessionStart(c *fiber.Ctx) error {
	s.mu.Lock()
	if s.session != nil && s.session.State() != session.Stopped {
		s.mu.Unlock()
		return fiber.NewError(fiber.StatusConflict, "a session is already running")
	}
	sess, err := s.deps.NewSession()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sess.OnStateChange(func(st session.State) {
		s.publish(TypeSession, fiber.Map{"id": sess.ID(), "state": st})
	})
	s.session = sess
	s.mu.Unlock()

	if err := sess.Start(s.ctx); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sess.Stats())
}

func (s *Server) handleSessionStop(c *fiber.Ctx) error {
	sess := s.current()
	if sess == nil {
		return c.JSON(fiber.Map{"state": session.Idle})
	}
	if err := sess.Stop(); err != nil {
		s.logger.Warn("session teardown", "session_id", sess.ID(), "error", err)
	}
	return c.JSON(sess.Stats())
}

// =============================================================================
// View
// =============================================================================

func (s *Server) handleView(c *fiber.Ctx) error {
	return c.JSON(s.deps.Renderer.Current())
}

// handleOverlay draws the current view over the live picture, or over the
// server's replacement image when one was sent.
func (s *Server) handleOverlay(c *fiber.Ctx) error {
	var base image.Image
	if sess := s.current(); sess != nil {
		if img, err := sess.Snapshot(); err == nil {
			base = img
		}
	}

	data, err := render.ComposeJPEG(base, s.deps.Renderer.Current(), s.cfg.OverlayQuality)
	if errors.Is(err, render.ErrNoImage) {
		return fiber.NewError(fiber.StatusNotFound, "nothing to draw on")
	}
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

// =============================================================================
// Preferences
// =============================================================================

func (s *Server) handleGetPrefs(c *fiber.Ctx) error {
	if s.deps.Prefs == nil {
		return c.JSON(prefs.Prefs{})
	}
	return c.JSON(s.deps.Prefs.Snapshot())
}

func (s *Server) handlePutPrefs(c *fiber.Ctx) error {
	if s.deps.Prefs == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "preferences not configured")
	}
	var p prefs.Prefs
	if err := json.Unmarshal(c.Body(), &p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid preferences body")
	}
	if err := s.deps.Prefs.Replace(p); err != nil {
		if errors.Is(err, prefs.ErrInvalidRange) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	snap := s.deps.Prefs.Snapshot()
	s.publish(TypePrefs, snap)
	return c.JSON(snap)
}

// =============================================================================
// Records API proxies
// =============================================================================

func (s *Server) records() (*api.Client, error) {
	if s.deps.API == nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "records API not configured")
	}
	return s.deps.API, nil
}

// proxy relays a raw JSON reply from the records API.
func (s *Server) proxy(c *fiber.Ctx, call func(*api.Client) (json.RawMessage, error)) error {
	client, err := s.records()
	if err != nil {
		return err
	}
	raw, err := call(client)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if len(raw) == 0 {
		return c.Send([]byte("null"))
	}
	return c.Send(raw)
}

func (s *Server) handleDetections(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Detections(c.UserContext())
	})
}

func (s *Server) handlePersonnel(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Personnel(c.UserContext())
	})
}

func (s *Server) handlePerson(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Person(c.UserContext(), c.Params("id"))
	})
}

func (s *Server) handleCreatePerson(c *fiber.Ctx) error {
	var p api.NewPerson
	if err := c.BodyParser(&p); err != nil || strings.TrimSpace(p.Name) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		raw, err := a.CreatePerson(c.UserContext(), p)
		if err == nil {
			c.Status(fiber.StatusCreated)
		}
		return raw, err
	})
}

func (s *Server) handleDeletePerson(c *fiber.Ctx) error {
	client, err := s.records()
	if err != nil {
		return err
	}
	if err := client.DeletePerson(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRecognitions(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Recognitions(c.UserContext())
	})
}

func (s *Server) handleRenameRecognition(c *fiber.Ctx) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil || body.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name is required")
	}
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.RenameRecognition(c.UserContext(), c.Params("id"), body.Name)
	})
}

func (s *Server) handleTranscriptions(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Transcriptions(c.UserContext())
	})
}

func (s *Server) handleTranscription(c *fiber.Ctx) error {
	return s.proxy(c, func(a *api.Client) (json.RawMessage, error) {
		return a.Transcription(c.UserContext(), c.Params("id"))
	})
}

func (s *Server) handleDeleteTranscription(c *fiber.Ctx) error {
	client, err := s.records()
	if err != nil {
		return err
	}
	if err := client.DeleteTranscription(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
