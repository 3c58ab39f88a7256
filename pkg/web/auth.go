package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/isoai/isoai-client/pkg/api"
)

// handleLogin checks credentials against the records API and issues a
// dashboard session cookie. The upstream token stays server-side.
func (s *Server) handleLogin(c *fiber.Ctx) error {
	if s.deps.API == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "records API not configured")
	}

	var creds api.Credentials
	if err := c.BodyParser(&creds); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid login body")
	}
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
	}

	if _, err := s.deps.API.Login(c.UserContext(), creds); err != nil {
		var re *api.RequestError
		if errors.As(err, &re) && re.IsUnauthorized() {
			s.logger.Info("login rejected", "user", creds.Username)
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	key := uuid.NewString()
	expires := s.now().Add(s.cfg.SessionTTL)

	s.keysMu.Lock()
	s.pruneKeysLocked()
	s.keys[key] = expires
	s.keysMu.Unlock()

	c.Cookie(&fiber.Cookie{
		Name:     s.cfg.CookieName,
		Value:    key,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	s.logger.Info("login", "user", creds.Username)
	return c.JSON(fiber.Map{"ok": true, "expires_at": expires})
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	if key := sessionKey(c, s.cfg.CookieName); key != "" {
		s.keysMu.Lock()
		delete(s.keys, key)
		s.keysMu.Unlock()
	}
	c.ClearCookie(s.cfg.CookieName)
	return c.JSON(fiber.Map{"ok": true})
}

// requireAuth accepts the session cookie or an Authorization bearer key.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.cfg.Auth {
		return c.Next()
	}
	key := sessionKey(c, s.cfg.CookieName)
	if key == "" || !s.validKey(key) {
		return fiber.NewError(fiber.StatusUnauthorized, "login required")
	}
	return c.Next()
}

func (s *Server) validKey(key string) bool {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	expires, ok := s.keys[key]
	if !ok {
		return false
	}
	if s.now().After(expires) {
		delete(s.keys, key)
		return false
	}
	return true
}

func (s *Server) pruneKeysLocked() {
	now := s.now()
	for k, exp := range s.keys {
		if now.After(exp) {
			delete(s.keys, k)
		}
	}
}

func sessionKey(c *fiber.Ctx, cookie string) string {
	if v := c.Cookies(cookie); v != "" {
		return v
	}
	if h := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

