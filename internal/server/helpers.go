package server

import (
	"errors"

	"duolink/internal/middleware"
	"duolink/internal/models"
	"duolink/internal/session"

	"github.com/gofiber/fiber/v2"
)

// respondError writes err with the status its code maps to.
func respondError(c *fiber.Ctx, err error) error {
	if errors.Is(err, session.ErrStopped) {
		return models.RespondWithError(c, fiber.StatusConflict,
			models.NewValidationError("session is closed"))
	}
	return models.RespondWithError(c, models.StatusFor(err), err)
}

// parseBody decodes the JSON request body into dst.
func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	return nil
}

// currentUser loads the signed-in user's profile.
func (s *Server) currentUser(c *fiber.Ctx) (models.User, error) {
	return s.directory.Get(c.UserContext(), middleware.UserID(c))
}
