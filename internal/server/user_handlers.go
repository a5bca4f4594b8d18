package server

import (
	"strings"

	"duolink/internal/middleware"
	"duolink/internal/users"

	"github.com/gofiber/fiber/v2"
)

type profileRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	ProfilePic string `json:"profilePic"`
}

// RegisterMe creates the signed-in user's record on first sign-in. Later calls
// return the existing record unchanged.
func (s *Server) RegisterMe(c *fiber.Ctx) error {
	var req profileRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	user, created, err := s.directory.Register(c.UserContext(), users.RegisterInput{
		ID:         middleware.UserID(c),
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.TrimSpace(req.Email),
		ProfilePic: strings.TrimSpace(req.ProfilePic),
	})
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(user)
}

// GetMe returns the signed-in user's profile, including the invitation code.
func (s *Server) GetMe(c *fiber.Ctx) error {
	user, err := s.currentUser(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// UpdateMe refreshes the name and avatar. Empty fields are left unchanged.
func (s *Server) UpdateMe(c *fiber.Ctx) error {
	var req profileRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	userID := middleware.UserID(c)
	if err := s.directory.UpdateProfile(c.UserContext(), userID,
		strings.TrimSpace(req.Name), strings.TrimSpace(req.ProfilePic)); err != nil {
		return respondError(c, err)
	}
	return s.GetMe(c)
}
