package server

import (
	"strings"

	"duolink/internal/middleware"
	"duolink/internal/models"

	"github.com/gofiber/fiber/v2"
)

type sendInvitationRequest struct {
	Code string `json:"code"`
}

// SendInvitation invites the owner of an invitation code. Unknown codes and
// self-invites are answered with the outcome message rather than an error.
func (s *Server) SendInvitation(c *fiber.Ctx) error {
	var req sendInvitationRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}

	me, err := s.currentUser(c)
	if err != nil {
		return respondError(c, err)
	}

	res, err := s.relationships.SendInvitation(c.UserContext(), me.ID, me.Name, strings.TrimSpace(req.Code))
	if err != nil {
		return respondError(c, err)
	}
	if !res.OK {
		return c.Status(fiber.StatusOK).JSON(res)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// GetInvitationStatus reports whether a pending invitation to code exists.
func (s *Server) GetInvitationStatus(c *fiber.Ctx) error {
	pending, err := s.relationships.CheckInvitationStatus(c.UserContext(), middleware.UserID(c), c.Params("code"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"pending": pending})
}

// AcceptInvitation accepts an invitation addressed to the signed-in user.
func (s *Server) AcceptInvitation(c *fiber.Ctx) error {
	inv, err := s.relationships.GetInvitation(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	if err := s.relationships.AcceptInvitation(c.UserContext(), middleware.UserID(c), inv.ID, inv.FromUserID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": models.InvitationStatusAccepted})
}

// RejectInvitation removes an invitation. Either party may do so.
func (s *Server) RejectInvitation(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	inv, err := s.relationships.GetInvitation(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if inv.ToUserID != userID && inv.FromUserID != userID {
		return respondError(c, models.NewUnauthorizedError("not a party to this invitation"))
	}

	if err := s.relationships.RejectInvitation(c.UserContext(), inv.ID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
