package server

import (
	"strings"

	"duolink/internal/models"

	"github.com/gofiber/fiber/v2"
)

type sendMessageRequest struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

// SendMessage posts a text or image message to a thread the user belongs to.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL != "" && strings.TrimSpace(req.Text) != "" {
		return respondError(c, models.NewValidationError("a message carries text or an image, not both"))
	}

	me, err := s.currentUser(c)
	if err != nil {
		return respondError(c, err)
	}

	threadID := c.Params("threadId")
	if imageURL != "" {
		err = s.messages.SendImage(c.UserContext(), threadID, me.ID, me.Name, imageURL)
	} else {
		err = s.messages.SendMessage(c.UserContext(), threadID, me.ID, me.Name, req.Text)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
