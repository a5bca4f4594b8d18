package server

import (
	"duolink/internal/middleware"
	"duolink/internal/models"

	"github.com/gofiber/fiber/v2"
)

type createCallRequest struct {
	CalleeID string          `json:"calleeId"`
	CallType models.CallType `json:"callType"`
}

// CreateCall starts a call. With a live session the caller's media joins at
// once; otherwise only the signaling record is written.
func (s *Server) CreateCall(c *fiber.Ctx) error {
	var req createCallRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	userID := middleware.UserID(c)

	if ctrl, ok := s.sessions.Lookup(userID); ok {
		sess, err := ctrl.Dial(c.UserContext(), req.CalleeID, req.CallType)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	}

	id, err := s.messages.GetCallSessionID(c.UserContext(), userID, req.CalleeID, req.CallType)
	if err != nil {
		return respondError(c, err)
	}
	sess, err := s.signaling.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

// GetCall returns a session the user takes part in.
func (s *Server) GetCall(c *fiber.Ctx) error {
	sess, err := s.signaling.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	userID := middleware.UserID(c)
	if sess.CallerID != userID && sess.CalleeID != userID {
		return respondError(c, models.NewNotFoundError("call session", sess.ID))
	}
	return c.JSON(sess)
}

// AcceptCall answers an incoming call.
func (s *Server) AcceptCall(c *fiber.Ctx) error {
	id, userID := c.Params("id"), middleware.UserID(c)

	var (
		sess models.CallSession
		err  error
	)
	if ctrl, ok := s.sessions.Lookup(userID); ok {
		sess, err = ctrl.Answer(c.UserContext(), id)
	} else {
		sess, err = s.signaling.Accept(c.UserContext(), id, userID)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sess)
}

// RejectCall declines an incoming call.
func (s *Server) RejectCall(c *fiber.Ctx) error {
	id, userID := c.Params("id"), middleware.UserID(c)

	var err error
	if ctrl, ok := s.sessions.Lookup(userID); ok {
		err = ctrl.Decline(c.UserContext(), id)
	} else {
		_, err = s.signaling.Reject(c.UserContext(), id, userID)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// EndCall hangs up. Either party may end a call that is ringing or running.
func (s *Server) EndCall(c *fiber.Ctx) error {
	id, userID := c.Params("id"), middleware.UserID(c)

	var err error
	if ctrl, ok := s.sessions.Lookup(userID); ok {
		err = ctrl.Hangup(c.UserContext(), id)
	} else {
		_, err = s.signaling.End(c.UserContext(), id, userID)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
