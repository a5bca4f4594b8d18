package session

import (
	"context"
	"log/slog"

	"duolink/internal/call"
	"duolink/internal/models"
	"duolink/internal/observability"
)

// Dial starts a call to calleeID. Only one call runs at a time.
func (c *Controller) Dial(ctx context.Context, calleeID string, callType models.CallType) (models.CallSession, error) {
	if err := c.reserve(); err != nil {
		return models.CallSession{}, err
	}
	cl, err := call.Dial(ctx, c.deps.Signaling, c.media, c.userID, calleeID, callType, c.deps.CallOptions...)
	return c.track(cl, err)
}

// Answer accepts the incoming session and joins its media.
func (c *Controller) Answer(ctx context.Context, sessionID string) (models.CallSession, error) {
	if err := c.reserve(); err != nil {
		return models.CallSession{}, err
	}
	cl, err := call.Answer(ctx, c.deps.Signaling, c.media, c.userID, sessionID, c.deps.CallOptions...)
	return c.track(cl, err)
}

// Decline rejects the incoming session.
func (c *Controller) Decline(ctx context.Context, sessionID string) error {
	return call.Decline(ctx, c.deps.Signaling, c.userID, sessionID)
}

// Hangup ends the active call. With no active call it ends sessionID
// directly, which lets a caller cancel a session it no longer follows.
func (c *Controller) Hangup(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if active != nil && (sessionID == "" || active.Session().ID == sessionID) {
		return active.Hangup(ctx)
	}
	if sessionID == "" {
		return models.NewValidationError("no active call")
	}
	_, err := c.deps.Signaling.End(ctx, sessionID, c.userID)
	return err
}

// ActiveCall returns the session of the call in progress, if any.
func (c *Controller) ActiveCall() (models.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return models.CallSession{}, false
	}
	return c.active.Session(), true
}

func (c *Controller) reserve() error {
	if c.stopped() {
		return ErrStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil || c.dialing {
		return models.NewValidationError("already in a call")
	}
	c.dialing = true
	return nil
}

func (c *Controller) track(cl *call.Call, err error) (models.CallSession, error) {
	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		return models.CallSession{}, err
	}
	if c.halted {
		// Stop ran while the call was being set up.
		c.mu.Unlock()
		if herr := cl.Hangup(context.Background()); herr != nil {
			observability.Logger.Warn("hangup after stop failed",
				slog.String("user_id", c.userID),
				slog.String("error", herr.Error()),
			)
		}
		return models.CallSession{}, ErrStopped
	}
	c.active = cl
	c.mu.Unlock()

	go func() {
		for ev := range cl.Events() {
			c.send(Event{Kind: EventCall, Data: ev})
		}
		c.mu.Lock()
		if c.active == cl {
			c.active = nil
		}
		c.mu.Unlock()
	}()
	return cl.Session(), nil
}
