package call

import (
	"context"
	"strings"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Signaling reads and writes call session documents.
type Signaling struct {
	client eventstream.Client
	logger *observability.CallLogger
	stream *observability.StreamLogger
}

// NewSignaling returns a Signaling backed by client. When client also
// implements eventstream.ConditionalUpdater, status writes are applied as a
// compare-and-set on the status the transition was checked against.
func NewSignaling(client eventstream.Client) *Signaling {
	return &Signaling{
		client: client,
		logger: observability.NewCallLogger("signaling"),
		stream: observability.NewStreamLogger(models.CollectionCallSessions),
	}
}

// Create opens a new session in status incoming and returns its id.
func (s *Signaling) Create(ctx context.Context, callerID, calleeID string, callType models.CallType) (string, error) {
	callerID, calleeID = strings.TrimSpace(callerID), strings.TrimSpace(calleeID)
	if callerID == "" || calleeID == "" {
		return "", models.NewValidationError("caller and callee are required")
	}
	if callerID == calleeID {
		return "", models.NewValidationError("cannot call yourself")
	}
	if !callType.Valid() {
		return "", models.NewValidationError("call type must be audio or video")
	}

	span, ctx := observability.NewSpan(ctx, "call.create",
		attribute.String("call.type", string(callType)),
	)
	defer span.End()

	id, err := s.client.Create(ctx, models.CollectionCallSessions, map[string]any{
		"callerId":  callerID,
		"calleeId":  calleeID,
		"callType":  callType,
		"status":    models.CallStatusIncoming,
		"createdAt": eventstream.ServerTimestamp,
	})
	if err != nil {
		span.SetError(err)
		s.logger.LogError(ctx, "", err, "create")
		return "", err
	}
	observability.CallTransitions.WithLabelValues(string(models.CallStatusIncoming)).Inc()
	s.logger.LogTransition(ctx, id, "", string(models.CallStatusIncoming))
	return id, nil
}

// Get returns the session with id.
func (s *Signaling) Get(ctx context.Context, sessionID string) (models.CallSession, error) {
	doc, ok, err := s.client.Get(ctx, models.CollectionCallSessions, sessionID)
	if err != nil {
		return models.CallSession{}, err
	}
	if !ok {
		return models.CallSession{}, models.NewNotFoundError("call session", sessionID)
	}
	return models.DecodeCallSession(doc.ID, doc.Fields)
}

// Transition moves the session to status to on behalf of actorID. Moves the
// status machine does not allow are refused with INVALID_TRANSITION whatever
// the store would accept. On failure nothing is written.
func (s *Signaling) Transition(ctx context.Context, sessionID, actorID string, to models.CallStatus) (models.CallSession, error) {
	span, ctx := observability.NewSpan(ctx, "call.transition",
		attribute.String("call.session_id", sessionID),
		attribute.String("call.to", string(to)),
	)
	defer span.End()

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		span.SetError(err)
		return models.CallSession{}, err
	}
	if !mayWrite(sess, actorID, to) {
		err := models.NewUnauthorizedError("You cannot move this call to " + string(to))
		span.SetError(err)
		return models.CallSession{}, err
	}
	if !CanTransition(sess.Status, to) {
		return models.CallSession{}, s.refuse(ctx, span, sess, to)
	}

	from := sess.Status
	update := map[string]any{"status": to}
	if cu, ok := s.client.(eventstream.ConditionalUpdater); ok {
		applied, err := cu.UpdateIf(ctx, models.CollectionCallSessions, sessionID, map[string]any{"status": from}, update)
		if err != nil {
			span.SetError(err)
			s.logger.LogError(ctx, sessionID, err, "transition")
			return models.CallSession{}, err
		}
		if !applied {
			// The other party moved the session first.
			current, err := s.Get(ctx, sessionID)
			if err != nil {
				return models.CallSession{}, err
			}
			return models.CallSession{}, s.refuse(ctx, span, current, to)
		}
	} else if err := s.client.Update(ctx, models.CollectionCallSessions, sessionID, update); err != nil {
		span.SetError(err)
		s.logger.LogError(ctx, sessionID, err, "transition")
		return models.CallSession{}, err
	}

	sess.Status = to
	observability.CallTransitions.WithLabelValues(string(to)).Inc()
	s.logger.LogTransition(ctx, sessionID, string(from), string(to))
	return sess, nil
}

func (s *Signaling) refuse(ctx context.Context, span *observability.Span, sess models.CallSession, to models.CallStatus) error {
	err := models.NewInvalidTransitionError(sess.Status, to)
	span.SetError(err)
	observability.RejectedTransitions.WithLabelValues(string(sess.Status), string(to)).Inc()
	s.logger.LogError(ctx, sess.ID, err, "transition")
	return err
}

// Accept answers an incoming call. Only the callee may accept.
func (s *Signaling) Accept(ctx context.Context, sessionID, userID string) (models.CallSession, error) {
	return s.Transition(ctx, sessionID, userID, models.CallStatusAccepted)
}

// Reject declines an incoming call. Only the callee may reject.
func (s *Signaling) Reject(ctx context.Context, sessionID, userID string) (models.CallSession, error) {
	return s.Transition(ctx, sessionID, userID, models.CallStatusRejected)
}

// End finishes an incoming or accepted call. Either party may end.
func (s *Signaling) End(ctx context.Context, sessionID, userID string) (models.CallSession, error) {
	return s.Transition(ctx, sessionID, userID, models.CallStatusEnded)
}

// Watch calls fn with the session on every change to its document.
func (s *Signaling) Watch(ctx context.Context, sessionID string, fn func(models.CallSession)) (eventstream.Unsubscribe, error) {
	q := eventstream.From(models.CollectionCallSessions).Where(eventstream.DocumentID, sessionID)
	s.stream.LogSubscribe(ctx, "session", q.String())

	return s.client.Subscribe(ctx, q, func(snap eventstream.Snapshot) {
		if len(snap.Docs) == 0 {
			return
		}
		sess, err := models.DecodeCallSession(snap.Docs[0].ID, snap.Docs[0].Fields)
		if err != nil {
			observability.SkippedRecords.WithLabelValues("call_session").Inc()
			s.stream.LogSkippedRecord(ctx, sessionID, err)
			return
		}
		fn(sess)
	})
}
