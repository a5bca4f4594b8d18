package call

import (
	"context"
	"sync"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"
)

// UnknownName is the caller name shown when the profile cannot be resolved.
const UnknownName = "Unknown"

// Profiles resolves caller profiles.
type Profiles interface {
	Get(ctx context.Context, id string) (models.User, error)
}

// IncomingCall is raised once for every new session addressed to the user.
type IncomingCall struct {
	SessionID string          `json:"sessionId"`
	CallType  models.CallType `json:"callType"`
	Caller    models.User     `json:"caller"`
}

// Listener watches for sessions where the user is the callee and the status
// is incoming. Only newly added sessions raise an event; later changes to the
// same session do not.
type Listener struct {
	client   eventstream.Client
	profiles Profiles
	userID   string
	logger   *observability.StreamLogger
	events   chan IncomingCall

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	unsub  eventstream.Unsubscribe
}

// NewListener creates a Listener for userID.
func NewListener(client eventstream.Client, profiles Profiles, userID string) *Listener {
	return &Listener{
		client:   client,
		profiles: profiles,
		userID:   userID,
		logger:   observability.NewStreamLogger(models.CollectionCallSessions),
		events:   make(chan IncomingCall, 16),
	}
}

// Start subscribes. Calling Start on a running Listener is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	q := eventstream.From(models.CollectionCallSessions).
		Where("calleeId", l.userID).
		Where("status", string(models.CallStatusIncoming))
	l.logger.LogSubscribe(ctx, "incoming_calls", q.String())

	l.ctx, l.cancel = ctx, cancel
	unsub, err := l.client.Subscribe(ctx, q, l.onSnapshot)
	if err != nil {
		cancel()
		l.ctx, l.cancel = nil, nil
		return err
	}
	l.unsub = unsub
	return nil
}

// Stop ends the subscription. The Listener can be started again.
func (l *Listener) Stop() {
	l.mu.Lock()
	unsub, cancel := l.unsub, l.cancel
	l.unsub, l.cancel = nil, nil
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// Events delivers incoming calls. It is never closed.
func (l *Listener) Events() <-chan IncomingCall { return l.events }

func (l *Listener) onSnapshot(snap eventstream.Snapshot) {
	l.mu.Lock()
	ctx := l.ctx
	l.mu.Unlock()
	if ctx == nil {
		return
	}

	for _, ch := range snap.Changes {
		if ch.Type != eventstream.Added {
			continue
		}
		sess, err := models.DecodeCallSession(ch.Doc.ID, ch.Doc.Fields)
		if err != nil {
			observability.SkippedRecords.WithLabelValues("call_session").Inc()
			l.logger.LogSkippedRecord(ctx, ch.Doc.ID, err)
			continue
		}

		ev := IncomingCall{
			SessionID: sess.ID,
			CallType:  sess.CallType,
			Caller:    l.resolve(ctx, sess.CallerID),
		}
		select {
		case l.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) resolve(ctx context.Context, callerID string) models.User {
	u, err := l.profiles.Get(ctx, callerID)
	if err != nil {
		if !models.IsCode(err, models.CodeNotFound) {
			l.logger.LogError(ctx, err, "resolve_caller")
		}
		return models.User{ID: callerID, Name: UnknownName}
	}
	return u
}
