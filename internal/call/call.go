package call

import (
	"context"
	"sync"
	"time"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"

	"github.com/benbjohnson/clock"
)

// Media is the local media pipeline a call joins and leaves.
type Media interface {
	Join(ctx context.Context, channelID, localID string, callType models.CallType) error
	// MarkActive starts the duration counter once the call is answered.
	MarkActive()
	Leave(ctx context.Context) error
}

// Role is the side of a call a party is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// EventKind classifies call events.
type EventKind string

const (
	// EventStatus reports a status the session moved to.
	EventStatus EventKind = "status"
	// EventNotice carries the alert shown when the other party finished the call.
	EventNotice EventKind = "notice"
	// EventClosed is the last event. The call screen returns to where it came from.
	EventClosed EventKind = "closed"
)

// Event is emitted by a Call as its session changes.
type Event struct {
	Kind      EventKind         `json:"kind"`
	SessionID string            `json:"sessionId"`
	Status    models.CallStatus `json:"status"`
	Notice    string            `json:"notice,omitempty"`
}

// Option configures a Call.
type Option func(*Call)

// WithNoticeDelay sets how long a notice stays up before the call closes.
func WithNoticeDelay(d time.Duration) Option {
	return func(c *Call) { c.noticeDelay = d }
}

// WithClock replaces the clock used for the notice delay.
func WithClock(clk clock.Clock) Option {
	return func(c *Call) { c.clock = clk }
}

// DefaultNoticeDelay is how long a notice is shown before the call closes.
const DefaultNoticeDelay = 2 * time.Second

// Call is one party's view of a call session. It follows the shared session
// document and unwinds locally once the session reaches a terminal status,
// whichever side wrote it.
type Call struct {
	signaling   *Signaling
	media       Media
	userID      string
	role        Role
	noticeDelay time.Duration
	clock       clock.Clock
	logger      *observability.CallLogger

	mu        sync.Mutex
	session   models.CallSession
	hangingUp bool
	finished  bool
	unsub     eventstream.Unsubscribe

	emitMu sync.Mutex
	closed bool
	events chan Event
	done   chan struct{}
}

func newCall(sig *Signaling, media Media, userID string, role Role, sess models.CallSession, opts []Option) *Call {
	c := &Call{
		signaling:   sig,
		media:       media,
		userID:      userID,
		role:        role,
		noticeDelay: DefaultNoticeDelay,
		clock:       clock.New(),
		logger:      observability.NewCallLogger(string(role)),
		session:     sess,
		events:      make(chan Event, 16),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial creates a session and joins media right away, before the callee
// answers. The returned Call follows the session until it ends.
func Dial(ctx context.Context, sig *Signaling, media Media, callerID, calleeID string, callType models.CallType, opts ...Option) (*Call, error) {
	id, err := sig.Create(ctx, callerID, calleeID, callType)
	if err != nil {
		return nil, err
	}
	sess := models.CallSession{
		ID:       id,
		CallerID: callerID,
		CalleeID: calleeID,
		CallType: callType,
		Status:   models.CallStatusIncoming,
	}
	c := newCall(sig, media, callerID, RoleCaller, sess, opts)
	ctx = observability.WithSessionID(ctx, id)

	if err := media.Join(ctx, id, callerID, callType); err != nil {
		c.logger.LogError(ctx, id, err, "join")
		// The callee must not be left ringing for a caller with no media.
		c.abandon(ctx)
		return nil, err
	}
	if err := c.watch(ctx); err != nil {
		_ = media.Leave(ctx)
		c.abandon(ctx)
		return nil, err
	}
	return c, nil
}

// Answer accepts an incoming session, then joins media.
func Answer(ctx context.Context, sig *Signaling, media Media, userID, sessionID string, opts ...Option) (*Call, error) {
	sess, err := sig.Accept(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	c := newCall(sig, media, userID, RoleCallee, sess, opts)
	ctx = observability.WithSessionID(ctx, sessionID)

	if err := media.Join(ctx, sessionID, userID, sess.CallType); err != nil {
		c.logger.LogError(ctx, sessionID, err, "join")
		// The caller already saw the session accepted and is waiting on media.
		c.abandon(ctx)
		return nil, err
	}
	media.MarkActive()
	if err := c.watch(ctx); err != nil {
		_ = media.Leave(ctx)
		c.abandon(ctx)
		return nil, err
	}
	return c, nil
}

// abandon ends a session this party failed to set up.
func (c *Call) abandon(ctx context.Context) {
	if _, err := c.signaling.End(ctx, c.session.ID, c.userID); err != nil {
		c.logger.LogError(ctx, c.session.ID, err, "end")
	}
}

// Decline rejects an incoming session without joining media.
func Decline(ctx context.Context, sig *Signaling, userID, sessionID string) error {
	_, err := sig.Reject(ctx, sessionID, userID)
	return err
}

func (c *Call) watch(ctx context.Context) error {
	unsub, err := c.signaling.Watch(context.WithoutCancel(ctx), c.session.ID, c.observe)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		unsub()
		return nil
	}
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

// Session returns the latest session state this party has observed.
func (c *Call) Session() models.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Role reports which side of the call this party is on.
func (c *Call) Role() Role { return c.role }

// Events delivers status changes, then an optional notice, then EventClosed.
// The channel is closed after EventClosed.
func (c *Call) Events() <-chan Event { return c.events }

// Done is closed once the call has unwound.
func (c *Call) Done() <-chan struct{} { return c.done }

// Hangup ends the session and unwinds without a notice. If the write fails
// the call is left as it was.
func (c *Call) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.hangingUp = true
	c.mu.Unlock()

	_, err := c.signaling.End(ctx, c.session.ID, c.userID)

	c.mu.Lock()
	c.hangingUp = false
	if err != nil {
		// The other side may have finished the call while we were writing.
		if c.session.Status.Terminal() && !c.finished {
			c.finished = true
			status := c.session.Status
			c.mu.Unlock()
			c.unwind(ctx, status, true)
			return nil
		}
		c.mu.Unlock()
		return err
	}
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.finished = true
	observed := c.session.Status == models.CallStatusEnded
	c.session.Status = models.CallStatusEnded
	c.mu.Unlock()

	if !observed {
		c.emit(Event{Kind: EventStatus, SessionID: c.session.ID, Status: models.CallStatusEnded})
	}
	c.unwind(ctx, models.CallStatusEnded, false)
	return nil
}

// observe applies a session snapshot. Statuses that would move the local view
// backwards are ignored.
func (c *Call) observe(sess models.CallSession) {
	c.mu.Lock()
	if c.finished || !CanTransition(c.session.Status, sess.Status) {
		c.mu.Unlock()
		return
	}
	from := c.session.Status
	c.session.Status = sess.Status
	finish := sess.Status.Terminal() && !c.hangingUp
	if finish {
		c.finished = true
	}
	// Emitted under mu so Hangup sees either no status or an emitted one.
	c.emit(Event{Kind: EventStatus, SessionID: sess.ID, Status: sess.Status})
	c.mu.Unlock()

	ctx := observability.WithSessionID(context.Background(), sess.ID)
	c.logger.LogTransition(ctx, sess.ID, string(from), string(sess.Status))

	if sess.Status == models.CallStatusAccepted {
		c.media.MarkActive()
	}
	if finish {
		c.unwind(ctx, sess.Status, true)
	}
}

// unwind leaves media and closes the event stream. When the other side
// finished the call a notice is shown for noticeDelay first.
func (c *Call) unwind(ctx context.Context, status models.CallStatus, notify bool) {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	if err := c.media.Leave(ctx); err != nil {
		c.logger.LogError(ctx, c.session.ID, err, "leave")
	}

	if !notify {
		c.close(status)
		return
	}
	timer := c.clock.Timer(c.noticeDelay)
	c.emit(Event{Kind: EventNotice, SessionID: c.session.ID, Status: status, Notice: Notice(status)})
	go func() {
		<-timer.C
		c.close(status)
	}()
}

func (c *Call) close(status models.CallStatus) {
	c.emit(Event{Kind: EventClosed, SessionID: c.session.ID, Status: status})

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.closed = true
	close(c.events)
	close(c.done)
}

func (c *Call) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		observability.Logger.Warn("call event dropped",
			"call_session", ev.SessionID,
			"kind", string(ev.Kind),
		)
	}
}
