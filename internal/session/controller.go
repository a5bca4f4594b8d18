// Package session ties one signed-in user's listeners together. A Controller
// is started on sign-in and stopped on sign-out; everything it observes is
// emitted as typed events for the presentation layer.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"duolink/internal/call"
	"duolink/internal/eventstream"
	"duolink/internal/media"
	"duolink/internal/messaging"
	"duolink/internal/models"
	"duolink/internal/observability"
	"duolink/internal/relationship"
	"duolink/internal/threads"
)

// EventKind names the stream an event belongs to.
type EventKind string

const (
	EventThreads         EventKind = "threads"
	EventContacts        EventKind = "contacts"
	EventInvitations     EventKind = "invitations"
	EventSentInvitations EventKind = "sent_invitations"
	EventMessages        EventKind = "messages"
	EventIncomingCall    EventKind = "incoming_call"
	EventCall            EventKind = "call"
	EventMedia           EventKind = "media"
)

// Event is one update for the user's screens.
type Event struct {
	Kind     EventKind `json:"type"`
	ThreadID string    `json:"threadId,omitempty"`
	Data     any       `json:"data"`
}

// ErrStopped is returned for operations on a stopped Controller.
var ErrStopped = errors.New("session: controller stopped")

// Profiles resolves and watches user profiles.
type Profiles interface {
	threads.ProfileWatcher
	call.Profiles
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Client        eventstream.Client
	Profiles      Profiles
	Relationships *relationship.Manager
	Messages      *messaging.Channel
	Signaling     *call.Signaling
	// NewEngine builds the media engine of the user's calls.
	NewEngine   func() media.Engine
	CallOptions []call.Option
}

// Controller owns the subscriptions of one signed-in user.
type Controller struct {
	deps     Deps
	userID   string
	threads  *threads.Synchronizer
	listener *call.Listener
	media    *media.Controls
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	unsubs  []eventstream.Unsubscribe
	open    map[string]eventstream.Unsubscribe
	active  *call.Call
	dialing bool
	halted  bool
}

// NewController creates a stopped Controller for userID.
func NewController(deps Deps, userID string) *Controller {
	c := &Controller{
		deps:     deps,
		userID:   userID,
		listener: call.NewListener(deps.Client, deps.Profiles, userID),
		media:    media.NewControls(deps.NewEngine()),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
		open:     map[string]eventstream.Unsubscribe{},
	}
	c.threads = threads.NewSynchronizer(deps.Client, deps.Profiles, userID, func(ts []models.ChatThread) {
		c.send(Event{Kind: EventThreads, Data: ts})
	})
	return c
}

// UserID returns the signed-in user.
func (c *Controller) UserID() string { return c.userID }

// Events delivers every update. It is never closed; stop reading once Done is closed.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed by Stop.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Media returns the local call controls.
func (c *Controller) Media() *media.Controls { return c.media }

// Start opens every listener. If one fails the others are closed and the
// error is returned. A Controller starts once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	ctx = observability.WithUserID(ctx, c.userID)
	// Listeners outlive the request that signed the user in.
	ctx = context.WithoutCancel(ctx)
	rel := c.deps.Relationships

	err := c.subscribe(
		func() (eventstream.Unsubscribe, error) {
			return rel.ListenToContacts(ctx, c.userID, func(cs []models.Contact) {
				c.send(Event{Kind: EventContacts, Data: cs})
			})
		},
		func() (eventstream.Unsubscribe, error) {
			return rel.ListenForInvitations(ctx, c.userID, func(inv []models.Invitation) {
				c.send(Event{Kind: EventInvitations, Data: inv})
			})
		},
		func() (eventstream.Unsubscribe, error) {
			return rel.ListenForSentInvitations(ctx, c.userID, func(inv []models.Invitation) {
				c.send(Event{Kind: EventSentInvitations, Data: inv})
			})
		},
		func() (eventstream.Unsubscribe, error) {
			if err := c.threads.Start(ctx); err != nil {
				return nil, err
			}
			return c.threads.Stop, nil
		},
		func() (eventstream.Unsubscribe, error) {
			if err := c.listener.Start(ctx); err != nil {
				return nil, err
			}
			return c.listener.Stop, nil
		},
	)
	if err != nil {
		observability.Logger.ErrorContext(ctx, "session start failed", slog.String("error", err.Error()))
		c.Stop()
		return err
	}

	go c.forwardIncoming()
	go c.forwardMedia()
	observability.Logger.InfoContext(ctx, "session started")
	return nil
}

func (c *Controller) subscribe(steps ...func() (eventstream.Unsubscribe, error)) error {
	for _, step := range steps {
		unsub, err := step()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) forwardIncoming() {
	for {
		select {
		case <-c.done:
			return
		case ic := <-c.listener.Events():
			c.send(Event{Kind: EventIncomingCall, Data: ic})
		}
	}
}

func (c *Controller) forwardMedia() {
	for {
		select {
		case <-c.done:
			return
		case st := <-c.media.Updates():
			c.send(Event{Kind: EventMedia, Data: st})
		}
	}
}

// Stop closes every listener and hangs up an active call.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.halted = true
		unsubs := c.unsubs
		c.unsubs = nil
		for id, unsub := range c.open {
			unsubs = append(unsubs, unsub)
			delete(c.open, id)
		}
		active := c.active
		c.mu.Unlock()

		if active != nil {
			if err := active.Hangup(context.Background()); err != nil {
				observability.Logger.Warn("hangup on sign-out failed",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
		}
		for _, unsub := range unsubs {
			unsub()
		}
		close(c.done)
		observability.Logger.Info("session stopped", slog.String("user_id", c.userID))
	})
}

func (c *Controller) send(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// OpenThread streams the messages of threadID and marks them read while the
// thread is open. Opening an open thread restarts its stream.
func (c *Controller) OpenThread(ctx context.Context, threadID string) error {
	if !models.InThread(threadID, c.userID) {
		return models.NewUnauthorizedError("You are not a member of this thread")
	}
	if c.stopped() {
		return ErrStopped
	}

	ctx = context.WithoutCancel(observability.WithUserID(ctx, c.userID))
	unsub, err := c.deps.Messages.ListenForMessages(ctx, threadID, c.userID, func(ms []models.Message) {
		c.send(Event{Kind: EventMessages, ThreadID: threadID, Data: ms})
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.open[threadID]
	c.open[threadID] = unsub
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	if c.stopped() {
		c.CloseThread(threadID)
		return ErrStopped
	}
	return nil
}

// CloseThread stops the message stream of threadID.
func (c *Controller) CloseThread(threadID string) {
	c.mu.Lock()
	unsub := c.open[threadID]
	delete(c.open, threadID)
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Controller) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
