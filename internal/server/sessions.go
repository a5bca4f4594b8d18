package server

import (
	"context"
	"log/slog"
	"sync"

	"duolink/internal/observability"
	"duolink/internal/session"
)

const subscriberBuffer = 256

// subscriber is one websocket connection's view of a user's session.
type subscriber struct {
	events chan session.Event
}

type sessionEntry struct {
	ctrl *session.Controller
	subs map[*subscriber]struct{}
	// latest holds the most recent snapshot per stream so late connections
	// start from current state.
	latest map[string]session.Event
}

// sessionHub runs one session.Controller per connected user and fans its
// events out to every connection of that user. The controller stops when the
// user's last connection goes away.
type sessionHub struct {
	deps session.Deps

	mu      sync.Mutex
	entries map[string]*sessionEntry
	closed  bool
}

func newSessionHub(deps session.Deps) *sessionHub {
	return &sessionHub{deps: deps, entries: map[string]*sessionEntry{}}
}

// Acquire attaches a new subscriber to userID's session, starting it when it
// is the first. The controller starts outside the hub lock; when two
// connections race the later one is stopped and the first kept.
func (h *sessionHub) Acquire(ctx context.Context, userID string) (*session.Controller, *subscriber, error) {
	sub := &subscriber{events: make(chan session.Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, session.ErrStopped
	}
	if e, ok := h.entries[userID]; ok {
		h.attach(e, sub)
		h.mu.Unlock()
		return e.ctrl, sub, nil
	}
	h.mu.Unlock()

	ctrl := session.NewController(h.deps, userID)
	if err := ctrl.Start(ctx); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ctrl.Stop()
		return nil, nil, session.ErrStopped
	}
	if e, ok := h.entries[userID]; ok {
		h.attach(e, sub)
		h.mu.Unlock()
		ctrl.Stop()
		return e.ctrl, sub, nil
	}
	e := &sessionEntry{
		ctrl:   ctrl,
		subs:   map[*subscriber]struct{}{sub: {}},
		latest: map[string]session.Event{},
	}
	h.entries[userID] = e
	h.mu.Unlock()
	observability.ActiveSessions.Inc()

	go h.fanout(e)
	return ctrl, sub, nil
}

// attach replays e's latest snapshots into sub and adds it. h.mu must be held.
func (h *sessionHub) attach(e *sessionEntry, sub *subscriber) {
	for _, ev := range e.latest {
		sub.events <- ev
	}
	e.subs[sub] = struct{}{}
}

// Release detaches sub and closes its channel.
func (h *sessionHub) Release(userID string, sub *subscriber) {
	h.mu.Lock()
	e, ok := h.entries[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := e.subs[sub]; ok {
		delete(e.subs, sub)
		close(sub.events)
	}
	last := len(e.subs) == 0
	if last {
		delete(h.entries, userID)
	}
	h.mu.Unlock()

	if last {
		e.ctrl.Stop()
		observability.ActiveSessions.Dec()
	}
}

// Lookup returns the running controller of userID.
func (h *sessionHub) Lookup(userID string) (*session.Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[userID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// CloseThread stops userID's message stream for threadID.
func (h *sessionHub) CloseThread(userID, threadID string) {
	h.mu.Lock()
	e, ok := h.entries[userID]
	if ok {
		delete(e.latest, string(session.EventMessages)+":"+threadID)
	}
	h.mu.Unlock()
	if ok {
		e.ctrl.CloseThread(threadID)
	}
}

// Shutdown stops every session and closes every subscriber.
func (h *sessionHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = map[string]*sessionEntry{}
	for _, e := range entries {
		for sub := range e.subs {
			close(sub.events)
		}
		e.subs = map[*subscriber]struct{}{}
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.ctrl.Stop()
		observability.ActiveSessions.Dec()
	}
	return nil
}

func (h *sessionHub) fanout(e *sessionEntry) {
	for {
		select {
		case <-e.ctrl.Done():
			return
		case ev := <-e.ctrl.Events():
			h.broadcast(e, ev)
		}
	}
}

func (h *sessionHub) broadcast(e *sessionEntry, ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if key, ok := snapshotKey(ev); ok {
		e.latest[key] = ev
	}
	for sub := range e.subs {
		select {
		case sub.events <- ev:
		default:
			observability.WebSocketBackpressureDrops.WithLabelValues("full").Inc()
			observability.Logger.Warn("dropped session event for slow connection",
				slog.String("user_id", e.ctrl.UserID()),
				slog.String("type", string(ev.Kind)),
			)
		}
	}
}

// snapshotKey identifies events that carry full state rather than a change.
func snapshotKey(ev session.Event) (string, bool) {
	switch ev.Kind {
	case session.EventThreads, session.EventContacts, session.EventInvitations,
		session.EventSentInvitations, session.EventMedia:
		return string(ev.Kind), true
	case session.EventMessages:
		return string(ev.Kind) + ":" + ev.ThreadID, true
	default:
		return "", false
	}
}
