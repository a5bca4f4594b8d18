package threads

import (
	"context"
	"log/slog"
	"sync"

	"duolink/internal/eventstream"
	"duolink/internal/models"
	"duolink/internal/observability"
)

// ProfileWatcher subscribes to a user's profile.
type ProfileWatcher interface {
	WatchProfile(ctx context.Context, id string, fn func(user models.User, found bool)) (eventstream.Unsubscribe, error)
}

// Synchronizer keeps the thread list of one user current. For every contact
// edge it holds two nested subscriptions, one on the contact's profile and
// one on the pair's messages, and republishes the full sorted list whenever
// one thread changes.
type Synchronizer struct {
	client   eventstream.Client
	profiles ProfileWatcher
	userID   string
	publish  func([]models.ChatThread)
	logger   *observability.StreamLogger

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	unsubContacts eventstream.Unsubscribe
	watches       map[string]*contactWatch
	state         State
	seq           uint64

	publishMu     sync.Mutex
	lastPublished uint64
}

// NewSynchronizer creates a Synchronizer for userID. publish receives every
// new thread list; calls never overlap and never go backwards.
func NewSynchronizer(client eventstream.Client, profiles ProfileWatcher, userID string, publish func([]models.ChatThread)) *Synchronizer {
	return &Synchronizer{
		client:   client,
		profiles: profiles,
		userID:   userID,
		publish:  publish,
		logger:   observability.NewStreamLogger(models.CollectionContacts),
		watches:  map[string]*contactWatch{},
		state:    NewState(),
	}
}

// Start subscribes to the user's contacts. A setup failure is returned.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	q := eventstream.From(models.CollectionContacts).Where("userId", s.userID)
	unsub, err := s.client.Subscribe(ctx, q, s.onContacts)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.unsubContacts = unsub
	s.mu.Unlock()
	return nil
}

// Stop ends every subscription. Threads keeps returning the last state.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, unsub := s.cancel, s.unsubContacts
	watches := s.watches
	s.watches = map[string]*contactWatch{}
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	for _, w := range watches {
		w.close()
	}
}

// Threads returns the current thread list in display order.
func (s *Synchronizer) Threads() []models.ChatThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Sorted()
}

func (s *Synchronizer) onContacts(snap eventstream.Snapshot) {
	current := make(map[string]models.Contact, len(snap.Docs))
	for _, doc := range snap.Docs {
		c, err := models.DecodeContact(doc.ID, doc.Fields)
		if err != nil {
			observability.SkippedRecords.WithLabelValues("contact").Inc()
			s.logger.LogSkippedRecord(context.Background(), doc.ID, err)
			continue
		}
		if _, dup := current[c.ContactID]; !dup {
			current[c.ContactID] = c
		}
	}

	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	var opened, closed []*contactWatch
	for id, c := range current {
		if _, ok := s.watches[id]; !ok {
			w := &contactWatch{owner: s, contact: c}
			s.watches[id] = w
			opened = append(opened, w)
		}
	}
	for id, w := range s.watches {
		if _, ok := current[id]; !ok {
			delete(s.watches, id)
			closed = append(closed, w)
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	for _, w := range closed {
		w.close()
		s.remove(w.contact.ContactID)
	}
	for _, w := range opened {
		go w.open(ctx)
	}
}

// merge stores one thread projection and republishes. Callers hold w.mu so a
// contact's projections land in the order they were computed.
func (s *Synchronizer) merge(w *contactWatch, t models.ChatThread) {
	s.mu.Lock()
	if s.watches[t.ContactID] != w {
		s.mu.Unlock()
		return
	}
	s.state = s.state.With(t)
	s.seq++
	seq, threads := s.seq, s.state.Sorted()
	s.mu.Unlock()

	s.emit(seq, threads)
}

func (s *Synchronizer) remove(contactID string) {
	s.mu.Lock()
	if _, ok := s.state.Get(contactID); !ok {
		s.mu.Unlock()
		return
	}
	s.state = s.state.Without(contactID)
	s.seq++
	seq, threads := s.seq, s.state.Sorted()
	s.mu.Unlock()

	s.emit(seq, threads)
}

func (s *Synchronizer) emit(seq uint64, threads []models.ChatThread) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if seq <= s.lastPublished {
		return
	}
	s.lastPublished = seq
	s.publish(threads)
}

// contactWatch holds the nested subscriptions of one contact.
type contactWatch struct {
	owner   *Synchronizer
	contact models.Contact

	mu           sync.Mutex
	closed       bool
	unsubs       []eventstream.Unsubscribe
	profile      models.User
	profileFound bool
	profileSeen  bool
	messages     []models.Message
	messagesSeen bool
}

func (w *contactWatch) open(ctx context.Context) {
	s := w.owner
	threadID := models.ThreadID(s.userID, w.contact.ContactID)

	unsubProfile, err := s.profiles.WatchProfile(ctx, w.contact.ContactID, w.onProfile)
	if err != nil {
		w.setupFailed(ctx, "profile", err)
	} else {
		w.track(unsubProfile)
	}

	q := eventstream.From(models.MessagesCollection(threadID)).OrderBy("createdAt", eventstream.Desc)
	unsubMessages, err := s.client.Subscribe(ctx, q, w.onMessages)
	if err != nil {
		w.setupFailed(ctx, "messages", err)
	} else {
		w.track(unsubMessages)
	}
}

// setupFailed logs a nested subscription that could not start. The thread is
// still shown with whatever the other subscription provides.
func (w *contactWatch) setupFailed(ctx context.Context, which string, err error) {
	if ctx.Err() != nil {
		return
	}
	observability.Logger.ErrorContext(ctx, "thread subscription failed",
		slog.String("contact_id", w.contact.ContactID),
		slog.String("subscription", which),
		slog.String("error", err.Error()),
	)
	w.mu.Lock()
	defer w.mu.Unlock()
	if which == "profile" {
		w.profileSeen = true
	} else {
		w.messagesSeen = true
	}
	w.project()
}

func (w *contactWatch) track(unsub eventstream.Unsubscribe) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		unsub()
		return
	}
	w.unsubs = append(w.unsubs, unsub)
	w.mu.Unlock()
}

func (w *contactWatch) close() {
	w.mu.Lock()
	w.closed = true
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (w *contactWatch) onProfile(user models.User, found bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.profile, w.profileFound, w.profileSeen = user, found, true
	w.project()
}

func (w *contactWatch) onMessages(snap eventstream.Snapshot) {
	messages := make([]models.Message, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		m, err := models.DecodeMessage(doc.ID, doc.Fields)
		if err != nil {
			observability.SkippedRecords.WithLabelValues("message").Inc()
			w.owner.logger.LogSkippedRecord(context.Background(), doc.ID, err)
			continue
		}
		messages = append(messages, m)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages, w.messagesSeen = messages, true
	w.project()
}

// project publishes the thread once both nested subscriptions reported.
// Callers hold w.mu.
func (w *contactWatch) project() {
	if w.closed || !w.profileSeen || !w.messagesSeen {
		return
	}
	t := Project(w.owner.userID, w.contact, w.profile, w.profileFound, w.messages)
	w.owner.merge(w, t)
}
