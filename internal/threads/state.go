// Package threads derives the chat thread list: one thread per contact,
// joined with the contact's profile and the pair's message history.
package threads

import (
	"sort"
	"time"

	"duolink/internal/models"
)

// UnknownName is the thread title while a contact's profile is missing.
const UnknownName = "Unknown"

// State holds the current thread per contact id. It is immutable: With and
// Without return a new State.
type State struct {
	threads map[string]models.ChatThread
}

// NewState returns an empty State.
func NewState() State {
	return State{threads: map[string]models.ChatThread{}}
}

// With returns a State where the thread for t.ContactID is replaced by t.
func (s State) With(t models.ChatThread) State {
	next := make(map[string]models.ChatThread, len(s.threads)+1)
	for k, v := range s.threads {
		next[k] = v
	}
	next[t.ContactID] = t
	return State{threads: next}
}

// Without returns a State with no thread for contactID.
func (s State) Without(contactID string) State {
	if _, ok := s.threads[contactID]; !ok {
		return s
	}
	next := make(map[string]models.ChatThread, len(s.threads))
	for k, v := range s.threads {
		if k != contactID {
			next[k] = v
		}
	}
	return State{threads: next}
}

// Get returns the thread for contactID.
func (s State) Get(contactID string) (models.ChatThread, bool) {
	t, ok := s.threads[contactID]
	return t, ok
}

// Len returns the number of threads.
func (s State) Len() int {
	return len(s.threads)
}

// Sorted returns every thread in display order.
func (s State) Sorted() []models.ChatThread {
	out := make([]models.ChatThread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	SortThreads(out)
	return out
}

// SortThreads orders threads newest first by their last message date. A
// thread without messages ranks by its contact creation date instead. Ties
// break on creation date, then contact id.
func SortThreads(threads []models.ChatThread) {
	sort.SliceStable(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		da, db := activity(a), activity(b)
		if !da.Equal(db) {
			return da.After(db)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ContactID < b.ContactID
	})
}

func activity(t models.ChatThread) time.Time {
	if t.LastMessageDate.IsZero() {
		return t.CreatedAt
	}
	return t.LastMessageDate
}

// UnreadCount counts messages not sent by userID that userID has not read.
func UnreadCount(messages []models.Message, userID string) int {
	n := 0
	for _, m := range messages {
		if m.UnreadFor(userID) {
			n++
		}
	}
	return n
}

// Project builds one contact's thread from its current inputs. It is
// recomputed from scratch on every change.
func Project(userID string, contact models.Contact, profile models.User, profileFound bool, messages []models.Message) models.ChatThread {
	t := models.ChatThread{
		ID:          models.ThreadID(userID, contact.ContactID),
		ContactID:   contact.ContactID,
		ContactName: UnknownName,
		CreatedAt:   contact.CreatedAt,
		UnreadCount: UnreadCount(messages, userID),
	}
	if profileFound {
		t.ContactName = profile.Name
		t.ContactAvatar = profile.ProfilePic
	}

	var last *models.Message
	for i := range messages {
		if last == nil || messages[i].CreatedAt.After(last.CreatedAt) {
			last = &messages[i]
		}
	}
	if last != nil {
		t.LastMessageText = last.Preview()
		t.LastMessageDate = last.CreatedAt
	}
	return t
}
