// Package models contains the shared entities, identifiers and error types.
package models

import (
	"math/rand/v2"
	"sort"
	"strings"
	"time"
)

// Collection names in the document store.
const (
	CollectionUsers        = "users"
	CollectionInvitations  = "invitations"
	CollectionContacts     = "contacts"
	CollectionCallSessions = "callSessions"
)

// MessagesCollection returns the message collection path for a thread.
func MessagesCollection(threadID string) string {
	return "chats/" + threadID + "/messages"
}

// InvitationStatus represents the status of an invitation.
type InvitationStatus string

const (
	// InvitationStatusPending indicates the recipient has not answered yet.
	InvitationStatusPending InvitationStatus = "pending"
	// InvitationStatusAccepted indicates the recipient accepted.
	InvitationStatusAccepted InvitationStatus = "accepted"
)

// CallType is the media kind of a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus is the signaling state of a call session.
type CallStatus string

const (
	CallStatusIncoming CallStatus = "incoming"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal reports whether no further transition is possible from s.
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

func (s CallStatus) valid() bool {
	switch s {
	case CallStatusIncoming, CallStatusAccepted, CallStatusRejected, CallStatusEnded:
		return true
	}
	return false
}

// User is a registered account. Only Name and ProfilePic change after creation.
type User struct {
	ID             string    `mapstructure:"-" json:"id"`
	Name           string    `mapstructure:"name" json:"name"`
	Email          string    `mapstructure:"email" json:"email"`
	ProfilePic     string    `mapstructure:"profilePic" json:"profilePic"`
	InvitationCode string    `mapstructure:"invitationCode" json:"invitationCode"`
	CreatedAt      time.Time `mapstructure:"createdAt" json:"createdAt"`
}

// Invitation is a pending or accepted contact request.
type Invitation struct {
	ID           string           `mapstructure:"-" json:"id"`
	FromUserID   string           `mapstructure:"fromUserId" json:"fromUserId"`
	FromUserName string           `mapstructure:"fromUserName" json:"fromUserName"`
	ToUserID     string           `mapstructure:"toUserId" json:"toUserId"`
	ToUserName   string           `mapstructure:"toUserName" json:"toUserName"`
	Status       InvitationStatus `mapstructure:"status" json:"status"`
	CreatedAt    time.Time        `mapstructure:"createdAt" json:"createdAt"`
}

// Contact is one direction of a relationship edge. Edges are never mutated.
type Contact struct {
	ID        string    `mapstructure:"-" json:"id"`
	UserID    string    `mapstructure:"userId" json:"userId"`
	ContactID string    `mapstructure:"contactId" json:"contactId"`
	CreatedAt time.Time `mapstructure:"createdAt" json:"createdAt"`

	// Resolved from the contact's user record, not stored on the edge.
	Name       string `mapstructure:"-" json:"name,omitempty"`
	ProfilePic string `mapstructure:"-" json:"profilePic,omitempty"`
}

// Message is a chat message. Exactly one of Text and ImageURL is set.
type Message struct {
	ID        string    `mapstructure:"-" json:"id"`
	SenderID  string    `mapstructure:"senderId" json:"senderId"`
	Username  string    `mapstructure:"username" json:"username,omitempty"`
	Text      string    `mapstructure:"text" json:"text,omitempty"`
	ImageURL  string    `mapstructure:"imageUrl" json:"imageUrl,omitempty"`
	CreatedAt time.Time `mapstructure:"createdAt" json:"createdAt"`
	ReadBy    []string  `mapstructure:"readBy" json:"readBy"`
}

// ReadByUser reports whether userID is in the message's read set.
func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// UnreadFor reports whether the message counts as unread for userID.
func (m Message) UnreadFor(userID string) bool {
	return m.SenderID != userID && !m.ReadByUser(userID)
}

// Preview is the one-line text shown in a thread list.
func (m Message) Preview() string {
	if m.Text == "" && m.ImageURL != "" {
		return "Photo"
	}
	return m.Text
}

// CallSession is the shared signaling record of one call attempt.
type CallSession struct {
	ID        string     `mapstructure:"-" json:"id"`
	CallerID  string     `mapstructure:"callerId" json:"callerId"`
	CalleeID  string     `mapstructure:"calleeId" json:"calleeId"`
	CallType  CallType   `mapstructure:"callType" json:"callType"`
	Status    CallStatus `mapstructure:"status" json:"status"`
	CreatedAt time.Time  `mapstructure:"createdAt" json:"createdAt"`
}

// Other returns the id of the party that is not userID.
func (s CallSession) Other(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

// ChatThread is the derived per-contact view. It is never stored.
type ChatThread struct {
	ID              string    `json:"id"`
	ContactID       string    `json:"contactId"`
	ContactName     string    `json:"contactName"`
	ContactAvatar   string    `json:"contactAvatar"`
	LastMessageText string    `json:"lastMessageText"`
	LastMessageDate time.Time `json:"lastMessageDate"`
	UnreadCount     int       `json:"unreadCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ThreadID canonicalizes an unordered pair of user ids.
func ThreadID(userID, contactID string) string {
	ids := []string{userID, contactID}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// InThread reports whether userID is one of the two parties of threadID.
func InThread(threadID, userID string) bool {
	return userID != "" && (strings.HasPrefix(threadID, userID+"_") || strings.HasSuffix(threadID, "_"+userID))
}

const invitationCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// InvitationCodeLength is the number of characters in an invitation code.
const InvitationCodeLength = 4

// GenerateInvitationCode returns a random uppercase alphanumeric code.
func GenerateInvitationCode() string {
	var b strings.Builder
	b.Grow(InvitationCodeLength)
	for i := 0; i < InvitationCodeLength; i++ {
		b.WriteByte(invitationCodeAlphabet[rand.IntN(len(invitationCodeAlphabet))])
	}
	return b.String()
}

// NormalizeInvitationCode uppercases and trims user input.
func NormalizeInvitationCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
