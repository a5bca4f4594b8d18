package models

import (
	"fmt"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "alice_bob", ThreadID("alice", "bob"))
	assert.Equal(t, "alice_bob", ThreadID("bob", "alice"))
}

func TestInThread(t *testing.T) {
	assert.True(t, InThread("alice_bob", "alice"))
	assert.True(t, InThread("alice_bob", "bob"))
	assert.False(t, InThread("alice_bob", "carol"))
	assert.False(t, InThread("alice_bob", "ali"))
	assert.False(t, InThread("alice_bob", ""))
}

func TestGenerateInvitationCode(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z0-9]{4}$`)
	for i := 0; i < 200; i++ {
		assert.Regexp(t, re, GenerateInvitationCode())
	}
	assert.Equal(t, "AB12", NormalizeInvitationCode("  ab12 "))
}

func TestMessageUnreadFor(t *testing.T) {
	m := Message{SenderID: "a", Text: "hi", ReadBy: []string{"a"}}
	assert.False(t, m.UnreadFor("a"))
	assert.True(t, m.UnreadFor("b"))

	m.ReadBy = append(m.ReadBy, "b")
	assert.False(t, m.UnreadFor("b"))
}

func TestDecodeMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	m, err := DecodeMessage("m1", map[string]any{
		"senderId":  "a",
		"text":      "hi",
		"createdAt": ts.Format(time.RFC3339Nano),
		"readBy":    []any{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, ts, m.CreatedAt)
	assert.Equal(t, []string{"a"}, m.ReadBy)

	_, err = DecodeMessage("m2", map[string]any{"senderId": "a", "text": "hi", "imageUrl": "http://x/y.png"})
	assert.True(t, IsCode(err, CodeMalformedRecord))

	_, err = DecodeMessage("m3", map[string]any{"senderId": "a"})
	assert.True(t, IsCode(err, CodeMalformedRecord))

	_, err = DecodeMessage("m4", map[string]any{"senderId": 42, "text": "hi"})
	assert.True(t, IsCode(err, CodeMalformedRecord))

	_, err = DecodeMessage("m5", map[string]any{"senderId": "a", "text": "hi", "createdAt": "yesterday"})
	assert.True(t, IsCode(err, CodeMalformedRecord))
}

func TestDecodeCallSession(t *testing.T) {
	s, err := DecodeCallSession("s1", map[string]any{
		"callerId": "a",
		"calleeId": "b",
		"callType": "video",
		"status":   "incoming",
	})
	require.NoError(t, err)
	assert.Equal(t, CallTypeVideo, s.CallType)
	assert.Equal(t, "b", s.Other("a"))
	assert.Equal(t, "a", s.Other("b"))

	_, err = DecodeCallSession("s2", map[string]any{
		"callerId": "a",
		"calleeId": "b",
		"callType": "hologram",
		"status":   "incoming",
	})
	assert.True(t, IsCode(err, CodeMalformedRecord))

	_, err = DecodeCallSession("s3", map[string]any{
		"callerId": "a",
		"calleeId": "b",
		"callType": "audio",
		"status":   "paused",
	})
	assert.True(t, IsCode(err, CodeMalformedRecord))
}

func TestDecodeInvitationAndContact(t *testing.T) {
	inv, err := DecodeInvitation("i1", map[string]any{
		"fromUserId":   "a",
		"fromUserName": "Alice",
		"toUserId":     "b",
		"toUserName":   "Bob",
		"status":       "pending",
	})
	require.NoError(t, err)
	assert.Equal(t, InvitationStatusPending, inv.Status)

	_, err = DecodeInvitation("i2", map[string]any{"fromUserId": "a", "toUserId": "b", "status": "rejected"})
	assert.True(t, IsCode(err, CodeMalformedRecord))

	_, err = DecodeContact("c1", map[string]any{"userId": "a"})
	assert.True(t, IsCode(err, CodeMalformedRecord))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(NewNotFoundError("user", "x")))
	assert.Equal(t, http.StatusConflict, StatusFor(NewInvalidTransitionError(CallStatusEnded, CallStatusAccepted)))
	assert.Equal(t, http.StatusBadGateway, StatusFor(fmt.Errorf("wrapped: %w", NewTransportError("get", assert.AnError))))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}
