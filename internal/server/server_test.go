package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"duolink/internal/config"
	"duolink/internal/eventstream"
	"duolink/internal/eventstream/streamtest"
	"duolink/internal/media"
	"duolink/internal/media/mediatest"
	"duolink/internal/middleware"
	"duolink/internal/models"
	"duolink/internal/relationship"
	"duolink/internal/session"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

type testServer struct {
	s   *Server
	app *fiber.App
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	cfg := &config.Config{
		Env:                    "test",
		JWTSecret:              testSecret,
		AllowedOrigins:         "http://localhost:5173",
		CallNoticeDelayMS:      10,
		InvitationCodeAttempts: 10,
		ProfileCacheTTLSeconds: 60,
	}
	s, err := NewServerWithDeps(cfg, streamtest.NewDB(t), nil,
		WithMediaEngine(func() media.Engine { return mediatest.NewEngine() }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.sessions.Shutdown(context.Background()) })
	return testServer{s: s, app: s.App()}
}

func generateToken(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": middleware.TokenIssuer,
		"aud": middleware.TokenAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts testServer) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+generateToken(t, userID))
	}

	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts testServer) register(t *testing.T, id, name string) models.User {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/users/me", id, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var user models.User
	require.NoError(t, json.Unmarshal(body, &user))
	return user
}

func (ts testServer) connect(t *testing.T, alice, bob models.User) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/invitations", alice.ID, map[string]string{"code": bob.InvitationCode})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var res relationship.SendResult
	require.NoError(t, json.Unmarshal(body, &res))

	resp, body = ts.do(t, http.MethodPost, "/api/invitations/"+res.Invitation.ID+"/accept", bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "healthy", payload["status"])
	assert.Equal(t, "unavailable", payload["checks"].(map[string]any)["redis"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/users/me", "/api/calls/x"} {
		resp, _ := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/ws", "alice", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestUsersMe(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.register(t, "alice", "Alice")
	assert.Equal(t, "alice", alice.ID)
	assert.Len(t, alice.InvitationCode, models.InvitationCodeLength)

	resp, body := ts.do(t, http.MethodPost, "/api/users/me", "alice", map[string]string{"name": "Other"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "second sign-in keeps the record")
	var again models.User
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, "Alice", again.Name)
	assert.Equal(t, alice.InvitationCode, again.InvitationCode)

	resp, body = ts.do(t, http.MethodPut, "/api/users/me", "alice", map[string]string{"profilePic": "new.png"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated models.User
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "Alice", updated.Name)
	assert.Equal(t, "new.png", updated.ProfilePic)

	resp, _ = ts.do(t, http.MethodGet, "/api/users/me", "nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvitations(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")

	resp, body := ts.do(t, http.MethodPost, "/api/invitations", alice.ID, map[string]string{"code": "ZZZZ"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res relationship.SendResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.OK)
	assert.Equal(t, relationship.MsgNoUserFound, res.Message)

	resp, body = ts.do(t, http.MethodPost, "/api/invitations", alice.ID, map[string]string{"code": bob.InvitationCode})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &res))
	require.True(t, res.OK)
	invID := res.Invitation.ID

	resp, body = ts.do(t, http.MethodGet, "/api/invitations/status/"+bob.InvitationCode, alice.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"pending":true}`, string(body))

	resp, _ = ts.do(t, http.MethodPost, "/api/invitations/"+invID+"/accept", alice.ID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "only the recipient accepts")

	resp, _ = ts.do(t, http.MethodPost, "/api/invitations/"+invID+"/accept", bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	contacts, err := ts.s.store.Query(context.Background(),
		eventstream.From(models.CollectionContacts).Where("userId", alice.ID))
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	resp, _ = ts.do(t, http.MethodPost, "/api/invitations/missing/accept", bob.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectInvitation(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")
	ts.register(t, "carol", "Carol")

	resp, body := ts.do(t, http.MethodPost, "/api/invitations", alice.ID, map[string]string{"code": bob.InvitationCode})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res relationship.SendResult
	require.NoError(t, json.Unmarshal(body, &res))

	resp, _ = ts.do(t, http.MethodDelete, "/api/invitations/"+res.Invitation.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/invitations/"+res.Invitation.ID, bob.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/invitations/"+res.Invitation.ID, bob.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")
	ts.connect(t, alice, bob)
	threadID := models.ThreadID(alice.ID, bob.ID)

	tests := []struct {
		name       string
		userID     string
		threadID   string
		body       map[string]string
		wantStatus int
	}{
		{name: "text", userID: alice.ID, threadID: threadID, body: map[string]string{"text": "hi"}, wantStatus: http.StatusNoContent},
		{name: "image", userID: bob.ID, threadID: threadID, body: map[string]string{"imageUrl": "https://img/1.png"}, wantStatus: http.StatusNoContent},
		{name: "both", userID: alice.ID, threadID: threadID, body: map[string]string{"text": "hi", "imageUrl": "x"}, wantStatus: http.StatusBadRequest},
		{name: "not a member", userID: alice.ID, threadID: "bob_carol", body: map[string]string{"text": "hi"}, wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/threads/"+tt.threadID+"/messages", tt.userID, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode, string(body))
		})
	}

	docs, err := ts.s.store.Query(context.Background(), eventstream.From(models.MessagesCollection(threadID)))
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestCallsWithoutSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")

	resp, body := ts.do(t, http.MethodPost, "/api/calls", alice.ID,
		map[string]string{"calleeId": bob.ID, "callType": "hologram"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodPost, "/api/calls", alice.ID,
		map[string]string{"calleeId": bob.ID, "callType": string(models.CallTypeAudio)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sess models.CallSession
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, models.CallStatusIncoming, sess.Status)

	resp, _ = ts.do(t, http.MethodGet, "/api/calls/"+sess.ID, "carol", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/calls/"+sess.ID+"/accept", alice.ID, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "the caller cannot accept")

	resp, body = ts.do(t, http.MethodPost, "/api/calls/"+sess.ID+"/accept", bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, models.CallStatusAccepted, sess.Status)

	resp, _ = ts.do(t, http.MethodPost, "/api/calls/"+sess.ID+"/end", alice.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/calls/"+sess.ID+"/reject", bob.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "ended is terminal")

	resp, body = ts.do(t, http.MethodGet, "/api/calls/"+sess.ID, bob.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, models.CallStatusEnded, sess.Status)
}

func TestCreateCallJoinsMediaWithLiveSession(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	bob := ts.register(t, "bob", "Bob")

	ctrl, sub, err := ts.s.sessions.Acquire(context.Background(), alice.ID)
	require.NoError(t, err)
	defer ts.s.sessions.Release(alice.ID, sub)

	resp, body := ts.do(t, http.MethodPost, "/api/calls", alice.ID,
		map[string]string{"calleeId": bob.ID, "callType": string(models.CallTypeVideo)})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	active, ok := ctrl.ActiveCall()
	require.True(t, ok)
	assert.Equal(t, models.CallTypeVideo, active.CallType)
	assert.True(t, ctrl.Media().State().Joined)

	resp, _ = ts.do(t, http.MethodPost, "/api/calls", alice.ID,
		map[string]string{"calleeId": bob.ID, "callType": string(models.CallTypeAudio)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "one call at a time")

	resp, _ = ts.do(t, http.MethodPost, "/api/calls/"+active.ID+"/end", alice.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Eventually(t, func() bool {
		_, ok := ctrl.ActiveCall()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSessionHubSharesOneControllerPerUser(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	hub := ts.s.sessions
	ctx := context.Background()

	ctrl, first, err := hub.Acquire(ctx, alice.ID)
	require.NoError(t, err)

	waitFor(t, first.events, session.EventContacts)

	again, second, err := hub.Acquire(ctx, alice.ID)
	require.NoError(t, err)
	assert.Same(t, ctrl, again)
	waitFor(t, second.events, session.EventContacts)

	hub.Release(alice.ID, first)
	_, ok := hub.Lookup(alice.ID)
	assert.True(t, ok, "one connection is still open")

	hub.Release(alice.ID, second)
	_, ok = hub.Lookup(alice.ID)
	assert.False(t, ok)
	select {
	case <-ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("controller still running after the last release")
	}
}

func TestSessionHubConcurrentAcquireKeepsOneController(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	hub := ts.s.sessions
	ctx := context.Background()

	type acquired struct {
		ctrl *session.Controller
		sub  *subscriber
	}
	results := make([]acquired, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctrl, sub, err := hub.Acquire(ctx, alice.ID)
			assert.NoError(t, err)
			results[i] = acquired{ctrl, sub}
		}(i)
	}
	wg.Wait()

	kept, ok := hub.Lookup(alice.ID)
	require.True(t, ok)
	for _, r := range results {
		assert.Same(t, kept, r.ctrl)
	}
	for _, r := range results {
		hub.Release(alice.ID, r.sub)
	}
	_, ok = hub.Lookup(alice.ID)
	assert.False(t, ok)
}

func TestSessionHubRefusesAfterShutdown(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	hub := ts.s.sessions

	require.NoError(t, hub.Shutdown(context.Background()))
	_, _, err := hub.Acquire(context.Background(), alice.ID)
	assert.ErrorIs(t, err, session.ErrStopped)
}

func TestHandleInbound(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.register(t, "alice", "Alice")
	ctx := context.Background()

	ctrl, sub, err := ts.s.sessions.Acquire(ctx, alice.ID)
	require.NoError(t, err)
	defer ts.s.sessions.Release(alice.ID, sub)

	err = ts.s.handleInbound(ctx, alice.ID, ctrl, wsInbound{Type: wsOpenThread, ThreadID: "bob_carol"})
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	err = ts.s.handleInbound(ctx, alice.ID, ctrl, wsInbound{Type: wsMute, On: true})
	assert.ErrorIs(t, err, media.ErrNotJoined)

	err = ts.s.handleInbound(ctx, alice.ID, ctrl, wsInbound{Type: "dance"})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	assert.NoError(t, ts.s.handleInbound(ctx, alice.ID, ctrl, wsInbound{Type: wsCloseThread, ThreadID: "alice_bob"}))
}

func waitFor(t *testing.T, events <-chan session.Event, kind session.EventKind) session.Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return session.Event{}
		}
	}
}
