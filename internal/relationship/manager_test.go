package relationship

import (
	"context"
	"sync"
	"testing"
	"time"

	"duolink/internal/cache"
	"duolink/internal/eventstream"
	"duolink/internal/eventstream/streamtest"
	"duolink/internal/models"
	"duolink/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profilesStub struct {
	getFn  func(ctx context.Context, id string) (models.User, error)
	findFn func(ctx context.Context, code string) (models.User, bool, error)
}

func (s profilesStub) Get(ctx context.Context, id string) (models.User, error) {
	return s.getFn(ctx, id)
}

func (s profilesStub) FindByInvitationCode(ctx context.Context, code string) (models.User, bool, error) {
	return s.findFn(ctx, code)
}

type fixture struct {
	store *eventstream.Store
	dir   *users.Directory
	alice models.User
	bob   models.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store := streamtest.NewStore(t)
	codes := []string{"AB12", "CD34"}
	next := 0
	dir := users.NewDirectory(store, cache.New(nil), users.WithCodeGenerator(func() string {
		c := codes[next%len(codes)]
		next++
		return c
	}))

	alice, _, err := dir.Register(ctx, users.RegisterInput{ID: "alice", Name: "Alice", ProfilePic: "a.png"})
	require.NoError(t, err)
	bob, _, err := dir.Register(ctx, users.RegisterInput{ID: "bob", Name: "Bob", ProfilePic: "b.png"})
	require.NoError(t, err)
	return fixture{store: store, dir: dir, alice: alice, bob: bob}
}

type latest[T any] struct {
	mu    sync.Mutex
	value []T
	calls int
}

func (l *latest[T]) set(v []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = v
	l.calls++
}

func (l *latest[T]) get() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

func TestSendInvitation_UnknownCode(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.store, f.dir)

	res, err := m.SendInvitation(context.Background(), f.alice.ID, f.alice.Name, "ZZ99")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, MsgNoUserFound, res.Message)
}

func TestSendInvitation_ToSelf(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.store, f.dir)

	res, err := m.SendInvitation(context.Background(), f.alice.ID, f.alice.Name, f.alice.InvitationCode)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, MsgInviteSelf, res.Message)
}

func TestSendInvitation_LookupFailure(t *testing.T) {
	m := NewManager(streamtest.NewStore(t), profilesStub{
		findFn: func(context.Context, string) (models.User, bool, error) {
			return models.User{}, false, models.NewTransportError("query users", assert.AnError)
		},
	})

	res, err := m.SendInvitation(context.Background(), "alice", "Alice", "AB12")
	assert.True(t, models.IsCode(err, models.CodeTransportFailure))
	assert.Equal(t, MsgSendFailed, res.Message)
}

func TestSendInvitation_AllowsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.store, f.dir)

	for i := 0; i < 2; i++ {
		res, err := m.SendInvitation(ctx, f.alice.ID, f.alice.Name, f.bob.InvitationCode)
		require.NoError(t, err)
		require.True(t, res.OK)
		assert.Equal(t, MsgInvitationSent, res.Message)
		assert.Equal(t, "Bob", res.Invitation.ToUserName)
	}

	pending, err := m.CheckInvitationStatus(ctx, f.alice.ID, f.bob.InvitationCode)
	require.NoError(t, err)
	assert.True(t, pending)

	docs, err := f.store.Query(ctx, eventstream.From(models.CollectionInvitations).Where("toUserId", f.bob.ID))
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestAcceptInvitation_CreatesSymmetricContacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.store, f.dir)

	var aliceContacts, bobContacts latest[models.Contact]
	var bobInvites latest[models.Invitation]

	unsubA, err := m.ListenToContacts(ctx, f.alice.ID, aliceContacts.set)
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := m.ListenToContacts(ctx, f.bob.ID, bobContacts.set)
	require.NoError(t, err)
	defer unsubB()
	unsubI, err := m.ListenForInvitations(ctx, f.bob.ID, bobInvites.set)
	require.NoError(t, err)
	defer unsubI()

	res, err := m.SendInvitation(ctx, f.alice.ID, f.alice.Name, f.bob.InvitationCode)
	require.NoError(t, err)
	require.True(t, res.OK)

	require.Eventually(t, func() bool { return len(bobInvites.get()) == 1 }, time.Second, 10*time.Millisecond)
	inv := bobInvites.get()[0]
	assert.Equal(t, "Alice", inv.FromUserName)

	require.NoError(t, m.AcceptInvitation(ctx, f.bob.ID, inv.ID, f.alice.ID))

	require.Eventually(t, func() bool {
		return len(aliceContacts.get()) == 1 && len(bobContacts.get()) == 1
	}, time.Second, 10*time.Millisecond)

	a, b := aliceContacts.get()[0], bobContacts.get()[0]
	assert.Equal(t, f.bob.ID, a.ContactID)
	assert.Equal(t, "Bob", a.Name)
	assert.Equal(t, "b.png", a.ProfilePic)
	assert.Equal(t, f.alice.ID, b.ContactID)
	assert.Equal(t, "Alice", b.Name)
	assert.True(t, a.CreatedAt.Equal(b.CreatedAt), "edges share createdAt")

	assert.Eventually(t, func() bool { return len(bobInvites.get()) == 0 }, time.Second, 10*time.Millisecond,
		"accepted invitations leave the pending stream")
}

func TestAcceptInvitation_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.store, f.dir)

	res, err := m.SendInvitation(ctx, f.alice.ID, f.alice.Name, f.bob.InvitationCode)
	require.NoError(t, err)
	id := res.Invitation.ID

	err = m.AcceptInvitation(ctx, f.alice.ID, id, f.alice.ID)
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	err = m.AcceptInvitation(ctx, f.bob.ID, id, "mallory")
	assert.True(t, models.IsCode(err, models.CodeValidation))

	err = m.AcceptInvitation(ctx, f.bob.ID, "missing", f.alice.ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))

	require.NoError(t, m.AcceptInvitation(ctx, f.bob.ID, id, f.alice.ID))
	err = m.AcceptInvitation(ctx, f.bob.ID, id, f.alice.ID)
	assert.True(t, models.IsCode(err, models.CodeValidation), "accepting twice is refused")
}

func TestAcceptInvitation_PartialWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	faulty := streamtest.NewFaultyClient(f.store, func(op, collection string, n int) error {
		if op == "create" && collection == models.CollectionContacts && n == 2 {
			return models.NewTransportError("create contacts", assert.AnError)
		}
		return nil
	})
	m := NewManager(faulty, f.dir)

	res, err := m.SendInvitation(ctx, f.alice.ID, f.alice.Name, f.bob.InvitationCode)
	require.NoError(t, err)

	err = m.AcceptInvitation(ctx, f.bob.ID, res.Invitation.ID, f.alice.ID)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodePartialWrite))
	assert.ErrorIs(t, err, assert.AnError)

	bobEdges, err := f.store.Query(ctx, eventstream.From(models.CollectionContacts).Where("userId", f.bob.ID))
	require.NoError(t, err)
	aliceEdges, err := f.store.Query(ctx, eventstream.From(models.CollectionContacts).Where("userId", f.alice.ID))
	require.NoError(t, err)
	assert.Len(t, bobEdges, 1)
	assert.Empty(t, aliceEdges, "no compensating write is made")
}

func TestRejectInvitation_RemovesFromBothStreams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.store, f.dir)

	var received, sent latest[models.Invitation]
	unsubR, err := m.ListenForInvitations(ctx, f.bob.ID, received.set)
	require.NoError(t, err)
	defer unsubR()
	unsubS, err := m.ListenForSentInvitations(ctx, f.alice.ID, sent.set)
	require.NoError(t, err)
	defer unsubS()

	res, err := m.SendInvitation(ctx, f.alice.ID, f.alice.Name, f.bob.InvitationCode)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(received.get()) == 1 && len(sent.get()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.RejectInvitation(ctx, res.Invitation.ID))

	assert.Eventually(t, func() bool {
		return len(received.get()) == 0 && len(sent.get()) == 0
	}, time.Second, 10*time.Millisecond)

	_, err = m.GetInvitation(ctx, res.Invitation.ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestListenToContacts_SkipsMalformedAndUnknownProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManager(f.store, f.dir)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Set(ctx, models.CollectionContacts, "c1", map[string]any{
		"userId": f.alice.ID, "contactId": f.bob.ID, "createdAt": older,
	}))
	require.NoError(t, f.store.Set(ctx, models.CollectionContacts, "c2", map[string]any{
		"userId": f.alice.ID, "contactId": "ghost", "createdAt": older.Add(time.Hour),
	}))
	require.NoError(t, f.store.Set(ctx, models.CollectionContacts, "bad", map[string]any{
		"userId": f.alice.ID, "createdAt": 12,
	}))

	var got latest[models.Contact]
	unsub, err := m.ListenToContacts(ctx, f.alice.ID, got.set)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, time.Second, 10*time.Millisecond)
	contacts := got.get()
	assert.Equal(t, "ghost", contacts[0].ContactID, "newest first")
	assert.Equal(t, UnknownName, contacts[0].Name)
	assert.Equal(t, "Bob", contacts[1].Name)
}

func TestSortContacts(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	contacts := []models.Contact{
		{ContactID: "b", CreatedAt: t0},
		{ContactID: "c", CreatedAt: t0.Add(time.Minute)},
		{ContactID: "a", CreatedAt: t0},
	}
	SortContacts(contacts)
	assert.Equal(t, "c", contacts[0].ContactID)
	assert.Equal(t, "a", contacts[1].ContactID)
	assert.Equal(t, "b", contacts[2].ContactID)
}
