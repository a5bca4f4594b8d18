package seed

import (
	"context"
	"testing"

	"duolink/internal/eventstream"
	"duolink/internal/eventstream/streamtest"
	"duolink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	db := streamtest.NewDB(t)
	s := NewSeeder(db, 42)
	ctx := context.Background()

	sum, err := s.Run(ctx, Options{
		NumUsers:          5,
		ContactsPerUser:   2,
		MessagesPerThread: 3,
		PendingEvery:      3,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Users)
	assert.Equal(t, 10, sum.Invitations)
	accepted := 10 - 10/3
	assert.Equal(t, 2*accepted, sum.Contacts)
	assert.Equal(t, 3*accepted, sum.Messages)

	contacts, err := s.store.Query(ctx, eventstream.From(models.CollectionContacts))
	require.NoError(t, err)
	assert.Len(t, contacts, sum.Contacts)

	pending, err := s.store.Query(ctx, eventstream.From(models.CollectionInvitations).
		Where("status", models.InvitationStatusPending))
	require.NoError(t, err)
	assert.Len(t, pending, 10/3)

	people, err := s.store.Query(ctx, eventstream.From(models.CollectionUsers))
	require.NoError(t, err)
	codes := map[string]bool{}
	for _, p := range people {
		codes[p.String("invitationCode")] = true
	}
	assert.Len(t, codes, 5, "invitation codes are unique")
}

func TestClearAll(t *testing.T) {
	db := streamtest.NewDB(t)
	s := NewSeeder(db, 7)
	ctx := context.Background()

	_, err := s.SeedUsers(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, s.ClearAll())

	people, err := s.store.Query(ctx, eventstream.From(models.CollectionUsers))
	require.NoError(t, err)
	assert.Empty(t, people)
}

func TestSeedContacts_CapsAtGroupSize(t *testing.T) {
	db := streamtest.NewDB(t)
	s := NewSeeder(db, 1)
	ctx := context.Background()

	people, err := s.SeedUsers(ctx, 3)
	require.NoError(t, err)

	pairs, sent, err := s.SeedContacts(ctx, people, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, sent, "each unordered pair is invited once")
	assert.Len(t, pairs, 3)
}
