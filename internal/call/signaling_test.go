package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"duolink/internal/eventstream/streamtest"
	"duolink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	sig := NewSignaling(streamtest.NewStore(t))
	ctx := context.Background()

	id, err := sig.Create(ctx, "alice", "bob", models.CallTypeVideo)
	require.NoError(t, err)

	sess, err := sig.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusIncoming, sess.Status)
	assert.Equal(t, models.CallTypeVideo, sess.CallType)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestCreate_Validation(t *testing.T) {
	sig := NewSignaling(streamtest.NewStore(t))
	ctx := context.Background()

	_, err := sig.Create(ctx, "alice", "alice", models.CallTypeAudio)
	assert.True(t, models.IsCode(err, models.CodeValidation))
	_, err = sig.Create(ctx, "alice", "", models.CallTypeAudio)
	assert.True(t, models.IsCode(err, models.CodeValidation))
	_, err = sig.Create(ctx, "alice", "bob", models.CallType("screen"))
	assert.True(t, models.IsCode(err, models.CodeValidation))
}

func TestGet_NotFound(t *testing.T) {
	_, err := NewSignaling(streamtest.NewStore(t)).Get(context.Background(), "missing")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestTransitions(t *testing.T) {
	sig := NewSignaling(streamtest.NewStore(t))
	ctx := context.Background()
	id, err := sig.Create(ctx, "alice", "bob", models.CallTypeAudio)
	require.NoError(t, err)

	_, err = sig.Accept(ctx, id, "alice")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized), "caller cannot accept")

	sess, err := sig.Accept(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusAccepted, sess.Status)

	_, err = sig.Reject(ctx, id, "bob")
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition))

	sess, err = sig.End(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, sess.Status)

	_, err = sig.End(ctx, id, "bob")
	assert.True(t, models.IsCode(err, models.CodeInvalidTransition), "no self-transition")
}

// Even a store with no conditional writes must not let a finished session
// be answered.
func TestAcceptAfterEnded_RefusedWithoutStoreGuard(t *testing.T) {
	store := streamtest.NewStore(t)
	plain := streamtest.NewFaultyClient(store, nil)
	sig := NewSignaling(plain)
	ctx := context.Background()

	for _, terminal := range []models.CallStatus{models.CallStatusEnded, models.CallStatusRejected} {
		id, err := sig.Create(ctx, "alice", "bob", models.CallTypeAudio)
		require.NoError(t, err)
		require.NoError(t, store.Update(ctx, models.CollectionCallSessions, id, map[string]any{"status": terminal}))

		_, err = sig.Accept(ctx, id, "bob")
		assert.True(t, models.IsCode(err, models.CodeInvalidTransition), string(terminal))

		sess, err := sig.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, terminal, sess.Status)
	}
	assert.Zero(t, plain.Calls("update", models.CollectionCallSessions))
}

func TestConcurrentTerminalWrites_OneWins(t *testing.T) {
	sig := NewSignaling(streamtest.NewStore(t))
	ctx := context.Background()
	id, err := sig.Create(ctx, "alice", "bob", models.CallTypeAudio)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = sig.Reject(ctx, id, "bob")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = sig.End(ctx, id, "alice")
	}()
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.True(t, models.IsCode(err, models.CodeInvalidTransition))
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	sess, err := sig.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Status.Terminal())
}

func TestTransition_TransportFailureLeavesSession(t *testing.T) {
	store := streamtest.NewStore(t)
	sig := NewSignaling(store)
	ctx := context.Background()
	id, err := sig.Create(ctx, "alice", "bob", models.CallTypeAudio)
	require.NoError(t, err)

	faulty := NewSignaling(streamtest.NewFaultyClient(store, func(op, _ string, _ int) error {
		if op == "update" {
			return models.NewTransportError("update", assert.AnError)
		}
		return nil
	}))
	_, err = faulty.Accept(ctx, id, "bob")
	assert.True(t, models.IsCode(err, models.CodeTransportFailure))

	sess, err := sig.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusIncoming, sess.Status)
}

func TestWatch(t *testing.T) {
	sig := NewSignaling(streamtest.NewStore(t))
	ctx := context.Background()
	id, err := sig.Create(ctx, "alice", "bob", models.CallTypeAudio)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []models.CallStatus
	unsub, err := sig.Watch(ctx, id, func(s models.CallSession) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Status)
	})
	require.NoError(t, err)
	defer unsub()

	_, err = sig.Accept(ctx, id, "bob")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[0] == models.CallStatusIncoming && seen[1] == models.CallStatusAccepted
	}, time.Second, 10*time.Millisecond)
}
