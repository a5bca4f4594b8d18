// Package streamtest provides an in-memory document store and helpers for
// testing components built on eventstream.
package streamtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"duolink/internal/eventstream"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory SQLite database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&eventstream.Record{}))
	return db
}

// NewStore returns a Store over a fresh in-memory database with a local feed.
func NewStore(t testing.TB, opts ...eventstream.Option) *eventstream.Store {
	t.Helper()
	return eventstream.NewStore(NewDB(t), eventstream.NewLocalFeed(), opts...)
}

// Recorder collects snapshots delivered to a handler.
type Recorder struct {
	mu    sync.Mutex
	snaps []eventstream.Snapshot
}

// Handle is an eventstream.Handler.
func (r *Recorder) Handle(s eventstream.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// Count returns how many snapshots were delivered.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

// Last returns the latest snapshot, or false if none arrived yet.
func (r *Recorder) Last() (eventstream.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return eventstream.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

// All returns every snapshot delivered so far.
func (r *Recorder) All() []eventstream.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventstream.Snapshot(nil), r.snaps...)
}

// FaultyClient wraps a Client and fails selected writes.
type FaultyClient struct {
	eventstream.Client

	mu    sync.Mutex
	calls map[string]int
	// Fail decides whether the nth call (1-based) of op on collection fails.
	Fail func(op, collection string, n int) error
}

// NewFaultyClient wraps c.
func NewFaultyClient(c eventstream.Client, fail func(op, collection string, n int) error) *FaultyClient {
	return &FaultyClient{Client: c, calls: make(map[string]int), Fail: fail}
}

func (f *FaultyClient) check(op, collection string) error {
	f.mu.Lock()
	f.calls[op+" "+collection]++
	n := f.calls[op+" "+collection]
	f.mu.Unlock()
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op, collection, n)
}

func (f *FaultyClient) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := f.check("create", collection); err != nil {
		return "", err
	}
	return f.Client.Create(ctx, collection, fields)
}

func (f *FaultyClient) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := f.check("update", collection); err != nil {
		return err
	}
	return f.Client.Update(ctx, collection, id, fields)
}

func (f *FaultyClient) Delete(ctx context.Context, collection, id string) error {
	if err := f.check("delete", collection); err != nil {
		return err
	}
	return f.Client.Delete(ctx, collection, id)
}

func (f *FaultyClient) UnionAppend(ctx context.Context, collection, id, field string, value any) error {
	if err := f.check("union_append", collection); err != nil {
		return err
	}
	return f.Client.UnionAppend(ctx, collection, id, field, value)
}

func (f *FaultyClient) Subscribe(ctx context.Context, q eventstream.Query, fn eventstream.Handler) (eventstream.Unsubscribe, error) {
	if err := f.check("subscribe", q.Collection); err != nil {
		return nil, err
	}
	return f.Client.Subscribe(ctx, q, fn)
}

// Calls returns how many times op was called on collection.
func (f *FaultyClient) Calls(op, collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+" "+collection]
}

// StepClock returns a clock that starts at start and advances by step on
// every reading, so consecutive writes get distinct timestamps.
func StepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}
