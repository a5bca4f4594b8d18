package eventstream

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"duolink/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Feed tells subscriptions that a collection was written. Signals carry no
// payload and coalesce: a subscriber re-reads the collection when woken.
type Feed interface {
	Publish(ctx context.Context, collection string) error
	Listen(collection string) (<-chan struct{}, func())
}

// LocalFeed dispatches change signals inside one process.
type LocalFeed struct {
	mu        sync.RWMutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewLocalFeed creates an in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Publish wakes every listener of collection.
func (f *LocalFeed) Publish(_ context.Context, collection string) error {
	f.notify(collection)
	return nil
}

func (f *LocalFeed) notify(collection string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listen registers for signals on collection. The returned func unregisters.
func (f *LocalFeed) Listen(collection string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	if f.listeners[collection] == nil {
		f.listeners[collection] = make(map[chan struct{}]struct{})
	}
	f.listeners[collection][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners[collection], ch)
			if len(f.listeners[collection]) == 0 {
				delete(f.listeners, collection)
			}
			f.mu.Unlock()
		})
	}
}

const feedChannelPrefix = "stream:"

// FeedChannel returns the Redis channel carrying signals for a collection.
func FeedChannel(collection string) string {
	return feedChannelPrefix + collection
}

// RedisFeed fans change signals out across processes over Redis pub/sub.
// Local listeners are woken by the pattern subscriber, so writes from this
// process and from peers take the same path.
type RedisFeed struct {
	rdb   *redis.Client
	local *LocalFeed
}

// NewRedisFeed creates a feed over rdb. A nil client degrades to local dispatch.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb, local: NewLocalFeed()}
}

// Publish sends a change signal for collection.
func (f *RedisFeed) Publish(ctx context.Context, collection string) error {
	if f.rdb == nil {
		f.local.notify(collection)
		return nil
	}
	if err := f.rdb.Publish(ctx, FeedChannel(collection), "1").Err(); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
		// Peers miss this signal; local listeners still see the write.
		f.local.notify(collection)
		return err
	}
	return nil
}

// Listen registers for signals on collection.
func (f *RedisFeed) Listen(collection string) (<-chan struct{}, func()) {
	return f.local.Listen(collection)
}

// Start subscribes to every collection channel and relays signals to local
// listeners until ctx is cancelled. It returns once the subscription is live.
func (f *RedisFeed) Start(ctx context.Context) error {
	if f.rdb == nil {
		return nil
	}
	sub := f.rdb.PSubscribe(ctx, feedChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		observability.RedisErrorRate.WithLabelValues("psubscribe").Inc()
		return err
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.Logger.Error("panic in feed subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					f.local.notify(strings.TrimPrefix(msg.Channel, feedChannelPrefix))
				}()
			}
		}
	}()

	return nil
}
