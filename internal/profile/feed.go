package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const feedChannelPrefix = "profile:changed:"

// Feed adds real-time change notification to a Documents store by publishing
// a Redis message after every merge. Subscribers re-read the document on each
// message, so a snapshot always reflects the stored state rather than the
// patch that triggered it.
type Feed struct {
	docs   Documents
	cache  *redis.Client
	logger *slog.Logger
}

// NewFeed wraps docs with Redis pub/sub notification.
func NewFeed(docs Documents, cache *redis.Client, logger *slog.Logger) *Feed {
	return &Feed{docs: docs, cache: cache, logger: logger}
}

// Channel returns the pub/sub channel carrying changes for uid.
func Channel(uid string) string {
	return feedChannelPrefix + uid
}

// Get delegates to the wrapped store.
func (f *Feed) Get(ctx context.Context, uid string) (Snapshot, error) {
	return f.docs.Get(ctx, uid)
}

// Merge writes through and then announces the change. A failed announcement
// is logged, not returned: the write itself succeeded.
func (f *Feed) Merge(ctx context.Context, uid string, patch Patch) error {
	if err := f.docs.Merge(ctx, uid, patch); err != nil {
		return err
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := f.cache.Publish(ctx, Channel(uid), stamp).Err(); err != nil {
		f.logger.Warn("profile change publish failed", slog.String("uid", uid), slog.Any("error", err))
	}
	return nil
}

type feedSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	active atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.active.Store(false)
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// Subscribe confirms the Redis subscription before returning, then delivers
// the current snapshot and one snapshot per change from a dedicated
// goroutine.
func (f *Feed) Subscribe(ctx context.Context, uid string, l Listener) (Subscription, error) {
	if uid == "" {
		return nil, ErrMissingUID
	}
	pubsub := f.cache.Subscribe(ctx, Channel(uid))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(uid), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &feedSub{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	sub.active.Store(true)

	go f.run(runCtx, uid, sub, l)
	return sub, nil
}

func (f *Feed) run(ctx context.Context, uid string, sub *feedSub, l Listener) {
	defer close(sub.done)
	messages := sub.pubsub.Channel()

	f.deliver(ctx, uid, sub, l)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			f.deliver(ctx, uid, sub, l)
		}
	}
}

func (f *Feed) deliver(ctx context.Context, uid string, sub *feedSub, l Listener) {
	snap, err := f.docs.Get(ctx, uid)
	if !sub.active.Load() {
		return
	}
	if err != nil {
		f.logger.Warn("profile snapshot read failed", slog.String("uid", uid), slog.Any("error", err))
		if l.OnError != nil {
			l.OnError(err)
		}
		return
	}
	l.OnSnapshot(snap)
}
