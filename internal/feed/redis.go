package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/logger"
)

// RedisFeed carries insert events over Redis pub/sub, one channel per class.
// Pub/sub is fire-and-forget: events published while no node listens are
// lost, and the unread poll covers for them.
type RedisFeed struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool
}

type redisSub struct {
	handle Handle
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisFeed(client *redis.Client, prefix string) *RedisFeed {
	return &RedisFeed{
		client: client,
		prefix: prefix,
		subs:   make(map[string]*redisSub),
	}
}

// ChannelName is the pub/sub channel events of class are published on.
func ChannelName(prefix string, class domain.EventClass) string {
	return fmt.Sprintf("%s:%s", prefix, class)
}

func EncodeEvent(ev domain.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

func DecodeEvent(payload []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Class.Kind() == "" {
		return domain.Event{}, fmt.Errorf("decoding event: unknown class %q", ev.Class)
	}
	return ev, nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, class domain.EventClass, filter Filter, handler Handler) (Handle, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return Handle{}, ErrClosed
	}

	channel := ChannelName(f.prefix, class)
	pubsub := f.client.Subscribe(ctx, channel)

	// Wait for the subscribe confirmation so callers know the handle is live.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return Handle{}, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	deliverCtx, cancel := context.WithCancel(context.Background())
	deliverCtx = logger.WithLogFields(deliverCtx, logger.LogFields{Component: "roleplay.feed.redis"})

	sub := &redisSub{
		handle: Handle{ID: uuid.NewString(), Class: class},
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return Handle{}, ErrClosed
	}
	f.subs[sub.handle.ID] = sub
	f.mu.Unlock()

	go f.deliver(deliverCtx, sub, filter, handler)

	slog.DebugContext(ctx, "feed subscription registered", "channel", channel, "handle", sub.handle.ID)
	return sub.handle, nil
}

func (f *RedisFeed) deliver(ctx context.Context, sub *redisSub, filter Filter, handler Handler) {
	defer close(sub.done)

	for msg := range sub.pubsub.Channel() {
		if ctx.Err() != nil {
			return
		}
		ev, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			slog.WarnContext(ctx, "dropping malformed feed payload",
				"error", err,
				"channel", msg.Channel,
				"payload", logger.Truncate(msg.Payload, 200))
			continue
		}
		if ev.Class != sub.handle.Class {
			continue
		}
		if accept(filter, ev) {
			handler(ctx, ev)
		}
	}
}

func (f *RedisFeed) Unsubscribe(ctx context.Context, h Handle) error {
	f.mu.Lock()
	sub, ok := f.subs[h.ID]
	if ok {
		delete(f.subs, h.ID)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}
	return f.stop(ctx, sub)
}

func (f *RedisFeed) stop(ctx context.Context, sub *redisSub) error {
	sub.cancel()
	err := sub.pubsub.Close()
	select {
	case <-sub.done:
	case <-ctx.Done():
		// Gave up waiting; the goroutine stops at its next context check.
	}
	if err != nil {
		return fmt.Errorf("closing subscription %s: %w", sub.handle.ID, err)
	}
	return nil
}

func (f *RedisFeed) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	channel := ChannelName(f.prefix, ev.Class)
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Close drops every subscription. The Redis client is owned by the caller.
func (f *RedisFeed) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[string]*redisSub)
	f.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := f.stop(ctx, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
