package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"go-roleplay/internal/domain"
)

const memoryBuffer = 256

// MemoryFeed fans events out inside one process. Each registration gets its
// own delivery goroutine so a slow handler only delays its own events.
type MemoryFeed struct {
	mu     sync.RWMutex
	subs   map[string]*memorySub
	closed bool
}

type memorySub struct {
	handle  Handle
	filter  Filter
	handler Handler
	events  chan domain.Event
	quit    chan struct{}
	done    chan struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]*memorySub)}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, class domain.EventClass, filter Filter, handler Handler) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	sub := &memorySub{
		handle:  Handle{ID: uuid.NewString(), Class: class},
		filter:  filter,
		handler: handler,
		events:  make(chan domain.Event, memoryBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Handle{}, ErrClosed
	}
	f.subs[sub.handle.ID] = sub
	f.mu.Unlock()

	go sub.run()
	return sub.handle, nil
}

func (s *memorySub) run() {
	defer close(s.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			select {
			case <-s.quit:
				return
			default:
			}
			if accept(s.filter, ev) {
				s.handler(ctx, ev)
			}
		}
	}
}

func (f *MemoryFeed) Unsubscribe(_ context.Context, h Handle) error {
	f.mu.Lock()
	sub, ok := f.subs[h.ID]
	if ok {
		delete(f.subs, h.ID)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID)
	}

	close(sub.quit)
	<-sub.done
	return nil
}

func (f *MemoryFeed) Publish(ctx context.Context, ev domain.Event) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySub
	for _, sub := range f.subs {
		if sub.handle.Class == ev.Class {
			targets = append(targets, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- ev:
		case <-sub.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Live returns the handles currently registered.
func (f *MemoryFeed) Live() []Handle {
	f.mu.RLock()
	defer f.mu.RUnlock()

	handles := make([]Handle, 0, len(f.subs))
	for _, sub := range f.subs {
		handles = append(handles, sub.handle)
	}
	return handles
}

// Close stops every registration.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[string]*memorySub)
	f.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
		<-sub.done
	}
	return nil
}
