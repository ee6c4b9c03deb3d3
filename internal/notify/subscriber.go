package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/feed"
	"go-roleplay/internal/logger"
)

type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	// StateDegraded: a persona is set but registration failed, so only the
	// unread poll reports new content.
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Resolver answers container membership. Implementations fail closed.
type Resolver interface {
	IsParticipant(ctx context.Context, containerID, personaID int64) bool
}

// Notification is raised for an event relevant to the active persona.
type Notification struct {
	PersonaID  int64
	Generation uint64
	Event      domain.Event
}

func (n Notification) Kind() domain.ContainerKind {
	return n.Event.Class.Kind()
}

// Callbacks run on the feed's delivery goroutine and must not call
// SetActivePersona or Close.
type Callbacks struct {
	OnNewMessage func(Notification)
	OnNewRP      func(Notification)
}

type Config struct {
	NotificationBuffer     int
	RegisterMaxTries       uint
	RegisterInitialBackoff time.Duration
	RegisterMaxBackoff     time.Duration
	SeenWindow             int
}

func (c Config) withDefaults() Config {
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = 32
	}
	if c.RegisterMaxTries == 0 {
		c.RegisterMaxTries = 5
	}
	if c.RegisterInitialBackoff <= 0 {
		c.RegisterInitialBackoff = 500 * time.Millisecond
	}
	if c.RegisterMaxBackoff <= 0 {
		c.RegisterMaxBackoff = 10 * time.Second
	}
	if c.SeenWindow <= 0 {
		c.SeenWindow = 256
	}
	return c
}

const teardownTimeout = 5 * time.Second

// Subscriber holds the message and post subscriptions of one persona
// context and raises notifications for events the active persona takes
// part in. At most one subscription pair is live at a time.
type Subscriber struct {
	feed      feed.Feed
	resolvers map[domain.ContainerKind]Resolver
	callbacks Callbacks
	cfg       Config

	notifications chan Notification

	// lifecycle serializes SetActivePersona and Close.
	lifecycle sync.Mutex
	// emit is held for reading while a notification is raised and for
	// writing while the generation changes.
	emit sync.RWMutex

	mu             sync.Mutex
	state          State
	persona        int64
	generation     uint64
	handles        []feed.Handle
	cancelRegister context.CancelFunc
	hasNewMessage  bool
	hasNewRP       bool
	seen           map[string]struct{}
	seenOrder      []string
}

func NewSubscriber(f feed.Feed, conversations, topics Resolver, cfg Config, callbacks Callbacks) *Subscriber {
	cfg = cfg.withDefaults()
	return &Subscriber{
		feed: f,
		resolvers: map[domain.ContainerKind]Resolver{
			domain.KindConversation: conversations,
			domain.KindTopic:        topics,
		},
		callbacks:     callbacks,
		cfg:           cfg,
		notifications: make(chan Notification, cfg.NotificationBuffer),
		seen:          make(map[string]struct{}),
	}
}

// Notifications is closed by Close. Notifications that do not fit the
// buffer are dropped; the HasNew flags still record them.
func (s *Subscriber) Notifications() <-chan Notification {
	return s.notifications
}

// SetActivePersona replaces the current subscription pair with one for
// personaID. Zero means no active persona. Setting the persona that is
// already active is a no-op. Registration failures are logged and leave the
// subscriber degraded.
func (s *Subscriber) SetActivePersona(ctx context.Context, personaID int64) {
	// The switch must not wait out another persona's backoff.
	s.CancelRegistration(personaID)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.emit.Lock()
	s.mu.Lock()
	if s.state == StateClosed || (s.state == StateActive && s.persona == personaID) {
		s.mu.Unlock()
		s.emit.Unlock()
		return
	}

	s.generation++
	gen := s.generation
	old := s.handles
	s.handles = nil
	s.persona = personaID
	s.hasNewMessage = false
	s.hasNewRP = false
	s.clearSeenLocked()
	if personaID == 0 {
		s.state = StateIdle
	} else {
		s.state = StateSubscribing
	}
	regCtx, cancel := context.WithCancel(ctx)
	s.cancelRegister = cancel
	s.mu.Unlock()
	s.emit.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.generation == gen {
			s.cancelRegister = nil
		}
		s.mu.Unlock()
	}()

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		PersonaID:  logger.Ptr(personaID),
		Generation: logger.Ptr(gen),
		Component:  "roleplay.notify.subscriber",
	})

	s.teardown(ctx, old)

	if personaID == 0 {
		slog.DebugContext(ctx, "active persona cleared")
		return
	}

	handles, err := s.register(regCtx, gen, personaID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.generation == gen {
			s.state = StateDegraded
		}
		slog.WarnContext(ctx, "feed registration failed, falling back to polling", "error", err)
		return
	}
	s.handles = handles
	s.state = StateActive
	slog.DebugContext(ctx, "subscriptions active", "handles", len(handles))
}

// CancelRegistration aborts an in-flight registration unless it is for
// personaID. The aborted call leaves the subscriber degraded.
func (s *Subscriber) CancelRegistration(personaID int64) {
	s.mu.Lock()
	if s.cancelRegister != nil && s.persona != personaID {
		s.cancelRegister()
	}
	s.mu.Unlock()
}

// Close tears down any live subscriptions. The subscriber cannot be reused.
func (s *Subscriber) Close(ctx context.Context) {
	s.mu.Lock()
	if s.cancelRegister != nil {
		s.cancelRegister()
	}
	s.mu.Unlock()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.emit.Lock()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.emit.Unlock()
		return
	}
	s.generation++
	s.state = StateClosed
	old := s.handles
	s.handles = nil
	close(s.notifications)
	s.mu.Unlock()
	s.emit.Unlock()

	s.teardown(ctx, old)
}

func (s *Subscriber) register(ctx context.Context, gen uint64, personaID int64) ([]feed.Handle, error) {
	sc := logger.StartSpan(ctx, "notify.register")
	defer sc.End()
	ctx = sc.Context()

	var handles []feed.Handle
	for _, class := range domain.Classes {
		op := func() (feed.Handle, error) {
			h, err := s.feed.Subscribe(ctx, class, selfFilter(personaID), s.handlerFor(gen))
			if errors.Is(err, feed.ErrClosed) {
				return h, backoff.Permanent(err)
			}
			return h, err
		}

		h, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(s.cfg.RegisterMaxTries),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.DebugContext(ctx, "feed registration retry", "class", class, "error", err, "next", next)
			}),
		)
		if err != nil {
			sc.RecordError(err)
			s.teardown(ctx, handles)
			return nil, fmt.Errorf("registering %s: %w", class, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RegisterInitialBackoff
	b.MaxInterval = s.cfg.RegisterMaxBackoff
	return b
}

func (s *Subscriber) teardown(ctx context.Context, handles []feed.Handle) {
	if len(handles) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	for _, h := range handles {
		if err := s.feed.Unsubscribe(ctx, h); err != nil {
			slog.WarnContext(ctx, "feed unsubscribe failed", "error", err, "handle", h.ID, "class", h.Class)
		}
	}
}

// selfFilter drops events authored by the persona itself.
func selfFilter(personaID int64) feed.Filter {
	return func(ev domain.Event) bool {
		return !ev.Item.AuthoredBy(personaID)
	}
}

func (s *Subscriber) handlerFor(gen uint64) feed.Handler {
	return func(ctx context.Context, ev domain.Event) {
		s.handle(ctx, gen, ev)
	}
}

func (s *Subscriber) handle(ctx context.Context, gen uint64, ev domain.Event) {
	s.mu.Lock()
	if gen != s.generation || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	persona := s.persona
	_, dup := s.seen[ev.Key()]
	s.mu.Unlock()

	if dup || persona == 0 || ev.Item.AuthoredBy(persona) {
		return
	}

	resolver := s.resolvers[ev.Class.Kind()]
	if resolver == nil || !resolver.IsParticipant(ctx, ev.Item.ContainerID, persona) {
		return
	}

	s.emit.RLock()
	defer s.emit.RUnlock()

	s.mu.Lock()
	if gen != s.generation || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.rememberLocked(ev.Key()) {
		s.mu.Unlock()
		return
	}
	switch ev.Class.Kind() {
	case domain.KindConversation:
		s.hasNewMessage = true
	case domain.KindTopic:
		s.hasNewRP = true
	}
	s.mu.Unlock()

	n := Notification{PersonaID: persona, Generation: gen, Event: ev}

	switch n.Kind() {
	case domain.KindConversation:
		if s.callbacks.OnNewMessage != nil {
			s.callbacks.OnNewMessage(n)
		}
	case domain.KindTopic:
		if s.callbacks.OnNewRP != nil {
			s.callbacks.OnNewRP(n)
		}
	}

	select {
	case s.notifications <- n:
	default:
		slog.WarnContext(ctx, "notification buffer full, dropping", "event", ev.Key())
	}
}

// rememberLocked records key and reports whether it was new. The window is
// bounded; the oldest keys are forgotten first.
func (s *Subscriber) rememberLocked(key string) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	if len(s.seenOrder) > s.cfg.SeenWindow {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return true
}

func (s *Subscriber) clearSeenLocked() {
	s.seen = make(map[string]struct{})
	s.seenOrder = nil
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) Persona() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

func (s *Subscriber) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Subscriber) HasNewMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNewMessage
}

func (s *Subscriber) HasNewRP() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNewRP
}

func (s *Subscriber) ResetNewMessage() {
	s.mu.Lock()
	s.hasNewMessage = false
	s.mu.Unlock()
}

func (s *Subscriber) ResetNewRP() {
	s.mu.Lock()
	s.hasNewRP = false
	s.mu.Unlock()
}
