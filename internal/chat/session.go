package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"go-roleplay/internal/activity"
	"go-roleplay/internal/domain"
	"go-roleplay/internal/feed"
	"go-roleplay/internal/history"
	"go-roleplay/internal/logger"
	"go-roleplay/internal/membership"
	"go-roleplay/internal/notify"
	"go-roleplay/internal/user"
)

const maxContentLength = 4000

var ErrSessionClosed = errors.New("session closed")

type Publisher interface {
	Publish(ctx context.Context, item domain.Item) (domain.Item, error)
}

// PersonaOwner is satisfied by *user.Repository.
type PersonaOwner interface {
	GetPersona(ctx context.Context, userID, personaID int64) (*user.Persona, error)
}

// Membership answers participation for one container kind. It is
// satisfied by *membership.Resolver.
type Membership interface {
	notify.Resolver
	CheckParticipant(ctx context.Context, containerID, personaID int64) error
}

// Services are the collaborators every session shares.
type Services struct {
	Feed          feed.Feed
	Conversations Membership
	Topics        Membership
	Personas      PersonaOwner
	Activity      activity.Store
	Cursors       activity.CursorStore
	Items         history.Store

	ActivityConfig   activity.Config
	HistoryBatchSize int
	SubscriberConfig notify.Config
}

// Session is one connection's persona context. It owns the subscriber, the
// unread tracker and the history loader; a single loop applies commands,
// notifications and badge updates in order.
type Session struct {
	userID    int64
	svc       Services
	publisher Publisher
	emit      func(context.Context, Frame)

	subscriber *notify.Subscriber
	tracker    *activity.Tracker
	loader     *history.Loader
	resolvers  map[domain.ContainerKind]Membership

	commands   chan Command
	unread     chan int
	personaReq chan int64
	done       chan struct{}

	// persona is owned by the loop.
	persona int64
}

func NewSession(userID int64, svc Services, publisher Publisher, emit func(context.Context, Frame)) *Session {
	s := &Session{
		userID:     userID,
		svc:        svc,
		publisher:  publisher,
		emit:       emit,
		subscriber: notify.NewSubscriber(svc.Feed, svc.Conversations, svc.Topics, svc.SubscriberConfig, notify.Callbacks{}),
		tracker:    activity.NewTracker(userID, svc.Activity, svc.Cursors, svc.ActivityConfig),
		loader:     history.NewLoader(svc.Items, svc.HistoryBatchSize),
		resolvers: map[domain.ContainerKind]Membership{
			domain.KindConversation: svc.Conversations,
			domain.KindTopic:        svc.Topics,
		},
		commands:   make(chan Command),
		unread:     make(chan int, 1),
		personaReq: make(chan int64, 1),
		done:       make(chan struct{}),
	}
	s.tracker.OnChange(s.pushUnread)
	return s
}

// Submit hands a command to the loop.
func (s *Session) Submit(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned and no more frames will be emitted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until ctx is done, then tears the subscriptions
// down.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(s.userID),
		Component: "roleplay.chat.session",
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.tracker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runPersonaSwitches(ctx)
	}()

	defer func() {
		s.tracker.Stop()
		wg.Wait()
		s.subscriber.Close(context.WithoutCancel(ctx))
		slog.DebugContext(ctx, "session closed")
	}()

	notifications := s.subscriber.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			s.handle(ctx, cmd)
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			s.onNotification(ctx, n)
		case count := <-s.unread:
			s.emit(ctx, Frame{Type: FrameUnreadCount, Unread: &count})
		}
	}
}

// runPersonaSwitches applies persona changes one at a time, so the last
// requested persona is the one left active.
func (s *Session) runPersonaSwitches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case personaID := <-s.personaReq:
			s.subscriber.SetActivePersona(ctx, personaID)
		}
	}
}

// requestPersona replaces any switch that has not started yet.
func (s *Session) requestPersona(personaID int64) {
	s.subscriber.CancelRegistration(personaID)
	for {
		select {
		case s.personaReq <- personaID:
			return
		default:
		}
		select {
		case <-s.personaReq:
		default:
		}
	}
}

// pushUnread keeps only the latest count for the loop.
func (s *Session) pushUnread(n int) {
	for {
		select {
		case s.unread <- n:
			return
		default:
		}
		select {
		case <-s.unread:
		default:
		}
	}
}

func (s *Session) handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CmdSetActivePersona:
		s.setActivePersona(ctx, cmd)
	case CmdOpenContainer:
		s.openContainer(ctx, cmd)
	case CmdLoadOlder:
		s.loadOlder(ctx)
	case CmdSend:
		s.send(ctx, cmd)
	case CmdOpenActivity:
		s.openActivity(ctx)
	case CmdCloseActivity:
		s.tracker.CloseDetail()
	case CmdMarkAllRead:
		s.markAllRead(ctx)
	case CmdResetFlags:
		s.resetFlags(cmd)
	default:
		s.emit(ctx, errorFrame(cmd.Type, "unknown command"))
	}
}

func (s *Session) setActivePersona(ctx context.Context, cmd Command) {
	if cmd.PersonaID == s.persona {
		// Repeating the command retries a registration that gave up.
		if s.subscriber.State() == notify.StateDegraded {
			s.requestPersona(s.persona)
		}
		s.emit(ctx, activePersonaFrame(s.persona))
		return
	}
	if cmd.PersonaID != 0 {
		if _, err := s.svc.Personas.GetPersona(ctx, s.userID, cmd.PersonaID); err != nil {
			s.fail(ctx, cmd.Type, err)
			return
		}
	}

	s.persona = cmd.PersonaID
	// The open container was checked against the previous persona.
	s.loader.Reset()
	s.requestPersona(cmd.PersonaID)
	s.emit(ctx, activePersonaFrame(s.persona))
}

// authorize checks that the active persona may see the container.
func (s *Session) authorize(ctx context.Context, op string, kind domain.ContainerKind, containerID int64) bool {
	if s.persona == 0 {
		s.emit(ctx, errorFrame(op, "no active persona"))
		return false
	}
	resolver, ok := s.resolvers[kind]
	if !ok || containerID <= 0 {
		s.emit(ctx, errorFrame(op, "unknown container"))
		return false
	}
	err := resolver.CheckParticipant(ctx, containerID, s.persona)
	switch {
	case err == nil:
		return true
	case errors.Is(err, membership.ErrNotMember):
		s.emit(ctx, errorFrame(op, "not a participant"))
	default:
		s.fail(ctx, op, err)
	}
	return false
}

func (s *Session) openContainer(ctx context.Context, cmd Command) {
	if !s.authorize(ctx, cmd.Type, cmd.Kind, cmd.ContainerID) {
		return
	}
	if err := s.loader.OpenContainer(ctx, cmd.Kind, cmd.ContainerID); err != nil {
		s.fail(ctx, cmd.Type, err)
		return
	}
	state := s.loader.Snapshot()
	s.emit(ctx, Frame{Type: FrameHistory, History: &state})
}

func (s *Session) loadOlder(ctx context.Context) {
	added, err := s.loader.LoadOlder(ctx)
	if err != nil {
		s.fail(ctx, CmdLoadOlder, err)
		return
	}
	state := s.loader.Snapshot()
	s.emit(ctx, Frame{Type: FrameHistory, History: &state, Added: &added})
}

func (s *Session) send(ctx context.Context, cmd Command) {
	content := strings.TrimSpace(cmd.Content)
	if content == "" || utf8.RuneCountInString(content) > maxContentLength {
		s.emit(ctx, errorFrame(cmd.Type, "content must be between 1 and 4000 characters"))
		return
	}
	if !s.authorize(ctx, cmd.Type, cmd.Kind, cmd.ContainerID) {
		return
	}

	stored, err := s.publisher.Publish(ctx, domain.NewItem(cmd.Kind, cmd.ContainerID, s.persona, s.userID, content))
	if err != nil {
		s.fail(ctx, cmd.Type, err)
		return
	}

	s.emit(ctx, Frame{Type: FrameSent, Item: &stored})
	// The feed does not echo our own items back.
	if s.loader.AppendNew(stored) {
		s.emit(ctx, Frame{Type: FrameItemAppended, Item: &stored})
	}
}

func (s *Session) openActivity(ctx context.Context) {
	entries, err := s.tracker.OpenDetail(ctx)
	if err != nil {
		s.fail(ctx, CmdOpenActivity, err)
		return
	}
	if entries == nil {
		entries = []domain.ActivityEntry{}
	}
	unread := s.tracker.UnreadCount()
	s.emit(ctx, Frame{Type: FrameActivity, Entries: entries, Unread: &unread})
}

func (s *Session) markAllRead(ctx context.Context) {
	cursor, err := s.tracker.MarkAllRead(ctx)
	if err != nil {
		s.fail(ctx, CmdMarkAllRead, err)
		return
	}
	s.emit(ctx, Frame{Type: FrameReadCursor, ReadCursor: &cursor})
}

func (s *Session) resetFlags(cmd Command) {
	switch cmd.Kind {
	case domain.KindConversation:
		s.subscriber.ResetNewMessage()
	case domain.KindTopic:
		s.subscriber.ResetNewRP()
	default:
		s.subscriber.ResetNewMessage()
		s.subscriber.ResetNewRP()
	}
}

func (s *Session) onNotification(ctx context.Context, n notify.Notification) {
	// Raised for a persona this session has since switched away from.
	if n.PersonaID != s.persona {
		return
	}

	item := n.Event.Item
	frameType := FrameNewMessage
	if n.Kind() == domain.KindTopic {
		frameType = FrameNewRP
	}
	s.emit(ctx, Frame{Type: frameType, Item: &item})

	if s.loader.AppendNew(item) {
		s.emit(ctx, Frame{Type: FrameItemAppended, Item: &item})
	}
}

// fail reports a failed user action. Known errors are shown as they are;
// anything else is logged and reported generically.
func (s *Session) fail(ctx context.Context, op string, err error) {
	var message string
	switch {
	case errors.Is(err, user.ErrNotFound), errors.Is(err, user.ErrPersonaNotOwned):
		message = "persona not found"
	case errors.Is(err, history.ErrNoContainer):
		message = "unknown container"
	case errors.Is(err, context.Canceled):
		return
	default:
		slog.WarnContext(ctx, "session command failed", "op", op, "error", err)
		message = op + " failed, try again"
	}
	s.emit(ctx, errorFrame(op, message))
}
