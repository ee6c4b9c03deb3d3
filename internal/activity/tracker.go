package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/logger"
)

type Config struct {
	PollInterval time.Duration
	ListLimit    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 45 * time.Second
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
	return c
}

// Tracker keeps one user's unread badge. The badge is recomputed by polling
// the activity stream against the user's read cursor. Every query is tagged
// with a sequence number and a result is applied only if it is newer than
// the last applied one, so a slow response cannot regress the badge.
type Tracker struct {
	userID  int64
	entries Store
	cursors CursorStore
	cfg     Config

	mu         sync.Mutex
	cursor     time.Time
	unread     int
	issued     uint64
	applied    uint64
	detailOpen bool
	polling    bool
	running    bool
	observers  []func(int)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewTracker(userID int64, entries Store, cursors CursorStore, cfg Config) *Tracker {
	return &Tracker{
		userID:  userID,
		entries: entries,
		cursors: cursors,
		cfg:     cfg.withDefaults(),
		cursor:  domain.Epoch,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnChange registers fn to be called with the new badge count whenever it
// changes. fn runs synchronously on the goroutine that applied the change.
func (t *Tracker) OnChange(fn func(int)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

func (t *Tracker) UnreadCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// ReadCursor returns the cursor as last read or written, without a store
// round trip.
func (t *Tracker) ReadCursor() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Cursor returns the user's read cursor, refreshed from the durable store.
// Cursors written by other sessions are picked up; the cursor never moves
// backwards.
func (t *Tracker) Cursor(ctx context.Context) (time.Time, error) {
	stored, err := t.cursors.GetReadCursor(ctx, t.userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading cursor: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if stored.After(t.cursor) {
		t.cursor = stored
	}
	return t.cursor, nil
}

// Poll recomputes the badge with a count query. It is a no-op while the
// detail view is open or another poll is still outstanding.
func (t *Tracker) Poll(ctx context.Context) error {
	t.mu.Lock()
	if t.detailOpen || t.polling {
		t.mu.Unlock()
		return nil
	}
	t.polling = true
	t.issued++
	seq := t.issued
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.polling = false
		t.mu.Unlock()
	}()

	sc := logger.StartSpan(ctx, "activity.poll")
	defer sc.End()
	ctx = sc.Context()

	cursor, err := t.Cursor(ctx)
	if err != nil {
		sc.RecordError(err)
		return err
	}

	n, err := t.entries.CountSince(ctx, cursor)
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("polling unread count: %w", err)
	}

	t.apply(seq, cursor, n)
	return nil
}

// OpenDetail fetches the unread entries and derives the badge from them.
// Polling pauses until CloseDetail. On error nothing changes.
func (t *Tracker) OpenDetail(ctx context.Context) ([]domain.ActivityEntry, error) {
	t.mu.Lock()
	wasOpen := t.detailOpen
	t.detailOpen = true
	t.issued++
	seq := t.issued
	t.mu.Unlock()

	entries, cursor, err := t.list(ctx)
	if err != nil {
		t.mu.Lock()
		t.detailOpen = wasOpen
		t.mu.Unlock()
		return nil, err
	}

	t.apply(seq, cursor, len(entries))
	return entries, nil
}

func (t *Tracker) list(ctx context.Context) ([]domain.ActivityEntry, time.Time, error) {
	cursor, err := t.Cursor(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	entries, err := t.entries.ListSince(ctx, cursor, t.cfg.ListLimit)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("listing unread activity: %w", err)
	}
	return entries, cursor, nil
}

func (t *Tracker) CloseDetail() {
	t.mu.Lock()
	t.detailOpen = false
	t.mu.Unlock()
}

// MarkAllRead moves the durable cursor to the store's now, the clock item
// timestamps come from, so host clock skew cannot hide later items. The
// badge is cleared only after the write succeeds.
func (t *Tracker) MarkAllRead(ctx context.Context) (time.Time, error) {
	sc := logger.StartSpan(ctx, "activity.mark_all_read")
	defer sc.End()
	ctx = sc.Context()

	stored, err := t.cursors.AdvanceReadCursor(ctx, t.userID)
	if err != nil {
		sc.RecordError(err)
		return time.Time{}, fmt.Errorf("marking all read: %w", err)
	}

	t.mu.Lock()
	// Supersede every query issued before the write.
	t.issued++
	t.applied = t.issued
	if stored.After(t.cursor) {
		t.cursor = stored
	}
	next := t.cursor
	changed := t.unread != 0
	t.unread = 0
	observers := append([]func(int){}, t.observers...)
	t.mu.Unlock()

	if changed {
		notify(observers, 0)
	}
	return next, nil
}

func (t *Tracker) apply(seq uint64, cursor time.Time, n int) {
	t.mu.Lock()
	if seq <= t.applied || cursor.Before(t.cursor) {
		t.mu.Unlock()
		slog.Debug("discarding stale unread count", "seq", seq, "applied", t.applied, "count", n)
		return
	}
	t.applied = seq
	changed := t.unread != n
	t.unread = n
	observers := append([]func(int){}, t.observers...)
	t.mu.Unlock()

	if changed {
		notify(observers, n)
	}
}

func notify(observers []func(int), n int) {
	for _, fn := range observers {
		fn(n)
	}
}

// Run polls immediately and then on every interval until ctx is done or
// Stop is called. Poll failures are logged and retried on the next tick.
func (t *Tracker) Run(ctx context.Context) {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	defer close(t.done)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		UserID:    logger.Ptr(t.userID),
		Component: "roleplay.activity.tracker",
	})

	t.pollLogged(ctx)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.pollLogged(ctx)
		}
	}
}

func (t *Tracker) pollLogged(ctx context.Context) {
	if err := t.Poll(ctx); err != nil {
		slog.WarnContext(ctx, "unread poll failed", "error", err)
	}
}

// Stop ends Run and waits for it to return.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })

	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if running {
		<-t.done
	}
}
