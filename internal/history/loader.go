package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/logger"
)

const DefaultBatchSize = 50

// State is a copy of the loader's view of one container.
type State struct {
	Kind           domain.ContainerKind `json:"kind"`
	ContainerID    int64                `json:"container_id"`
	Items          []domain.Item        `json:"items"`
	OldestLoadedAt *time.Time           `json:"oldest_loaded_at"`
	HasMoreOlder   bool                 `json:"has_more_older"`
}

type target struct {
	kind domain.ContainerKind
	id   int64
}

// Loader holds the loaded history of the container a session has open.
// Items are kept ascending by (CreatedAt, ID). OpenContainer and LoadOlder
// are serialized with each other; AppendNew may run concurrently with both.
type Loader struct {
	store Store
	batch int

	loadMu sync.Mutex

	mu           sync.Mutex
	generation   uint64
	open         target
	items        []domain.Item
	ids          map[int64]struct{}
	oldest       *Cursor
	hasMoreOlder bool
	// opening buffers pushed items for a container whose first page is
	// still being fetched.
	opening *target
	pending []domain.Item
}

func NewLoader(store Store, batch int) *Loader {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Loader{
		store: store,
		batch: batch,
		ids:   make(map[int64]struct{}),
	}
}

// OpenContainer replaces the loaded history with the most recent page of
// the given container. On failure the previous state is kept.
func (l *Loader) OpenContainer(ctx context.Context, kind domain.ContainerKind, containerID int64) error {
	if !kind.Valid() || containerID <= 0 {
		return fmt.Errorf("opening %s %d: %w", kind, containerID, ErrNoContainer)
	}

	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{ContainerID: logger.Ptr(containerID)})
	sc := logger.StartSpan(ctx, "history.open")
	defer sc.End()
	ctx = sc.Context()

	want := target{kind: kind, id: containerID}
	l.mu.Lock()
	l.generation++
	gen := l.generation
	l.opening = &want
	l.pending = nil
	l.mu.Unlock()

	page, err := l.store.QueryRecent(ctx, kind, containerID, l.batch)

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		slog.DebugContext(ctx, "discarding page for replaced container")
		return nil
	}
	pending := l.pending
	l.opening = nil
	l.pending = nil
	if err != nil {
		sc.RecordError(err)
		return fmt.Errorf("opening %s %d: %w", kind, containerID, err)
	}

	l.open = want
	l.items = make([]domain.Item, 0, len(page))
	l.ids = make(map[int64]struct{}, len(page))
	l.oldest = nil
	l.hasMoreOlder = false

	for i := len(page) - 1; i >= 0; i-- {
		l.items = append(l.items, page[i])
		l.ids[page[i].ID] = struct{}{}
	}
	if len(page) > 0 {
		c := CursorOf(l.items[0])
		l.oldest = &c
	}
	// A full page may mean more; an exact multiple costs one empty fetch.
	l.hasMoreOlder = len(page) == l.batch

	for _, it := range pending {
		l.insertLocked(it)
	}

	slog.DebugContext(ctx, "container opened", "kind", kind, "items", len(l.items), "has_more_older", l.hasMoreOlder)
	return nil
}

// LoadOlder prepends the page before the oldest loaded item and returns how
// many items were added. It is a no-op when nothing older remains. On
// failure the state is unchanged.
func (l *Loader) LoadOlder(ctx context.Context) (int, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.Lock()
	if l.oldest == nil || !l.hasMoreOlder {
		l.mu.Unlock()
		return 0, nil
	}
	gen := l.generation
	open := l.open
	before := *l.oldest
	l.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{ContainerID: logger.Ptr(open.id)})
	sc := logger.StartSpan(ctx, "history.load_older")
	defer sc.End()
	ctx = sc.Context()

	page, err := l.store.QueryBefore(ctx, open.kind, open.id, before, l.batch)
	if err != nil {
		sc.RecordError(err)
		return 0, fmt.Errorf("loading older %s items: %w", open.kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		slog.DebugContext(ctx, "discarding older page for replaced container")
		return 0, nil
	}

	older := make([]domain.Item, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if _, dup := l.ids[page[i].ID]; dup {
			continue
		}
		older = append(older, page[i])
		l.ids[page[i].ID] = struct{}{}
	}
	l.items = append(older, l.items...)
	if len(page) > 0 {
		c := CursorOf(page[len(page)-1])
		l.oldest = &c
	}
	l.hasMoreOlder = len(page) == l.batch

	return len(older), nil
}

// AppendNew adds an item created locally or received from the feed. It
// reports whether the item was added. Items for another container,
// duplicates, and items older than the oldest loaded one while older pages
// remain are ignored; those arrive with LoadOlder.
func (l *Loader) AppendNew(item domain.Item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := target{kind: item.Kind, id: item.ContainerID}
	if l.opening != nil && *l.opening == at {
		l.pending = append(l.pending, item)
		return false
	}
	if l.open.id == 0 || at != l.open {
		return false
	}
	return l.insertLocked(item)
}

func (l *Loader) insertLocked(item domain.Item) bool {
	if _, dup := l.ids[item.ID]; dup {
		return false
	}
	if l.hasMoreOlder && l.oldest != nil && item.Before(domain.Item{ID: l.oldest.ID, CreatedAt: l.oldest.At}) {
		return false
	}

	// Usually the tail; the feed does not order across producers.
	i := sort.Search(len(l.items), func(i int) bool { return item.Before(l.items[i]) })
	l.items = slices.Insert(l.items, i, item)
	l.ids[item.ID] = struct{}{}
	return true
}

// Reset closes the open container. A load still in flight is discarded.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.open = target{}
	l.items = nil
	l.ids = make(map[int64]struct{})
	l.oldest = nil
	l.hasMoreOlder = false
	l.opening = nil
	l.pending = nil
}

// Container reports the open container, or a zero id when none is open.
func (l *Loader) Container() (domain.ContainerKind, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open.kind, l.open.id
}

func (l *Loader) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := State{
		Kind:         l.open.kind,
		ContainerID:  l.open.id,
		Items:        slices.Clone(l.items),
		HasMoreOlder: l.hasMoreOlder,
	}
	if s.Items == nil {
		s.Items = []domain.Item{}
	}
	if l.oldest != nil {
		at := l.oldest.At
		s.OldestLoadedAt = &at
	}
	return s
}
