package activity_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-roleplay/internal/domain"
)

// mockEntryStore answers from an in-memory activity stream. countGate, when
// set, is consulted before each count so tests can hold a poll in flight.
type mockEntryStore struct {
	mu         sync.Mutex
	entries    []domain.ActivityEntry
	countErr   error
	listErr    error
	countCalls int
	listCalls  int
	countGate  func(call int)
}

func (m *mockEntryStore) add(id int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.ActivityEntry{
		Type:      domain.ActivityMessage,
		ItemID:    id,
		ActorName: "carol",
		CreatedAt: at,
	})
}

func (m *mockEntryStore) CountSince(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	m.countCalls++
	call := m.countCalls
	gate := m.countGate
	err := m.countErr
	n := 0
	for _, e := range m.entries {
		if e.CreatedAt.After(since) {
			n++
		}
	}
	m.mu.Unlock()

	if gate != nil {
		gate(call)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (m *mockEntryStore) ListSince(_ context.Context, since time.Time, limit int) ([]domain.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []domain.ActivityEntry
	for _, e := range m.entries {
		if e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockEntryStore) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countCalls, m.listCalls
}

// mockCursorStore stamps cursors with its own clock, standing in for the
// database clock that also stamps activity entries.
type mockCursorStore struct {
	mu       sync.Mutex
	now      func() time.Time
	cursors  map[int64]time.Time
	getErr   error
	setErr   error
	getCalls int
}

func newMockCursorStore(now func() time.Time) *mockCursorStore {
	return &mockCursorStore{now: now, cursors: make(map[int64]time.Time)}
}

func (m *mockCursorStore) GetReadCursor(_ context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return time.Time{}, m.getErr
	}
	if c, ok := m.cursors[userID]; ok {
		return c, nil
	}
	return domain.Epoch, nil
}

func (m *mockCursorStore) AdvanceReadCursor(_ context.Context, userID int64) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return time.Time{}, m.setErr
	}
	if at := m.now(); at.After(m.cursors[userID]) {
		m.cursors[userID] = at
	}
	return m.cursors[userID], nil
}

func (m *mockCursorStore) set(userID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[userID] = at
}

func (m *mockCursorStore) get(userID int64) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[userID]
}

func (m *mockCursorStore) reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// clock is a settable store clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
