package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// ReadMarker reports read notifications to the server.
type ReadMarker interface {
	MarkNotificationsRead(ctx context.Context, ids []int64) error
}

// State is a read-only view of the store. Items is a copy, newest first;
// UnreadCount is recomputed from Items on every call and never drifts.
type State struct {
	Items       []Notification
	UnreadCount int
}

// Store is the in-memory notification collection. It is explicitly
// constructed and injected rather than process-global so a test harness can
// run several independent sessions side by side.
//
// Push delivery order is not guaranteed to match creation order under
// reconnection, so the visible list is kept sorted by CreatedAt descending
// after every mutation rather than relying on insertion order.
type Store struct {
	log *slog.Logger

	mu    sync.RWMutex
	items []Notification
	seen  map[int64]struct{}

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]func()
}

// NewStore creates an empty store. A nil logger falls back to slog.Default.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:         log,
		seen:        make(map[int64]struct{}),
		subscribers: make(map[int]func()),
	}
}

// Add inserts a record unless its ID has already been seen, in which case it
// is a no-op: a pushed duplicate never clobbers local read-state.
func (s *Store) Add(n Notification) {
	s.mu.Lock()
	if _, dup := s.seen[n.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[n.ID] = struct{}{}
	s.items = append(s.items, n)
	s.sortLocked()
	s.mu.Unlock()

	s.notify()
}

// ReplaceAll swaps in a full snapshot, resetting the seen-set and the list as
// one step; subscribers never observe a partial apply.
func (s *Store) ReplaceAll(records []Notification) {
	items := make([]Notification, 0, len(records))
	seen := make(map[int64]struct{}, len(records))
	for _, n := range records {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, n)
	}

	s.mu.Lock()
	s.items = items
	s.seen = seen
	s.sortLocked()
	s.mu.Unlock()

	s.notify()
}

// MarkRead flips IsRead for the matching records. Unknown IDs are ignored.
func (s *Store) MarkRead(ids []int64) {
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	changed := false
	for i := range s.items {
		if _, ok := wanted[s.items[i].ID]; ok && !s.items[i].IsRead {
			s.items[i].IsRead = true
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// MarkReadAndSync flips local read-state immediately, then reports it to the
// server. A failed report is logged and swallowed, not rolled back: the local
// state stays authoritative until the next snapshot reconciles it. This is a
// deliberate trade of strict consistency for responsiveness.
func (s *Store) MarkReadAndSync(ctx context.Context, marker ReadMarker, ids []int64) {
	s.MarkRead(ids)

	if err := marker.MarkNotificationsRead(ctx, ids); err != nil {
		s.log.Debug("mark-read sync failed", "count", len(ids), "error", err)
	}
}

// Reset clears everything. Called on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.seen = make(map[int64]struct{})
	s.mu.Unlock()

	s.notify()
}

// State returns the current items (copied) and the derived unread count.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Notification, len(s.items))
	copy(items, s.items)

	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	return State{Items: items, UnreadCount: unread}
}

// Subscribe registers a listener invoked after every mutation. The returned
// function unsubscribes it.
func (s *Store) Subscribe(listener func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = listener

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

// sortLocked re-sorts items newest first. Ties break on ID descending so the
// order is deterministic for records created in the same instant.
func (s *Store) sortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func (s *Store) notify() {
	s.subMu.Lock()
	listeners := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.subMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
