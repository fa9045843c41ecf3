package notify

import (
	"sync"
	"time"

	"github.com/jobmesh/relay/internal/store"
)

// Store is the client-side notification cache fed by the push listener
// and the poll fallback. The unread count is recomputed from the list
// after every mutation rather than adjusted incrementally, so it can
// never drift from the list contents.
type Store struct {
	mu            sync.Mutex
	notifications []store.Notification
	unreadCount   int
	connected     bool
	lastUpdated   time.Time
}

// Snapshot is a consistent read of the cache.
type Snapshot struct {
	Notifications []store.Notification
	UnreadCount   int
	Connected     bool
	LastUpdated   time.Time
}

// NewStore creates an empty cache.
func NewStore() *Store {
	return &Store{}
}

// Add appends a pushed notification. Duplicates by id are ignored so a
// push racing a poll refresh cannot double-insert.
func (s *Store) Add(n store.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.notifications {
		if existing.ID == n.ID {
			return
		}
	}

	s.notifications = append(s.notifications, n)
	s.recount()
}

// Replace swaps the whole list for a freshly fetched one.
func (s *Store) Replace(notifications []store.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications = append([]store.Notification(nil), notifications...)
	s.recount()
}

// MarkRead flags one notification as read.
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].Status = store.StatusRead
			break
		}
	}

	s.recount()
}

// MarkAllRead flags every notification as read.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		s.notifications[i].Status = store.StatusRead
	}

	s.recount()
}

// Delete removes one notification.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			break
		}
	}

	s.recount()
}

// SetConnected records whether the push channel is up.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// Connected reports whether the push channel is up.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// UnreadCount returns the current unread total.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unreadCount
}

// Snapshot returns a copy of the cache state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Notifications: append([]store.Notification(nil), s.notifications...),
		UnreadCount:   s.unreadCount,
		Connected:     s.connected,
		LastUpdated:   s.lastUpdated,
	}
}

// recount derives unreadCount and lastUpdated from the list. Callers
// hold s.mu.
func (s *Store) recount() {
	unread := 0

	for _, n := range s.notifications {
		if n.Status == store.StatusUnread {
			unread++
		}
	}

	s.unreadCount = unread
	s.lastUpdated = time.Now()
}
