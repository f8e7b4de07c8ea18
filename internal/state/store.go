package state

import (
	"sync"

	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/metrics"
)

// Snapshot is an immutable view of the store handed to subscribers and readers.
type Snapshot struct {
	NotificationUnread int                         `json:"notification_unread"`
	MessageUnread      int                         `json:"message_unread"`
	Latest             *notifications.Notification `json:"latest,omitempty"`
}

// Store is the single authoritative holder of unread counters and the latest
// received notification. It replaces the observable streams of the original
// client with an explicit value holder plus registered subscriber callbacks;
// every mutation dispatches the new snapshot synchronously.
//
// Counters are clamped at zero on every mutating operation, so no call order
// can drive them negative. A server-derived count always replaces the local
// value unconditionally: it is a freshly fetched authoritative figure and wins
// any race against optimistic local increments or decrements.
type Store struct {
	mu                 sync.Mutex
	notificationUnread int
	messageUnread      int
	latest             *notifications.Notification

	subs    map[int]func(Snapshot)
	nextSub int

	log *zap.Logger
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		subs: make(map[int]func(Snapshot)),
		log:  logger.WithModule("state"),
	}
}

// Subscribe registers a callback invoked with a snapshot after every mutation.
// The returned function removes the subscription. Callbacks run synchronously
// on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Snapshot returns the current store contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ApplyServerCount replaces the notification unread counter with a freshly
// fetched authoritative value. Negative inputs clamp to zero.
func (s *Store) ApplyServerCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mutate(func() {
		s.notificationUnread = n
	})
}

// ApplyMessageCount replaces the message unread counter with an authoritative
// value pushed by the hub or fetched by a poll. Negative inputs clamp to zero.
func (s *Store) ApplyMessageCount(n int) {
	if n < 0 {
		n = 0
	}
	s.mutate(func() {
		s.messageUnread = n
	})
}

// ApplyIncrement increments the notification unread counter by one. Callers
// must only invoke it for a live push whose notification is unread at arrival.
func (s *Store) ApplyIncrement() {
	s.mutate(func() {
		s.notificationUnread++
	})
}

// ApplyDecrementOnRead decrements the notification unread counter for a
// mark-as-read action, floored at zero. The store does not deduplicate
// decrements; the mark-as-read flow calls it at most once per notification.
func (s *Store) ApplyDecrementOnRead(notificationID int64) {
	s.mutate(func() {
		if s.notificationUnread > 0 {
			s.notificationUnread--
		} else {
			s.log.Debug("decrement on already-zero counter",
				zap.Int64("notification_id", notificationID))
		}
	})
}

// RecordLatest replaces the most recently received notification. Counters are
// unaffected.
func (s *Store) RecordLatest(n notifications.Notification) {
	s.mutate(func() {
		cpy := n
		s.latest = &cpy
	})
}

// ResetCount zeroes the notification unread counter ("mark all as read").
func (s *Store) ResetCount() {
	s.mutate(func() {
		s.notificationUnread = 0
	})
}

func (s *Store) mutate(apply func()) {
	s.mu.Lock()
	apply()
	snapshot := s.snapshotLocked()
	handlers := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	metrics.UnreadNotifications.Set(float64(snapshot.NotificationUnread))
	metrics.UnreadMessages.Set(float64(snapshot.MessageUnread))

	for _, fn := range handlers {
		fn(snapshot)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		NotificationUnread: s.notificationUnread,
		MessageUnread:      s.messageUnread,
	}
	if s.latest != nil {
		cpy := *s.latest
		snap.Latest = &cpy
	}
	return snap
}
