package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallsteps/notify/internal/notifications"
)

func TestStoreCounterNeverNegative(t *testing.T) {
	store := NewStore()

	store.ApplyDecrementOnRead(1)
	store.ApplyDecrementOnRead(2)
	require.Equal(t, 0, store.Snapshot().NotificationUnread)

	store.ApplyIncrement()
	store.ApplyDecrementOnRead(3)
	store.ApplyDecrementOnRead(4)
	store.ApplyDecrementOnRead(5)
	require.Equal(t, 0, store.Snapshot().NotificationUnread)

	store.ApplyServerCount(-7)
	require.Equal(t, 0, store.Snapshot().NotificationUnread)

	store.ApplyMessageCount(-1)
	require.Equal(t, 0, store.Snapshot().MessageUnread)
}

func TestStoreServerCountAlwaysWins(t *testing.T) {
	store := NewStore()

	store.ApplyIncrement()
	store.ApplyIncrement()
	store.ApplyIncrement()
	require.Equal(t, 3, store.Snapshot().NotificationUnread)

	store.ApplyServerCount(1)
	require.Equal(t, 1, store.Snapshot().NotificationUnread)

	store.ApplyDecrementOnRead(9)
	store.ApplyServerCount(5)
	require.Equal(t, 5, store.Snapshot().NotificationUnread)
}

func TestStoreEndToEndCounterScenario(t *testing.T) {
	store := NewStore()
	require.Equal(t, 0, store.Snapshot().NotificationUnread)

	// Hub pushes unread notification id=42.
	store.RecordLatest(notifications.Notification{ID: 42, Type: "fee", Title: "Fee due"})
	store.ApplyIncrement()
	require.Equal(t, 1, store.Snapshot().NotificationUnread)

	// User marks it read.
	store.ApplyDecrementOnRead(42)
	require.Equal(t, 0, store.Snapshot().NotificationUnread)

	// A fallback poll lands with an authoritative value.
	store.ApplyServerCount(3)
	require.Equal(t, 3, store.Snapshot().NotificationUnread)
}

func TestStoreRecordLatestDoesNotTouchCounters(t *testing.T) {
	store := NewStore()
	store.ApplyIncrement()

	store.RecordLatest(notifications.Notification{ID: 7, Title: "hello"})

	snap := store.Snapshot()
	require.Equal(t, 1, snap.NotificationUnread)
	require.NotNil(t, snap.Latest)
	require.Equal(t, int64(7), snap.Latest.ID)
}

func TestStoreResetCount(t *testing.T) {
	store := NewStore()
	store.ApplyServerCount(12)
	store.ResetCount()
	require.Equal(t, 0, store.Snapshot().NotificationUnread)
}

func TestStoreSubscribeDispatchAndUnsubscribe(t *testing.T) {
	store := NewStore()

	var got []Snapshot
	unsubscribe := store.Subscribe(func(s Snapshot) {
		got = append(got, s)
	})

	store.ApplyIncrement()
	store.ApplyServerCount(4)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[0].NotificationUnread)
	require.Equal(t, 4, got[1].NotificationUnread)

	unsubscribe()
	store.ApplyIncrement()
	require.Len(t, got, 2)
}

func TestStoreMessageCounterIndependent(t *testing.T) {
	store := NewStore()

	store.ApplyMessageCount(9)
	store.ApplyIncrement()

	snap := store.Snapshot()
	require.Equal(t, 9, snap.MessageUnread)
	require.Equal(t, 1, snap.NotificationUnread)
}
