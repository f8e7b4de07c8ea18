package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallsteps/notify/internal/delivery"
	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/internal/storage"
)

type silentPlatform struct{}

func (silentPlatform) AlertsSupported() bool                       { return false }
func (silentPlatform) AlertPermissionGranted() bool                { return false }
func (silentPlatform) Raise(context.Context, delivery.Alert) error { return nil }

type fakeReconciler struct {
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(context.Context) error {
	f.calls++
	return f.err
}

func testCache(t *testing.T) *storage.Store {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: t.TempDir() + "/notify.db"})
	require.NoError(t, err)

	store, err := storage.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestRunOnceSweepsDeliveryRecords(t *testing.T) {
	clock := time.Now()
	coordinator := delivery.NewCoordinator(state.NewStore(), silentPlatform{},
		delivery.WithRetention(time.Second),
		delivery.WithNow(func() time.Time { return clock }))

	coordinator.HandleEvent(context.Background(), delivery.EventFromNotification(
		notifications.Notification{ID: 1, Title: "a"}, delivery.ChannelHub))
	require.Equal(t, 1, coordinator.RecordCount())

	clock = clock.Add(2 * time.Second)

	sweeper := NewSweeper(coordinator, nil, nil)
	require.NoError(t, sweeper.RunOnce(context.Background()))
	require.Equal(t, 0, coordinator.RecordCount())
}

func TestRunOncePrunesCache(t *testing.T) {
	cache := testCache(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, cache.SaveNotification(ctx, notifications.Notification{ID: i, Title: "n"}))
	}

	sweeper := NewSweeper(nil, cache, nil, WithCacheRetention(3, time.Hour))
	require.NoError(t, sweeper.RunOnce(ctx))

	rows, err := cache.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestRunOnceReconcilesTokens(t *testing.T) {
	reconciler := &fakeReconciler{}
	sweeper := NewSweeper(nil, nil, reconciler)

	require.NoError(t, sweeper.RunOnce(context.Background()))
	require.Equal(t, 1, reconciler.calls)
}

func TestRunOnceAggregatesFailures(t *testing.T) {
	reconciler := &fakeReconciler{err: errors.New("registry down")}
	sweeper := NewSweeper(nil, testCache(t), reconciler)

	err := sweeper.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "registry down")
}

func TestSweeperDefaults(t *testing.T) {
	sweeper := NewSweeper(nil, testCache(t), nil)
	require.Equal(t, 200, sweeper.cacheKeep)
	require.Equal(t, 14*24*time.Hour, sweeper.cacheMaxAge)
}

func TestStartWithoutJobsIsNoop(t *testing.T) {
	sweeper := NewSweeper(nil, nil, nil)
	require.NoError(t, sweeper.Start())
	<-sweeper.Stop().Done()
}

func TestStartAndStop(t *testing.T) {
	sweeper := NewSweeper(nil, testCache(t), &fakeReconciler{})
	require.NoError(t, sweeper.Start())
	<-sweeper.Stop().Done()
}
