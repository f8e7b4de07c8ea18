package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallsteps/notify/internal/backend"
	"github.com/smallsteps/notify/internal/delivery"
	"github.com/smallsteps/notify/internal/storage"
)

type fakeRegistry struct {
	mu            sync.Mutex
	registered    []backend.RegisterDeviceTokenInput
	unregistered  []string
	registerErr   error
	unregisterErr error
}

func (f *fakeRegistry) RegisterDeviceToken(_ context.Context, input backend.RegisterDeviceTokenInput) (backend.RegisterDeviceTokenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return backend.RegisterDeviceTokenResult{}, f.registerErr
	}
	f.registered = append(f.registered, input)
	return backend.RegisterDeviceTokenResult{Message: "ok", TokenID: "reg-1"}, nil
}

func (f *fakeRegistry) UnregisterDeviceToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unregisterErr != nil {
		return f.unregisterErr
	}
	f.unregistered = append(f.unregistered, token)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (f *fakeSink) HandleEvent(_ context.Context, event delivery.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeSink) snapshot() []delivery.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Event(nil), f.events...)
}

func (f *fakeSink) waitFor(t *testing.T, n int) []delivery.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := f.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: t.TempDir() + "/notify.db"})
	require.NoError(t, err)

	store, err := storage.NewStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func capablePlatform(feed chan Payload) Platform {
	return NewHostPlatform(HostConfig{
		PlatformName: "android",
		Model:        "Pixel 8",
		DeviceToken:  "device-token-1",
		Granted:      true,
		AlertFunc:    func(context.Context, delivery.Alert) error { return nil },
		PushFeed:     feed,
	})
}

func TestStartRegistersTokenAndPersists(t *testing.T) {
	feed := make(chan Payload)
	registry := &fakeRegistry{}
	store := testStore(t)
	adapter := NewAdapter(capablePlatform(feed), registry, store, &fakeSink{})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	defer adapter.Stop(ctx)

	require.Len(t, registry.registered, 1)
	require.Equal(t, "device-token-1", registry.registered[0].Token)
	require.Equal(t, "android", registry.registered[0].Platform)
	require.Equal(t, "Pixel 8", registry.registered[0].DeviceModel)

	row, err := store.Registration(ctx)
	require.NoError(t, err)
	require.Equal(t, "reg-1", row.BackendTokenID)
	require.NotEmpty(t, row.InstallID)
}

func TestStartIdempotent(t *testing.T) {
	feed := make(chan Payload)
	registry := &fakeRegistry{}
	adapter := NewAdapter(capablePlatform(feed), registry, testStore(t), &fakeSink{})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	require.NoError(t, adapter.Start(ctx))
	defer adapter.Stop(ctx)

	require.Len(t, registry.registered, 1)
}

func TestStartSurfacesRegistrationFailure(t *testing.T) {
	feed := make(chan Payload)
	registry := &fakeRegistry{registerErr: errors.New("registry down")}
	adapter := NewAdapter(capablePlatform(feed), registry, testStore(t), &fakeSink{})

	err := adapter.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "register device token")
}

func TestStartNoopWithoutPushCapability(t *testing.T) {
	registry := &fakeRegistry{}
	adapter := NewAdapter(Unsupported(), registry, testStore(t), &fakeSink{})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	adapter.Stop(ctx)

	require.Empty(t, registry.registered)
	require.Empty(t, registry.unregistered)
}

func TestForwardsPushPayloadsToSink(t *testing.T) {
	feed := make(chan Payload, 2)
	sink := &fakeSink{}
	adapter := NewAdapter(capablePlatform(feed), &fakeRegistry{}, testStore(t), sink)

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	defer adapter.Stop(ctx)

	feed <- Payload{NotificationID: 42, Type: "Fee", Title: "Fee due", Message: "March fee"}
	feed <- Payload{Tag: "chat-7", Title: "New message", Message: "hello"}

	events := sink.waitFor(t, 2)

	require.NotNil(t, events[0].Notification)
	require.Equal(t, int64(42), events[0].Notification.ID)
	require.Equal(t, delivery.ChannelPush, events[0].Channel)

	require.Nil(t, events[1].Notification)
	require.Equal(t, "chat-7", events[1].Tag)
	require.Equal(t, delivery.ChannelPush, events[1].Channel)
}

func TestStopUnregistersToken(t *testing.T) {
	feed := make(chan Payload)
	registry := &fakeRegistry{}
	store := testStore(t)
	adapter := NewAdapter(capablePlatform(feed), registry, store, &fakeSink{})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	adapter.Stop(ctx)

	require.Equal(t, []string{"device-token-1"}, registry.unregistered)

	_, err := store.Registration(ctx)
	require.Error(t, err)
}

func TestStopToleratesUnregisterFailure(t *testing.T) {
	feed := make(chan Payload)
	registry := &fakeRegistry{unregisterErr: errors.New("registry down")}
	adapter := NewAdapter(capablePlatform(feed), registry, testStore(t), &fakeSink{})

	ctx := context.Background()
	require.NoError(t, adapter.Start(ctx))
	adapter.Stop(ctx)
	// Stop never panics or blocks on registry failure; restart still works.
	require.NoError(t, adapter.Start(ctx))
	registry.unregisterErr = nil
	adapter.Stop(ctx)
}

func TestReconcileReregistersRotatedToken(t *testing.T) {
	registry := &fakeRegistry{}
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRegistration(ctx, storage.DeviceRegistration{
		Token:          "old-token",
		Platform:       "android",
		InstallID:      "install-1",
		BackendTokenID: "reg-0",
	}))

	feed := make(chan Payload)
	adapter := NewAdapter(capablePlatform(feed), registry, store, &fakeSink{})

	require.NoError(t, adapter.Reconcile(ctx))

	require.Equal(t, []string{"old-token"}, registry.unregistered)
	require.Len(t, registry.registered, 1)
	require.Equal(t, "device-token-1", registry.registered[0].Token)

	row, err := store.Registration(ctx)
	require.NoError(t, err)
	require.Equal(t, "device-token-1", row.Token)
}

func TestReconcileNoopWhenTokenUnchanged(t *testing.T) {
	registry := &fakeRegistry{}
	store := testStore(t)
	ctx := context.Background()

	feed := make(chan Payload)
	adapter := NewAdapter(capablePlatform(feed), registry, store, &fakeSink{})
	require.NoError(t, adapter.Start(ctx))
	defer adapter.Stop(ctx)

	require.NoError(t, adapter.Reconcile(ctx))
	require.Len(t, registry.registered, 1)
	require.Empty(t, registry.unregistered)
}
