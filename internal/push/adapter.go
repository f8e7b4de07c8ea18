package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallsteps/notify/internal/backend"
	"github.com/smallsteps/notify/internal/delivery"
	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/internal/storage"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/metrics"
)

// Registry is the subset of the backend client the adapter needs.
type Registry interface {
	RegisterDeviceToken(ctx context.Context, input backend.RegisterDeviceTokenInput) (backend.RegisterDeviceTokenResult, error)
	UnregisterDeviceToken(ctx context.Context, token string) error
}

// Sink receives events the adapter translates from OS pushes.
type Sink interface {
	HandleEvent(ctx context.Context, event delivery.Event)
}

// Adapter glues the hosting platform's native push channel to the delivery
// coordinator and keeps the device token registered with the backend's
// device token registry.
type Adapter struct {
	platform Platform
	registry Registry
	store    *storage.Store
	sink     Sink
	log      *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	token   string
}

// NewAdapter constructs an Adapter. The store is optional; without it the
// registration is not remembered across restarts.
func NewAdapter(platform Platform, registry Registry, store *storage.Store, sink Sink) *Adapter {
	return &Adapter{
		platform: platform,
		registry: registry,
		store:    store,
		sink:     sink,
		log:      logger.WithModule("push"),
	}
}

// Start registers the device token and begins forwarding OS pushes to the
// sink. On a platform without push capability Start is a no-op: alerts still
// work through the coordinator, only the native push channel is absent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	if !a.platform.PushCapable() {
		a.log.Info("platform has no push capability; native channel disabled",
			zap.String("platform", a.platform.Name()))
		a.started = true
		return nil
	}

	token, err := a.platform.Token(ctx)
	if err != nil {
		return fmt.Errorf("push: obtain device token: %w", err)
	}

	if err := a.register(ctx, token); err != nil {
		return err
	}
	a.token = token

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.started = true

	go a.forward(runCtx, done)
	return nil
}

// Stop halts push forwarding and best-effort unregisters the device token.
// Unregistration failures are logged, never surfaced: a stale token is
// pruned server-side on the next failed push.
func (a *Adapter) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	done := a.done
	token := a.token
	a.cancel = nil
	a.done = nil
	a.token = ""
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if token == "" {
		return
	}
	if err := a.registry.UnregisterDeviceToken(ctx, token); err != nil {
		metrics.TokenRegistrations.WithLabelValues("unregister", "error").Inc()
		a.log.Warn("device token unregistration failed", zap.Error(err))
		return
	}
	metrics.TokenRegistrations.WithLabelValues("unregister", "success").Inc()
	if a.store != nil {
		if err := a.store.DeleteRegistration(ctx, token); err != nil {
			a.log.Warn("forget local registration failed", zap.Error(err))
		}
	}
}

// Reconcile re-registers the current token when the locally remembered
// registration no longer matches it, e.g. after the OS rotated the token
// while the agent was down. Safe to run periodically.
func (a *Adapter) Reconcile(ctx context.Context) error {
	if !a.platform.PushCapable() || a.store == nil {
		return nil
	}

	token, err := a.platform.Token(ctx)
	if err != nil {
		return fmt.Errorf("push: obtain device token: %w", err)
	}

	row, err := a.store.Registration(ctx)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return a.register(ctx, token)
	case err != nil:
		return err
	case row.Token == token:
		return nil
	}

	a.log.Info("device token rotated; re-registering",
		zap.String("platform", a.platform.Name()))
	if err := a.registry.UnregisterDeviceToken(ctx, row.Token); err != nil {
		a.log.Warn("stale token unregistration failed", zap.Error(err))
	}
	if err := a.store.DeleteRegistration(ctx, row.Token); err != nil {
		a.log.Warn("forget stale registration failed", zap.Error(err))
	}
	if err := a.register(ctx, token); err != nil {
		return err
	}

	a.mu.Lock()
	if a.started {
		a.token = token
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) register(ctx context.Context, token string) error {
	result, err := a.registry.RegisterDeviceToken(ctx, backend.RegisterDeviceTokenInput{
		Token:       token,
		Platform:    a.platform.Name(),
		DeviceModel: a.platform.DeviceModel(),
	})
	if err != nil {
		metrics.TokenRegistrations.WithLabelValues("register", "error").Inc()
		return fmt.Errorf("push: register device token: %w", err)
	}
	metrics.TokenRegistrations.WithLabelValues("register", "success").Inc()

	a.log.Info("device token registered",
		zap.String("platform", a.platform.Name()),
		zap.String("token_id", result.TokenID))

	if a.store == nil {
		return nil
	}
	row := storage.DeviceRegistration{
		Token:          token,
		Platform:       a.platform.Name(),
		DeviceModel:    a.platform.DeviceModel(),
		InstallID:      uuid.NewString(),
		BackendTokenID: result.TokenID,
	}
	if existing, err := a.store.Registration(ctx); err == nil && existing.InstallID != "" {
		row.InstallID = existing.InstallID
	}
	if err := a.store.SaveRegistration(ctx, row); err != nil {
		a.log.Warn("persist registration failed", zap.Error(err))
	}
	return nil
}

// forward drains the platform push feed into the sink until cancelled.
func (a *Adapter) forward(ctx context.Context, done chan struct{}) {
	defer close(done)

	pushes := a.platform.Pushes()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-pushes:
			if !ok {
				a.log.Info("push feed closed")
				return
			}
			a.sink.HandleEvent(ctx, eventFromPayload(payload))
		}
	}
}

// eventFromPayload lifts an OS push into a delivery event. Payloads that
// carry a notification id become full notification events so counter state
// and the local cache stay consistent with hub deliveries.
func eventFromPayload(p Payload) delivery.Event {
	if p.NotificationID != 0 {
		return delivery.EventFromNotification(notifications.Notification{
			ID:          p.NotificationID,
			Type:        p.Type,
			Title:       p.Title,
			Message:     p.Message,
			RedirectURL: p.RedirectURL,
		}, delivery.ChannelPush)
	}
	return delivery.Event{
		Tag:         strings.TrimSpace(p.Tag),
		Type:        p.Type,
		Title:       p.Title,
		Message:     p.Message,
		RedirectURL: p.RedirectURL,
		Channel:     delivery.ChannelPush,
	}
}
