package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallsteps/notify/internal/app"
	"github.com/smallsteps/notify/internal/backend"
	"github.com/smallsteps/notify/internal/creds"
	"github.com/smallsteps/notify/internal/delivery"
	"github.com/smallsteps/notify/internal/hub"
	"github.com/smallsteps/notify/internal/inbox"
	"github.com/smallsteps/notify/internal/maintenance"
	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/internal/poller"
	"github.com/smallsteps/notify/internal/push"
	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/internal/status"
	"github.com/smallsteps/notify/internal/storage"
	apperrors "github.com/smallsteps/notify/pkg/errors"
)

// runtimeStack bundles the agent's long-lived collaborators.
type runtimeStack struct {
	DB          *gorm.DB
	Store       *storage.Store
	Counts      *state.Store
	Backend     *backend.Client
	Coordinator *delivery.Coordinator
	Hub         *hub.Manager
	Poller      *poller.Poller
	Adapter     *push.Adapter
	Sweeper     *maintenance.Sweeper
	Status      *status.Server

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	stopOnce   sync.Once
}

// bootstrapRuntime initialises storage, the backend client, the hub
// connection and all background workers. The hub is optional: when the
// handshake fails the agent degrades to polling-only operation.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	stack.DB, err = storage.Open(storage.Config{Path: cfg.Storage.Path})
	if err != nil {
		return nil, err
	}
	stack.Store, err = storage.NewStore(stack.DB)
	if err != nil {
		return nil, err
	}

	session, err := creds.NewSource(stack.Store).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	apiBase := strings.TrimSpace(session.APIBase)
	if apiBase == "" {
		apiBase = strings.TrimSpace(cfg.Backend.APIBase)
	}
	if apiBase == "" {
		return nil, errors.New("backend.api_base must be configured when credentials carry no API base")
	}

	stack.Backend, err = backend.NewClient(apiBase, session.Token, backend.WithTimeout(cfg.Backend.Timeout))
	if err != nil {
		return nil, fmt.Errorf("initialise backend client: %w", err)
	}

	stack.Counts = state.NewStore()

	platform := buildPlatform(cfg.Push)
	stack.Coordinator = delivery.NewCoordinator(stack.Counts, platform,
		delivery.WithRetention(cfg.Delivery.Retention),
		delivery.WithRecorder(stack.Store))

	baseHost := strings.TrimSpace(cfg.Hub.BaseHost)
	if baseHost == "" {
		baseHost = apiBase
	}
	stack.Hub = hub.NewManager(baseHost)

	stack.Poller = poller.New(stack.Backend, stack.Counts, poller.WithInterval(cfg.Poller.Interval))

	stack.Hub.OnNotification(func(n notifications.Notification) {
		stack.Coordinator.HandleEvent(context.Background(), delivery.EventFromNotification(n, delivery.ChannelHub))
	})
	stack.Hub.OnNewMessage(func(n notifications.Notification) {
		stack.Coordinator.HandleEvent(context.Background(), delivery.EventFromNotification(n, delivery.ChannelHub))
	})
	stack.Hub.OnMessageCount(func(count int) {
		stack.Counts.ApplyMessageCount(count)
	})
	// Re-sync the unread count as soon as a dropped connection recovers:
	// anything pushed during the outage never reached the counter.
	stack.Hub.OnStateChange(func(s hub.ConnectionState) {
		if s == hub.Connected {
			stack.Poller.PollNow(context.Background())
		}
	})

	if err := stack.Hub.Start(ctx, session.UserID, session.Token); err != nil {
		if !errors.Is(err, apperrors.ErrHubHandshake) {
			return nil, fmt.Errorf("start hub: %w", err)
		}
		log.Warn("hub handshake failed; continuing in polling-only mode", zap.Error(err))
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	stack.pollCancel = pollCancel
	stack.pollDone = make(chan struct{})
	go func() {
		defer close(stack.pollDone)
		stack.Poller.Run(pollCtx)
	}()

	stack.Adapter = push.NewAdapter(platform, stack.Backend, stack.Store, stack.Coordinator)
	if err := stack.Adapter.Start(ctx); err != nil {
		log.Warn("push registration failed; native push channel disabled", zap.Error(err))
		stack.Adapter = nil
	}

	var reconciler maintenance.TokenReconciler
	if stack.Adapter != nil {
		reconciler = stack.Adapter
	}
	stack.Sweeper = maintenance.NewSweeper(stack.Coordinator, stack.Store, reconciler)
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	if cfg.Status.Enabled {
		inboxSvc := inbox.NewService(stack.Counts, stack.Store, stack.Backend)
		stack.Status = status.NewServer(status.Config{
			Address: cfg.Status.Address,
			Metrics: cfg.Status.Metrics,
		}, stack.Hub, stack.Counts, inboxSvc)
		stack.Status.Start()
	}

	success = true
	return stack, nil
}

// buildPlatform maps the push section onto a platform implementation. A
// configured command yields a desktop alert platform; otherwise the agent
// runs headless with state tracking only.
func buildPlatform(cfg app.PushConfig) push.Platform {
	if strings.TrimSpace(cfg.Command) != "" {
		return push.NewCommandPlatform(cfg.Platform, cfg.Command, cfg.PermissionGranted)
	}
	return push.Unsupported()
}

// Shutdown gracefully stops background workers and releases resources. Safe
// to call more than once.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error
	s.stopOnce.Do(func() {
		if s.Status != nil {
			if err := s.Status.Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		if s.Sweeper != nil {
			<-s.Sweeper.Stop().Done()
		}

		if s.Adapter != nil {
			s.Adapter.Stop(ctx)
		}

		if s.Hub != nil {
			s.Hub.Stop()
		}

		if s.pollCancel != nil {
			s.pollCancel()
			<-s.pollDone
		}

		if s.Store != nil {
			if err := s.Store.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	})

	if errs != nil {
		log.Warn("shutdown finished with errors", zap.Error(errs))
	}
	return errs
}
