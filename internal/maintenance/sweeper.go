package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/delivery"
	"github.com/smallsteps/notify/internal/storage"
	"github.com/smallsteps/notify/pkg/logger"
)

const (
	defaultCacheKeep   = 200
	defaultCacheMaxAge = 14 * 24 * time.Hour
	defaultRecordSpec  = "@every 1m"
	defaultCacheSpec   = "@hourly"
	defaultTokenSpec   = "@daily"
)

// TokenReconciler re-registers the device push token when it rotated.
type TokenReconciler interface {
	Reconcile(ctx context.Context) error
}

// Sweeper coordinates background maintenance: expiring delivery dedup
// records, pruning the local notification cache and reconciling the device
// token registration.
type Sweeper struct {
	coordinator *delivery.Coordinator
	cache       *storage.Store
	tokens      TokenReconciler
	cron        *cron.Cron
	log         *zap.Logger
	enabled     bool

	cacheKeep   int
	cacheMaxAge time.Duration

	recordSchedule string
	cacheSchedule  string
	tokenSchedule  string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(sweeper *Sweeper) {
		if c != nil {
			sweeper.cron = c
		}
	}
}

// WithCacheRetention adjusts how many cached notifications survive a prune
// and how old they may grow.
func WithCacheRetention(keep int, maxAge time.Duration) Option {
	return func(sweeper *Sweeper) {
		if keep > 0 {
			sweeper.cacheKeep = keep
		}
		if maxAge > 0 {
			sweeper.cacheMaxAge = maxAge
		}
	}
}

// WithRecordSchedule overrides the cron specification for dedup record sweeps.
func WithRecordSchedule(spec string) Option {
	return func(sweeper *Sweeper) {
		if spec != "" {
			sweeper.recordSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron specification for cache pruning.
func WithCacheSchedule(spec string) Option {
	return func(sweeper *Sweeper) {
		if spec != "" {
			sweeper.cacheSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token reconciliation.
func WithTokenSchedule(spec string) Option {
	return func(sweeper *Sweeper) {
		if spec != "" {
			sweeper.tokenSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewSweeper(coordinator *delivery.Coordinator, cache *storage.Store, tokens TokenReconciler, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		coordinator:    coordinator,
		cache:          cache,
		tokens:         tokens,
		cacheKeep:      defaultCacheKeep,
		cacheMaxAge:    defaultCacheMaxAge,
		recordSchedule: defaultRecordSpec,
		cacheSchedule:  defaultCacheSpec,
		tokenSchedule:  defaultTokenSpec,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	sweeper.enabled = sweeper.coordinator != nil || sweeper.cache != nil || sweeper.tokens != nil

	return sweeper
}

// Start registers the jobs with the cron scheduler and launches it if at
// least one job is enabled.
func (s *Sweeper) Start() error {
	if !s.enabled {
		return nil
	}

	if s.coordinator != nil {
		if _, err := s.cron.AddFunc(s.recordSchedule, func() {
			if removed := s.coordinator.SweepRecords(); removed > 0 {
				s.log.Debug("delivery records swept", zap.Int("removed", removed))
			}
		}); err != nil {
			return err
		}
	}

	if s.cache != nil {
		if _, err := s.cron.AddFunc(s.cacheSchedule, func() {
			ctx := context.Background()
			if _, err := s.cache.Prune(ctx, s.cacheKeep, s.cacheMaxAge); err != nil {
				s.log.Warn("cache prune failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.tokens != nil {
		if _, err := s.cron.AddFunc(s.tokenSchedule, func() {
			ctx := context.Background()
			if err := s.tokens.Reconcile(ctx); err != nil {
				s.log.Warn("token reconciliation failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all configured maintenance routines sequentially.
// Primarily used in tests and during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.coordinator != nil {
		s.coordinator.SweepRecords()
	}

	if s.cache != nil {
		if _, err := s.cache.Prune(ctx, s.cacheKeep, s.cacheMaxAge); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.tokens != nil {
		if err := s.tokens.Reconcile(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
