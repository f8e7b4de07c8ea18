package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/metrics"
)

const defaultInterval = 120 * time.Second

// CountSource fetches the authoritative unread count from the backend.
type CountSource interface {
	Count(ctx context.Context) (int, error)
}

// Poller periodically re-derives the unread counter from the count endpoint
// so the store self-heals when the live channel missed events. It runs
// regardless of hub connection state: it is the consistency backstop, not a
// disconnected-mode fallback. A failed poll never touches the counter — a
// failure must not look like "no notifications".
type Poller struct {
	counts   CountSource
	store    *state.Store
	interval time.Duration
	log      *zap.Logger
}

// Option customises the Poller.
type Option func(*Poller)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// New constructs a Poller feeding the supplied store.
func New(counts CountSource, store *state.Store, opts ...Option) *Poller {
	p := &Poller{
		counts:   counts,
		store:    store,
		interval: defaultInterval,
		log:      logger.WithModule("poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls on the configured interval until the context is cancelled. It
// blocks; callers run it on its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PollNow(ctx)
		case <-ctx.Done():
			p.log.Debug("poller stopped")
			return
		}
	}
}

// PollNow performs a single poll. On success the fetched value replaces the
// counter unconditionally; on failure the error is swallowed and the counter
// left stable until the next attempt.
func (p *Poller) PollNow(ctx context.Context) {
	count, err := p.counts.Count(ctx)
	if err != nil {
		metrics.Polls.WithLabelValues("failure").Inc()
		p.log.Debug("count poll failed; keeping current counter", zap.Error(err))
		return
	}

	metrics.Polls.WithLabelValues("success").Inc()
	p.store.ApplyServerCount(count)
}
