package inbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/internal/storage"
	"github.com/smallsteps/notify/pkg/logger"
)

// ReadMarker is the subset of the backend client the inbox needs.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, notificationID int64) error
	MarkAllAsRead(ctx context.Context) error
}

// Service implements the optimistic mark-as-read flows: the local unread
// counter and cache move first, the backend call follows, and the periodic
// poll reconciles whatever the backend call could not deliver.
type Service struct {
	counts  *state.Store
	cache   *storage.Store
	backend ReadMarker
	log     *zap.Logger
}

// NewService constructs an inbox Service. The cache is optional.
func NewService(counts *state.Store, cache *storage.Store, backend ReadMarker) *Service {
	return &Service{
		counts:  counts,
		cache:   cache,
		backend: backend,
		log:     logger.WithModule("inbox"),
	}
}

// MarkRead marks one notification as read. The unread counter decrements
// immediately; a backend failure is logged and left for the next poll to
// reconcile rather than surfaced to the caller.
func (s *Service) MarkRead(ctx context.Context, notificationID int64) error {
	if notificationID <= 0 {
		return fmt.Errorf("inbox: invalid notification id %d", notificationID)
	}

	s.counts.ApplyDecrementOnRead(notificationID)

	if s.cache != nil {
		if err := s.cache.MarkRead(ctx, notificationID); err != nil {
			s.log.Warn("local mark-read failed",
				zap.Int64("notification_id", notificationID),
				zap.Error(err))
		}
	}

	if err := s.backend.MarkAsRead(ctx, notificationID); err != nil {
		s.log.Warn("backend mark-read failed; poll will reconcile",
			zap.Int64("notification_id", notificationID),
			zap.Error(err))
	}
	return nil
}

// MarkAllRead zeroes the unread counter and marks everything read, locally
// first and then on the backend.
func (s *Service) MarkAllRead(ctx context.Context) error {
	s.counts.ResetCount()

	if s.cache != nil {
		if err := s.cache.MarkAllRead(ctx); err != nil {
			s.log.Warn("local mark-all-read failed", zap.Error(err))
		}
	}

	if err := s.backend.MarkAllAsRead(ctx); err != nil {
		s.log.Warn("backend mark-all-read failed; poll will reconcile", zap.Error(err))
	}
	return nil
}

// Recent lists the newest cached notifications.
func (s *Service) Recent(ctx context.Context, limit int) ([]storage.CachedNotification, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.Recent(ctx, limit)
}
