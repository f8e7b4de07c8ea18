package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/pkg/logger"
	"github.com/smallsteps/notify/pkg/metrics"
)

// DefaultRetention bounds how long a delivery record suppresses duplicate
// alerts. It must exceed the worst expected skew between the hub and the
// native push channel delivering the same logical event.
const DefaultRetention = 45 * time.Second

// Channel names used for logging and metrics.
const (
	ChannelHub  = "hub"
	ChannelPush = "push"
)

// Event is a notification-shaped occurrence arriving on any delivery channel.
// Hub events carry the full notification; bare push payloads may carry only a
// tag plus display text.
type Event struct {
	Notification *notifications.Notification
	Tag          string
	Type         string
	Title        string
	Message      string
	RedirectURL  string
	Channel      string
}

// EventFromNotification wraps a hub-delivered notification.
func EventFromNotification(n notifications.Notification, channel string) Event {
	return Event{
		Notification: &n,
		Type:         n.Type,
		Title:        n.Title,
		Message:      n.Message,
		RedirectURL:  n.RedirectURL,
		Channel:      channel,
	}
}

// dedupKey derives the identity used to recognise the same logical event on
// multiple channels: the server id when present, else the channel-provided
// tag. Events with neither are non-deduplicable and always alert.
func (e Event) dedupKey() string {
	if e.Notification != nil && e.Notification.ID != 0 {
		return fmt.Sprintf("id:%d", e.Notification.ID)
	}
	if tag := strings.TrimSpace(e.Tag); tag != "" {
		return "tag:" + tag
	}
	return ""
}

// Alert is the native-style alert handed to the platform. Route carries the
// resolved navigation target as alert metadata for click handling.
type Alert struct {
	Title   string
	Message string
	Route   string
}

// Platform is the hosting platform's alert surface. Unsupported platforms
// report false from AlertsSupported and the coordinator skips alerting
// entirely while still applying state updates.
type Platform interface {
	AlertsSupported() bool
	AlertPermissionGranted() bool
	Raise(ctx context.Context, alert Alert) error
}

// Recorder persists received notifications for the local tray. Failures are
// best-effort and never block delivery.
type Recorder interface {
	SaveNotification(ctx context.Context, n notifications.Notification) error
}

// Coordinator decides, for each inbound event, whether to raise a native
// alert and guarantees the same logical event never alerts twice within the
// retention window even when it arrives on both the hub and the push channel.
// State updates are never suppressed, only the alert.
type Coordinator struct {
	store     *state.Store
	platform  Platform
	recorder  Recorder
	retention time.Duration
	now       func() time.Time
	log       *zap.Logger

	mu      sync.Mutex
	records map[string]time.Time
}

// Option customises the Coordinator.
type Option func(*Coordinator)

// WithRetention overrides the delivery-record retention window.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRecorder attaches a local notification recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// NewCoordinator constructs a Coordinator over the supplied store and platform.
func NewCoordinator(store *state.Store, platform Platform, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		platform:  platform,
		retention: DefaultRetention,
		now:       time.Now,
		log:       logger.WithModule("delivery"),
		records:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleEvent processes one inbound event from any channel.
func (c *Coordinator) HandleEvent(ctx context.Context, event Event) {
	c.applyState(ctx, event)

	key := event.dedupKey()
	if key != "" && c.seenRecently(key) {
		metrics.Alerts.WithLabelValues("suppressed").Inc()
		c.log.Debug("duplicate event; alert suppressed",
			zap.String("key", key), zap.String("channel", event.Channel))
		return
	}

	if !c.platform.AlertsSupported() {
		metrics.Alerts.WithLabelValues("skipped").Inc()
		return
	}
	if !c.platform.AlertPermissionGranted() {
		metrics.Alerts.WithLabelValues("skipped").Inc()
		c.log.Debug("alert permission not granted; alert skipped")
		return
	}

	alert := Alert{
		Title:   event.Title,
		Message: event.Message,
		Route:   ResolveRoute(event.RedirectURL, event.Type),
	}
	if err := c.platform.Raise(ctx, alert); err != nil {
		c.log.Warn("raising native alert failed", zap.Error(err))
		return
	}
	metrics.Alerts.WithLabelValues("raised").Inc()
}

// applyState forwards the event into the state store and the local recorder.
// This happens for every event, including ones whose alert is suppressed.
func (c *Coordinator) applyState(ctx context.Context, event Event) {
	n := event.Notification
	if n == nil {
		return
	}

	c.store.RecordLatest(*n)
	if !n.IsRead {
		c.store.ApplyIncrement()
	}

	if c.recorder != nil {
		if err := c.recorder.SaveNotification(ctx, *n); err != nil {
			c.log.Warn("caching notification failed",
				zap.Int64("notification_id", n.ID), zap.Error(err))
		}
	}
}

// seenRecently reports whether the key is inside the retention window and
// records the sighting otherwise. Expired records are collected lazily here
// and by the periodic SweepRecords.
func (c *Coordinator) seenRecently(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.records[key]; ok && now.Sub(seen) < c.retention {
		return true
	}

	for existing, seen := range c.records {
		if now.Sub(seen) >= c.retention {
			delete(c.records, existing)
		}
	}

	c.records[key] = now
	return false
}

// SweepRecords drops delivery records older than the retention window and
// returns how many were removed. The maintenance sweeper calls it on a
// schedule.
func (c *Coordinator) SweepRecords() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, seen := range c.records {
		if now.Sub(seen) >= c.retention {
			delete(c.records, key)
			removed++
		}
	}
	return removed
}

// RecordCount reports the number of live delivery records.
func (c *Coordinator) RecordCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
