package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubConnects records hub connection attempts by result (success|failure).
	HubConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_hub_connects_total",
			Help: "Total number of notification hub connection attempts",
		},
		[]string{"result"},
	)

	// HubDrops counts transport drops observed on an established hub connection.
	HubDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_hub_drops_total",
			Help: "Total number of hub transport drops",
		},
	)

	// HubEvents counts server-pushed hub events by target.
	HubEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_hub_events_total",
			Help: "Total number of server-pushed hub events received",
		},
		[]string{"target"},
	)

	// UnreadNotifications tracks the current notification unread counter.
	UnreadNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_unread_notifications",
			Help: "Current unread notification count",
		},
	)

	// UnreadMessages tracks the current message unread counter.
	UnreadMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_unread_messages",
			Help: "Current unread message count",
		},
	)

	// Polls records fallback count polls by result (success|failure).
	Polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_fallback_polls_total",
			Help: "Total number of fallback count polls",
		},
		[]string{"result"},
	)

	// Alerts records native alert decisions by outcome (raised|suppressed|skipped).
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_native_alerts_total",
			Help: "Total number of native alert decisions",
		},
		[]string{"outcome"},
	)

	// TokenRegistrations counts device token registry calls by operation and result.
	TokenRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_device_token_requests_total",
			Help: "Total number of device token registry requests",
		},
		[]string{"operation", "result"},
	)
)
