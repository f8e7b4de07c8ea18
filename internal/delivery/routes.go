package delivery

import (
	"strings"

	"github.com/smallsteps/notify/internal/notifications"
)

// Routes consulted when an alert is interacted with and the notification
// carries no explicit redirect target.
const (
	RouteNotifications = "/notifications"
	RouteFees          = "/fees"
	RouteMessages      = "/messages"
	RouteEvents        = "/events"
	RouteAnnouncements = "/announcements"
	RouteChildren      = "/children"
)

// typeRoutes maps notification type tags to navigation targets. The table is
// static with an explicit default so an unknown tag can never fall through
// silently.
var typeRoutes = map[string]string{
	notifications.TypeFee:          RouteFees,
	notifications.TypePayment:      RouteFees,
	notifications.TypeMessage:      RouteMessages,
	notifications.TypeChat:         RouteMessages,
	notifications.TypeEvent:        RouteEvents,
	notifications.TypeAnnouncement: RouteAnnouncements,
	notifications.TypeAttendance:   RouteChildren,
	notifications.TypeChild:        RouteChildren,
}

// ResolveRoute picks the navigation target for an alert interaction. An
// explicit redirect URL always wins; otherwise the type table is consulted;
// failing both, the generic notifications list is the default.
func ResolveRoute(redirectURL, notificationType string) string {
	if target := strings.TrimSpace(redirectURL); target != "" {
		return target
	}
	if route, ok := typeRoutes[strings.ToLower(strings.TrimSpace(notificationType))]; ok {
		return route
	}
	return RouteNotifications
}
