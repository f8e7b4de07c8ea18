package notifications

import (
	"strings"
	"time"
)

// Well-known notification type tags used for alert routing.
const (
	TypeFee          = "fee"
	TypePayment      = "payment"
	TypeMessage      = "message"
	TypeChat         = "chat"
	TypeEvent        = "event"
	TypeAnnouncement = "announcement"
	TypeAttendance   = "attendance"
	TypeChild        = "child"
)

// Notification represents an in-app notification pushed to a user.
//
// The id is assigned by the server and immutable. The read flag only moves
// from unread to read on the client; a server-side "mark as unread" arrives as
// a fresh assignment, never as an undo.
type Notification struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	RedirectURL string    `json:"redirectUrl,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NormalizedType returns the lower-cased, trimmed type tag.
func (n Notification) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(n.Type))
}
