package storage

import (
	"time"

	"gorm.io/datatypes"
)

// ClientState is the single persisted credential row owned by the credential
// source collaborator. The core reads it and never writes token material.
type ClientState struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"type:varchar(64)"`
	Token     string `gorm:"type:text"`
	APIBase   string `gorm:"type:text"`
	UpdatedAt time.Time
}

// CachedNotification mirrors a recently received notification so host UIs can
// render a tray without a live backend connection.
type CachedNotification struct {
	ID          int64  `gorm:"primaryKey;autoIncrement:false"`
	Type        string `gorm:"type:varchar(64);index"`
	Title       string `gorm:"type:varchar(255)"`
	Message     string `gorm:"type:text"`
	RedirectURL string `gorm:"type:text"`
	UserID      string `gorm:"type:varchar(64);index"`
	IsRead      bool   `gorm:"default:false;index"`
	Payload     datatypes.JSON
	CreatedAt   time.Time
	ReceivedAt  time.Time `gorm:"index"`
}

// DeviceRegistration remembers a push token registration so restarts can
// reuse the backend token id and logout can unregister.
type DeviceRegistration struct {
	Token          string `gorm:"primaryKey;type:text"`
	Platform       string `gorm:"type:varchar(32)"`
	DeviceModel    string `gorm:"type:varchar(128)"`
	InstallID      string `gorm:"type:varchar(64)"`
	BackendTokenID string `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
