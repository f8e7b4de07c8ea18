package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallsteps/notify/internal/notifications"
)

// Config describes the local sqlite database location. An empty path selects
// a shared in-memory database, which tests rely on.
type Config struct {
	Path string
}

// Open opens (and migrates) the agent's local database.
func Open(cfg Config) (*gorm.DB, error) {
	dsn := buildDSN(cfg.Path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	if err := enableForeignKeys(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ClientState{}, &CachedNotification{}, &DeviceRegistration{}); err != nil {
		return nil, fmt.Errorf("storage: auto-migrate: %w", err)
	}

	return db, nil
}

func buildDSN(path string) string {
	path = strings.TrimSpace(path)
	switch {
	case path == "", strings.EqualFold(path, ":memory:"):
		return "file::memory:?cache=shared&_foreign_keys=1"
	default:
		if err := ensureDir(path); err == nil {
			return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", filepath.ToSlash(path))
		}
		return "file::memory:?cache=shared&_foreign_keys=1"
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func enableForeignKeys(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil && err != sql.ErrConnDone {
		return err
	}
	return nil
}

// Store wraps the local database with the operations the agent needs.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store over an opened database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("storage: db is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ClientState returns the persisted credential row, or gorm.ErrRecordNotFound.
func (s *Store) ClientState(ctx context.Context) (ClientState, error) {
	var row ClientState
	if err := s.db.WithContext(ctx).First(&row).Error; err != nil {
		return ClientState{}, err
	}
	return row, nil
}

// SaveClientState upserts the singleton credential row. Only the credential
// source collaborator calls this; the core treats the row as read-only.
func (s *Store) SaveClientState(ctx context.Context, row ClientState) error {
	row.ID = 1
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("storage: save client state: %w", err)
	}
	return nil
}

// SaveNotification upserts a received notification into the local cache.
func (s *Store) SaveNotification(ctx context.Context, n notifications.Notification) error {
	if n.ID == 0 {
		return errors.New("storage: notification id is required")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("storage: marshal notification: %w", err)
	}

	row := CachedNotification{
		ID:          n.ID,
		Type:        n.NormalizedType(),
		Title:       n.Title,
		Message:     n.Message,
		RedirectURL: n.RedirectURL,
		UserID:      n.UserID,
		IsRead:      n.IsRead,
		Payload:     datatypes.JSON(payload),
		CreatedAt:   n.CreatedAt,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("storage: save notification: %w", err)
	}
	return nil
}

// Recent returns the most recently received notifications, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CachedNotification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var rows []CachedNotification
	if err := s.db.WithContext(ctx).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list notifications: %w", err)
	}
	return rows, nil
}

// MarkRead flags a cached notification as read.
func (s *Store) MarkRead(ctx context.Context, notificationID int64) error {
	if err := s.db.WithContext(ctx).
		Model(&CachedNotification{}).
		Where("id = ?", notificationID).
		Update("is_read", true).Error; err != nil {
		return fmt.Errorf("storage: mark read: %w", err)
	}
	return nil
}

// MarkAllRead flags every cached notification as read.
func (s *Store) MarkAllRead(ctx context.Context) error {
	if err := s.db.WithContext(ctx).
		Model(&CachedNotification{}).
		Where("is_read = ?", false).
		Update("is_read", true).Error; err != nil {
		return fmt.Errorf("storage: mark all read: %w", err)
	}
	return nil
}

// Prune trims the notification cache to the newest keep rows and drops rows
// older than maxAge. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, keep int, maxAge time.Duration) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		result := s.db.WithContext(ctx).
			Where("received_at < ?", cutoff).
			Delete(&CachedNotification{})
		if result.Error != nil {
			return removed, fmt.Errorf("storage: prune by age: %w", result.Error)
		}
		removed += result.RowsAffected
	}

	if keep > 0 {
		var ids []int64
		if err := s.db.WithContext(ctx).
			Model(&CachedNotification{}).
			Order("received_at DESC").
			Offset(keep).
			Pluck("id", &ids).Error; err != nil {
			return removed, fmt.Errorf("storage: prune overflow lookup: %w", err)
		}
		if len(ids) > 0 {
			result := s.db.WithContext(ctx).
				Where("id IN ?", ids).
				Delete(&CachedNotification{})
			if result.Error != nil {
				return removed, fmt.Errorf("storage: prune overflow: %w", result.Error)
			}
			removed += result.RowsAffected
		}
	}

	return removed, nil
}

// SaveRegistration remembers a device token registration.
func (s *Store) SaveRegistration(ctx context.Context, row DeviceRegistration) error {
	if strings.TrimSpace(row.Token) == "" {
		return errors.New("storage: registration token is required")
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("storage: save registration: %w", err)
	}
	return nil
}

// Registration returns the current device registration, or
// gorm.ErrRecordNotFound when the device never registered.
func (s *Store) Registration(ctx context.Context) (DeviceRegistration, error) {
	var row DeviceRegistration
	if err := s.db.WithContext(ctx).First(&row).Error; err != nil {
		return DeviceRegistration{}, err
	}
	return row, nil
}

// DeleteRegistration forgets the device registration.
func (s *Store) DeleteRegistration(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&DeviceRegistration{}).Error; err != nil {
		return fmt.Errorf("storage: delete registration: %w", err)
	}
	return nil
}
