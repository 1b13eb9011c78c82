// ABOUTME: Store interface and data types for evdash-gateway persistence
// ABOUTME: Defines User accounts and key/value settings persisted between restarts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when creating a user whose username is taken
var ErrDuplicateUser = errors.New("user already exists")

// Setting keys persisted in the settings table.
const (
	SettingEnabled    = "enabled"
	SettingListenPort = "listen_port"
)

// User is a dashboard account. PasswordHash is derived from password‖Salt.
type User struct {
	Username     string
	PasswordHash []byte
	Salt         []byte
	CreatedAt    time.Time
}

// UserStore persists dashboard accounts.
type UserStore interface {
	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]*User, error)

	// CreateUser inserts a new user. Returns ErrDuplicateUser if the username exists.
	CreateUser(ctx context.Context, user *User) error

	// DeleteUser removes a user. Returns ErrNotFound if no such user exists.
	DeleteUser(ctx context.Context, username string) error
}

// SettingsStore persists gateway settings as string key/value pairs.
type SettingsStore interface {
	// GetSetting returns the stored value. Returns ErrNotFound if unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting inserts or replaces a value.
	SetSetting(ctx context.Context, key, value string) error
}

// Store combines every persistence concern of the gateway.
type Store interface {
	UserStore
	SettingsStore
	AuditStore
	Close() error
}
