// ABOUTME: In-memory mock implementation of Store interface for testing
// ABOUTME: Thread-safe implementation using maps and mutex

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory implementation of Store for testing.
// It is safe for concurrent use.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User
	settings map[string]string
	audit    []AuditEntry

	// FailWrites makes every mutating call return the given error.
	FailWrites error
}

// NewMockStore creates a new empty MockStore
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		settings: make(map[string]string),
	}
}

// ListUsers returns all users ordered by username.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		userCopy := *u
		users = append(users, &userCopy)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// CreateUser stores a user, rejecting duplicates.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, exists := m.users[user.Username]; exists {
		return ErrDuplicateUser
	}
	userCopy := *user
	m.users[user.Username] = &userCopy
	return nil
}

// DeleteUser removes a user by username.
func (m *MockStore) DeleteUser(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, exists := m.users[username]; !exists {
		return ErrNotFound
	}
	delete(m.users, username)
	return nil
}

// GetSetting returns a stored setting.
func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// SetSetting stores a setting.
func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.settings[key] = value
	return nil
}

// AppendAuditLog records an entry in memory.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	fillAuditDefaults(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)
	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
