package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// stores runs a test against both the SQLite and the mock implementation.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestStore_CreateAndListUsers(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateUser(ctx, &User{
				Username:     "bob",
				PasswordHash: []byte{1, 2, 3},
				Salt:         []byte{9, 9},
				CreatedAt:    time.Now().UTC().Truncate(time.Second),
			}))
			require.NoError(t, s.CreateUser(ctx, &User{
				Username:     "alice",
				PasswordHash: []byte{4, 5, 6},
				Salt:         []byte{8, 8},
			}))

			users, err := s.ListUsers(ctx)
			require.NoError(t, err)
			require.Len(t, users, 2)
			assert.Equal(t, "alice", users[0].Username)
			assert.Equal(t, "bob", users[1].Username)
			assert.Equal(t, []byte{1, 2, 3}, users[1].PasswordHash)
			assert.Equal(t, []byte{9, 9}, users[1].Salt)
		})
	}
}

func TestStore_CreateUser_Duplicate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := &User{Username: "alice", PasswordHash: []byte{1}, Salt: []byte{2}}

			require.NoError(t, s.CreateUser(ctx, user))
			err := s.CreateUser(ctx, user)
			assert.ErrorIs(t, err, ErrDuplicateUser)
		})
	}
}

func TestStore_DeleteUser(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateUser(ctx, &User{Username: "alice", PasswordHash: []byte{1}, Salt: []byte{2}}))

			require.NoError(t, s.DeleteUser(ctx, "alice"))
			assert.ErrorIs(t, s.DeleteUser(ctx, "alice"), ErrNotFound)

			users, err := s.ListUsers(ctx)
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestStore_Settings(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetSetting(ctx, SettingEnabled)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SetSetting(ctx, SettingEnabled, "true"))
			value, err := s.GetSetting(ctx, SettingEnabled)
			require.NoError(t, err)
			assert.Equal(t, "true", value)

			// Upsert replaces
			require.NoError(t, s.SetSetting(ctx, SettingEnabled, "false"))
			value, err = s.GetSetting(ctx, SettingEnabled)
			require.NoError(t, err)
			assert.Equal(t, "false", value)
		})
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SetSetting(ctx, SettingListenPort, "4449"))
	value, err := s.GetSetting(ctx, SettingListenPort)
	require.NoError(t, err)
	assert.Equal(t, "4449", value)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "evdash.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, &User{Username: "alice", PasswordHash: []byte{1}, Salt: []byte{2}}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	users, err := reopened.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}
