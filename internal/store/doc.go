// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - UserStore: dashboard accounts (username, password hash, salt)
//   - SettingsStore: string key/value settings ("enabled", "listen_port")
//   - AuditStore: append-only log of user management and enable/disable changes
//   - Store: all of the above plus Close
//
// SQLiteStore implements Store on top of modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation used by tests in other packages.
//
// # Schema
//
//	users(username PRIMARY KEY, password_hash BLOB, salt BLOB, created_at TEXT)
//	settings(key PRIMARY KEY, value TEXT, updated_at TEXT)
//	audit_log(audit_id PRIMARY KEY, actor, action, target, ts, detail_json)
//
// Timestamps are stored as RFC 3339 strings in UTC. Audit timestamps use a
// fixed-width nanosecond layout so that ordering by ts is chronological.
//
// # Errors
//
//   - ErrNotFound: the requested user or setting does not exist
//   - ErrDuplicateUser: CreateUser with a username that is already taken
//
// Session tokens are deliberately not persisted: they live in memory in the
// auth package and are invalidated by a restart.
package store
