// ABOUTME: Audit log entity and store methods for tracking administrative actions
// ABOUTME: Records which user added or removed accounts and toggled the gateway

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAddUser    AuditAction = "add_user"
	AuditRemoveUser AuditAction = "remove_user"
	AuditSetEnabled AuditAction = "set_enabled"
)

// auditTimeLayout is fixed-width so stored timestamps sort as text.
const auditTimeLayout = "2006-01-02T15:04:05.000000000Z"

// AuditActorCLI is the actor recorded for changes made from the command line.
const AuditActorCLI = "cli"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	Actor     string         // username of the dashboard user, or AuditActorCLI
	Action    AuditAction    // what action was performed
	Target    string         // affected username or setting key
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since  *time.Time   // entries at or after this time
	Actor  *string      // filter by actor
	Action *AuditAction // filter by action type
	Limit  int          // max results (default 100, max 1000)
}

// AuditStore persists the audit log.
type AuditStore interface {
	// AppendAuditLog appends an entry, generating ID and Timestamp if unset.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error

	// ListAuditLog returns matching entries newest first.
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// fillAuditDefaults generates ID and Timestamp if not set.
func fillAuditDefaults(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendAuditLog appends a new entry to the audit log.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	fillAuditDefaults(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.Target,
		e.Timestamp.UTC().Format(auditTimeLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.Target,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.Target,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(auditTimeLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor, action, target, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr, actionStr *string
	if f.Since != nil {
		str := f.Since.UTC().Format(auditTimeLayout)
		sinceStr = &str
	}
	if f.Action != nil {
		str := string(*f.Action)
		actionStr = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		f.Actor, f.Actor,
		actionStr, actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
