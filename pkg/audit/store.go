package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// TableDDL returns the audit_entries schema for the given driver name
func TableDDL(driver string) string {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	tsType := "TIMESTAMP WITH TIME ZONE"
	if driver == "sqlite3" {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		tsType = "TIMESTAMP"
	}

	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_entries (
		%s,
		principal_id VARCHAR(255) NOT NULL,
		role_id BIGINT NOT NULL,
		assignment_id BIGINT,
		action VARCHAR(20) NOT NULL,
		performed_by VARCHAR(255),
		performed_at %s NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entries_principal ON audit_entries(principal_id, performed_at);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_role ON audit_entries(role_id);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries(action);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_performed_by ON audit_entries(performed_by);
	`, idColumn, tsType)
}

const insertEntryQuery = `
	INSERT INTO audit_entries (
		principal_id, role_id, assignment_id, action,
		performed_by, performed_at, reason, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id
`

const selectEntriesQuery = `
	SELECT id, principal_id, role_id, assignment_id, action,
		performed_by, performed_at, reason, metadata
	FROM audit_entries
	WHERE 1=1
`

// Insert appends entry to the trail using q, which may be a *sqlx.DB or *sqlx.Tx.
// entry.ID is set from the inserted row.
func Insert(ctx context.Context, q sqlx.ExtContext, entry *Entry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("invalid audit action: %q", entry.Action)
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	err := q.QueryRowxContext(ctx, q.Rebind(insertEntryQuery),
		entry.PrincipalID,
		entry.RoleID,
		entry.AssignmentID,
		string(entry.Action),
		entry.PerformedBy,
		entry.PerformedAt.UTC(),
		entry.Reason,
		metadata,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

type entryRow struct {
	ID           int64          `db:"id"`
	PrincipalID  string         `db:"principal_id"`
	RoleID       int64          `db:"role_id"`
	AssignmentID sql.NullInt64  `db:"assignment_id"`
	Action       string         `db:"action"`
	PerformedBy  sql.NullString `db:"performed_by"`
	PerformedAt  time.Time      `db:"performed_at"`
	Reason       string         `db:"reason"`
	Metadata     sql.NullString `db:"metadata"`
}

func (r entryRow) toEntry() (Entry, error) {
	entry := Entry{
		ID:          r.ID,
		PrincipalID: r.PrincipalID,
		RoleID:      r.RoleID,
		Action:      Action(r.Action),
		PerformedAt: r.PerformedAt.UTC(),
		Reason:      r.Reason,
	}
	if r.AssignmentID.Valid {
		id := r.AssignmentID.Int64
		entry.AssignmentID = &id
	}
	if r.PerformedBy.Valid {
		by := r.PerformedBy.String
		entry.PerformedBy = &by
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("failed to unmarshal metadata for entry %d: %w", r.ID, err)
		}
	}
	return entry, nil
}

// Search returns entries matching filter, newest first
func Search(ctx context.Context, q sqlx.ExtContext, filter Filter) ([]Entry, error) {
	var conditions strings.Builder
	var args []interface{}

	if filter.PrincipalID != "" {
		conditions.WriteString(" AND principal_id = ?")
		args = append(args, filter.PrincipalID)
	}
	if filter.RoleID != nil {
		conditions.WriteString(" AND role_id = ?")
		args = append(args, *filter.RoleID)
	}
	if filter.Action != "" {
		conditions.WriteString(" AND action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.PerformedBy != "" {
		conditions.WriteString(" AND performed_by = ?")
		args = append(args, filter.PerformedBy)
	}
	if filter.Since != nil {
		conditions.WriteString(" AND performed_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := selectEntriesQuery + conditions.String() + " ORDER BY performed_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SQLStore is a Logger and query surface over the audit_entries table
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a SQL-backed audit store
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLStore{db: db}, nil
}

// EnsureTable creates the audit_entries table if it doesn't exist
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, TableDDL(s.db.DriverName())); err != nil {
		return fmt.Errorf("failed to ensure audit_entries table: %w", err)
	}
	return nil
}

// Log appends the entry outside of any caller transaction
func (s *SQLStore) Log(ctx context.Context, entry *Entry) error {
	return Insert(ctx, s.db, entry)
}

// Search returns entries matching filter, newest first
func (s *SQLStore) Search(ctx context.Context, filter Filter) ([]Entry, error) {
	return Search(ctx, s.db, filter)
}

// Close does not close the shared database handle
func (s *SQLStore) Close() error {
	return nil
}
