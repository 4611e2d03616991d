package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/warden/pkg/audit"
)

// SQLStore implements Store over Postgres or SQLite through sqlx
type SQLStore struct {
	db     *sqlx.DB
	q      sqlx.ExtContext
	tx     *sqlx.Tx
	driver string
}

// NewSQLStore creates a store over an open database handle
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, q: db, driver: db.DriverName()}
}

// Open connects to the database and verifies the connection. SQLite handles
// are limited to one connection so in-memory databases are shared.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// DB returns the underlying handle
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a database transaction
func (s *SQLStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&SQLStore{db: s.db, q: tx, tx: tx, driver: s.driver}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database handle. It is a no-op on a transactional view.
func (s *SQLStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) lockClause() string {
	if s.tx != nil && s.driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

// roleGraphLockKey identifies the advisory lock held while a parent edge changes
const roleGraphLockKey int64 = 0x77617264656e

// LockRoleGraph serializes parent edits until the transaction ends, so two
// concurrent edits cannot each pass the cycle check and close a loop together.
// SQLite needs nothing: its handle has a single connection.
func (s *SQLStore) LockRoleGraph(ctx context.Context) error {
	if s.tx == nil || s.driver != "postgres" {
		return nil
	}
	if _, err := s.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", roleGraphLockKey); err != nil {
		return fmt.Errorf("failed to lock role graph: %w", err)
	}
	return nil
}

// principalLockClass namespaces the per-principal advisory locks
const principalLockClass int32 = 0x7764

// LockPrincipal holds a transaction-scoped lock on principalID so two
// transactions cannot each make a different assignment primary.
func (s *SQLStore) LockPrincipal(ctx context.Context, principalID string) error {
	if s.tx == nil || s.driver != "postgres" {
		return nil
	}
	if _, err := s.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", principalLockClass, principalID); err != nil {
		return fmt.Errorf("failed to lock principal %s: %w", principalID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

// Permissions

const permissionColumns = `id, name, category, description, active, created_at, updated_at`

type permissionRow struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Category    string    `db:"category"`
	Description string    `db:"description"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r permissionRow) toPermission() Permission {
	return Permission{
		ID:          r.ID,
		Name:        r.Name,
		Category:    r.Category,
		Description: r.Description,
		Active:      r.Active,
		CreatedAt:   utc(r.CreatedAt),
		UpdatedAt:   utc(r.UpdatedAt),
	}
}

func (s *SQLStore) CreatePermission(ctx context.Context, p *Permission) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO permissions (name, category, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := s.q.QueryRowxContext(ctx, s.q.Rebind(query),
		p.Name, p.Category, p.Description, p.Active, now, now,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePermission, p.Name)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

func (s *SQLStore) UpdatePermission(ctx context.Context, p *Permission) error {
	now := time.Now().UTC()
	query := `
		UPDATE permissions
		SET name = ?, category = ?, description = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.q.ExecContext(ctx, s.q.Rebind(query),
		p.Name, p.Category, p.Description, p.Active, now, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePermission, p.Name)
		}
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: permission %d", ErrNotFound, p.ID)
	}
	p.UpdatedAt = now
	return nil
}

func (s *SQLStore) getPermission(ctx context.Context, where string, arg interface{}, label string) (*Permission, error) {
	var row permissionRow
	query := "SELECT " + permissionColumns + " FROM permissions WHERE " + where
	if err := sqlx.GetContext(ctx, s.q, &row, s.q.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: permission %s", ErrNotFound, label)
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	p := row.toPermission()
	return &p, nil
}

func (s *SQLStore) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return s.getPermission(ctx, "id = ?", id, fmt.Sprint(id))
}

func (s *SQLStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return s.getPermission(ctx, "name = ?", name, fmt.Sprintf("%q", name))
}

func (s *SQLStore) ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error) {
	query := "SELECT " + permissionColumns + " FROM permissions"
	var args []interface{}
	if !includeInactive {
		query += " WHERE active = ?"
		args = append(args, true)
	}
	query += " ORDER BY category, name"

	var rows []permissionRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	out := make([]Permission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPermission())
	}
	return out, nil
}

// Roles

const roleColumns = `id, name, slug, description, level, kind, inherits_from, max_principals, is_default, active, created_at, updated_at`

type roleRow struct {
	ID            int64         `db:"id"`
	Name          string        `db:"name"`
	Slug          string        `db:"slug"`
	Description   string        `db:"description"`
	Level         int           `db:"level"`
	Kind          string        `db:"kind"`
	InheritsFrom  sql.NullInt64 `db:"inherits_from"`
	MaxPrincipals sql.NullInt64 `db:"max_principals"`
	IsDefault     bool          `db:"is_default"`
	Active        bool          `db:"active"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r roleRow) toRole() Role {
	role := Role{
		ID:          r.ID,
		Name:        r.Name,
		Slug:        r.Slug,
		Description: r.Description,
		Level:       r.Level,
		Kind:        RoleKind(r.Kind),
		IsDefault:   r.IsDefault,
		Active:      r.Active,
		CreatedAt:   utc(r.CreatedAt),
		UpdatedAt:   utc(r.UpdatedAt),
	}
	if r.InheritsFrom.Valid {
		id := r.InheritsFrom.Int64
		role.InheritsFrom = &id
	}
	if r.MaxPrincipals.Valid {
		n := int(r.MaxPrincipals.Int64)
		role.MaxPrincipals = &n
	}
	return role
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func (s *SQLStore) CreateRole(ctx context.Context, r *Role) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO roles (name, slug, description, level, kind, inherits_from, max_principals, is_default, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := s.q.QueryRowxContext(ctx, s.q.Rebind(query),
		r.Name, r.Slug, r.Description, r.Level, string(r.Kind),
		nullInt64(r.InheritsFrom), nullInt(r.MaxPrincipals),
		r.IsDefault, r.Active, now, now,
	).Scan(&r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, r.Slug)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

func (s *SQLStore) UpdateRole(ctx context.Context, r *Role) error {
	now := time.Now().UTC()
	query := `
		UPDATE roles
		SET name = ?, slug = ?, description = ?, level = ?, kind = ?, inherits_from = ?,
			max_principals = ?, is_default = ?, active = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.q.ExecContext(ctx, s.q.Rebind(query),
		r.Name, r.Slug, r.Description, r.Level, string(r.Kind),
		nullInt64(r.InheritsFrom), nullInt(r.MaxPrincipals),
		r.IsDefault, r.Active, now, r.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, r.Slug)
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: role %d", ErrNotFound, r.ID)
	}
	r.UpdatedAt = now
	return nil
}

func (s *SQLStore) getRole(ctx context.Context, where string, arg interface{}, label string, lock bool) (*Role, error) {
	var row roleRow
	query := "SELECT " + roleColumns + " FROM roles WHERE " + where
	if lock {
		query += s.lockClause()
	}
	if err := sqlx.GetContext(ctx, s.q, &row, s.q.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: role %s", ErrNotFound, label)
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	r := row.toRole()
	return &r, nil
}

func (s *SQLStore) GetRole(ctx context.Context, id int64) (*Role, error) {
	return s.getRole(ctx, "id = ?", id, fmt.Sprint(id), false)
}

func (s *SQLStore) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	return s.getRole(ctx, "slug = ?", slug, fmt.Sprintf("%q", slug), false)
}

// LockRole takes a row lock on Postgres inside a transaction
func (s *SQLStore) LockRole(ctx context.Context, id int64) (*Role, error) {
	return s.getRole(ctx, "id = ?", id, fmt.Sprint(id), true)
}

func (s *SQLStore) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	query := "SELECT " + roleColumns + " FROM roles WHERE 1=1"
	var args []interface{}
	if !filter.IncludeInactive {
		query += " AND active = ?"
		args = append(args, true)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY level, id"

	var rows []roleRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	out := make([]Role, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRole())
	}
	return out, nil
}

func (s *SQLStore) ClearDefaultRoles(ctx context.Context, level int, exceptID int64) error {
	query := `UPDATE roles SET is_default = ?, updated_at = ? WHERE level = ? AND is_default = ? AND id <> ?`
	if _, err := s.q.ExecContext(ctx, s.q.Rebind(query), false, time.Now().UTC(), level, true, exceptID); err != nil {
		return fmt.Errorf("failed to clear default roles: %w", err)
	}
	return nil
}

// Direct role grants

func (s *SQLStore) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	query := `
		SELECT p.id, p.name, p.category, p.description, p.active, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = ?
		ORDER BY p.name
	`
	var rows []permissionRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), roleID); err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	out := make([]Permission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPermission())
	}
	return out, nil
}

func (s *SQLStore) AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	query := s.q.Rebind(`
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`)
	now := time.Now().UTC()
	added := 0
	for _, pid := range permissionIDs {
		res, err := s.q.ExecContext(ctx, query, roleID, pid, now)
		if err != nil {
			return added, fmt.Errorf("failed to grant permission %d to role %d: %w", pid, roleID, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	return added, nil
}

func (s *SQLStore) RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	query := s.q.Rebind(`DELETE FROM role_permissions WHERE role_id = ? AND permission_id = ?`)
	removed := 0
	for _, pid := range permissionIDs {
		res, err := s.q.ExecContext(ctx, query, roleID, pid)
		if err != nil {
			return removed, fmt.Errorf("failed to remove permission %d from role %d: %w", pid, roleID, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// Assignments

const assignmentColumns = `id, principal_id, role_id, is_active, is_primary, assigned_by, assigned_at,
	expires_at, context, notes, deactivation_reason, updated_at`

type assignmentRow struct {
	ID                 int64          `db:"id"`
	PrincipalID        string         `db:"principal_id"`
	RoleID             int64          `db:"role_id"`
	IsActive           bool           `db:"is_active"`
	IsPrimary          bool           `db:"is_primary"`
	AssignedBy         sql.NullString `db:"assigned_by"`
	AssignedAt         time.Time      `db:"assigned_at"`
	ExpiresAt          sql.NullTime   `db:"expires_at"`
	Context            sql.NullString `db:"context"`
	Notes              string         `db:"notes"`
	DeactivationReason string         `db:"deactivation_reason"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r assignmentRow) toAssignment() (RoleAssignment, error) {
	a := RoleAssignment{
		ID:                 r.ID,
		PrincipalID:        r.PrincipalID,
		RoleID:             r.RoleID,
		IsActive:           r.IsActive,
		IsPrimary:          r.IsPrimary,
		AssignedAt:         utc(r.AssignedAt),
		Notes:              r.Notes,
		DeactivationReason: DeactivationReason(r.DeactivationReason),
		UpdatedAt:          utc(r.UpdatedAt),
	}
	if r.AssignedBy.Valid {
		by := r.AssignedBy.String
		a.AssignedBy = &by
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time.UTC()
		a.ExpiresAt = &t
	}
	if r.Context.Valid && r.Context.String != "" {
		if err := json.Unmarshal([]byte(r.Context.String), &a.Context); err != nil {
			return RoleAssignment{}, fmt.Errorf("failed to unmarshal context for assignment %d: %w", r.ID, err)
		}
	}
	return a, nil
}

func assignmentArgs(a *RoleAssignment) (sql.NullString, string, sql.NullTime, error) {
	key, err := ContextKey(a.Context)
	if err != nil {
		return sql.NullString{}, "", sql.NullTime{}, err
	}
	var contextJSON sql.NullString
	if key != "" {
		contextJSON = sql.NullString{String: key, Valid: true}
	}
	var expires sql.NullTime
	if a.ExpiresAt != nil {
		expires = sql.NullTime{Time: a.ExpiresAt.UTC(), Valid: true}
	}
	return contextJSON, key, expires, nil
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a *RoleAssignment) error {
	contextJSON, key, expires, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	query := `
		INSERT INTO role_assignments (
			principal_id, role_id, is_active, is_primary, assigned_by, assigned_at,
			expires_at, context, context_key, notes, deactivation_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err = s.q.QueryRowxContext(ctx, s.q.Rebind(query),
		a.PrincipalID, a.RoleID, a.IsActive, a.IsPrimary, a.AssignedBy, a.AssignedAt.UTC(),
		expires, contextJSON, key, a.Notes, string(a.DeactivationReason), now,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	a.UpdatedAt = now
	return nil
}

func (s *SQLStore) UpdateAssignment(ctx context.Context, a *RoleAssignment) error {
	contextJSON, key, expires, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := `
		UPDATE role_assignments
		SET is_active = ?, is_primary = ?, assigned_by = ?, assigned_at = ?, expires_at = ?,
			context = ?, context_key = ?, notes = ?, deactivation_reason = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.q.ExecContext(ctx, s.q.Rebind(query),
		a.IsActive, a.IsPrimary, a.AssignedBy, a.AssignedAt.UTC(), expires,
		contextJSON, key, a.Notes, string(a.DeactivationReason), now, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d", ErrNotFound, a.ID)
	}
	a.UpdatedAt = now
	return nil
}

func (s *SQLStore) getAssignment(ctx context.Context, where string, label string, args ...interface{}) (*RoleAssignment, error) {
	var row assignmentRow
	query := "SELECT " + assignmentColumns + " FROM role_assignments WHERE " + where + s.lockClause()
	if err := sqlx.GetContext(ctx, s.q, &row, s.q.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a, err := row.toAssignment()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, id int64) (*RoleAssignment, error) {
	return s.getAssignment(ctx, "id = ?", fmt.Sprintf("assignment %d", id), id)
}

func (s *SQLStore) FindAssignment(ctx context.Context, principalID string, roleID int64, contextKey string) (*RoleAssignment, error) {
	return s.getAssignment(ctx, "principal_id = ? AND role_id = ? AND context_key = ?",
		fmt.Sprintf("assignment for %s on role %d", principalID, roleID),
		principalID, roleID, contextKey)
}

func (s *SQLStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]RoleAssignment, error) {
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
	if filter.ActiveOnly {
		conditions.WriteString(" AND is_active = ?")
		args = append(args, true)
	}
	if filter.HasExpiry {
		conditions.WriteString(" AND expires_at IS NOT NULL")
	}

	query := "SELECT " + assignmentColumns + " FROM role_assignments WHERE 1=1" + conditions.String() + " ORDER BY id"
	if filter.ForUpdate {
		query += s.lockClause()
	}

	var rows []assignmentRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	out := make([]RoleAssignment, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAssignment()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Audit trail

func (s *SQLStore) AppendAudit(ctx context.Context, entry *audit.Entry) error {
	return audit.Insert(ctx, s.q, entry)
}

func (s *SQLStore) SearchAudit(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	return audit.Search(ctx, s.q, filter)
}
