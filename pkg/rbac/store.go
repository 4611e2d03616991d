package rbac

import (
	"context"

	"github.com/platinummonkey/warden/pkg/audit"
)

// Store handles RBAC data persistence. Implementations return ErrNotFound for
// missing rows and ErrDuplicateSlug or ErrDuplicatePermission on unique
// violations. Returned values are copies owned by the caller.
type Store interface {
	// Permissions
	CreatePermission(ctx context.Context, p *Permission) error
	UpdatePermission(ctx context.Context, p *Permission) error
	GetPermission(ctx context.Context, id int64) (*Permission, error)
	GetPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error)

	// Roles
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleBySlug(ctx context.Context, slug string) (*Role, error)
	ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error)

	// LockRole reads a role and holds a row lock on it until the transaction ends
	LockRole(ctx context.Context, id int64) (*Role, error)

	// ClearDefaultRoles unsets is_default on every role at level except exceptID
	ClearDefaultRoles(ctx context.Context, level int, exceptID int64) error

	// Direct role grants
	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error)
	RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error)

	// Assignments
	CreateAssignment(ctx context.Context, a *RoleAssignment) error
	UpdateAssignment(ctx context.Context, a *RoleAssignment) error
	GetAssignment(ctx context.Context, id int64) (*RoleAssignment, error)
	FindAssignment(ctx context.Context, principalID string, roleID int64, contextKey string) (*RoleAssignment, error)
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]RoleAssignment, error)

	// Audit trail
	AppendAudit(ctx context.Context, entry *audit.Entry) error
	SearchAudit(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)

	// WithTx runs fn against a transactional view of the store. Returning an
	// error rolls back every write fn made. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// graphLocker is implemented by stores whose transactions can interleave and
// so need an explicit lock around inherits_from edits
type graphLocker interface {
	LockRoleGraph(ctx context.Context) error
}

func lockRoleGraph(ctx context.Context, st Store) error {
	if gl, ok := st.(graphLocker); ok {
		return gl.LockRoleGraph(ctx)
	}
	return nil
}

// principalLocker is implemented by stores that must serialize changes to
// one principal's primary assignment across concurrent transactions
type principalLocker interface {
	LockPrincipal(ctx context.Context, principalID string) error
}

func lockPrincipal(ctx context.Context, st Store, principalID string) error {
	if pl, ok := st.(principalLocker); ok {
		return pl.LockPrincipal(ctx, principalID)
	}
	return nil
}
