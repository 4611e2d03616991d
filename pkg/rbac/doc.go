// Package rbac is a role-based authorization engine.
//
// # Overview
//
// Principals are granted roles; roles bundle permissions and may inherit
// the permissions of a single parent role. The engine answers "may this
// principal do X" and keeps an append-only trail of every assignment change.
//
// The engine is made of five cooperating parts bundled by Service:
//
//	Catalog            - registry of permission names (resource.action)
//	RoleService        - the role graph: roles, parents, direct grants
//	Resolver           - walks a role's ancestry into its effective permissions
//	Ledger             - principal to role assignments with expiry and capacity
//	PermissionChecker  - the read path used by middleware and the check API
//
// # Permissions
//
// A permission name is two lowercase words joined by a dot, such as
// content.publish or admin.roles, and belongs to one of the categories
// user, content, analytics, settings, billing, support, api or admin.
// Permissions are never deleted; a deactivated permission simply stops
// being granted by every role that holds it.
//
//	p, err := svc.Catalog.CreatePermission(ctx, rbac.CreatePermissionInput{
//		Name:     "content.publish",
//		Category: "content",
//	})
//
// # Roles and Inheritance
//
// Every role has a slug, a level on the ladder (guest 0 through system 90)
// and at most one parent. A role's effective permissions are its direct
// grants plus everything its ancestors grant. Edges that would form a cycle
// are rejected with ErrInvalidParent, which wraps ErrCycleDetected:
//
//	mod, err := svc.Roles.CreateRole(ctx, rbac.CreateRoleInput{
//		Name:         "Moderator",
//		Slug:         "moderator",
//		Level:        rbac.LevelModerator,
//		InheritsFrom: &user.ID,
//		Permissions:  []string{"content.moderate"},
//	})
//
// Membership is not inherited. A moderator holds user's permissions but
// HasRole(principal, "user") is false unless user is assigned directly.
//
// # Assignments
//
// An assignment is effective while it is active, unexpired, and its role is
// active. Expiry is evaluated against the clock on every read, so an
// assignment past its expiry stops granting immediately even before
// SweepExpiredAssignments marks it inactive.
//
//	a, err := svc.Ledger.AssignRole(ctx, "user-42", mod.ID, rbac.AssignOptions{
//		AssignedBy: "admin-1",
//		ExpiresAt:  &until,
//		IsPrimary:  true,
//	})
//
// Roles with MaxPrincipals refuse further assignments with
// ErrCapacityExceeded. A principal has at most one primary assignment;
// promoting one demotes the rest. There is one row per (principal, role,
// context): assigning again reactivates the existing row.
//
// # Checking Permissions
//
//	ok, err := svc.Checker.HasPermission(ctx, rbac.Principal{ID: "user-42"}, "content.publish")
//
// Unknown permission names are denied, not errors. Superusers bypass
// HasPermission, HasAnyPermission, HasAllPermissions and MeetsMinimumLevel.
// HasAnyPermission of an empty list is false and HasAllPermissions of an
// empty list is true.
//
// Results are computed as a Snapshot per principal, which a PermissionCache
// (LRUCache in process, RedisCache shared) may hold until the earlier of its
// TTL and the first contributing expiry. Every ledger write invalidates the
// principal and every role or catalog write invalidates all snapshots.
//
// # HTTP
//
// PermissionMiddleware guards handlers:
//
//	mw := rbac.NewPermissionMiddleware(svc.Checker)
//	router.Handle("/reports", mw.RequirePermission("analytics.view")(reports))
//
// It answers 401 without a principal in the context, 403 when the check is
// denied and 500 when it fails. Handlers exposes the admin and check API
// under /v1; ErrorStatuses maps domain errors to status codes.
//
// # Storage
//
// Store is implemented by SQLStore (PostgreSQL or SQLite through sqlx) and
// MemoryStore. Check-then-act writes run inside Store.WithTx; on PostgreSQL
// the role row is locked so concurrent assignments at capacity serialize.
//
//	db, err := rbac.Open(ctx, "postgres", dsn)
//	if _, err := rbac.RunMigrations(ctx, db, logger); err != nil {
//		return err
//	}
//	svc := rbac.NewService(rbac.NewSQLStore(db), rbac.ServiceOptions{})
//	report, err := svc.Bootstrap(ctx, seed)
package rbac
