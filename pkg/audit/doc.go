// Package audit records the append-only trail of role assignment changes.
//
// # Overview
//
// Every Assignment Ledger mutation produces one or more Entry values: a role was
// assigned, revoked (explicitly or by the expiry sweep), promoted to primary,
// demoted from primary, or modified (for example an extended expiration).
// Entries are never updated or deleted.
//
// # Persistence
//
// Insert and Search operate on any sqlx.ExtContext so the rbac SQL store can
// write entries inside the same transaction as the ledger change:
//
//	err := audit.Insert(ctx, tx, &audit.Entry{
//		PrincipalID: "user-42",
//		RoleID:      role.ID,
//		Action:      audit.ActionAssigned,
//		PerformedAt: time.Now().UTC(),
//	})
//
// Query the trail:
//
//	entries, err := audit.Search(ctx, db, audit.Filter{
//		PrincipalID: "user-42",
//		Action:      audit.ActionRevoked,
//		Limit:       50,
//	})
//
// # Sinks
//
// Logger implementations receive committed entries for streaming elsewhere:
// FileLogger (rotating JSON lines), MultiLogger (fan-out), LogLogger
// (structured application log) and the no-op logger returned by FromContext
// when none is configured.
//
// # Export
//
// Export renders entries as JSON, NDJSON or CSV for offline review.
package audit
