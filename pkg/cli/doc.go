// Package cli provides wardenctl, the operator command-line interface for the
// warden authorization engine.
//
// # Overview
//
// wardenctl talks to the warden database directly. It applies migrations,
// installs the role ladder seed, administers the catalog, roles and
// assignments, runs permission checks, and exports the audit trail.
//
// # Commands
//
// migrate: Apply pending schema migrations
//
//	wardenctl migrate --db-driver postgres --db-dsn postgres://...
//
// seed: Install the built-in catalog and role ladder, or a YAML file
//
//	wardenctl seed
//	wardenctl seed --file ./roles.yaml --watch
//
// role, permission: Inspect and edit the role graph and catalog
//
//	wardenctl role list
//	wardenctl role create reviewer --name Reviewer --level 30 --parent user --permission content.review
//	wardenctl role set-parent reviewer moderator
//	wardenctl permission create content.review --category content
//
// assign, revoke, sweep: Manage the assignment ledger
//
//	wardenctl assign alice moderator --expires-in 72h --by ops
//	wardenctl revoke alice moderator --reason "left the team"
//	wardenctl sweep
//
// check: Ask the permission-check service; exits non-zero when denied
//
//	wardenctl check alice content.edit content.moderate --any
//
// audit export: Write the audit trail as json, ndjson or csv
//
//	wardenctl audit export --format csv --principal alice --since 24h
//
// # Connection
//
// --db-driver and --db-dsn default to WARDEN_DB_DRIVER and WARDEN_DB_DSN.
// --memory runs against a throwaway in-memory store with the default seed,
// which is handy for trying out seed files and checks.
package cli
