package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	require.NoError(t, store.EnsureTable(context.Background()))
	return store
}

func TestInsert_RebindsForPostgres(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`INSERT INTO audit_entries .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\) RETURNING id`).
		WithArgs("user-1", int64(7), nil, "assigned", sqlmock.AnyArg(), sqlmock.AnyArg(), "onboarding", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	entry := &Entry{
		PrincipalID: "user-1",
		RoleID:      7,
		Action:      ActionAssigned,
		Reason:      "onboarding",
		Metadata:    map[string]interface{}{"workspace_id": 123},
	}

	err := Insert(context.Background(), db, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.ID)
	assert.False(t, entry.PerformedAt.IsZero(), "PerformedAt should default to now")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_RejectsUnknownAction(t *testing.T) {
	db, mock := newMockDB(t)

	err := Insert(context.Background(), db, &Entry{PrincipalID: "user-1", RoleID: 1, Action: "deleted"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid audit action")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DatabaseError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO audit_entries").
		WillReturnError(errors.New("connection refused"))

	err := Insert(context.Background(), db, &Entry{PrincipalID: "user-1", RoleID: 1, Action: ActionRevoked})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit entry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_BuildsFilteredQuery(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{"id", "principal_id", "role_id", "assignment_id", "action", "performed_by", "performed_at", "reason", "metadata"}
	mock.ExpectQuery(`(?s)SELECT .* FROM audit_entries WHERE 1=1 AND principal_id = \$1 AND action = \$2 ORDER BY performed_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("user-1", "revoked", 10, 0).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(3), "user-1", int64(7), int64(11), "revoked", nil, now, "expired", `{"sweep_id":"abc"}`))

	entries, err := Search(context.Background(), db, Filter{PrincipalID: "user-1", Action: ActionRevoked, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, ActionRevoked, got.Action)
	require.NotNil(t, got.AssignmentID)
	assert.Equal(t, int64(11), *got.AssignmentID)
	assert.Nil(t, got.PerformedBy)
	assert.Equal(t, "abc", got.Metadata["sweep_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SearchSQLite(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	admin := "admin-1"
	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{PrincipalID: "user-1", RoleID: 1, Action: ActionAssigned, PerformedBy: &admin, PerformedAt: base},
		{PrincipalID: "user-1", RoleID: 2, Action: ActionAssigned, PerformedAt: base.Add(time.Hour)},
		{PrincipalID: "user-2", RoleID: 1, Action: ActionRevoked, Reason: ReasonExpired, PerformedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, store.Log(ctx, e))
		assert.NotZero(t, e.ID)
	}

	all, err := store.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "user-2", all[0].PrincipalID, "newest entry first")

	byPrincipal, err := store.Search(ctx, Filter{PrincipalID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, byPrincipal, 2)

	roleID := int64(1)
	byRole, err := store.Search(ctx, Filter{RoleID: &roleID})
	require.NoError(t, err)
	assert.Len(t, byRole, 2)

	byPerformer, err := store.Search(ctx, Filter{PerformedBy: admin})
	require.NoError(t, err)
	require.Len(t, byPerformer, 1)
	assert.Equal(t, admin, *byPerformer[0].PerformedBy)

	since := base.Add(90 * time.Minute)
	recent, err := store.Search(ctx, Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, ReasonExpired, recent[0].Reason)

	page, err := store.Search(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].RoleID)
}

func TestNewSQLStore_RequiresDB(t *testing.T) {
	_, err := NewSQLStore(nil)
	assert.Error(t, err)
}
