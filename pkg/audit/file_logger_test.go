package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	require.NoError(t, logger.Log(ctx, &Entry{ID: 1, PrincipalID: "user-1", RoleID: 3, Action: ActionAssigned}))
	require.NoError(t, logger.Log(ctx, &Entry{ID: 2, PrincipalID: "user-1", RoleID: 3, Action: ActionRevoked}))

	entries, err := logger.ReadEntries(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionAssigned, entries[0].Action)
	assert.Equal(t, ActionRevoked, entries[1].Action)

	first, err := logger.ReadEntries(1)
	require.NoError(t, err)
	assert.Len(t, first, 1)
}

func TestFileLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 10, MaxFiles: 2})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, &Entry{ID: int64(i), PrincipalID: "user-1", RoleID: 1, Action: ActionModified}))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rotated), 2, "old rotated files should be cleaned up")
	assert.NotEmpty(t, rotated)

	active, err := logger.ReadEntries(0)
	require.NoError(t, err)
	assert.Len(t, active, 1, "each write lands in a fresh file once the limit is hit")
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	err = logger.Log(context.Background(), &Entry{PrincipalID: "user-1", Action: ActionAssigned})
	assert.Error(t, err)
	assert.NoError(t, logger.Close(), "double close is safe")
}
