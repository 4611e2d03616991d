package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/rbac"
)

func TestCommands_SQLiteWorkflow(t *testing.T) {
	base := sqliteArgs(t)
	run := func(args ...string) (string, error) {
		return execute(t, append(append([]string{}, base...), args...)...)
	}

	out, err := run("migrate")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("applied %d migrations\n", len(rbac.Migrations("sqlite3"))), out)
	out, err = run("migrate")
	require.NoError(t, err)
	assert.Equal(t, "applied 0 migrations\n", out)

	out, err = run("seed")
	require.NoError(t, err)
	assert.Contains(t, out, "roles created: 9")
	out, err = run("seed")
	require.NoError(t, err)
	assert.Equal(t, "seed already applied, no changes\n", out)

	t.Run("catalog and roles", func(t *testing.T) {
		out, err := run("role", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "super-admin")
		assert.Contains(t, out, "SLUG")

		out, err = run("role", "list", "--json")
		require.NoError(t, err)
		var roles []rbac.Role
		require.NoError(t, json.Unmarshal([]byte(out), &roles))
		assert.Len(t, roles, 9)

		out, err = run("permission", "create", "content.review", "--category", "content", "--description", "Review drafts")
		require.NoError(t, err)
		assert.Contains(t, out, "created permission content.review")

		_, err = run("permission", "create", "content.bogus", "--category", "nonsense")
		require.Error(t, err)

		out, err = run("role", "create", "reviewer", "--name", "Reviewer", "--level", "35", "--parent", "moderator", "-p", "content.review")
		require.NoError(t, err)
		assert.Contains(t, out, "created role reviewer")

		out, err = run("role", "show", "reviewer")
		require.NoError(t, err)
		assert.Contains(t, out, "inherits: reviewer -> moderator -> user")
		assert.Contains(t, out, "content.review")
		assert.Contains(t, out, "content.moderate", "inherited from moderator")

		_, err = run("role", "set-parent", "user", "reviewer")
		require.Error(t, err)
		assert.ErrorIs(t, err, rbac.ErrCycleDetected)

		out, err = run("role", "set-parent", "reviewer")
		require.NoError(t, err)
		assert.Equal(t, "reviewer no longer inherits\n", out)

		out, err = run("role", "ungrant", "reviewer", "content.review")
		require.NoError(t, err)
		assert.Contains(t, out, "removed content.review on reviewer")
		out, err = run("role", "grant", "reviewer", "content.review", "content.view")
		require.NoError(t, err)
		assert.Contains(t, out, "granted content.review, content.view on reviewer")
	})

	t.Run("assignments and checks", func(t *testing.T) {
		out, err := run("assign", "alice", "moderator", "--by", "ops", "--primary", "--context", "team=blue", "--reason", "on call")
		require.NoError(t, err)
		assert.Contains(t, out, "assigned moderator to alice")
		assert.Contains(t, out, "primary")

		out, err = run("check", "alice", "content.moderate")
		require.NoError(t, err)
		assert.Equal(t, "allowed\n", out)

		out, err = run("check", "alice", "billing.manage", "content.view", "--any")
		require.NoError(t, err)
		assert.Equal(t, "allowed\n", out)

		out, err = run("check", "alice", "billing.manage")
		require.ErrorIs(t, err, ErrDenied)
		assert.Equal(t, "denied\n", out)

		out, err = run("check", "alice", "billing.manage", "--superuser")
		require.NoError(t, err)
		assert.Equal(t, "allowed\n", out)

		_, err = run("check", "alice", "--role", "moderator", "--min-level", "30")
		require.NoError(t, err)
		_, err = run("check", "alice", "--min-level", "40")
		require.ErrorIs(t, err, ErrDenied)

		out, err = run("check", "alice", "content.view", "--json")
		require.NoError(t, err)
		var resp rbac.CheckResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.True(t, resp.Allowed)

		_, err = run("check", "alice")
		require.Error(t, err)

		out, err = run("sweep")
		require.NoError(t, err)
		assert.Equal(t, "expired 0 assignments\n", out)

		out, err = run("revoke", "alice", "moderator", "--by", "ops", "--reason", "rotation")
		require.NoError(t, err)
		assert.Equal(t, "revoked moderator from alice\n", out)
		out, err = run("revoke", "alice", "moderator")
		require.NoError(t, err)
		assert.Equal(t, "alice does not hold moderator\n", out)

		_, err = run("check", "alice", "content.moderate")
		require.ErrorIs(t, err, ErrDenied)
	})

	t.Run("audit export", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.csv")
		_, err := run("audit", "export", "--format", "csv", "--principal", "alice", "--since", "1h", "--output", path)
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(records), 3)
		assert.Equal(t, "Action", records[0][2])

		actions := map[string]bool{}
		for _, rec := range records[1:] {
			assert.Equal(t, "alice", rec[3])
			actions[rec[2]] = true
		}
		assert.True(t, actions["assigned"])
		assert.True(t, actions["revoked"])

		out, err := run("audit", "export", "--format", "ndjson", "--action", "revoked")
		require.NoError(t, err)
		assert.Contains(t, out, `"reason":"rotation"`)

		out, err = run("audit", "export", "--principal", "nobody")
		require.NoError(t, err)
		assert.Equal(t, "[]", out)

		_, err = run("audit", "export", "--action", "exploded")
		require.Error(t, err)
		_, err = run("audit", "export", "--format", "xml")
		require.Error(t, err)
	})
}

func TestCommands_Memory(t *testing.T) {
	out, err := execute(t, "--memory", "seed")
	require.NoError(t, err)
	assert.Equal(t, "seed already applied, no changes\n", out)

	out, err = execute(t, "--memory", "role", "show", "content-manager")
	require.NoError(t, err)
	assert.Contains(t, out, "inherits: content-manager -> moderator -> user")

	out, err = execute(t, "--memory", "permission", "list", "--json")
	require.NoError(t, err)
	var perms []rbac.Permission
	require.NoError(t, json.Unmarshal([]byte(out), &perms))
	assert.Len(t, perms, 33)

	_, err = execute(t, "--memory", "assign", "bob", "no-such-role")
	require.ErrorIs(t, err, rbac.ErrNotFound)

	out, err = execute(t, "--memory", "assign", "bob", "user", "--expires-in", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "expires")

	_, err = execute(t, "--memory", "assign", "bob", "user", "--expires-in", "-1h")
	require.Error(t, err)
}

func TestCommands_SeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
permissions:
  - {name: reports.view, category: analytics, description: View reports}
roles:
  - name: Analyst
    slug: analyst
    level: 25
    permissions: [reports.view]
`), 0o600))

	out, err := execute(t, "--memory", "seed", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "permissions created: 1")
	assert.Contains(t, out, "roles created: 1")

	_, err = execute(t, "--memory", "seed", "--watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch requires --file")

	_, err = execute(t, "--memory", "seed", "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseContext(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "empty", pairs: nil, want: nil},
		{name: "typed values", pairs: []string{"team=blue", "org=42", "trial=true"}, want: map[string]interface{}{
			"team":  "blue",
			"org":   int64(42),
			"trial": true,
		}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]interface{}{"q": "a=b"}},
		{name: "missing value separator", pairs: []string{"team"}, wantErr: true},
		{name: "empty key", pairs: []string{"=blue"}, wantErr: true},
		{name: "duplicate key", pairs: []string{"team=a", "team=b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseContext(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatchSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles: []\n"), 0o600))

	watcher, err := newSeedWatcher(path)
	require.NoError(t, err)
	defer watcher.Close()

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})

	var applied atomic.Int32
	apply := func() error {
		if applied.Add(1) == 1 {
			return fmt.Errorf("bad seed")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchSeed(ctx, watcher, path, log, apply)
	}()

	require.NoError(t, os.WriteFile(path, []byte("roles: []\npermissions: []\n"), 0o600))
	assert.Eventually(t, func() bool { return applied.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	// a failed apply does not end the watch
	time.Sleep(50 * time.Millisecond)
	before := applied.Load()
	require.NoError(t, os.WriteFile(path, []byte("roles: []\n"), 0o600))
	assert.Eventually(t, func() bool { return applied.Load() > before }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchSeed did not return after cancel")
	}
}
