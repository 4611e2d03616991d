package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "warden.db")
	cfg.Database.SeedOnStart = true
	cfg.Auth.Superusers = []string{"root"}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func serve(h http.Handler, method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != "" {
		req.Header.Set(rbac.DefaultPrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_ServesAPI(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	h := app.Handler()

	rec := serve(h, "GET", "/v1/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(httputil.RequestIDHeader))

	rec = serve(h, "GET", "/v1/roles", "root", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []rbac.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	assert.Len(t, roles, 9, "seeded on start")

	user, err := app.Service.Roles.GetRoleBySlug(context.Background(), "user")
	require.NoError(t, err)
	rec = serve(h, "POST", "/v1/principals/alice/roles", "root", map[string]interface{}{"role_id": user.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(h, "POST", "/v1/check", "alice", rbac.CheckRequest{PrincipalID: "alice", Permission: "content.view"})
	require.Equal(t, http.StatusOK, rec.Code)
	var check rbac.CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.True(t, check.Allowed)

	req := httptest.NewRequest("POST", "/v1/check", strings.NewReader("principal_id=alice"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_HealthAndMetrics(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	serve(app.Handler(), "GET", "/v1/roles", "root", nil)
	_, err := app.Service.Checker.HasPermission(context.Background(), rbac.Principal{ID: "bob"}, "content.view")
	require.NoError(t, err)

	health := app.HealthHandler()
	rec := serve(health, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status observability.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Equal(t, Version, status.Version)
	assert.Contains(t, status.Dependencies, "database")

	rec = serve(health, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `warden_http_requests_total{method="GET",path="/v1/roles",status="200"} 1`)
	assert.Contains(t, body, "warden_permission_checks_total")
	assert.Contains(t, body, "warden_cache_misses_total")
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.MetricsEnabled = false
	app := newTestApp(t, cfg)

	assert.Nil(t, app.Metrics)
	rec := serve(app.HealthHandler(), "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(app.Handler(), "GET", "/v1/roles", "root", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_RedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisURL = "redis://" + mr.Addr()
	app := newTestApp(t, cfg)
	require.NotNil(t, app.Redis)

	ctx := context.Background()
	user, err := app.Service.Roles.GetRoleBySlug(ctx, "user")
	require.NoError(t, err)
	_, err = app.Service.Ledger.AssignRole(ctx, "alice", user.ID, rbac.AssignOptions{})
	require.NoError(t, err)
	ok, err := app.Service.Checker.HasPermission(ctx, rbac.Principal{ID: "alice"}, "content.view")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, mr.Keys(), "snapshot stored in redis")

	rec := serve(app.HealthHandler(), "GET", "/health", "", nil)
	var status observability.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, observability.StatusHealthy, status.Dependencies["redis"].Status)

	mr.Close()
	rec = serve(app.HealthHandler(), "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "a dead cache only degrades")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, observability.StatusDegraded, status.Status)
}

func TestApp_RateLimit(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 2
		cfg.RateLimit.Burst = 0
		app := newTestApp(t, cfg)
		h := app.Handler()

		for i := 0; i < 2; i++ {
			rec := serve(h, "GET", "/v1/roles", "root", nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		rec := serve(h, "GET", "/v1/roles", "root", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		rec = serve(h, "GET", "/v1/roles", "someone-else", nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "limits are per principal")
	})

	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		cfg := testConfig(t)
		cfg.Cache.RedisURL = "redis://" + mr.Addr()
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Backend = "redis"
		cfg.RateLimit.Requests = 1
		app := newTestApp(t, cfg)
		require.NotNil(t, app.Redis, "connected for the limiter alone")

		h := app.Handler()
		require.Equal(t, http.StatusOK, serve(h, "GET", "/v1/roles", "root", nil).Code)
		assert.Equal(t, http.StatusTooManyRequests, serve(h, "GET", "/v1/roles", "root", nil).Code)
		assert.True(t, mr.Exists("warden:ratelimit:principal:root"))
	})
}

func TestApp_AuditFileSink(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Audit.FilePath = dir
	app := newTestApp(t, cfg)

	ctx := context.Background()
	user, err := app.Service.Roles.GetRoleBySlug(ctx, "user")
	require.NoError(t, err)
	_, err = app.Service.Ledger.AssignRole(ctx, "alice", user.ID, rbac.AssignOptions{AssignedBy: "root"})
	require.NoError(t, err)
	require.NoError(t, app.Close(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"principal_id":"alice"`)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestNew_DatabaseUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = "postgres://nobody@127.0.0.1:1/warden?sslmode=disable&connect_timeout=1"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
}

func TestApp_OIDCReplacesTrustedHeader(t *testing.T) {
	mux := http.NewServeMux()
	idp := httptest.NewServer(mux)
	defer idp.Close()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                 idp.URL,
			"authorization_endpoint": idp.URL + "/auth",
			"token_endpoint":         idp.URL + "/token",
			"jwks_uri":               idp.URL + "/keys",
		})
	})

	cfg := testConfig(t)
	cfg.Auth.OIDCIssuer = idp.URL
	cfg.Auth.OIDCClientID = "warden"
	h := newTestApp(t, cfg).Handler()

	rec := serve(h, "GET", "/v1/roles", "root", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the proxy header is not trusted")

	req := httptest.NewRequest("GET", "/v1/roles", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cfg.Auth.OIDCIssuer = idp.URL + "/elsewhere"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to discover OIDC provider")
}

func TestApp_Run(t *testing.T) {
	t.Run("stops when the context ends", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Server.Addr = "127.0.0.1:0"
		cfg.Server.HealthAddr = ""
		app := newTestApp(t, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- app.Run(ctx) }()
		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})

	t.Run("reports a listener failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Server.Addr = fmt.Sprintf("127.0.0.1:%d", -1)
		cfg.Server.HealthAddr = ""
		app := newTestApp(t, cfg)

		done := make(chan error, 1)
		go func() { done <- app.Run(context.Background()) }()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "api server")
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return after a listener failure")
		}
	})
}
