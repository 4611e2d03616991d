package observability

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	metrics.RecordCheck("has_permission", true, time.Millisecond)
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["warden_permission_checks_total"])
	assert.True(t, names["warden_permission_check_duration_seconds"])
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_RecordCheck(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCheck("has_permission", true, time.Millisecond)
	m.RecordCheck("has_permission", false, time.Millisecond)
	m.RecordCheck("has_permission", false, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("has_permission", "allow")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("has_permission", "deny")))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBypass()
	m.RecordCycle()
	m.RecordAssignment("assigned")
	m.RecordAssignment("assigned")
	m.RecordSweep(3)
	m.RecordSweep(0)
	m.RecordCache("lru", true)
	m.RecordCache("lru", false)
	m.RecordCache("redis", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SuperuserBypassTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CycleDetectedTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.AssignmentsTotal.WithLabelValues("assigned")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SweepExpiredTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("redis")))
}

func TestMetrics_UpdateDBStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.UpdateDBStats(sql.DBStats{InUse: 4, Idle: 2, WaitCount: 9})

	assert.Equal(t, float64(4), testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, float64(9), testutil.ToFloat64(m.DBConnectionsWaitCount))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCheck("any_permission", true, time.Second)
		m.RecordBypass()
		m.RecordCycle()
		m.RecordAssignment("revoked")
		m.RecordSweep(1)
		m.RecordCache("lru", true)
		m.UpdateDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/roles/1", "/roles/2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/roles/{id}", "404")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordBypass()

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "warden_superuser_bypass_total 1"))
}
