package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// readinessTimeout bounds one full round of dependency checks
const readinessTimeout = 5 * time.Second

// errPoolExhausted marks a reachable database with no free connections
var errPoolExhausted = errors.New("connection pool exhausted")

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// dependency checks one backing service. A failing optional dependency only degrades.
type dependency struct {
	name     string
	required bool
	check    func(ctx context.Context) error
}

// HealthChecker reports liveness and dependency readiness. The database is
// required; Redis backs the shared permission cache and rate limiter, which
// fall back to the store or let requests through when it is down.
type HealthChecker struct {
	deps    []dependency
	version string
}

// NewHealthChecker creates a health checker. Either dependency may be nil.
func NewHealthChecker(db *sql.DB, rdb *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{version: version}
	if db != nil {
		h.deps = append(h.deps, dependency{name: "database", required: true, check: pingDatabase(db)})
	}
	if rdb != nil {
		h.deps = append(h.deps, dependency{name: "redis", check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return h
}

func pingDatabase(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return err
		}
		if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return errPoolExhausted
		}
		return nil
	}
}

// Check runs every dependency check and folds the results into one status
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	overall := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.deps)),
	}

	for _, p := range h.deps {
		start := time.Now()
		err := p.check(ctx)
		dep := DependencyStatus{
			Status:    StatusHealthy,
			Latency:   time.Since(start),
			Timestamp: start.UTC(),
		}

		effect := StatusHealthy
		switch {
		case errors.Is(err, errPoolExhausted):
			dep.Status, dep.Message = StatusDegraded, err.Error()
			effect = StatusDegraded
		case err != nil:
			dep.Status, dep.Message = StatusUnhealthy, err.Error()
			effect = StatusDegraded
			if p.required {
				effect = StatusUnhealthy
			}
		}
		overall.Dependencies[p.name] = dep
		overall.Status = worse(overall.Status, effect)
	}
	return overall
}

func worse(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeHealth(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// Readiness answers 503 when a required dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
