// Package config loads warden configuration from WARDEN_* environment variables
// using envconfig struct tags, then validates it.
//
// Commonly set variables:
//
//	WARDEN_SERVER_ADDR=":8080"
//	WARDEN_SERVER_HEALTH_ADDR=":9090"
//	WARDEN_AUTH_PRINCIPAL_HEADER="X-Principal-ID"
//	WARDEN_AUTH_SUPERUSERS="root,ops-bot"
//	WARDEN_DB_DRIVER="postgres"          # postgres or sqlite3
//	WARDEN_DB_DSN="postgres://..."
//	WARDEN_CACHE_BACKEND="memory"        # none, memory, redis
//	WARDEN_CACHE_TTL="30s"
//	WARDEN_CACHE_REDIS_URL="redis://localhost:6379/0"
//	WARDEN_RATE_LIMIT_ENABLED="false"
//	WARDEN_RATE_LIMIT_BACKEND="memory"   # memory or redis
//	WARDEN_RATE_LIMIT_REQUESTS="600"     # per WARDEN_RATE_LIMIT_WINDOW
//	WARDEN_SWEEP_SCHEDULE="@every 1m"
//	WARDEN_AUDIT_FILE_PATH="/var/log/warden"
//	WARDEN_OBS_LOG_LEVEL="info"
//	WARDEN_OBS_OTEL_ENABLED="false"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
