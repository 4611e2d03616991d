package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/observability"
)

// benchService seeds the default ladder and gives n principals the manager role
func benchService(b *testing.B, opts ServiceOptions, n int) *Service {
	b.Helper()
	ctx := context.Background()

	svc := NewSQLiteTestService(b, opts)
	seed, err := DefaultSeed()
	if err != nil {
		b.Fatalf("failed to load seed: %v", err)
	}
	if _, err := svc.Bootstrap(ctx, seed); err != nil {
		b.Fatalf("failed to bootstrap: %v", err)
	}
	manager, err := svc.Roles.GetRoleBySlug(ctx, "manager")
	if err != nil {
		b.Fatalf("failed to find manager role: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := svc.Ledger.AssignRole(ctx, fmt.Sprintf("bench-%d", i), manager.ID, AssignOptions{}); err != nil {
			b.Fatalf("failed to assign: %v", err)
		}
	}
	return svc
}

func runCheckBenchmark(b *testing.B, svc *Service, n int) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := Principal{ID: fmt.Sprintf("bench-%d", i%n)}
		if _, err := svc.Checker.HasPermission(ctx, p, "content.moderate"); err != nil {
			b.Errorf("check failed: %v", err)
		}
	}
}

// BenchmarkHasPermission_Uncached resolves the snapshot from SQLite on every call
func BenchmarkHasPermission_Uncached(b *testing.B) {
	const principals = 50
	svc := benchService(b, ServiceOptions{}, principals)
	runCheckBenchmark(b, svc, principals)
}

// BenchmarkHasPermission_LRU serves repeat checks from the in-process cache
func BenchmarkHasPermission_LRU(b *testing.B) {
	const principals = 50
	svc := benchService(b, ServiceOptions{Cache: NewLRUCache(1000, time.Minute), CacheTTL: time.Minute}, principals)
	runCheckBenchmark(b, svc, principals)
}

// BenchmarkHasPermission_Redis serves repeat checks from Redis
func BenchmarkHasPermission_Redis(b *testing.B) {
	mr, err := miniredis.Run()
	if err != nil {
		b.Skipf("could not start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	const principals = 50
	cache := NewRedisCache(client, time.Minute, observability.NopLogger())
	svc := benchService(b, ServiceOptions{Cache: cache, CacheTTL: time.Minute}, principals)
	runCheckBenchmark(b, svc, principals)
}

// BenchmarkResolveEffectivePermissions walks the deepest seeded chain
func BenchmarkResolveEffectivePermissions(b *testing.B) {
	svc := benchService(b, ServiceOptions{}, 0)
	ctx := context.Background()
	top, err := svc.Roles.GetRoleBySlug(ctx, "super-admin")
	if err != nil {
		b.Fatalf("failed to find super-admin: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.Resolver.ResolveEffectivePermissions(ctx, top.ID); err != nil {
			b.Errorf("resolve failed: %v", err)
		}
	}
}
