package rbac

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultCacheTTL bounds how long a permission snapshot is served from cache
const DefaultCacheTTL = 30 * time.Second

// ServiceOptions configures a Service. Zero values select no cache, a no-op
// logger and recorder, the global tracer, and the wall clock.
type ServiceOptions struct {
	Cache     PermissionCache
	CacheTTL  time.Duration
	Logger    *observability.Logger
	Metrics   observability.Recorder
	Tracer    trace.Tracer
	Clock     func() time.Time
	AuditSink audit.Logger
}

// Service bundles the engine components around one store
type Service struct {
	Catalog   *Catalog
	Roles     *RoleService
	Ledger    *Ledger
	Checker   *PermissionChecker
	Resolver  *Resolver
	Analytics *Analytics

	engine *engine
}

type engine struct {
	store   Store
	cache   PermissionCache
	logger  *observability.Logger
	metrics observability.Recorder
	tracer  trace.Tracer
	clock   func() time.Time
	sink    audit.Logger
	ttl     time.Duration

	// invalidations is bumped on every write so checks issued afterwards
	// never share a snapshot load that started before it
	invalidations atomic.Uint64
	loads         singleflight.Group
}

// NewService wires the engine components
func NewService(store Store, opts ServiceOptions) *Service {
	e := &engine{
		store:   store,
		cache:   opts.Cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		clock:   opts.Clock,
		sink:    opts.AuditSink,
		ttl:     opts.CacheTTL,
	}
	if e.cache == nil {
		e.cache = NoopCache{}
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if e.metrics == nil {
		e.metrics = observability.NopRecorder()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(observability.TracerName)
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.sink == nil {
		e.sink = audit.NoOp()
	}
	if e.ttl <= 0 {
		e.ttl = DefaultCacheTTL
	}

	resolver := &Resolver{e: e}
	return &Service{
		Catalog:   &Catalog{e: e},
		Roles:     &RoleService{e: e, resolver: resolver},
		Ledger:    &Ledger{e: e},
		Checker:   &PermissionChecker{e: e, resolver: resolver},
		Resolver:  resolver,
		Analytics: &Analytics{e: e, resolver: resolver},
		engine:    e,
	}
}

// Store returns the underlying store
func (s *Service) Store() Store {
	return s.engine.store
}

// Close flushes the audit sink and closes the store
func (s *Service) Close() error {
	if err := s.engine.sink.Close(); err != nil {
		s.engine.logger.WithError(err).Warn("failed to close audit sink")
	}
	return s.engine.store.Close()
}

func (e *engine) now() time.Time {
	return e.clock().UTC()
}

func (e *engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "rbac."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// log prefers the request logger so entries carry request and principal ids
func (e *engine) log(ctx context.Context) *observability.Logger {
	if _, ok := ctx.Value(contextkeys.LoggerKey).(*observability.Logger); ok {
		return observability.FromContext(ctx)
	}
	return e.logger
}

// effects collects the side effects of one transaction. They are applied
// only after the transaction commits.
type effects struct {
	entries    []*audit.Entry
	principals map[string]struct{}
	all        bool
}

func newEffects() *effects {
	return &effects{principals: make(map[string]struct{})}
}

// record appends entry to the trail inside the transaction
func (fx *effects) record(ctx context.Context, st Store, entry *audit.Entry) error {
	if err := st.AppendAudit(ctx, entry); err != nil {
		return err
	}
	fx.entries = append(fx.entries, entry)
	fx.principals[entry.PrincipalID] = struct{}{}
	return nil
}

func (fx *effects) touch(principalID string) {
	fx.principals[principalID] = struct{}{}
}

func (fx *effects) touchAll() {
	fx.all = true
}

// apply forwards committed audit entries to the sink and invalidates the cache
func (e *engine) apply(ctx context.Context, fx *effects) {
	for _, entry := range fx.entries {
		e.metrics.RecordAssignment(string(entry.Action))
		if err := e.sink.Log(ctx, entry); err != nil {
			e.log(ctx).WithError(err).WithField("audit_id", entry.ID).Warn("failed to forward audit entry")
		}
	}
	if fx.all {
		e.invalidateAll(ctx)
		return
	}
	for principalID := range fx.principals {
		e.invalidate(ctx, principalID)
	}
}

func (e *engine) invalidate(ctx context.Context, principalID string) {
	e.invalidations.Add(1)
	e.cache.Invalidate(ctx, principalID)
}

func (e *engine) invalidateAll(ctx context.Context) {
	e.invalidations.Add(1)
	e.cache.InvalidateAll(ctx)
}

// tx runs fn in a store transaction and applies its effects on commit
func (e *engine) tx(ctx context.Context, fn func(st Store, fx *effects) error) error {
	fx := newEffects()
	if err := e.store.WithTx(ctx, func(st Store) error {
		return fn(st, fx)
	}); err != nil {
		return err
	}
	e.apply(ctx, fx)
	return nil
}
