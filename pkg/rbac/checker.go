package rbac

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Check kinds, used as metric labels
const (
	CheckHasPermission  = "has_permission"
	CheckAnyPermission  = "any_permission"
	CheckAllPermissions = "all_permissions"
	CheckHasRole        = "has_role"
	CheckMinimumLevel   = "minimum_level"
)

const defaultLevelFloor = LevelGuest

// PermissionChecker answers authorization questions for principals. Only
// effective assignments contribute, and only active permissions are granted.
type PermissionChecker struct {
	e        *engine
	resolver *Resolver
}

// Snapshot returns the principal's current authorization state, served from
// the cache while fresh
func (c *PermissionChecker) Snapshot(ctx context.Context, principalID string) (*Snapshot, error) {
	now := c.e.now()
	backend := c.e.cache.Name()

	if snap, ok := c.e.cache.Get(ctx, principalID); ok && snap.Fresh(now) {
		c.recordCache(backend, true)
		return snap, nil
	}
	c.recordCache(backend, false)

	// A check only joins a load that began after the last invalidation it
	// could have observed, locally or through the cache version.
	version, cacheable := c.e.cache.Version(ctx, principalID)
	key := principalID + "@" + strconv.FormatUint(c.e.invalidations.Load(), 10) + "/" + version
	v, err, _ := c.e.loads.Do(key, func() (interface{}, error) {
		// shared by every waiter
		snap, err := c.build(context.WithoutCancel(ctx), principalID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.e.cache.Set(ctx, snap, version)
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *PermissionChecker) recordCache(backend string, hit bool) {
	if backend == "none" {
		return
	}
	c.e.metrics.RecordCache(backend, hit)
}

// build resolves every effective assignment of the principal
func (c *PermissionChecker) build(ctx context.Context, principalID string) (*Snapshot, error) {
	now := c.e.now()
	st := c.e.store

	assignments, err := st.ListAssignments(ctx, AssignmentFilter{PrincipalID: principalID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}

	snap := &Snapshot{
		PrincipalID: principalID,
		Roles:       []RoleRef{},
		Permissions: []string{},
		Level:       defaultLevelFloor,
		ComputedAt:  now,
		ValidUntil:  now.Add(c.e.ttl),
	}

	granted := make(map[string]struct{})
	resolved := make(map[int64][]Permission)
	for _, a := range assignments {
		role, err := st.GetRole(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		if !IsEffective(a, *role, now) {
			continue
		}

		perms, ok := resolved[role.ID]
		if !ok {
			perms, err = c.resolver.resolve(ctx, st, role)
			if err != nil {
				return nil, err
			}
			resolved[role.ID] = perms
		}
		for _, p := range perms {
			if p.Active {
				granted[p.Name] = struct{}{}
			}
		}

		snap.Roles = append(snap.Roles, RoleRef{
			AssignmentID: a.ID,
			RoleID:       role.ID,
			Slug:         role.Slug,
			Name:         role.Name,
			Level:        role.Level,
			IsPrimary:    a.IsPrimary,
			ExpiresAt:    a.ExpiresAt,
		})
		if len(snap.Roles) == 1 || role.Level > snap.Level {
			snap.Level = role.Level
		}
		if a.ExpiresAt != nil && a.ExpiresAt.Before(snap.ValidUntil) {
			snap.ValidUntil = *a.ExpiresAt
		}
	}

	for name := range granted {
		snap.Permissions = append(snap.Permissions, name)
	}
	sort.Strings(snap.Permissions)
	sort.SliceStable(snap.Roles, func(i, j int) bool {
		if snap.Roles[i].Level != snap.Roles[j].Level {
			return snap.Roles[i].Level > snap.Roles[j].Level
		}
		return snap.Roles[i].AssignmentID < snap.Roles[j].AssignmentID
	})
	return snap, nil
}

// bypass records a superuser short-circuit. Bypassed checks write no audit entry.
func (c *PermissionChecker) bypass(ctx context.Context, p Principal, kind string) {
	c.e.metrics.RecordBypass()
	c.e.log(ctx).WithFields(map[string]interface{}{
		"principal_id": p.ID,
		"check":        kind,
	}).Debug("superuser bypass")
}

func (c *PermissionChecker) observe(kind string, start time.Time, allowed *bool, err *error) {
	if *err != nil {
		return
	}
	c.e.metrics.RecordCheck(kind, *allowed, time.Since(start))
}

// HasPermission reports whether the principal currently holds name
func (c *PermissionChecker) HasPermission(ctx context.Context, p Principal, name string) (allowed bool, err error) {
	ctx, span := c.e.startSpan(ctx, "HasPermission",
		attribute.String("principal_id", p.ID),
		attribute.String("permission", name),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		endSpan(span, err)
	}()
	defer c.observe(CheckHasPermission, time.Now(), &allowed, &err)

	if p.Superuser {
		c.bypass(ctx, p, CheckHasPermission)
		return true, nil
	}
	snap, err := c.Snapshot(ctx, p.ID)
	if err != nil {
		return false, err
	}
	return snap.HasPermission(name), nil
}

// HasAnyPermission reports whether at least one name is held. An empty list is never satisfied.
func (c *PermissionChecker) HasAnyPermission(ctx context.Context, p Principal, names []string) (allowed bool, err error) {
	ctx, span := c.e.startSpan(ctx, "HasAnyPermission",
		attribute.String("principal_id", p.ID),
		attribute.StringSlice("permissions", names),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		endSpan(span, err)
	}()
	defer c.observe(CheckAnyPermission, time.Now(), &allowed, &err)

	if p.Superuser {
		c.bypass(ctx, p, CheckAnyPermission)
		return true, nil
	}
	if len(names) == 0 {
		return false, nil
	}
	snap, err := c.Snapshot(ctx, p.ID)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if snap.HasPermission(name) {
			return true, nil
		}
	}
	return false, nil
}

// HasAllPermissions reports whether every name is held. An empty list is always satisfied.
func (c *PermissionChecker) HasAllPermissions(ctx context.Context, p Principal, names []string) (allowed bool, err error) {
	ctx, span := c.e.startSpan(ctx, "HasAllPermissions",
		attribute.String("principal_id", p.ID),
		attribute.StringSlice("permissions", names),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		endSpan(span, err)
	}()
	defer c.observe(CheckAllPermissions, time.Now(), &allowed, &err)

	if p.Superuser {
		c.bypass(ctx, p, CheckAllPermissions)
		return true, nil
	}
	if len(names) == 0 {
		return true, nil
	}
	snap, err := c.Snapshot(ctx, p.ID)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if !snap.HasPermission(name) {
			return false, nil
		}
	}
	return true, nil
}

// HasRole reports whether an effective assignment references the role,
// matched by slug, name or numeric id. Inheritance does not confer membership.
func (c *PermissionChecker) HasRole(ctx context.Context, principalID, role string) (allowed bool, err error) {
	ctx, span := c.e.startSpan(ctx, "HasRole",
		attribute.String("principal_id", principalID),
		attribute.String("role", role),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		endSpan(span, err)
	}()
	defer c.observe(CheckHasRole, time.Now(), &allowed, &err)

	snap, err := c.Snapshot(ctx, principalID)
	if err != nil {
		return false, err
	}
	id, idErr := strconv.ParseInt(role, 10, 64)
	for _, ref := range snap.Roles {
		if ref.Slug == role || ref.Name == role || (idErr == nil && ref.RoleID == id) {
			return true, nil
		}
	}
	return false, nil
}

// GetPrincipalRoleLevel returns the highest level among effective roles, or LevelGuest with none
func (c *PermissionChecker) GetPrincipalRoleLevel(ctx context.Context, principalID string) (int, error) {
	snap, err := c.Snapshot(ctx, principalID)
	if err != nil {
		return defaultLevelFloor, err
	}
	return snap.Level, nil
}

// MeetsMinimumLevel reports whether the principal's level is at least minLevel
func (c *PermissionChecker) MeetsMinimumLevel(ctx context.Context, p Principal, minLevel int) (allowed bool, err error) {
	ctx, span := c.e.startSpan(ctx, "MeetsMinimumLevel",
		attribute.String("principal_id", p.ID),
		attribute.Int("min_level", minLevel),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("allowed", allowed))
		endSpan(span, err)
	}()
	defer c.observe(CheckMinimumLevel, time.Now(), &allowed, &err)

	if p.Superuser {
		c.bypass(ctx, p, CheckMinimumLevel)
		return true, nil
	}
	level, err := c.GetPrincipalRoleLevel(ctx, p.ID)
	if err != nil {
		return false, err
	}
	return level >= minLevel, nil
}

// EffectivePermissions lists the names the principal currently holds, sorted
func (c *PermissionChecker) EffectivePermissions(ctx context.Context, principalID string) ([]string, error) {
	snap, err := c.Snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(snap.Permissions))
	copy(out, snap.Permissions)
	return out, nil
}

// PrincipalSummary is a principal's authorization state for display
type PrincipalSummary struct {
	PrincipalID string    `json:"principal_id"`
	Superuser   bool      `json:"superuser"`
	Level       int       `json:"level"`
	Primary     *RoleRef  `json:"primary,omitempty"`
	Roles       []RoleRef `json:"roles"`
	Permissions []string  `json:"permissions"`
}

// PrincipalSummary reports roles, primary role, level and permissions.
// Superusers are flagged but their listed grants are the real ones.
func (c *PermissionChecker) PrincipalSummary(ctx context.Context, p Principal) (*PrincipalSummary, error) {
	snap, err := c.Snapshot(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &PrincipalSummary{
		PrincipalID: p.ID,
		Superuser:   p.Superuser,
		Level:       snap.Level,
		Primary:     snap.Primary(),
		Roles:       snap.Roles,
		Permissions: snap.Permissions,
	}, nil
}
