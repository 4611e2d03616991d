package rbac

import (
	"context"
	"sort"

	"github.com/platinummonkey/warden/pkg/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Analytics reports on how roles and permissions are used
type Analytics struct {
	e        *engine
	resolver *Resolver
}

// RoleCount is the number of principals effectively holding a role
type RoleCount struct {
	RoleID     int64  `json:"role_id"`
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Level      int    `json:"level"`
	Principals int    `json:"principals"`
}

// PermissionCount is the number of distinct principals holding a permission
type PermissionCount struct {
	Permission string `json:"permission"`
	Category   string `json:"category"`
	Principals int    `json:"principals"`
}

// effectiveByRole groups distinct principals per role over effective assignments
func (a *Analytics) effectiveByRole(ctx context.Context, roles []Role) (map[int64]map[string]struct{}, error) {
	now := a.e.now()
	byID := make(map[int64]Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}

	assignments, err := a.e.store.ListAssignments(ctx, AssignmentFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]struct{})
	for _, asg := range assignments {
		role, ok := byID[asg.RoleID]
		if !ok || !IsEffective(asg, role, now) {
			continue
		}
		if out[role.ID] == nil {
			out[role.ID] = make(map[string]struct{})
		}
		out[role.ID][asg.PrincipalID] = struct{}{}
	}
	return out, nil
}

// RoleDistribution counts effective principals for every active role, highest count first
func (a *Analytics) RoleDistribution(ctx context.Context) (counts []RoleCount, err error) {
	ctx, span := a.e.startSpan(ctx, "RoleDistribution")
	defer func() { endSpan(span, err) }()

	roles, err := a.e.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	holders, err := a.effectiveByRole(ctx, roles)
	if err != nil {
		return nil, err
	}

	counts = make([]RoleCount, 0, len(roles))
	for _, r := range roles {
		counts = append(counts, RoleCount{
			RoleID:     r.ID,
			Slug:       r.Slug,
			Name:       r.Name,
			Level:      r.Level,
			Principals: len(holders[r.ID]),
		})
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Principals > counts[j].Principals
	})
	return counts, nil
}

// PermissionUsage counts distinct principals holding each active permission
// through effective assignments and inheritance. Unheld permissions report zero.
func (a *Analytics) PermissionUsage(ctx context.Context) (counts []PermissionCount, err error) {
	ctx, span := a.e.startSpan(ctx, "PermissionUsage")
	defer func() { endSpan(span, err) }()

	st := a.e.store
	perms, err := st.ListPermissions(ctx, false)
	if err != nil {
		return nil, err
	}
	roles, err := st.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	holders, err := a.effectiveByRole(ctx, roles)
	if err != nil {
		return nil, err
	}

	principals := make(map[string]map[string]struct{})
	for i := range roles {
		members := holders[roles[i].ID]
		if len(members) == 0 {
			continue
		}
		granted, err := a.resolver.resolve(ctx, st, &roles[i])
		if err != nil {
			return nil, err
		}
		for _, p := range granted {
			if principals[p.Name] == nil {
				principals[p.Name] = make(map[string]struct{})
			}
			for id := range members {
				principals[p.Name][id] = struct{}{}
			}
		}
	}

	counts = make([]PermissionCount, 0, len(perms))
	for _, p := range perms {
		counts = append(counts, PermissionCount{
			Permission: p.Name,
			Category:   p.Category,
			Principals: len(principals[p.Name]),
		})
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Principals > counts[j].Principals
	})
	return counts, nil
}

// PrincipalsWithPermission lists, sorted, the principals holding the named
// permission through an effective assignment, directly or by inheritance
func (a *Analytics) PrincipalsWithPermission(ctx context.Context, name string) (ids []string, err error) {
	ctx, span := a.e.startSpan(ctx, "PrincipalsWithPermission")
	defer func() { endSpan(span, err) }()

	st := a.e.store
	if _, err := st.GetPermissionByName(ctx, name); err != nil {
		return nil, err
	}
	roles, err := st.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	holders, err := a.effectiveByRole(ctx, roles)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for i := range roles {
		members := holders[roles[i].ID]
		if len(members) == 0 {
			continue
		}
		granted, err := a.resolver.resolve(ctx, st, &roles[i])
		if err != nil {
			return nil, err
		}
		for _, p := range granted {
			if p.Name != name {
				continue
			}
			for id := range members {
				seen[id] = struct{}{}
			}
			break
		}
	}

	ids = make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AuditTrail searches the trail newest first. A zero limit returns 100 entries
// and limits above 1000 are clamped.
func (a *Analytics) AuditTrail(ctx context.Context, filter audit.Filter) (entries []audit.Entry, err error) {
	ctx, span := a.e.startSpan(ctx, "AuditTrail")
	defer func() { endSpan(span, err) }()

	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultAuditLimit
	case filter.Limit > maxAuditLimit:
		filter.Limit = maxAuditLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return a.e.store.SearchAudit(ctx, filter)
}
