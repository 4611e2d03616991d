package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

// Resolver expands a role into everything its inheritance chain grants
type Resolver struct {
	e *engine
}

// ResolveEffectivePermissions returns the role's direct and inherited
// permissions, de-duplicated and sorted by name. Inactive roles and
// permissions are included; filtering belongs to the caller.
func (r *Resolver) ResolveEffectivePermissions(ctx context.Context, roleID int64) (perms []Permission, err error) {
	ctx, span := r.e.startSpan(ctx, "ResolveEffectivePermissions", attribute.Int64("role_id", roleID))
	defer func() { endSpan(span, err) }()

	role, err := r.e.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, r.e.store, role)
}

// resolve walks the inherits_from chain iteratively with a visited set
func (r *Resolver) resolve(ctx context.Context, st Store, role *Role) ([]Permission, error) {
	visited := make(map[int64]bool)
	byName := make(map[string]Permission)

	current := role
	for {
		if visited[current.ID] {
			r.e.metrics.RecordCycle()
			r.e.log(ctx).WithFields(map[string]interface{}{
				"role_id":    role.ID,
				"revisited":  current.ID,
				"chain_size": len(visited),
			}).Error("inheritance cycle detected while resolving permissions")
			return nil, fmt.Errorf("%w: role %d revisited while resolving role %d", ErrCycleDetected, current.ID, role.ID)
		}
		visited[current.ID] = true

		direct, err := st.RolePermissions(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range direct {
			byName[p.Name] = p
		}

		if current.InheritsFrom == nil {
			break
		}
		parent, err := st.GetRole(ctx, *current.InheritsFrom)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent of role %d: %w", current.ID, err)
		}
		current = parent
	}

	out := make([]Permission, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ValidateNoCycle rejects making proposedParentID the parent of candidateID
// when the candidate already appears in the parent's chain.
func (r *Resolver) ValidateNoCycle(ctx context.Context, candidateID, proposedParentID int64) error {
	return validateNoCycle(ctx, r.e.store, candidateID, proposedParentID)
}

func validateNoCycle(ctx context.Context, st Store, candidateID, proposedParentID int64) error {
	if candidateID == proposedParentID {
		return fmt.Errorf("%w: role %d cannot inherit from itself", ErrCycleDetected, candidateID)
	}

	visited := make(map[int64]bool)
	id := proposedParentID
	for {
		if id == candidateID {
			return fmt.Errorf("%w: role %d is an ancestor of role %d", ErrCycleDetected, candidateID, proposedParentID)
		}
		if visited[id] {
			return fmt.Errorf("%w: existing chain above role %d loops at role %d", ErrCycleDetected, proposedParentID, id)
		}
		visited[id] = true

		role, err := st.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) && id != proposedParentID {
				// a dangling ancestor ends the chain
				return nil
			}
			return err
		}
		if role.InheritsFrom == nil {
			return nil
		}
		id = *role.InheritsFrom
	}
}

// Ancestors returns the chain above roleID, nearest parent first
func (r *Resolver) Ancestors(ctx context.Context, roleID int64) ([]Role, error) {
	role, err := r.e.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	visited := map[int64]bool{role.ID: true}
	var chain []Role
	for role.InheritsFrom != nil {
		if visited[*role.InheritsFrom] {
			r.e.metrics.RecordCycle()
			return nil, fmt.Errorf("%w: role %d revisited", ErrCycleDetected, *role.InheritsFrom)
		}
		visited[*role.InheritsFrom] = true
		parent, err := r.e.store.GetRole(ctx, *role.InheritsFrom)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *parent)
		role = parent
	}
	return chain, nil
}
