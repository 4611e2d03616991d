package rbac

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// RoleService manages the role graph
type RoleService struct {
	e        *engine
	resolver *Resolver
}

// CreateRoleInput describes a new role. Kind defaults to custom.
type CreateRoleInput struct {
	Name          string   `json:"name" validate:"required,max=100"`
	Slug          string   `json:"slug" validate:"required,max=100"`
	Description   string   `json:"description" validate:"max=1000"`
	Level         int      `json:"level" validate:"min=0"`
	Kind          RoleKind `json:"kind,omitempty"`
	InheritsFrom  *int64   `json:"inherits_from,omitempty"`
	MaxPrincipals *int     `json:"max_principals,omitempty" validate:"omitempty,min=1"`
	IsDefault     bool     `json:"is_default,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
}

func (in *CreateRoleInput) check() error {
	if in.Kind == "" {
		in.Kind = RoleKindCustom
	}
	if err := validateInput(in); err != nil {
		return err
	}
	if !slugPattern.MatchString(in.Slug) {
		return fmt.Errorf("%w: slug %q must be lowercase words joined by hyphens", ErrInvalidInput, in.Slug)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown role kind %q", ErrInvalidInput, in.Kind)
	}
	return nil
}

// checkParent verifies a proposed parent exists, is active, and keeps the graph acyclic.
// candidateID is zero for roles that do not exist yet.
func checkParent(ctx context.Context, st Store, candidateID, parentID int64) error {
	parent, err := st.GetRole(ctx, parentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: parent role %d does not exist", ErrInvalidParent, parentID)
		}
		return err
	}
	if !parent.Active {
		return fmt.Errorf("%w: parent role %s is inactive", ErrInvalidParent, parent.Slug)
	}
	if candidateID == 0 {
		return nil
	}
	if err := validateNoCycle(ctx, st, candidateID, parentID); err != nil {
		if errors.Is(err, ErrCycleDetected) {
			return fmt.Errorf("%w: %w", ErrInvalidParent, err)
		}
		return err
	}
	return nil
}

// CreateRole adds a role to the graph
func (s *RoleService) CreateRole(ctx context.Context, in CreateRoleInput) (role *Role, err error) {
	ctx, span := s.e.startSpan(ctx, "CreateRole", attribute.String("slug", in.Slug))
	defer func() { endSpan(span, err) }()

	if err := in.check(); err != nil {
		return nil, err
	}

	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		if _, err := st.GetRoleBySlug(ctx, in.Slug); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, in.Slug)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if in.InheritsFrom != nil {
			if err := checkParent(ctx, st, 0, *in.InheritsFrom); err != nil {
				return err
			}
		}
		perms, err := resolveNames(ctx, st, in.Permissions)
		if err != nil {
			return err
		}

		role = &Role{
			Name:          in.Name,
			Slug:          in.Slug,
			Description:   in.Description,
			Level:         in.Level,
			Kind:          in.Kind,
			InheritsFrom:  in.InheritsFrom,
			MaxPrincipals: in.MaxPrincipals,
			IsDefault:     in.IsDefault,
			Active:        true,
		}
		if err := st.CreateRole(ctx, role); err != nil {
			return err
		}
		if role.IsDefault {
			if err := st.ClearDefaultRoles(ctx, role.Level, role.ID); err != nil {
				return err
			}
		}
		if len(perms) > 0 {
			if _, err := st.AddRolePermissions(ctx, role.ID, permissionIDs(perms)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.e.log(ctx).WithFields(map[string]interface{}{
		"role_id": role.ID,
		"slug":    role.Slug,
		"level":   role.Level,
	}).Info("role created")
	return role, nil
}

// UpdateRoleInput holds the mutable role fields; nil leaves a field unchanged
type UpdateRoleInput struct {
	Name               *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description        *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Level              *int    `json:"level,omitempty" validate:"omitempty,min=0"`
	MaxPrincipals      *int    `json:"max_principals,omitempty" validate:"omitempty,min=1"`
	ClearMaxPrincipals bool    `json:"clear_max_principals,omitempty"`
	IsDefault          *bool   `json:"is_default,omitempty"`
}

// UpdateRole changes a role's descriptive fields, level, capacity or default flag
func (s *RoleService) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput) (role *Role, err error) {
	ctx, span := s.e.startSpan(ctx, "UpdateRole", attribute.Int64("role_id", id))
	defer func() { endSpan(span, err) }()

	if err := validateInput(in); err != nil {
		return nil, err
	}

	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		role, err = st.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			role.Name = *in.Name
		}
		if in.Description != nil {
			role.Description = *in.Description
		}
		if in.Level != nil {
			role.Level = *in.Level
		}
		if in.MaxPrincipals != nil {
			role.MaxPrincipals = in.MaxPrincipals
		} else if in.ClearMaxPrincipals {
			role.MaxPrincipals = nil
		}
		if in.IsDefault != nil {
			role.IsDefault = *in.IsDefault
		}
		if err := st.UpdateRole(ctx, role); err != nil {
			return err
		}
		if role.IsDefault {
			if err := st.ClearDefaultRoles(ctx, role.Level, role.ID); err != nil {
				return err
			}
		}
		fx.touchAll()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// SetParent changes or clears a role's inherits_from edge
func (s *RoleService) SetParent(ctx context.Context, id int64, parentID *int64) (role *Role, err error) {
	ctx, span := s.e.startSpan(ctx, "SetParent", attribute.Int64("role_id", id))
	defer func() { endSpan(span, err) }()

	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		if err := lockRoleGraph(ctx, st); err != nil {
			return err
		}
		role, err = st.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if parentID != nil {
			if err := checkParent(ctx, st, id, *parentID); err != nil {
				return err
			}
		}
		role.InheritsFrom = parentID
		if err := st.UpdateRole(ctx, role); err != nil {
			return err
		}
		fx.touchAll()
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{"role_id": id}
	if parentID != nil {
		fields["parent_id"] = *parentID
	}
	s.e.log(ctx).WithFields(fields).Info("role parent changed")
	return role, nil
}

// AddPermissionsToRole grants permissions directly. Already granted names are skipped.
func (s *RoleService) AddPermissionsToRole(ctx context.Context, id int64, names []string) (*Role, error) {
	return s.changePermissions(ctx, id, names, true)
}

// RemovePermissionsFromRole revokes direct grants. Names the role lacks are skipped.
func (s *RoleService) RemovePermissionsFromRole(ctx context.Context, id int64, names []string) (*Role, error) {
	return s.changePermissions(ctx, id, names, false)
}

func (s *RoleService) changePermissions(ctx context.Context, id int64, names []string, add bool) (role *Role, err error) {
	name := "RemovePermissionsFromRole"
	if add {
		name = "AddPermissionsToRole"
	}
	ctx, span := s.e.startSpan(ctx, name, attribute.Int64("role_id", id), attribute.StringSlice("permissions", names))
	defer func() { endSpan(span, err) }()

	changed := 0
	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		role, err = st.GetRole(ctx, id)
		if err != nil {
			return err
		}
		perms, err := resolveNames(ctx, st, names)
		if err != nil {
			return err
		}
		if add {
			changed, err = st.AddRolePermissions(ctx, id, permissionIDs(perms))
		} else {
			changed, err = st.RemoveRolePermissions(ctx, id, permissionIDs(perms))
		}
		if err != nil {
			return err
		}
		if changed > 0 {
			fx.touchAll()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// DeactivateRole soft-disables a role. Assignments stay but stop being effective.
func (s *RoleService) DeactivateRole(ctx context.Context, id int64) (*Role, error) {
	return s.setActive(ctx, id, false)
}

// ActivateRole re-enables a deactivated role
func (s *RoleService) ActivateRole(ctx context.Context, id int64) (*Role, error) {
	return s.setActive(ctx, id, true)
}

func (s *RoleService) setActive(ctx context.Context, id int64, active bool) (role *Role, err error) {
	ctx, span := s.e.startSpan(ctx, "SetRoleActive", attribute.Int64("role_id", id), attribute.Bool("active", active))
	defer func() { endSpan(span, err) }()

	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		role, err = st.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.Active == active {
			return nil
		}
		role.Active = active
		if err := st.UpdateRole(ctx, role); err != nil {
			return err
		}
		fx.touchAll()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.e.log(ctx).WithFields(map[string]interface{}{
		"role_id": id,
		"active":  active,
	}).Info("role state changed")
	return role, nil
}

// CloneRole copies a role's level, kind, parent, capacity and direct
// permissions into a new non-default role.
func (s *RoleService) CloneRole(ctx context.Context, sourceID int64, name, slug string) (role *Role, err error) {
	ctx, span := s.e.startSpan(ctx, "CloneRole", attribute.Int64("source_id", sourceID), attribute.String("slug", slug))
	defer func() { endSpan(span, err) }()

	var source *Role
	err = s.e.tx(ctx, func(st Store, fx *effects) error {
		source, err = st.GetRole(ctx, sourceID)
		if err != nil {
			return err
		}
		in := CreateRoleInput{
			Name:          name,
			Slug:          slug,
			Description:   fmt.Sprintf("Cloned from %s", source.Name),
			Level:         source.Level,
			Kind:          source.Kind,
			InheritsFrom:  source.InheritsFrom,
			MaxPrincipals: source.MaxPrincipals,
		}
		if err := in.check(); err != nil {
			return err
		}
		if _, err := st.GetRoleBySlug(ctx, slug); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, slug)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		role = &Role{
			Name:          in.Name,
			Slug:          in.Slug,
			Description:   in.Description,
			Level:         in.Level,
			Kind:          in.Kind,
			InheritsFrom:  in.InheritsFrom,
			MaxPrincipals: in.MaxPrincipals,
			Active:        true,
		}
		if err := st.CreateRole(ctx, role); err != nil {
			return err
		}
		direct, err := st.RolePermissions(ctx, sourceID)
		if err != nil {
			return err
		}
		if len(direct) > 0 {
			if _, err := st.AddRolePermissions(ctx, role.ID, permissionIDs(direct)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.e.log(ctx).WithFields(map[string]interface{}{
		"role_id": role.ID,
		"source":  source.Slug,
	}).Info("role cloned")
	return role, nil
}

func (s *RoleService) GetRole(ctx context.Context, id int64) (*Role, error) {
	return s.e.store.GetRole(ctx, id)
}

func (s *RoleService) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	return s.e.store.GetRoleBySlug(ctx, slug)
}

// ListRoles returns roles ordered by level then id
func (s *RoleService) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	return s.e.store.ListRoles(ctx, filter)
}

// DirectPermissions returns the permissions granted to the role itself
func (s *RoleService) DirectPermissions(ctx context.Context, id int64) ([]Permission, error) {
	if _, err := s.e.store.GetRole(ctx, id); err != nil {
		return nil, err
	}
	return s.e.store.RolePermissions(ctx, id)
}

// ChildRoles returns the active roles inheriting directly from id
func (s *RoleService) ChildRoles(ctx context.Context, id int64) ([]Role, error) {
	if _, err := s.e.store.GetRole(ctx, id); err != nil {
		return nil, err
	}
	roles, err := s.e.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	children := []Role{}
	for _, r := range roles {
		if r.InheritsFrom != nil && *r.InheritsFrom == id {
			children = append(children, r)
		}
	}
	return children, nil
}

// GetDefaultRole returns the lowest-level active default role, or nil when none is marked
func (s *RoleService) GetDefaultRole(ctx context.Context) (*Role, error) {
	roles, err := s.e.store.ListRoles(ctx, RoleFilter{})
	if err != nil {
		return nil, err
	}
	// ListRoles orders by level then id
	for _, r := range roles {
		if r.IsDefault {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func permissionIDs(perms []Permission) []int64 {
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	return ids
}

// EffectivePermissions previews everything the role grants through inheritance
func (s *RoleService) EffectivePermissions(ctx context.Context, id int64) ([]Permission, error) {
	return s.resolver.ResolveEffectivePermissions(ctx, id)
}
