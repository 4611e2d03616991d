package rbac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
)

var (
	permissionNamePattern = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)
	slugPattern           = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

	validate = validator.New()
)

// Categories lists the permission categories in display order
var Categories = []string{"user", "content", "analytics", "settings", "billing", "support", "api", "admin"}

// validateInput runs struct tag validation and maps failures to ErrInvalidInput
func validateInput(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(parts, ", "))
}

func validatePermissionName(name string) error {
	if !permissionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: permission name %q must look like resource.action", ErrInvalidInput, name)
	}
	return nil
}

// Catalog is the registry of capability identifiers
type Catalog struct {
	e *engine
}

// CreatePermissionInput describes a new permission
type CreatePermissionInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Category    string `json:"category" validate:"required,oneof=user content analytics settings billing support api admin"`
	Description string `json:"description" validate:"max=1000"`
}

func (in CreatePermissionInput) check() error {
	if err := validateInput(in); err != nil {
		return err
	}
	return validatePermissionName(in.Name)
}

// CreatePermission registers an active permission
func (c *Catalog) CreatePermission(ctx context.Context, in CreatePermissionInput) (p *Permission, err error) {
	ctx, span := c.e.startSpan(ctx, "CreatePermission", attribute.String("permission", in.Name))
	defer func() { endSpan(span, err) }()

	if err := in.check(); err != nil {
		return nil, err
	}
	p = &Permission{Name: in.Name, Category: in.Category, Description: in.Description, Active: true}
	if err := c.e.store.CreatePermission(ctx, p); err != nil {
		return nil, err
	}
	c.e.log(ctx).WithField("permission", p.Name).Info("permission created")
	return p, nil
}

// BulkCreatePermissions creates every missing permission in one transaction.
// Names that already exist are skipped and returned as existing.
func (c *Catalog) BulkCreatePermissions(ctx context.Context, inputs []CreatePermissionInput) (created, existing []Permission, err error) {
	ctx, span := c.e.startSpan(ctx, "BulkCreatePermissions", attribute.Int("count", len(inputs)))
	defer func() { endSpan(span, err) }()

	for _, in := range inputs {
		if err := in.check(); err != nil {
			return nil, nil, fmt.Errorf("permission %q: %w", in.Name, err)
		}
	}

	err = c.e.tx(ctx, func(st Store, fx *effects) error {
		created, existing = nil, nil
		for _, in := range inputs {
			if p, err := st.GetPermissionByName(ctx, in.Name); err == nil {
				existing = append(existing, *p)
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			p := &Permission{Name: in.Name, Category: in.Category, Description: in.Description, Active: true}
			if err := st.CreatePermission(ctx, p); err != nil {
				return err
			}
			created = append(created, *p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, existing, nil
}

// UpdatePermissionInput holds the mutable permission fields; nil leaves a field unchanged
type UpdatePermissionInput struct {
	Category    *string `json:"category,omitempty" validate:"omitempty,oneof=user content analytics settings billing support api admin"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
}

// UpdatePermission changes a permission's category or description
func (c *Catalog) UpdatePermission(ctx context.Context, id int64, in UpdatePermissionInput) (*Permission, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	var out *Permission
	err := c.e.tx(ctx, func(st Store, fx *effects) error {
		p, err := st.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		if in.Category != nil {
			p.Category = *in.Category
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if err := st.UpdatePermission(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// DeactivatePermission soft-disables a permission; no role grants it until reactivated
func (c *Catalog) DeactivatePermission(ctx context.Context, id int64) (*Permission, error) {
	return c.setActive(ctx, id, false)
}

func (c *Catalog) ActivatePermission(ctx context.Context, id int64) (*Permission, error) {
	return c.setActive(ctx, id, true)
}

func (c *Catalog) setActive(ctx context.Context, id int64, active bool) (*Permission, error) {
	var out *Permission
	err := c.e.tx(ctx, func(st Store, fx *effects) error {
		p, err := st.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		out = p
		if p.Active == active {
			return nil
		}
		p.Active = active
		if err := st.UpdatePermission(ctx, p); err != nil {
			return err
		}
		fx.touchAll()
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.e.log(ctx).WithFields(map[string]interface{}{
		"permission": out.Name,
		"active":     active,
	}).Info("permission state changed")
	return out, nil
}

func (c *Catalog) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	return c.e.store.GetPermission(ctx, id)
}

func (c *Catalog) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return c.e.store.GetPermissionByName(ctx, name)
}

// ListPermissions returns permissions ordered by category then name
func (c *Catalog) ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error) {
	return c.e.store.ListPermissions(ctx, includeInactive)
}

// CategoryGroup is one category's permissions
type CategoryGroup struct {
	Category    string       `json:"category"`
	Permissions []Permission `json:"permissions"`
}

// PermissionsByCategory groups active permissions by category. Known
// categories come first in their canonical order, any others follow by name.
func (c *Catalog) PermissionsByCategory(ctx context.Context) ([]CategoryGroup, error) {
	perms, err := c.e.store.ListPermissions(ctx, false)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]Permission)
	for _, p := range perms {
		grouped[p.Category] = append(grouped[p.Category], p)
	}

	rank := make(map[string]int, len(Categories))
	for i, cat := range Categories {
		rank[cat] = i
	}
	names := make([]string, 0, len(grouped))
	for cat := range grouped {
		names = append(names, cat)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})

	out := make([]CategoryGroup, 0, len(names))
	for _, cat := range names {
		out = append(out, CategoryGroup{Category: cat, Permissions: grouped[cat]})
	}
	return out, nil
}

// resolveNames looks up permissions by name, failing with ErrNotFound on the first unknown one
func resolveNames(ctx context.Context, st Store, names []string) ([]Permission, error) {
	seen := make(map[string]bool, len(names))
	out := make([]Permission, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		p, err := st.GetPermissionByName(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
