package rbac

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is a permission catalog plus role ladder to install
type Seed struct {
	Permissions []CreatePermissionInput `yaml:"permissions"`
	Roles       []SeedRole              `yaml:"roles"`
}

// SeedRole describes one ladder entry. InheritsFrom names the parent by slug.
type SeedRole struct {
	Name          string   `yaml:"name"`
	Slug          string   `yaml:"slug"`
	Description   string   `yaml:"description"`
	Level         int      `yaml:"level"`
	Kind          RoleKind `yaml:"kind"`
	InheritsFrom  string   `yaml:"inherits_from"`
	MaxPrincipals *int     `yaml:"max_principals"`
	IsDefault     bool     `yaml:"is_default"`
	Permissions   []string `yaml:"permissions"`
}

// SeedReport counts what a bootstrap run changed
type SeedReport struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	GrantsAdded        int `json:"grants_added"`
}

// Changed reports whether the run wrote anything
func (r SeedReport) Changed() bool {
	return r.PermissionsCreated+r.RolesCreated+r.GrantsAdded > 0
}

// DefaultSeed returns the built-in catalog of 33 permissions and 9 roles
func DefaultSeed() (*Seed, error) {
	return LoadSeed(bytes.NewReader(defaultSeed))
}

// LoadSeed decodes a YAML seed, rejecting unknown fields
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	for i := range seed.Roles {
		if seed.Roles[i].Kind == "" {
			seed.Roles[i].Kind = RoleKindSystem
		}
	}
	return &seed, nil
}

// Bootstrap installs a seed in one transaction. Existing permissions and
// roles are left as they are; missing ones are created and missing direct
// grants are added, so applying the same seed twice changes nothing.
func (s *Service) Bootstrap(ctx context.Context, seed *Seed) (report *SeedReport, err error) {
	e := s.engine
	ctx, span := e.startSpan(ctx, "Bootstrap")
	defer func() { endSpan(span, err) }()

	for _, p := range seed.Permissions {
		if err := p.check(); err != nil {
			return nil, fmt.Errorf("seed permission %q: %w", p.Name, err)
		}
	}
	inputs := make([]CreateRoleInput, len(seed.Roles))
	for i, r := range seed.Roles {
		inputs[i] = CreateRoleInput{
			Name:          r.Name,
			Slug:          r.Slug,
			Description:   r.Description,
			Level:         r.Level,
			Kind:          r.Kind,
			MaxPrincipals: r.MaxPrincipals,
			IsDefault:     r.IsDefault,
		}
		if err := inputs[i].check(); err != nil {
			return nil, fmt.Errorf("seed role %q: %w", r.Slug, err)
		}
	}

	report = &SeedReport{}
	err = e.tx(ctx, func(st Store, fx *effects) error {
		*report = SeedReport{}
		for _, in := range seed.Permissions {
			if _, err := st.GetPermissionByName(ctx, in.Name); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			p := &Permission{Name: in.Name, Category: in.Category, Description: in.Description, Active: true}
			if err := st.CreatePermission(ctx, p); err != nil {
				return err
			}
			report.PermissionsCreated++
		}

		for i, sr := range seed.Roles {
			role, err := st.GetRoleBySlug(ctx, sr.Slug)
			if errors.Is(err, ErrNotFound) {
				role, err = seedRole(ctx, st, inputs[i], sr.InheritsFrom)
				if err == nil {
					report.RolesCreated++
				}
			}
			if err != nil {
				return fmt.Errorf("seed role %q: %w", sr.Slug, err)
			}

			perms, err := resolveNames(ctx, st, sr.Permissions)
			if err != nil {
				return fmt.Errorf("seed role %q: %w", sr.Slug, err)
			}
			if len(perms) == 0 {
				continue
			}
			added, err := st.AddRolePermissions(ctx, role.ID, permissionIDs(perms))
			if err != nil {
				return err
			}
			report.GrantsAdded += added
		}

		if report.Changed() {
			fx.touchAll()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log(ctx).WithFields(map[string]interface{}{
		"permissions_created": report.PermissionsCreated,
		"roles_created":       report.RolesCreated,
		"grants_added":        report.GrantsAdded,
	}).Info("bootstrap applied")
	return report, nil
}

func seedRole(ctx context.Context, st Store, in CreateRoleInput, parentSlug string) (*Role, error) {
	role := &Role{
		Name:          in.Name,
		Slug:          in.Slug,
		Description:   in.Description,
		Level:         in.Level,
		Kind:          in.Kind,
		MaxPrincipals: in.MaxPrincipals,
		IsDefault:     in.IsDefault,
		Active:        true,
	}
	if parentSlug != "" {
		parent, err := st.GetRoleBySlug(ctx, parentSlug)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: parent role %s does not exist", ErrInvalidParent, parentSlug)
			}
			return nil, err
		}
		if err := checkParent(ctx, st, 0, parent.ID); err != nil {
			return nil, err
		}
		role.InheritsFrom = &parent.ID
	}
	if err := st.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	if role.IsDefault {
		if err := st.ClearDefaultRoles(ctx, role.Level, role.ID); err != nil {
			return nil, err
		}
	}
	return role, nil
}
