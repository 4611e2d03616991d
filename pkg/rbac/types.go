package rbac

import (
	"encoding/json"
	"fmt"
	"time"
)

// RoleKind classifies how a role came to exist
type RoleKind string

const (
	RoleKindSystem         RoleKind = "system"
	RoleKindCustom         RoleKind = "custom"
	RoleKindOrganizational RoleKind = "organizational"
	RoleKindTemporary      RoleKind = "temporary"
)

// Valid reports whether k is a known role kind
func (k RoleKind) Valid() bool {
	switch k {
	case RoleKindSystem, RoleKindCustom, RoleKindOrganizational, RoleKindTemporary:
		return true
	}
	return false
}

// Role ladder levels, lowest privilege first
const (
	LevelGuest          = 0
	LevelUser           = 10
	LevelPremium        = 20
	LevelModerator      = 30
	LevelContentManager = 40
	LevelSupport        = 50
	LevelManager        = 60
	LevelAdmin          = 70
	LevelSuperAdmin     = 80
	LevelSystem         = 90
)

// Permission is a capability identifier in resource.action form
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a named bundle of directly granted permissions with an optional parent
type Role struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Slug          string    `json:"slug"`
	Description   string    `json:"description"`
	Level         int       `json:"level"`
	Kind          RoleKind  `json:"kind"`
	InheritsFrom  *int64    `json:"inherits_from,omitempty"`
	MaxPrincipals *int      `json:"max_principals,omitempty"`
	IsDefault     bool      `json:"is_default"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeactivationReason records which terminal state an inactive assignment is in
type DeactivationReason string

const (
	DeactivationNone    DeactivationReason = ""
	DeactivationRevoked DeactivationReason = "revoked"
	DeactivationExpired DeactivationReason = "expired"
)

// RoleAssignment binds a principal to a role
type RoleAssignment struct {
	ID                 int64                  `json:"id"`
	PrincipalID        string                 `json:"principal_id"`
	RoleID             int64                  `json:"role_id"`
	IsActive           bool                   `json:"is_active"`
	IsPrimary          bool                   `json:"is_primary"`
	AssignedBy         *string                `json:"assigned_by,omitempty"`
	AssignedAt         time.Time              `json:"assigned_at"`
	ExpiresAt          *time.Time             `json:"expires_at,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
	Notes              string                 `json:"notes,omitempty"`
	DeactivationReason DeactivationReason     `json:"deactivation_reason,omitempty"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Expired reports whether the assignment's expiry is at or before now
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// IsEffective is the one definition of a granting assignment:
// active, not expired, and bound to an active role.
func IsEffective(a RoleAssignment, r Role, now time.Time) bool {
	return a.IsActive && !a.Expired(now) && r.Active && a.RoleID == r.ID
}

// Principal is the caller being authorized. Superuser is owned by the
// embedding application and bypasses permission and level checks.
type Principal struct {
	ID        string `json:"id"`
	Superuser bool   `json:"superuser,omitempty"`
}

// RoleRef is the slice of a role a permission snapshot needs
type RoleRef struct {
	AssignmentID int64      `json:"assignment_id"`
	RoleID       int64      `json:"role_id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	Level        int        `json:"level"`
	IsPrimary    bool       `json:"is_primary"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// RoleFilter narrows ListRoles
type RoleFilter struct {
	IncludeInactive bool
	Kind            RoleKind
}

// AssignmentFilter narrows assignment listings. Stores honor PrincipalID,
// RoleID, ActiveOnly, HasExpiry and ForUpdate; EffectiveOnly is applied by
// the ledger because it needs the clock and the role.
type AssignmentFilter struct {
	PrincipalID   string
	RoleID        *int64
	ActiveOnly    bool
	HasExpiry     bool
	EffectiveOnly bool

	// ForUpdate locks the matched rows for the rest of the transaction where supported
	ForUpdate bool
}

// ContextKey returns the canonical encoding of an assignment context used to
// keep one row per (principal, role, context). Empty contexts encode as "".
func ContextKey(ctx map[string]interface{}) (string, error) {
	if len(ctx) == 0 {
		return "", nil
	}
	// encoding/json sorts map keys, which makes the output canonical
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: context is not serializable: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

func copyRole(r Role) Role {
	if r.InheritsFrom != nil {
		v := *r.InheritsFrom
		r.InheritsFrom = &v
	}
	if r.MaxPrincipals != nil {
		v := *r.MaxPrincipals
		r.MaxPrincipals = &v
	}
	return r
}

func copyAssignment(a RoleAssignment) RoleAssignment {
	if a.AssignedBy != nil {
		v := *a.AssignedBy
		a.AssignedBy = &v
	}
	if a.ExpiresAt != nil {
		v := *a.ExpiresAt
		a.ExpiresAt = &v
	}
	if a.Context != nil {
		c := make(map[string]interface{}, len(a.Context))
		for k, v := range a.Context {
			c[k] = v
		}
		a.Context = c
	}
	return a
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
