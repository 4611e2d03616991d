package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/warden/pkg/audit"
)

// Ledger owns principal to role bindings
type Ledger struct {
	e *engine
}

// AssignOptions are the optional parts of an assignment
type AssignOptions struct {
	AssignedBy string                 `json:"assigned_by,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	IsPrimary  bool                   `json:"is_primary,omitempty"`
	Notes      string                 `json:"notes,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// RevokeOptions annotate the audit entries a revoke writes
type RevokeOptions struct {
	PerformedBy string `json:"performed_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func newEntry(a *RoleAssignment, action audit.Action, performedBy string, now time.Time) *audit.Entry {
	id := a.ID
	return &audit.Entry{
		PrincipalID:  a.PrincipalID,
		RoleID:       a.RoleID,
		AssignmentID: &id,
		Action:       action,
		PerformedBy:  stringPtr(performedBy),
		PerformedAt:  now,
	}
}

func requirePrincipal(principalID string) error {
	if principalID == "" {
		return fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	return nil
}

// countEffective counts the role's assignments that currently grant it.
// Expired rows that the sweep has not reached yet do not hold a slot.
func countEffective(ctx context.Context, st Store, role *Role, now time.Time) (int, error) {
	roleID := role.ID
	rows, err := st.ListAssignments(ctx, AssignmentFilter{RoleID: &roleID, ActiveOnly: true, ForUpdate: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range rows {
		if IsEffective(a, *role, now) {
			n++
		}
	}
	return n, nil
}

func checkCapacity(ctx context.Context, st Store, role *Role, now time.Time) error {
	if role.MaxPrincipals == nil {
		return nil
	}
	n, err := countEffective(ctx, st, role, now)
	if err != nil {
		return err
	}
	if n >= *role.MaxPrincipals {
		return fmt.Errorf("%w: role %s holds %d of %d", ErrCapacityExceeded, role.Slug, n, *role.MaxPrincipals)
	}
	return nil
}

// demoteOthers clears is_primary on every other active assignment of the principal
func demoteOthers(ctx context.Context, st Store, fx *effects, principalID string, keepID int64, performedBy string, now time.Time) error {
	rows, err := st.ListAssignments(ctx, AssignmentFilter{PrincipalID: principalID, ActiveOnly: true, ForUpdate: true})
	if err != nil {
		return err
	}
	for i := range rows {
		a := &rows[i]
		if a.ID == keepID || !a.IsPrimary {
			continue
		}
		a.IsPrimary = false
		if err := st.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		entry := newEntry(a, audit.ActionDemoted, performedBy, now)
		entry.Metadata = map[string]interface{}{"replaced_by": keepID}
		if err := fx.record(ctx, st, entry); err != nil {
			return err
		}
	}
	return nil
}

// AssignRole binds principalID to roleID. An existing row for the same
// (principal, role, context) is reactivated in place.
func (l *Ledger) AssignRole(ctx context.Context, principalID string, roleID int64, opts AssignOptions) (out *RoleAssignment, err error) {
	ctx, span := l.e.startSpan(ctx, "AssignRole",
		attribute.String("principal_id", principalID),
		attribute.Int64("role_id", roleID),
		attribute.Bool("is_primary", opts.IsPrimary),
	)
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(principalID); err != nil {
		return nil, err
	}
	now := l.e.now()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExpiration, opts.ExpiresAt.Format(time.RFC3339))
	}
	if opts.ExpiresAt != nil {
		expiresAt := opts.ExpiresAt.UTC()
		opts.ExpiresAt = &expiresAt
	}
	key, err := ContextKey(opts.Context)
	if err != nil {
		return nil, err
	}

	err = l.e.tx(ctx, func(st Store, fx *effects) error {
		out, err = assignTx(ctx, st, fx, principalID, roleID, key, opts, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.e.log(ctx).WithFields(map[string]interface{}{
		"principal_id":  principalID,
		"role_id":       roleID,
		"assignment_id": out.ID,
		"is_primary":    out.IsPrimary,
	}).Info("role assigned")
	return out, nil
}

func assignTx(ctx context.Context, st Store, fx *effects, principalID string, roleID int64, key string, opts AssignOptions, now time.Time) (*RoleAssignment, error) {
	if opts.IsPrimary {
		if err := lockPrincipal(ctx, st, principalID); err != nil {
			return nil, err
		}
	}
	role, err := st.LockRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.Active {
		return nil, fmt.Errorf("%w: %s", ErrRoleInactive, role.Slug)
	}

	existing, err := st.FindAssignment(ctx, principalID, roleID, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	alreadyEffective := existing != nil && IsEffective(*existing, *role, now)
	if !alreadyEffective {
		if err := checkCapacity(ctx, st, role, now); err != nil {
			return nil, err
		}
	}

	a := existing
	metadata := map[string]interface{}{}
	if a == nil {
		a = &RoleAssignment{
			PrincipalID: principalID,
			RoleID:      roleID,
			IsActive:    true,
			IsPrimary:   opts.IsPrimary,
			AssignedBy:  stringPtr(opts.AssignedBy),
			AssignedAt:  now,
			ExpiresAt:   opts.ExpiresAt,
			Context:     opts.Context,
			Notes:       opts.Notes,
		}
		if err := st.CreateAssignment(ctx, a); err != nil {
			return nil, err
		}
	} else {
		metadata["reactivated"] = !alreadyEffective
		if !alreadyEffective {
			a.AssignedAt = now
		}
		a.IsActive = true
		// Re-assigning never clears a primary flag; only demoteOthers does,
		// and it writes the demoted entry.
		a.IsPrimary = a.IsPrimary || opts.IsPrimary
		a.ExpiresAt = opts.ExpiresAt
		a.DeactivationReason = DeactivationNone
		if opts.AssignedBy != "" {
			a.AssignedBy = stringPtr(opts.AssignedBy)
		}
		if opts.Notes != "" {
			a.Notes = opts.Notes
		}
		if err := st.UpdateAssignment(ctx, a); err != nil {
			return nil, err
		}
	}

	if opts.IsPrimary {
		if err := demoteOthers(ctx, st, fx, principalID, a.ID, opts.AssignedBy, now); err != nil {
			return nil, err
		}
	}

	entry := newEntry(a, audit.ActionAssigned, opts.AssignedBy, now)
	entry.Reason = opts.Reason
	metadata["is_primary"] = a.IsPrimary
	if a.ExpiresAt != nil {
		metadata["expires_at"] = a.ExpiresAt.Format(time.RFC3339)
	}
	if len(a.Context) > 0 {
		metadata["context"] = a.Context
	}
	entry.Metadata = metadata
	if err := fx.record(ctx, st, entry); err != nil {
		return nil, err
	}
	return a, nil
}

// RevokeRole deactivates every active assignment of roleID held by principalID.
// It reports false, with no audit entry, when there was nothing to revoke.
func (l *Ledger) RevokeRole(ctx context.Context, principalID string, roleID int64, opts RevokeOptions) (revoked bool, err error) {
	ctx, span := l.e.startSpan(ctx, "RevokeRole",
		attribute.String("principal_id", principalID),
		attribute.Int64("role_id", roleID),
	)
	defer func() { endSpan(span, err) }()

	if err := requirePrincipal(principalID); err != nil {
		return false, err
	}
	now := l.e.now()

	err = l.e.tx(ctx, func(st Store, fx *effects) error {
		revoked = false
		rows, err := st.ListAssignments(ctx, AssignmentFilter{
			PrincipalID: principalID,
			RoleID:      &roleID,
			ActiveOnly:  true,
			ForUpdate:   true,
		})
		if err != nil {
			return err
		}
		for i := range rows {
			a := &rows[i]
			wasPrimary := a.IsPrimary
			a.IsActive = false
			a.IsPrimary = false
			a.DeactivationReason = DeactivationRevoked
			if err := st.UpdateAssignment(ctx, a); err != nil {
				return err
			}
			entry := newEntry(a, audit.ActionRevoked, opts.PerformedBy, now)
			entry.Reason = opts.Reason
			entry.Metadata = map[string]interface{}{"was_primary": wasPrimary}
			if err := fx.record(ctx, st, entry); err != nil {
				return err
			}
			revoked = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if revoked {
		l.e.log(ctx).WithFields(map[string]interface{}{
			"principal_id": principalID,
			"role_id":      roleID,
		}).Info("role revoked")
	}
	return revoked, nil
}

// SetPrimaryRole marks an effective assignment primary and demotes the
// principal's other primary assignments.
func (l *Ledger) SetPrimaryRole(ctx context.Context, assignmentID int64, performedBy string) (out *RoleAssignment, err error) {
	ctx, span := l.e.startSpan(ctx, "SetPrimaryRole", attribute.Int64("assignment_id", assignmentID))
	defer func() { endSpan(span, err) }()

	now := l.e.now()
	err = l.e.tx(ctx, func(st Store, fx *effects) error {
		a, err := st.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := lockPrincipal(ctx, st, a.PrincipalID); err != nil {
			return err
		}
		// reread under the lock
		if a, err = st.GetAssignment(ctx, assignmentID); err != nil {
			return err
		}
		role, err := st.GetRole(ctx, a.RoleID)
		if err != nil {
			return err
		}
		if !IsEffective(*a, *role, now) {
			return fmt.Errorf("%w: assignment %d", ErrAssignmentInactive, assignmentID)
		}
		out = a
		if err := demoteOthers(ctx, st, fx, a.PrincipalID, a.ID, performedBy, now); err != nil {
			return err
		}
		if a.IsPrimary {
			return nil
		}
		a.IsPrimary = true
		if err := st.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		return fx.record(ctx, st, newEntry(a, audit.ActionPromoted, performedBy, now))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtendExpiration moves an assignment's expiry into the future. An assignment
// the sweep expired is revived; a revoked one is not.
func (l *Ledger) ExtendExpiration(ctx context.Context, assignmentID int64, newExpiresAt time.Time, performedBy string) (out *RoleAssignment, err error) {
	ctx, span := l.e.startSpan(ctx, "ExtendExpiration", attribute.Int64("assignment_id", assignmentID))
	defer func() { endSpan(span, err) }()

	now := l.e.now()
	if !newExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExpiration, newExpiresAt.Format(time.RFC3339))
	}
	newExpiresAt = newExpiresAt.UTC()

	err = l.e.tx(ctx, func(st Store, fx *effects) error {
		a, err := st.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if !a.IsActive && a.DeactivationReason != DeactivationExpired {
			return fmt.Errorf("%w: assignment %d was revoked", ErrAssignmentInactive, assignmentID)
		}
		role, err := st.LockRole(ctx, a.RoleID)
		if err != nil {
			return err
		}
		if !role.Active {
			return fmt.Errorf("%w: %s", ErrRoleInactive, role.Slug)
		}

		holdsSlot := IsEffective(*a, *role, now)
		if !holdsSlot {
			if err := checkCapacity(ctx, st, role, now); err != nil {
				return err
			}
		}

		metadata := map[string]interface{}{
			"new_expires_at": newExpiresAt.Format(time.RFC3339),
			"revived":        !holdsSlot,
		}
		if a.ExpiresAt != nil {
			metadata["old_expires_at"] = a.ExpiresAt.Format(time.RFC3339)
		}

		a.ExpiresAt = &newExpiresAt
		a.IsActive = true
		a.DeactivationReason = DeactivationNone
		if err := st.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		entry := newEntry(a, audit.ActionModified, performedBy, now)
		entry.Metadata = metadata
		if err := fx.record(ctx, st, entry); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SweepResult summarizes one sweep run
type SweepResult struct {
	SweepID string    `json:"sweep_id"`
	Expired int       `json:"expired"`
	RanAt   time.Time `json:"ran_at"`
}

// SweepExpiredAssignments deactivates active assignments whose expiry has
// passed. Running it again without new expiries changes nothing.
func (l *Ledger) SweepExpiredAssignments(ctx context.Context) (result SweepResult, err error) {
	ctx, span := l.e.startSpan(ctx, "SweepExpiredAssignments")
	defer func() { endSpan(span, err) }()

	result = SweepResult{SweepID: uuid.NewString(), RanAt: l.e.now()}
	err = l.e.tx(ctx, func(st Store, fx *effects) error {
		result.Expired = 0
		rows, err := st.ListAssignments(ctx, AssignmentFilter{ActiveOnly: true, HasExpiry: true, ForUpdate: true})
		if err != nil {
			return err
		}
		for i := range rows {
			a := &rows[i]
			if !a.Expired(result.RanAt) {
				continue
			}
			wasPrimary := a.IsPrimary
			a.IsActive = false
			a.IsPrimary = false
			a.DeactivationReason = DeactivationExpired
			if err := st.UpdateAssignment(ctx, a); err != nil {
				return err
			}
			entry := newEntry(a, audit.ActionRevoked, "", result.RanAt)
			entry.Reason = audit.ReasonExpired
			entry.Metadata = map[string]interface{}{
				"sweep_id":    result.SweepID,
				"expires_at":  a.ExpiresAt.Format(time.RFC3339),
				"was_primary": wasPrimary,
			}
			if err := fx.record(ctx, st, entry); err != nil {
				return err
			}
			result.Expired++
		}
		return nil
	})
	if err != nil {
		return SweepResult{SweepID: result.SweepID, RanAt: result.RanAt}, err
	}

	l.e.metrics.RecordSweep(result.Expired)
	l.e.log(ctx).WithFields(map[string]interface{}{
		"sweep_id": result.SweepID,
		"expired":  result.Expired,
	}).Info("expired assignments swept")
	span.SetAttributes(attribute.Int("expired", result.Expired))
	return result, nil
}

// BulkAssignResult is one principal's outcome from BulkAssign
type BulkAssignResult struct {
	PrincipalID string          `json:"principal_id"`
	Assignment  *RoleAssignment `json:"assignment,omitempty"`
	Err         error           `json:"-"`
	Error       string          `json:"error,omitempty"`
}

// BulkAssign assigns roleID to each principal independently. One principal
// failing, for example on capacity, does not undo the others.
func (l *Ledger) BulkAssign(ctx context.Context, principalIDs []string, roleID int64, opts AssignOptions) ([]BulkAssignResult, error) {
	if len(principalIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one principal is required", ErrInvalidInput)
	}
	results := make([]BulkAssignResult, 0, len(principalIDs))
	for _, principalID := range principalIDs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		a, err := l.AssignRole(ctx, principalID, roleID, opts)
		res := BulkAssignResult{PrincipalID: principalID, Assignment: a, Err: err}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// ListAssignments returns assignments matching filter. EffectiveOnly keeps
// only rows that currently grant their role.
func (l *Ledger) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]RoleAssignment, error) {
	filter.ForUpdate = false
	if filter.EffectiveOnly {
		filter.ActiveOnly = true
	}
	rows, err := l.e.store.ListAssignments(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !filter.EffectiveOnly {
		return rows, nil
	}

	now := l.e.now()
	roles := make(map[int64]*Role)
	out := rows[:0]
	for _, a := range rows {
		role, ok := roles[a.RoleID]
		if !ok {
			role, err = l.e.store.GetRole(ctx, a.RoleID)
			if err != nil {
				return nil, err
			}
			roles[a.RoleID] = role
		}
		if IsEffective(a, *role, now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *Ledger) GetAssignment(ctx context.Context, id int64) (*RoleAssignment, error) {
	return l.e.store.GetAssignment(ctx, id)
}

// GetPrimaryAssignment returns the principal's effective primary assignment, or nil
func (l *Ledger) GetPrimaryAssignment(ctx context.Context, principalID string) (*RoleAssignment, error) {
	rows, err := l.ListAssignments(ctx, AssignmentFilter{PrincipalID: principalID, EffectiveOnly: true})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].IsPrimary {
			return &rows[i], nil
		}
	}
	return nil, nil
}
