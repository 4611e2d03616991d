package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
)

// MemoryStore keeps all RBAC state in process. Transactions snapshot the
// state under the store lock and swap it back in on success.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
	now   func() time.Time
}

type memState struct {
	nextPermissionID int64
	nextRoleID       int64
	nextAssignmentID int64
	nextAuditID      int64

	permissions map[int64]Permission
	roles       map[int64]Role
	rolePerms   map[int64]map[int64]struct{}
	assignments map[int64]RoleAssignment
	contextKeys map[int64]string
	audit       []audit.Entry
}

func newMemState() *memState {
	return &memState{
		permissions: make(map[int64]Permission),
		roles:       make(map[int64]Role),
		rolePerms:   make(map[int64]map[int64]struct{}),
		assignments: make(map[int64]RoleAssignment),
		contextKeys: make(map[int64]string),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextPermissionID: s.nextPermissionID,
		nextRoleID:       s.nextRoleID,
		nextAssignmentID: s.nextAssignmentID,
		nextAuditID:      s.nextAuditID,
		permissions:      make(map[int64]Permission, len(s.permissions)),
		roles:            make(map[int64]Role, len(s.roles)),
		rolePerms:        make(map[int64]map[int64]struct{}, len(s.rolePerms)),
		assignments:      make(map[int64]RoleAssignment, len(s.assignments)),
		contextKeys:      make(map[int64]string, len(s.contextKeys)),
		audit:            make([]audit.Entry, len(s.audit)),
	}
	for id, p := range s.permissions {
		c.permissions[id] = p
	}
	for id, r := range s.roles {
		c.roles[id] = copyRole(r)
	}
	for id, set := range s.rolePerms {
		cs := make(map[int64]struct{}, len(set))
		for pid := range set {
			cs[pid] = struct{}{}
		}
		c.rolePerms[id] = cs
	}
	for id, a := range s.assignments {
		c.assignments[id] = copyAssignment(a)
	}
	for id, k := range s.contextKeys {
		c.contextKeys[id] = k
	}
	copy(c.audit, s.audit)
	return c
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:    &sync.Mutex{},
		state: newMemState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn against a private copy of the state
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{mu: s.mu, state: s.state.clone(), inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreatePermission(ctx context.Context, p *Permission) error {
	defer s.lock()()
	for _, existing := range s.state.permissions {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: %s", ErrDuplicatePermission, p.Name)
		}
	}
	now := s.now()
	s.state.nextPermissionID++
	p.ID = s.state.nextPermissionID
	p.CreatedAt = now
	p.UpdatedAt = now
	s.state.permissions[p.ID] = *p
	return nil
}

func (s *MemoryStore) UpdatePermission(ctx context.Context, p *Permission) error {
	defer s.lock()()
	existing, ok := s.state.permissions[p.ID]
	if !ok {
		return fmt.Errorf("%w: permission %d", ErrNotFound, p.ID)
	}
	for id, other := range s.state.permissions {
		if id != p.ID && other.Name == p.Name {
			return fmt.Errorf("%w: %s", ErrDuplicatePermission, p.Name)
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	s.state.permissions[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	defer s.lock()()
	p, ok := s.state.permissions[id]
	if !ok {
		return nil, fmt.Errorf("%w: permission %d", ErrNotFound, id)
	}
	return &p, nil
}

func (s *MemoryStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	defer s.lock()()
	for _, p := range s.state.permissions {
		if p.Name == name {
			p := p
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: permission %q", ErrNotFound, name)
}

func (s *MemoryStore) ListPermissions(ctx context.Context, includeInactive bool) ([]Permission, error) {
	defer s.lock()()
	out := make([]Permission, 0, len(s.state.permissions))
	for _, p := range s.state.permissions {
		if includeInactive || p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) CreateRole(ctx context.Context, r *Role) error {
	defer s.lock()()
	for _, existing := range s.state.roles {
		if existing.Slug == r.Slug {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, r.Slug)
		}
	}
	now := s.now()
	s.state.nextRoleID++
	r.ID = s.state.nextRoleID
	r.CreatedAt = now
	r.UpdatedAt = now
	s.state.roles[r.ID] = copyRole(*r)
	return nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, r *Role) error {
	defer s.lock()()
	existing, ok := s.state.roles[r.ID]
	if !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, r.ID)
	}
	for id, other := range s.state.roles {
		if id != r.ID && other.Slug == r.Slug {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, r.Slug)
		}
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.now()
	s.state.roles[r.ID] = copyRole(*r)
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, id int64) (*Role, error) {
	defer s.lock()()
	r, ok := s.state.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	r = copyRole(r)
	return &r, nil
}

func (s *MemoryStore) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	defer s.lock()()
	for _, r := range s.state.roles {
		if r.Slug == slug {
			r = copyRole(r)
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: role %q", ErrNotFound, slug)
}

func (s *MemoryStore) ListRoles(ctx context.Context, filter RoleFilter) ([]Role, error) {
	defer s.lock()()
	out := make([]Role, 0, len(s.state.roles))
	for _, r := range s.state.roles {
		if !filter.IncludeInactive && !r.Active {
			continue
		}
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		out = append(out, copyRole(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LockRole is GetRole; the store lock already serializes transactions
func (s *MemoryStore) LockRole(ctx context.Context, id int64) (*Role, error) {
	return s.GetRole(ctx, id)
}

func (s *MemoryStore) ClearDefaultRoles(ctx context.Context, level int, exceptID int64) error {
	defer s.lock()()
	now := s.now()
	for id, r := range s.state.roles {
		if id != exceptID && r.Level == level && r.IsDefault {
			r.IsDefault = false
			r.UpdatedAt = now
			s.state.roles[id] = r
		}
	}
	return nil
}

func (s *MemoryStore) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	defer s.lock()()
	if _, ok := s.state.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	set := s.state.rolePerms[roleID]
	out := make([]Permission, 0, len(set))
	for pid := range set {
		out = append(out, s.state.permissions[pid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AddRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	defer s.lock()()
	if _, ok := s.state.roles[roleID]; !ok {
		return 0, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	set, ok := s.state.rolePerms[roleID]
	if !ok {
		set = make(map[int64]struct{})
		s.state.rolePerms[roleID] = set
	}
	added := 0
	for _, pid := range permissionIDs {
		if _, ok := s.state.permissions[pid]; !ok {
			return added, fmt.Errorf("%w: permission %d", ErrNotFound, pid)
		}
		if _, present := set[pid]; present {
			continue
		}
		set[pid] = struct{}{}
		added++
	}
	return added, nil
}

func (s *MemoryStore) RemoveRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int, error) {
	defer s.lock()()
	set := s.state.rolePerms[roleID]
	removed := 0
	for _, pid := range permissionIDs {
		if _, present := set[pid]; present {
			delete(set, pid)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, a *RoleAssignment) error {
	key, err := ContextKey(a.Context)
	if err != nil {
		return err
	}
	defer s.lock()()
	if _, ok := s.state.roles[a.RoleID]; !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, a.RoleID)
	}
	for id, existing := range s.state.assignments {
		if existing.PrincipalID == a.PrincipalID && existing.RoleID == a.RoleID && s.state.contextKeys[id] == key {
			return fmt.Errorf("failed to create assignment: principal %s already bound to role %d in this context", a.PrincipalID, a.RoleID)
		}
	}
	now := s.now()
	s.state.nextAssignmentID++
	a.ID = s.state.nextAssignmentID
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	a.UpdatedAt = now
	s.state.assignments[a.ID] = copyAssignment(*a)
	s.state.contextKeys[a.ID] = key
	return nil
}

func (s *MemoryStore) UpdateAssignment(ctx context.Context, a *RoleAssignment) error {
	key, err := ContextKey(a.Context)
	if err != nil {
		return err
	}
	defer s.lock()()
	if _, ok := s.state.assignments[a.ID]; !ok {
		return fmt.Errorf("%w: assignment %d", ErrNotFound, a.ID)
	}
	a.UpdatedAt = s.now()
	s.state.assignments[a.ID] = copyAssignment(*a)
	s.state.contextKeys[a.ID] = key
	return nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, id int64) (*RoleAssignment, error) {
	defer s.lock()()
	a, ok := s.state.assignments[id]
	if !ok {
		return nil, fmt.Errorf("%w: assignment %d", ErrNotFound, id)
	}
	a = copyAssignment(a)
	return &a, nil
}

func (s *MemoryStore) FindAssignment(ctx context.Context, principalID string, roleID int64, contextKey string) (*RoleAssignment, error) {
	defer s.lock()()
	for id, a := range s.state.assignments {
		if a.PrincipalID == principalID && a.RoleID == roleID && s.state.contextKeys[id] == contextKey {
			a = copyAssignment(a)
			return &a, nil
		}
	}
	return nil, fmt.Errorf("%w: assignment for %s on role %d", ErrNotFound, principalID, roleID)
}

func (s *MemoryStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]RoleAssignment, error) {
	defer s.lock()()
	out := make([]RoleAssignment, 0)
	for _, a := range s.state.assignments {
		if filter.PrincipalID != "" && a.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.RoleID != nil && a.RoleID != *filter.RoleID {
			continue
		}
		if filter.ActiveOnly && !a.IsActive {
			continue
		}
		if filter.HasExpiry && a.ExpiresAt == nil {
			continue
		}
		out = append(out, copyAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *audit.Entry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("invalid audit action: %q", entry.Action)
	}
	defer s.lock()()
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	s.state.nextAuditID++
	entry.ID = s.state.nextAuditID
	s.state.audit = append(s.state.audit, *entry)
	return nil
}

// SearchAudit returns matching entries newest first
func (s *MemoryStore) SearchAudit(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	defer s.lock()()
	out := make([]audit.Entry, 0)
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		e := s.state.audit[i]
		if filter.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PerformedAt.After(out[j].PerformedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []audit.Entry{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
