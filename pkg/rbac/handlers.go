package rbac

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// Permissions guarding the admin API
const (
	PermAdminRoles    = "admin.roles"
	PermAdminUsers    = "admin.users"
	PermAdminLogs     = "admin.logs"
	PermAdminSystem   = "admin.system"
	PermAnalyticsView = "analytics.view"
)

// HandlerOptions configures the HTTP API
type HandlerOptions struct {
	// AdminAuth guards admin routes with the permission middleware
	AdminAuth bool
	// Superusers are principals reported as superusers by /v1/check and summaries
	Superusers []string
}

// Handlers exposes the engine over HTTP
type Handlers struct {
	svc        *Service
	mw         *PermissionMiddleware
	adminAuth  bool
	superusers map[string]struct{}
}

// NewHandlers creates the HTTP API for svc
func NewHandlers(svc *Service, opts HandlerOptions) *Handlers {
	h := &Handlers{
		svc:        svc,
		mw:         NewPermissionMiddleware(svc.Checker),
		adminAuth:  opts.AdminAuth,
		superusers: make(map[string]struct{}, len(opts.Superusers)),
	}
	for _, id := range opts.Superusers {
		h.superusers[id] = struct{}{}
	}
	return h
}

func (h *Handlers) principal(id string) Principal {
	_, super := h.superusers[id]
	return Principal{ID: id, Superuser: super}
}

func (h *Handlers) guard(perm string, fn http.HandlerFunc) http.Handler {
	if !h.adminAuth {
		return fn
	}
	return h.mw.RequirePermission(perm)(fn)
}

// performer is the authenticated caller's id, or empty
func performer(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p.ID
	}
	return ""
}

// RegisterRoutes registers all routes under /v1
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/v1").Subrouter()

	// Permission catalog
	v1.Handle("/permissions", h.guard(PermAdminRoles, h.ListPermissions)).Methods("GET")
	v1.Handle("/permissions", h.guard(PermAdminRoles, h.CreatePermission)).Methods("POST")
	v1.Handle("/permissions/bulk", h.guard(PermAdminRoles, h.BulkCreatePermissions)).Methods("POST")
	v1.Handle("/permissions/{id}", h.guard(PermAdminRoles, h.GetPermission)).Methods("GET")
	v1.Handle("/permissions/{id}", h.guard(PermAdminRoles, h.UpdatePermission)).Methods("PATCH")
	v1.Handle("/permissions/{id}/deactivate", h.guard(PermAdminRoles, h.DeactivatePermission)).Methods("POST")
	v1.Handle("/permissions/{id}/activate", h.guard(PermAdminRoles, h.ActivatePermission)).Methods("POST")

	// Role graph
	v1.Handle("/roles", h.guard(PermAdminRoles, h.ListRoles)).Methods("GET")
	v1.Handle("/roles", h.guard(PermAdminRoles, h.CreateRole)).Methods("POST")
	v1.Handle("/roles/default", h.guard(PermAdminRoles, h.GetDefaultRole)).Methods("GET")
	v1.Handle("/roles/{id}", h.guard(PermAdminRoles, h.GetRole)).Methods("GET")
	v1.Handle("/roles/{id}", h.guard(PermAdminRoles, h.UpdateRole)).Methods("PATCH")
	v1.Handle("/roles/{id}/parent", h.guard(PermAdminRoles, h.SetParent)).Methods("PUT")
	v1.Handle("/roles/{id}/permissions", h.guard(PermAdminRoles, h.GetRolePermissions)).Methods("GET")
	v1.Handle("/roles/{id}/permissions", h.guard(PermAdminRoles, h.AddRolePermissions)).Methods("POST")
	v1.Handle("/roles/{id}/permissions", h.guard(PermAdminRoles, h.RemoveRolePermissions)).Methods("DELETE")
	v1.Handle("/roles/{id}/children", h.guard(PermAdminRoles, h.ChildRoles)).Methods("GET")
	v1.Handle("/roles/{id}/clone", h.guard(PermAdminRoles, h.CloneRole)).Methods("POST")
	v1.Handle("/roles/{id}/deactivate", h.guard(PermAdminRoles, h.DeactivateRole)).Methods("POST")
	v1.Handle("/roles/{id}/activate", h.guard(PermAdminRoles, h.ActivateRole)).Methods("POST")

	// Assignment ledger
	v1.Handle("/principals/{principal}/roles", h.guard(PermAdminUsers, h.ListPrincipalRoles)).Methods("GET")
	v1.Handle("/principals/{principal}/roles", h.guard(PermAdminUsers, h.AssignRole)).Methods("POST")
	v1.Handle("/principals/{principal}/roles/{role_id}", h.guard(PermAdminUsers, h.RevokeRole)).Methods("DELETE")
	v1.Handle("/principals/{principal}/permissions", h.guard(PermAdminUsers, h.GetPrincipalPermissions)).Methods("GET")
	v1.Handle("/principals/{principal}/summary", h.guard(PermAdminUsers, h.GetPrincipalSummary)).Methods("GET")
	v1.Handle("/assignments/bulk", h.guard(PermAdminUsers, h.BulkAssign)).Methods("POST")
	v1.Handle("/assignments/{id}", h.guard(PermAdminUsers, h.GetAssignment)).Methods("GET")
	v1.Handle("/assignments/{id}/primary", h.guard(PermAdminUsers, h.SetPrimary)).Methods("POST")
	v1.Handle("/assignments/{id}/expiration", h.guard(PermAdminUsers, h.ExtendExpiration)).Methods("PUT")
	v1.Handle("/sweep", h.guard(PermAdminSystem, h.Sweep)).Methods("POST")

	// Checks; callers may always ask about themselves
	v1.HandleFunc("/check", h.Check).Methods("POST")

	// Audit and analytics
	v1.Handle("/audit", h.guard(PermAdminLogs, h.SearchAudit)).Methods("GET")
	v1.Handle("/audit/export", h.guard(PermAdminLogs, h.ExportAudit)).Methods("GET")
	v1.Handle("/analytics/roles", h.guard(PermAnalyticsView, h.RoleDistribution)).Methods("GET")
	v1.Handle("/analytics/permissions", h.guard(PermAnalyticsView, h.PermissionUsage)).Methods("GET")
	v1.Handle("/analytics/permissions/{name}/principals", h.guard(PermAnalyticsView, h.PrincipalsWithPermission)).Methods("GET")
}

// ListPermissions lists the catalog, grouped by category when grouped=true
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	grouped, err := httputil.ParseQueryBool(r, "grouped", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if grouped {
		groups, err := h.svc.Catalog.PermissionsByCategory(r.Context())
		if err != nil {
			httputil.WriteMappedError(w, err, ErrorStatuses)
			return
		}
		_ = httputil.WriteSuccess(w, groups)
		return
	}

	includeInactive, err := httputil.ParseQueryBool(r, "include_inactive", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	perms, err := h.svc.Catalog.ListPermissions(r.Context(), includeInactive)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req CreatePermissionInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := h.svc.Catalog.CreatePermission(r.Context(), req)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteCreated(w, p)
}

func (h *Handlers) BulkCreatePermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permissions []CreatePermissionInput `json:"permissions" validate:"required,min=1,dive"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	created, existing, err := h.svc.Catalog.BulkCreatePermissions(r.Context(), req.Permissions)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	if created == nil {
		created = []Permission{}
	}
	if existing == nil {
		existing = []Permission{}
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"created":  created,
		"existing": existing,
	})
}

func (h *Handlers) GetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.Catalog.GetPermission(r.Context(), id)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, p)
}

func (h *Handlers) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePermissionInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := h.svc.Catalog.UpdatePermission(r.Context(), id, req)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, p)
}

func (h *Handlers) DeactivatePermission(w http.ResponseWriter, r *http.Request) {
	h.setPermissionActive(w, r, false)
}

func (h *Handlers) ActivatePermission(w http.ResponseWriter, r *http.Request) {
	h.setPermissionActive(w, r, true)
}

func (h *Handlers) setPermissionActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var (
		p   *Permission
		err error
	)
	if active {
		p, err = h.svc.Catalog.ActivatePermission(r.Context(), id)
	} else {
		p, err = h.svc.Catalog.DeactivatePermission(r.Context(), id)
	}
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, p)
}

// ListRoles lists roles ordered by level, filtered by include_inactive and kind
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	includeInactive, err := httputil.ParseQueryBool(r, "include_inactive", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter := RoleFilter{
		IncludeInactive: includeInactive,
		Kind:            RoleKind(httputil.ParseQueryString(r, "kind", "")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		httputil.WriteBadRequest(w, fmt.Sprintf("unknown role kind: %s", filter.Kind))
		return
	}
	roles, err := h.svc.Roles.ListRoles(r.Context(), filter)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, roles)
}

func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.CreateRole(r.Context(), req)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

// GetDefaultRole returns the role new principals receive, 404 when none is set
func (h *Handlers) GetDefaultRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.svc.Roles.GetDefaultRole(r.Context())
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	if role == nil {
		httputil.WriteNotFound(w, "no default role configured")
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	role, err := h.svc.Roles.GetRole(r.Context(), id)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.UpdateRole(r.Context(), id, req)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// SetParent replaces the role's parent; a null inherits_from detaches it
func (h *Handlers) SetParent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		InheritsFrom *int64 `json:"inherits_from"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.SetParent(r.Context(), id, req.InheritsFrom)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// GetRolePermissions lists direct grants, or the resolved set when effective=true
func (h *Handlers) ChildRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	children, err := h.svc.Roles.ChildRoles(r.Context(), id)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, children)
}

func (h *Handlers) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	effective, err := httputil.ParseQueryBool(r, "effective", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var perms []Permission
	if effective {
		perms, err = h.svc.Roles.EffectivePermissions(r.Context(), id)
	} else {
		perms, err = h.svc.Roles.DirectPermissions(r.Context(), id)
	}
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, perms)
}

type permissionNamesRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

func (h *Handlers) AddRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req permissionNamesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.AddPermissionsToRole(r.Context(), id, req.Permissions)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) RemoveRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req permissionNamesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.RemovePermissionsFromRole(r.Context(), id, req.Permissions)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

func (h *Handlers) CloneRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" validate:"required,max=100"`
		Slug string `json:"slug" validate:"required,max=100"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.svc.Roles.CloneRole(r.Context(), id, req.Name, req.Slug)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteCreated(w, role)
}

func (h *Handlers) DeactivateRole(w http.ResponseWriter, r *http.Request) {
	h.setRoleActive(w, r, false)
}

func (h *Handlers) ActivateRole(w http.ResponseWriter, r *http.Request) {
	h.setRoleActive(w, r, true)
}

func (h *Handlers) setRoleActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var (
		role *Role
		err  error
	)
	if active {
		role, err = h.svc.Roles.ActivateRole(r.Context(), id)
	} else {
		role, err = h.svc.Roles.DeactivateRole(r.Context(), id)
	}
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, role)
}

// ListPrincipalRoles lists a principal's assignments; all=true includes inactive rows
func (h *Handlers) ListPrincipalRoles(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "principal")
	if !ok {
		return
	}
	all, err := httputil.ParseQueryBool(r, "all", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	rows, err := h.svc.Ledger.ListAssignments(r.Context(), AssignmentFilter{
		PrincipalID:   principalID,
		EffectiveOnly: !all,
	})
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	if rows == nil {
		rows = []RoleAssignment{}
	}
	_ = httputil.WriteSuccess(w, rows)
}

type assignRequest struct {
	RoleID    int64                  `json:"role_id" validate:"required"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	IsPrimary bool                   `json:"is_primary,omitempty"`
	Notes     string                 `json:"notes,omitempty" validate:"max=1000"`
	Reason    string                 `json:"reason,omitempty" validate:"max=255"`
}

func (req assignRequest) options(performedBy string) AssignOptions {
	return AssignOptions{
		AssignedBy: performedBy,
		ExpiresAt:  req.ExpiresAt,
		Context:    req.Context,
		IsPrimary:  req.IsPrimary,
		Notes:      req.Notes,
		Reason:     req.Reason,
	}
}

func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "principal")
	if !ok {
		return
	}
	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := h.svc.Ledger.AssignRole(r.Context(), principalID, req.RoleID, req.options(performer(r)))
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteCreated(w, a)
}

// RevokeRole deactivates the principal's role. Revoking an already
// inactive role reports revoked=false.
func (h *Handlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "principal")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	revoked, err := h.svc.Ledger.RevokeRole(r.Context(), principalID, roleID, RevokeOptions{
		PerformedBy: performer(r),
		Reason:      httputil.ParseQueryString(r, "reason", ""),
	})
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]bool{"revoked": revoked})
}

func (h *Handlers) GetPrincipalPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "principal")
	if !ok {
		return
	}
	perms, err := h.svc.Checker.EffectivePermissions(r.Context(), principalID)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": principalID,
		"permissions":  perms,
	})
}

func (h *Handlers) GetPrincipalSummary(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathStringOrError(w, r, "principal")
	if !ok {
		return
	}
	summary, err := h.svc.Checker.PrincipalSummary(r.Context(), h.principal(principalID))
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, summary)
}

func (h *Handlers) BulkAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		assignRequest
		PrincipalIDs []string `json:"principal_ids" validate:"required,min=1,dive,required"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	results, err := h.svc.Ledger.BulkAssign(r.Context(), req.PrincipalIDs, req.RoleID, req.options(performer(r)))
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, results)
}

func (h *Handlers) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	a, err := h.svc.Ledger.GetAssignment(r.Context(), id)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

func (h *Handlers) SetPrimary(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	a, err := h.svc.Ledger.SetPrimaryRole(r.Context(), id, performer(r))
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

func (h *Handlers) ExtendExpiration(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ExpiresAt time.Time `json:"expires_at" validate:"required"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	a, err := h.svc.Ledger.ExtendExpiration(r.Context(), id, req.ExpiresAt, performer(r))
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, a)
}

func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Ledger.SweepExpiredAssignments(r.Context())
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// CheckRequest asks one question about a principal. Exactly one of
// Permission, Permissions, Role or MinLevel is set.
type CheckRequest struct {
	PrincipalID string   `json:"principal_id" validate:"required"`
	Permission  string   `json:"permission,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Mode        string   `json:"mode,omitempty" validate:"omitempty,oneof=any all"`
	Role        string   `json:"role,omitempty"`
	MinLevel    *int     `json:"min_level,omitempty"`
}

// CheckResponse carries a check outcome
type CheckResponse struct {
	PrincipalID string `json:"principal_id"`
	Allowed     bool   `json:"allowed"`
}

// Check answers a permission, role or level question for any principal
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	set := 0
	for _, present := range []bool{req.Permission != "", req.Permissions != nil, req.Role != "", req.MinLevel != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		httputil.WriteBadRequest(w, "exactly one of permission, permissions, role or min_level is required")
		return
	}
	if !h.authorizeCheck(w, r, req.PrincipalID) {
		return
	}

	ctx := r.Context()
	p := h.principal(req.PrincipalID)
	var (
		allowed bool
		err     error
	)
	switch {
	case req.Permission != "":
		allowed, err = h.svc.Checker.HasPermission(ctx, p, req.Permission)
	case req.Permissions != nil && req.Mode == "any":
		allowed, err = h.svc.Checker.HasAnyPermission(ctx, p, req.Permissions)
	case req.Permissions != nil:
		allowed, err = h.svc.Checker.HasAllPermissions(ctx, p, req.Permissions)
	case req.Role != "":
		allowed, err = h.svc.Checker.HasRole(ctx, p.ID, req.Role)
	default:
		allowed, err = h.svc.Checker.MeetsMinimumLevel(ctx, p, *req.MinLevel)
	}
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, CheckResponse{PrincipalID: p.ID, Allowed: allowed})
}

// authorizeCheck requires admin.users to check a principal other than the
// caller. Without admin auth the API relies on network trust.
func (h *Handlers) authorizeCheck(w http.ResponseWriter, r *http.Request, principalID string) bool {
	if !h.adminAuth {
		return true
	}
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return false
	}
	if caller.ID == principalID {
		return true
	}
	allowed, err := h.svc.Checker.HasPermission(r.Context(), caller, PermAdminUsers)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return false
	}
	if !allowed {
		httputil.WriteForbidden(w, "checking another principal requires "+PermAdminUsers)
		return false
	}
	return true
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	roleID, err := httputil.ParseQueryInt64Ptr(r, "role_id")
	if err != nil {
		return audit.Filter{}, err
	}
	since, err := httputil.ParseQueryTime(r, "since")
	if err != nil {
		return audit.Filter{}, err
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		return audit.Filter{}, err
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return audit.Filter{}, err
	}
	action := audit.Action(httputil.ParseQueryString(r, "action", ""))
	if action != "" && !action.Valid() {
		return audit.Filter{}, fmt.Errorf("unknown action: %s", action)
	}
	return audit.Filter{
		PrincipalID: httputil.ParseQueryString(r, "principal_id", ""),
		RoleID:      roleID,
		Action:      action,
		PerformedBy: httputil.ParseQueryString(r, "performed_by", ""),
		Since:       since,
		Limit:       limit,
		Offset:      offset,
	}, nil
}

func (h *Handlers) SearchAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := h.svc.Analytics.AuditTrail(r.Context(), filter)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	_ = httputil.WriteSuccess(w, entries)
}

var exportContentTypes = map[audit.ExportFormat]string{
	audit.ExportFormatJSON:   "application/json",
	audit.ExportFormatNDJSON: "application/x-ndjson",
	audit.ExportFormatCSV:    "text/csv",
}

// ExportAudit downloads the filtered trail as json, ndjson or csv
func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.ExportFormatJSON)))
	contentType, ok := exportContentTypes[format]
	if !ok {
		httputil.WriteBadRequest(w, fmt.Sprintf("unsupported export format: %s", format))
		return
	}
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	entries, err := h.svc.Analytics.AuditTrail(r.Context(), filter)
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	data, err := audit.Export(entries, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit.%s", format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handlers) RoleDistribution(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Analytics.RoleDistribution(r.Context())
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, counts)
}

func (h *Handlers) PermissionUsage(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Analytics.PermissionUsage(r.Context())
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, counts)
}

func (h *Handlers) PrincipalsWithPermission(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Analytics.PrincipalsWithPermission(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		httputil.WriteMappedError(w, err, ErrorStatuses)
		return
	}
	_ = httputil.WriteSuccess(w, ids)
}
