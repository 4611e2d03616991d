package rbac

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/warden/pkg/httputil"
)

// Domain errors. Match with errors.Is; messages carry the offending ids.
var (
	ErrDuplicateSlug       = errors.New("role slug already exists")
	ErrDuplicatePermission = errors.New("permission already exists")
	ErrInvalidParent       = errors.New("invalid parent role")
	ErrCycleDetected       = errors.New("role inheritance cycle detected")
	ErrRoleInactive        = errors.New("role is inactive")
	ErrCapacityExceeded    = errors.New("role capacity exceeded")
	ErrAssignmentInactive  = errors.New("assignment is not effective")
	ErrInvalidExpiration   = errors.New("expiration must be in the future")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
)

// ErrorStatuses maps domain errors to HTTP responses. ErrInvalidParent comes
// before ErrCycleDetected so a rejected edge reports the more specific kind.
var ErrorStatuses = []httputil.ErrorStatus{
	{Err: ErrDuplicateSlug, Status: http.StatusConflict, Kind: "duplicate_slug"},
	{Err: ErrDuplicatePermission, Status: http.StatusConflict, Kind: "duplicate_permission"},
	{Err: ErrCapacityExceeded, Status: http.StatusConflict, Kind: "capacity_exceeded"},
	{Err: ErrInvalidParent, Status: http.StatusBadRequest, Kind: "invalid_parent"},
	{Err: ErrCycleDetected, Status: http.StatusBadRequest, Kind: "cycle_detected"},
	{Err: ErrInvalidExpiration, Status: http.StatusBadRequest, Kind: "invalid_expiration"},
	{Err: ErrInvalidInput, Status: http.StatusBadRequest, Kind: "invalid_input"},
	{Err: ErrRoleInactive, Status: http.StatusUnprocessableEntity, Kind: "role_inactive"},
	{Err: ErrAssignmentInactive, Status: http.StatusUnprocessableEntity, Kind: "assignment_inactive"},
	{Err: ErrNotFound, Status: http.StatusNotFound, Kind: "not_found"},
}
