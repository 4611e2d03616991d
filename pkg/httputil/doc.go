// Package httputil provides the JSON request and response helpers and HTTP
// middleware shared by warden's REST surface.
//
// # Responses
//
//	httputil.WriteSuccess(w, role)
//	httputil.WriteCreated(w, assignment)
//	httputil.WriteBadRequest(w, "principal_id is required")
//
// Domain errors are translated through a lookup table so this package does not
// depend on the packages that define them:
//
//	httputil.WriteMappedError(w, err, []httputil.ErrorStatus{
//		{Err: rbac.ErrNotFound, Status: http.StatusNotFound, Kind: "not_found"},
//	})
//
// # Requests
//
// Bodies are decoded strictly and then validated with go-playground/validator
// struct tags:
//
//	var req assignRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//	)(router)
package httputil
