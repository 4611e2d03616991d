package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Kind    string            `json:"kind,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorStatus binds a sentinel error to the HTTP status and kind reported for it
type ErrorStatus struct {
	Err    error
	Status int
	Kind   string
}

// StatusForError returns the first entry in table whose Err matches err via errors.Is.
// Unmatched errors map to 500 with kind "internal".
func StatusForError(err error, table []ErrorStatus) ErrorStatus {
	for _, entry := range table {
		if errors.Is(err, entry.Err) {
			return entry
		}
	}
	return ErrorStatus{Err: err, Status: http.StatusInternalServerError, Kind: "internal"}
}

// WriteMappedError writes err using the status and kind found in table.
// Internal errors are reported without their message.
func WriteMappedError(w http.ResponseWriter, err error, table []ErrorStatus) {
	mapped := StatusForError(err, table)
	if mapped.Status >= http.StatusInternalServerError {
		WriteInternalError(w, err)
		return
	}
	writeErrorResponse(w, mapped.Status, ErrorResponse{Error: err.Error(), Kind: mapped.Kind})
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	_ = WriteJSON(w, status, resp)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	writeErrorResponse(w, status, ErrorResponse{Error: message})
}

// WriteDetailedError writes an error response with per-field details
func WriteDetailedError(w http.ResponseWriter, status int, err error, details map[string]string) {
	writeErrorResponse(w, status, ErrorResponse{Error: err.Error(), Details: details})
}

// WriteInternalError writes a 500 without leaking err to the client
func WriteInternalError(w http.ResponseWriter, err error) {
	writeErrorResponse(w, http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Kind:  "internal",
	})
}

// WriteCreated writes a 201 with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}
