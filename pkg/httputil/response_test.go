package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMissing  = errors.New("missing")
	errConflict = errors.New("conflict")
)

var testTable = []ErrorStatus{
	{Err: errMissing, Status: http.StatusNotFound, Kind: "not_found"},
	{Err: errConflict, Status: http.StatusConflict, Kind: "conflict"},
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusOK, map[string]string{"message": "ok"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"ok"}`, w.Body.String())
}

func TestStatusForError(t *testing.T) {
	wrapped := fmt.Errorf("role 7: %w", errMissing)
	assert.Equal(t, http.StatusNotFound, StatusForError(wrapped, testTable).Status)
	assert.Equal(t, "conflict", StatusForError(errConflict, testTable).Kind)

	unknown := StatusForError(errors.New("disk on fire"), testTable)
	assert.Equal(t, http.StatusInternalServerError, unknown.Status)
	assert.Equal(t, "internal", unknown.Kind)
}

func TestWriteMappedError(t *testing.T) {
	t.Run("known error keeps message", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteMappedError(w, fmt.Errorf("slug admin: %w", errConflict), testTable)

		assert.Equal(t, http.StatusConflict, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "conflict", resp.Kind)
		assert.Contains(t, resp.Error, "slug admin")
	})

	t.Run("internal error hides message", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteMappedError(w, errors.New("pq: password authentication failed"), testTable)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "password")
	})
}

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "x") }, http.StatusBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "x") }, http.StatusUnauthorized},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "x") }, http.StatusForbidden},
		{"not found", func(w http.ResponseWriter) { WriteNotFound(w, "x") }, http.StatusNotFound},
		{"conflict", func(w http.ResponseWriter) { WriteConflict(w, "x") }, http.StatusConflict},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "x") }, http.StatusServiceUnavailable},
		{"created", func(w http.ResponseWriter) { _ = WriteCreated(w, struct{}{}) }, http.StatusCreated},
		{"success", func(w http.ResponseWriter) { _ = WriteSuccess(w, struct{}{}) }, http.StatusOK},
		{"no content", func(w http.ResponseWriter) { WriteNoContent(w) }, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDetailedError(w, http.StatusBadRequest, errors.New("validation failed"), map[string]string{"name": "required"})

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "required", resp.Details["name"])
}
