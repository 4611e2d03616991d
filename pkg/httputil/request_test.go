package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assignBody struct {
	PrincipalID string `json:"principal_id" validate:"required"`
	RoleID      int64  `json:"role_id" validate:"required,gt=0"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"principal_id":"alice","role_id":2}`},
		{name: "malformed", body: `{invalid}`, wantErr: "invalid JSON"},
		{name: "unknown field", body: `{"principal_id":"a","role_id":1,"extra":true}`, wantErr: "unknown field"},
		{name: "trailing data", body: `{"principal_id":"a","role_id":1} {}`, wantErr: "trailing"},
		{name: "empty", body: ``, wantErr: "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dest assignBody
			err := ParseJSON(req, &dest)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", dest.PrincipalID)
		})
	}
}

func TestParseJSONOrError_Validation(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"principal_id":"","role_id":0}`))

	var dest assignBody
	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"principalid":"required"`)
	assert.Contains(t, w.Body.String(), `"roleid":"required"`)
}

func TestValidationDetails_NonStruct(t *testing.T) {
	m := map[string]string{}
	assert.Nil(t, ValidationDetails(&m))
}

func withVars(r *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(r, vars)
}

func TestParsePathInt64(t *testing.T) {
	req := withVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "42", "bad": "x"})

	v, err := ParsePathInt64(req, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ParsePathInt64(req, "bad")
	assert.Error(t, err)

	_, err = ParsePathInt64(req, "missing")
	assert.Error(t, err)

	w := httptest.NewRecorder()
	_, ok := ParsePathInt64OrError(w, req, "bad")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := withVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"principal": "alice"})

	v, ok := ParsePathStringOrError(httptest.NewRecorder(), req, "principal")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)

	_, err := ParsePathString(req, "nope")
	assert.Error(t, err)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5&active=true&role_id=3&since=2024-01-02T03:04:05Z&bad=zz&action=revoked", nil)

	limit, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 5, limit)

	offset, err := ParseQueryInt(req, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	_, err = ParseQueryInt(req, "bad", 0)
	assert.Error(t, err)

	active, err := ParseQueryBool(req, "active", false)
	require.NoError(t, err)
	assert.True(t, active)

	roleID, err := ParseQueryInt64Ptr(req, "role_id")
	require.NoError(t, err)
	require.NotNil(t, roleID)
	assert.Equal(t, int64(3), *roleID)

	none, err := ParseQueryInt64Ptr(req, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)

	since, err := ParseQueryTime(req, "since")
	require.NoError(t, err)
	require.NotNil(t, since)
	assert.Equal(t, 2024, since.Year())

	_, err = ParseQueryTime(req, "bad")
	assert.Error(t, err)

	assert.Equal(t, "revoked", ParseQueryString(req, "action", ""))
	assert.Equal(t, "json", ParseQueryString(req, "format", "json"))
}
