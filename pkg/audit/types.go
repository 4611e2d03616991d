package audit

import (
	"encoding/json"
	"time"
)

// Action is the kind of ledger change an entry records
type Action string

const (
	ActionAssigned Action = "assigned"
	ActionRevoked  Action = "revoked"
	ActionPromoted Action = "promoted"
	ActionDemoted  Action = "demoted"
	ActionModified Action = "modified"
)

// Valid reports whether a is one of the known actions
func (a Action) Valid() bool {
	switch a {
	case ActionAssigned, ActionRevoked, ActionPromoted, ActionDemoted, ActionModified:
		return true
	}
	return false
}

// ReasonExpired is the reason recorded when the sweep deactivates an assignment
const ReasonExpired = "expired"

// Entry is a single audit trail record
type Entry struct {
	ID           int64     `json:"id"`
	PrincipalID  string    `json:"principal_id"`
	RoleID       int64     `json:"role_id"`
	AssignmentID *int64    `json:"assignment_id,omitempty"`
	Action       Action    `json:"action"`
	PerformedBy  *string   `json:"performed_by,omitempty"`
	PerformedAt  time.Time `json:"performed_at"`
	Reason       string    `json:"reason,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the entry to JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an entry from JSON
func FromJSON(data []byte) (*Entry, error) {
	var entry Entry
	err := json.Unmarshal(data, &entry)
	return &entry, err
}

// Filter narrows a trail query. Zero values match everything.
type Filter struct {
	PrincipalID string
	RoleID      *int64
	Action      Action
	PerformedBy string
	Since       *time.Time

	// Pagination
	Limit  int
	Offset int
}

// Matches reports whether e satisfies every set field of f (pagination excluded)
func (f Filter) Matches(e *Entry) bool {
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.RoleID != nil && e.RoleID != *f.RoleID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.PerformedBy != "" && (e.PerformedBy == nil || *e.PerformedBy != f.PerformedBy) {
		return false
	}
	if f.Since != nil && e.PerformedAt.Before(*f.Since) {
		return false
	}
	return true
}

// ExportFormat represents the format for exporting audit entries
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)
