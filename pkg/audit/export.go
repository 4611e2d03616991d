package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export renders entries in the requested format
func Export(entries []Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON(entries)
	case ExportFormatNDJSON:
		return exportNDJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportJSON exports entries as an indented JSON array
func exportJSON(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	return json.MarshalIndent(entries, "", "  ")
}

// exportNDJSON exports entries as newline-delimited JSON
func exportNDJSON(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("failed to encode entry: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports entries as CSV; metadata is rendered as a JSON column
func exportCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"PerformedAt",
		"Action",
		"PrincipalID",
		"RoleID",
		"AssignmentID",
		"PerformedBy",
		"Reason",
		"Metadata",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		metadata := ""
		if len(entry.Metadata) > 0 {
			data, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			metadata = string(data)
		}

		row := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.PerformedAt.UTC().Format(time.RFC3339),
			string(entry.Action),
			entry.PrincipalID,
			strconv.FormatInt(entry.RoleID, 10),
			formatInt64Ptr(entry.AssignmentID),
			formatStringPtr(entry.PerformedBy),
			entry.Reason,
			metadata,
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}

func formatStringPtr(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
