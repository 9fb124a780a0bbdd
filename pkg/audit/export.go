package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export renders events in the given format and returns the data with its content type
func Export(events []*Event, format ExportFormat) ([]byte, string, error) {
	switch format {
	case ExportFormatJSON, "":
		data, err := exportJSON(events)
		return data, "application/json", err
	case ExportFormatNDJSON:
		data, err := exportNDJSON(events)
		return data, "application/x-ndjson", err
	case ExportFormatCSV:
		data, err := exportCSV(events)
		return data, "text/csv", err
	default:
		return nil, "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// exportJSON exports audit events as JSON array
func exportJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// exportNDJSON exports audit events as newline-delimited JSON
func exportNDJSON(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// exportCSV exports audit events as CSV. Details are written as a JSON object.
func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"Timestamp",
		"EventType",
		"ResourceType",
		"ResourceID",
		"Generation",
		"CallerRoles",
		"RequestID",
		"Details",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		details := ""
		if len(event.Details) > 0 {
			raw, err := json.Marshal(event.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode details of event %s: %w", event.ID, err)
			}
			details = string(raw)
		}
		row := []string{
			event.ID,
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			string(event.ResourceType),
			event.ResourceID,
			strconv.FormatUint(event.Generation, 10),
			strings.Join(event.CallerRoles, ";"),
			event.RequestID,
			details,
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
