package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export renders the current chain's events between since and until
// (zero values mean no bound) as json or csv.
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	events, err := l.ListEvents(0, time.Time{})
	if err != nil {
		return nil, err
	}

	var filtered []Event
	for _, event := range events {
		ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue
		}
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		if !until.IsZero() && ts.After(until) {
			continue
		}
		filtered = append(filtered, event)
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(filtered, "", "  ")
	case FormatCSV:
		return formatCSV(filtered)
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

func formatCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp", "operation", "result", "note_hash"}); err != nil {
		return nil, err
	}
	for _, event := range events {
		noteHash := event.Note
		if len(noteHash) > 16 {
			noteHash = noteHash[:16] + "..."
		}
		row := []string{event.Timestamp, event.Operation, event.Result, noteHash}
		for i := range row {
			row[i] = neutralizeFormula(row[i])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// neutralizeFormula prefixes cells that spreadsheets would evaluate.
func neutralizeFormula(field string) string {
	if field == "" {
		return field
	}
	switch field[0] {
	case '=', '+', '-', '@':
		return "'" + field
	}
	return field
}
