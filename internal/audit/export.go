package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/org/templatetrust/pkg/models"
	"gopkg.in/yaml.v3"
)

// Format is an export serialization.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatCSV   Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatJSONL, FormatYAML, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q (json, jsonl, yaml, csv)", models.ErrValidation, s)
}

var csvHeader = []string{"id", "seq", "timestamp", "creator_id", "action", "resolution", "granted_by", "context"}

// Export writes the entries selected by q to w.
func (l *Logger) Export(ctx context.Context, w io.Writer, format Format, q Query) error {
	entries, err := l.Query(ctx, q)
	if err != nil {
		return err
	}
	return WriteEntries(w, format, entries)
}

// WriteEntries serializes entries in the given format.
func WriteEntries(w io.Writer, format Format, entries []models.AuditEntry) error {
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.ID,
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.CreatorID,
				string(e.Action),
				string(e.Resolution),
				string(e.GrantedBy),
				e.Context,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}
	return fmt.Errorf("%w: unsupported export format %q", models.ErrValidation, format)
}
