package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/org/templatetrust/pkg/models"
	"gopkg.in/yaml.v3"
)

var outputFormat string // "table", "json", "yaml"

// printResult writes structured results as json or yaml. Table output is
// handled by the caller-supplied renderer.
func printResult(data any, table func(w io.Writer)) {
	printResultTo(os.Stdout, outputFormat, data, table)
}

func printResultTo(out io.Writer, format string, data any, table func(w io.Writer)) {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.Encode(data) //nolint:errcheck
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		enc.Encode(data) //nolint:errcheck
		enc.Close()
	default: // table
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		table(w)
		w.Flush()
	}
}

func statusTable(list []models.TrustStatus) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintln(w, "CREATOR\tTRUST\tSECURITY\tEXPIRES")
		for _, st := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.CreatorID, st.TrustLevel, st.SecurityLevel, expires(st))
		}
	}
}

func entryTable(e models.TrustEntry) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "creator\t%s\n", e.CreatorID)
		fmt.Fprintf(w, "trust_level\t%s\n", e.TrustLevel)
		fmt.Fprintf(w, "granted_by\t%s\n", e.GrantedBy)
		fmt.Fprintf(w, "granted_at\t%s\n", e.GrantedAt.Format(time.RFC3339))
		if e.ExpiresAt != nil {
			fmt.Fprintf(w, "expires_at\t%s\n", e.ExpiresAt.Format(time.RFC3339))
		}
		if e.Reason != "" {
			fmt.Fprintf(w, "reason\t%s\n", e.Reason)
		}
	}
}

func auditTable(entries []models.AuditEntry) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintln(w, "TIME\tCREATOR\tACTION\tRESOLUTION\tBY\tCONTEXT")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.CreatorID, e.Action, e.Resolution, e.GrantedBy, e.Context)
		}
	}
}

func expires(st models.TrustStatus) string {
	switch {
	case st.Session:
		return "end of session"
	case st.ExpiresAt != nil:
		return st.ExpiresAt.Local().Format(time.DateTime)
	default:
		return "-"
	}
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printWarning(msg string) {
	fmt.Fprintf(os.Stderr, "Warning: %s\n", strings.TrimSpace(msg))
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
