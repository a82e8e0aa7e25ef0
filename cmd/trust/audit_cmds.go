package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func logsCmd() *cobra.Command {
	var (
		creator, action, export string
		since                   time.Duration
		limit                   int
		archive, mirror         bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the audit log",
		Long: "Show the audit log, oldest first. --export writes the selected entries\n" +
			"in an export format (json, jsonl, yaml, csv) instead of a table.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := audit.Query{Limit: limit, IncludeArchive: archive}
			if creator != "" {
				id, err := creatorArg(creator)
				if err != nil {
					return err
				}
				q.CreatorID = id
			}
			if action != "" {
				a, err := models.ParseAction(action)
				if err != nil {
					return err
				}
				q.Action = a
			}
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			if export != "" {
				f, err := audit.ParseFormat(export)
				if err != nil {
					return err
				}
				return a.Audit.Export(cmd.Context(), os.Stdout, f, q)
			}
			query := a.Audit.Query
			if mirror {
				query = a.Audit.QueryMirror
			}
			entries, err := query(cmd.Context(), q)
			if err != nil {
				return err
			}
			printResult(entries, auditTable(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "Only entries for this creator")
	cmd.Flags().StringVar(&action, "action", "", "Only entries with this action")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this, e.g. 72h")
	cmd.Flags().IntVar(&limit, "limit", 50, "Show at most the newest N entries (0 for all)")
	cmd.Flags().BoolVar(&archive, "archive", false, "Include rotated archive entries")
	cmd.Flags().BoolVar(&mirror, "mirror", false, "Read from the Postgres audit mirror (audit.postgres_url)")
	cmd.Flags().StringVar(&export, "export", "", "Write entries in this format: json, jsonl, yaml, csv")
	return cmd
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export trust entries and the audit log",
		Long:  "Export trust entries and the live audit log as a portable document.\nFiles ending in .yaml or .yml are written as YAML, anything else as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			doc, err := a.Trust.Export(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return writeDocument(os.Stdout, doc, outputFormat == "yaml")
			}
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			if err := writeDocument(f, doc, isYAML(output)); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported %d entries and %d audit records to %s\n", len(doc.Entries), len(doc.Audit), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func importCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an exported trust document",
		Long: "Import an exported trust document. merge adds or overwrites entries but\n" +
			"never lifts a local block; replace swaps the whole store.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := trust.ParseImportMode(mode)
			if err != nil {
				return err
			}
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			res, err := a.Trust.Import(cmd.Context(), doc, m)
			if err != nil {
				return err
			}
			printResult(res, func(w io.Writer) {
				fmt.Fprintf(w, "mode\t%s\n", res.Mode)
				fmt.Fprintf(w, "imported\t%d\n", res.Imported)
				if len(res.Skipped) > 0 {
					fmt.Fprintf(w, "skipped\t%s\n", strings.Join(res.Skipped, ", "))
				}
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(trust.ImportMerge), "Import mode: merge, replace")
	return cmd
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every trust decision (the audit log is kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirmReset() {
				return fmt.Errorf("reset not confirmed (pass --yes)")
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			n, err := a.Trust.Reset(cmd.Context())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Removed %d trust entries", n))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirmReset() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !session.cfg.Decision.Interactive {
		return false
	}
	fmt.Fprint(os.Stderr, "Remove every trust decision? [y/N]: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func writeDocument(w io.Writer, doc *models.ExportDocument, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func readDocument(path string) (*models.ExportDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc models.ExportDocument
	if isYAML(path) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", models.ErrValidation, path, err)
	}
	return &doc, nil
}
