package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/org/templatetrust/internal/core"
	"github.com/org/templatetrust/pkg/models"
	"github.com/spf13/cobra"
)

func evaluateCmd() *cobra.Command {
	var forceSandbox bool
	cmd := &cobra.Command{
		Use:   "evaluate <plan>",
		Short: "Decide trust and authorize every operation of a plan",
		Long: "Read a YAML or JSON plan of templates and their operations, resolve trust\n" +
			"for each creator (prompting when interactive) and print the verdict for\n" +
			"every operation. Nothing is executed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := evaluatePlan(cmd, args[0], forceSandbox)
			if err != nil {
				return err
			}
			printResult(ev, evaluationTable(ev))
			return verdictError(ev)
		},
	}
	cmd.Flags().BoolVar(&forceSandbox, "force-sandbox", false, "Sandbox every sandboxable operation, even for trusted creators")
	return cmd
}

func runCmd() *cobra.Command {
	var forceSandbox bool
	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Evaluate a plan and run its sandboxed operations",
		Long: "Evaluate a plan, then run the operations that were given the sandbox\n" +
			"verdict inside the target directory. Files written before a failure are\n" +
			"reported and left in place.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := evaluatePlan(cmd, args[0], forceSandbox)
			if err != nil {
				return err
			}
			x, err := session.app.Guard.Execute(cmd.Context(), ev)
			printResult(map[string]any{"evaluation": ev, "execution": x}, func(w io.Writer) {
				evaluationTable(ev)(w)
				fmt.Fprintln(w)
				executionTable(x)(w)
			})
			for _, v := range x.Violations() {
				printWarning("sandbox: " + v)
			}
			if err != nil {
				return err
			}
			if x.Failed() {
				return errSandboxFailed
			}
			return verdictError(ev)
		},
	}
	cmd.Flags().BoolVar(&forceSandbox, "force-sandbox", false, "Sandbox every sandboxable operation, even for trusted creators")
	return cmd
}

func evaluatePlan(cmd *cobra.Command, path string, forceSandbox bool) (core.Evaluation, error) {
	plan, err := core.LoadPlan(path)
	if err != nil {
		return core.Evaluation{}, err
	}
	if forceSandbox {
		for i := range plan.Templates {
			plan.Templates[i].ForceSandbox = true
		}
	}
	a, err := openApp(cmd, true)
	if err != nil {
		return core.Evaluation{}, err
	}
	ev, err := a.Guard.Evaluate(cmd.Context(), plan)
	if err != nil {
		// Decisions already made are still shown.
		if len(ev.Templates) > 0 {
			printResult(ev, evaluationTable(ev))
		}
		return ev, err
	}
	return ev, nil
}

// verdictError reports why a plan cannot run in full. Blocked creators win
// over declined ones, which win over individually denied operations.
func verdictError(ev core.Evaluation) error {
	var errs []error
	denied := 0
	for _, t := range ev.Templates {
		if !t.Decision.Allowed {
			errs = append(errs, fmt.Errorf("%s: %w", t.CreatorID, t.Decision.Err()))
			continue
		}
		denied += t.Count(models.VerdictDeny)
	}
	if denied > 0 {
		errs = append(errs, fmt.Errorf("%d operation(s): %w", denied, errPolicyDenied))
	}
	return errors.Join(errs...)
}

func evaluationTable(ev core.Evaluation) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintln(w, "CREATOR\tSECURITY\tDECISION\tREASON")
		for _, t := range ev.Templates {
			decision := "allowed"
			if !t.Decision.Allowed {
				decision = "denied"
			}
			fmt.Fprintf(w, "%s\t%s\t%s (%s)\t%s\n", t.CreatorID, t.SecurityLevel, decision, t.Decision.Resolution, t.Decision.Reason)
			for _, a := range t.Authorizations {
				confirmed := ""
				if a.Confirmed {
					confirmed = " (confirmed)"
				}
				fmt.Fprintf(w, "  %s%s\t%s\t\t%s\n", strings.ToUpper(string(a.Verdict)), confirmed, a.Operation.Describe(), a.Reason)
			}
		}
	}
}

func executionTable(x core.Execution) func(io.Writer) {
	return func(w io.Writer) {
		if len(x.Runs) == 0 {
			fmt.Fprintln(w, "No sandboxed operations.")
			return
		}
		fmt.Fprintln(w, "CREATOR\tOPERATION\tOUTCOME\tEXIT\tDURATION\tDETAIL")
		for _, r := range x.Runs {
			for _, res := range r.Report.Results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.CreatorID, res.Operation.Describe(), res.Outcome, res.ExitCode, res.Duration, res.Detail)
			}
			if r.Report.Failed() {
				for _, f := range r.Report.FilesWritten {
					fmt.Fprintf(w, "%s\twritten before failure\t%s\t\t\t\n", r.CreatorID, f)
				}
			}
		}
	}
}
