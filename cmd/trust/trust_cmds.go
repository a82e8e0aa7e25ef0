package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
	"github.com/spf13/cobra"
)

// creatorArg accepts any creator spelling the discovery layer produces.
func creatorArg(raw string) (string, error) {
	c, err := models.ParseCreator(raw)
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

func listCmd() *cobra.Command {
	var level, source string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List creators with a trust decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f trust.ListFilter
			if level != "" {
				l, err := models.ParseTrustLevel(level)
				if err != nil {
					return err
				}
				f.Level = l
			}
			if source != "" {
				f.Source = models.Source(source)
				if !f.Source.Valid() {
					return fmt.Errorf("%w: unknown source %q", models.ErrValidation, source)
				}
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			list, err := a.Trust.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			printResult(list, statusTable(list))
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "Only show this trust level: trusted, untrusted, blocked")
	cmd.Flags().StringVar(&source, "source", "", "Only show this source: npm, github, git, local")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <creator>...",
		Short: "Show the trust and security level of creators",
		Long:  "Show the trust and security level of creators. Exits 3 when any of them is blocked.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, len(args))
			for i, raw := range args {
				id, err := creatorArg(raw)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			list, err := a.Guard.CheckMany(cmd.Context(), ids)
			printResult(list, statusTable(list))
			if err != nil {
				return err
			}
			for _, st := range list {
				if st.SecurityLevel == models.SecurityBlocked {
					return fmt.Errorf("%s: %w", st.CreatorID, trust.ErrCreatorBlocked)
				}
			}
			return nil
		},
	}
}

func grantCmd() *cobra.Command {
	var (
		temporary bool
		expiresIn time.Duration
		reason    string
	)
	cmd := &cobra.Command{
		Use:   "grant <creator>",
		Short: "Trust a creator",
		Long: "Trust a creator. --expires makes the grant temporary; --temporary\n" +
			"without --expires only lasts for this invocation.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := creatorArg(args[0])
			if err != nil {
				return err
			}
			opts := trust.GrantOptions{GrantedBy: models.GrantedByUser, Reason: reason, Temporary: temporary}
			if expiresIn < 0 {
				return fmt.Errorf("%w: --expires must be positive", models.ErrValidation)
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				opts.Temporary = true
				opts.ExpiresAt = &at
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			e, err := a.Trust.Grant(cmd.Context(), id, opts)
			if err != nil {
				return err
			}
			printResult(e, entryTable(e))
			return nil
		},
	}
	cmd.Flags().BoolVar(&temporary, "temporary", false, "Grant for this session only")
	cmd.Flags().DurationVar(&expiresIn, "expires", 0, "Grant for a limited time, e.g. 24h")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the creator is trusted")
	return cmd
}

// levelCmd builds the commands that move a creator to a fixed level.
func levelCmd(use, short string, apply func(a *trust.Manager, cmd *cobra.Command, id, reason string) (models.TrustEntry, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <creator>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := creatorArg(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			e, err := apply(a.Trust, cmd, id, reason)
			if err != nil {
				return err
			}
			printResult(e, entryTable(e))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit log")
	return cmd
}

func untrustCmd() *cobra.Command {
	return levelCmd("untrust", "Mark a creator untrusted (runs with reduced permissions)",
		func(m *trust.Manager, cmd *cobra.Command, id, reason string) (models.TrustEntry, error) {
			return m.MarkUntrusted(cmd.Context(), id, reason)
		})
}

func blockCmd() *cobra.Command {
	return levelCmd("block", "Block a creator from running anything",
		func(m *trust.Manager, cmd *cobra.Command, id, reason string) (models.TrustEntry, error) {
			return m.Block(cmd.Context(), id, reason)
		})
}

func unblockCmd() *cobra.Command {
	cmd := levelCmd("unblock", "Lift a block; the creator becomes untrusted",
		func(m *trust.Manager, cmd *cobra.Command, id, _ string) (models.TrustEntry, error) {
			return m.Unblock(cmd.Context(), id)
		})
	cmd.Flags().MarkHidden("reason") //nolint:errcheck
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <creator>",
		Short: "Forget the trust decision for a creator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := creatorArg(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			if err := a.Trust.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			printSuccess("Revoked trust decision for " + id)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the trust store and audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			st, err := a.Trust.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printResult(st, statsTable(st))
			return nil
		},
	}
}

func statsTable(st trust.Stats) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "creators\t%d\n", st.Total)
		for _, l := range []models.TrustLevel{models.TrustTrusted, models.TrustUntrusted, models.TrustBlocked} {
			fmt.Fprintf(w, "  %s\t%d\n", l, st.ByLevel[l])
		}
		for _, s := range models.Sources {
			if n := st.BySource[s]; n > 0 {
				fmt.Fprintf(w, "  from %s\t%d\n", s, n)
			}
		}
		fmt.Fprintf(w, "temporary\t%d\n", st.Temporary)
		fmt.Fprintf(w, "expiring within 7d\t%d\n", st.ExpiringSoon)
		fmt.Fprintf(w, "expired\t%d\n", st.Expired)
		fmt.Fprintf(w, "audit entries\t%d\n", st.Audit.Total)
		actions := make([]string, 0, len(st.Audit.ByAction))
		for a := range st.Audit.ByAction {
			actions = append(actions, string(a))
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Fprintf(w, "  %s\t%d\n", a, st.Audit.ByAction[models.Action(a)])
		}
	}
}
