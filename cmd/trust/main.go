package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/org/templatetrust/internal/app"
	"github.com/org/templatetrust/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile     string
	logLevel       string
	nonInteractive bool
)

// session is the per-invocation state shared by subcommands.
var session struct {
	cfg    config.Config
	app    *app.App
	prompt *terminalSource
}

var rootCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage template creator trust",
	Long: "Decide which template creators may run code on this machine, enforce\n" +
		"per-operation permissions and inspect the audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if nonInteractive {
			cfg.Decision.Interactive = false
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		setupLogging(cfg.LogLevel)
		session.cfg = cfg
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	finish()
	if err != nil {
		printError(err.Error())
	}
	os.Exit(exitCode(err))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.Path(), "Config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; apply configured defaults")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(listCmd(), checkCmd(), grantCmd(), untrustCmd(), revokeCmd(), blockCmd(), unblockCmd(), statsCmd())
	rootCmd.AddCommand(logsCmd(), exportCmd(), importCmd(), resetCmd())
	rootCmd.AddCommand(evaluateCmd(), runCmd(), serveCmd())
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// openApp wires the subsystem on first use. interactive attaches the
// terminal prompt when stdin is a terminal and the config allows it.
func openApp(cmd *cobra.Command, interactive bool) (*app.App, error) {
	if session.app != nil {
		return session.app, nil
	}
	opts := app.Options{Passphrase: readPassphrase}
	if interactive && session.cfg.Decision.Interactive {
		if src, ok := newTerminalSource(os.Stdin, os.Stderr); ok {
			session.prompt = src
			opts.Source = src
			opts.Confirm = src.Confirm
		}
	}
	a, err := app.Open(cmd.Context(), session.cfg, opts)
	if err != nil {
		return nil, err
	}
	session.app = a
	return a, nil
}

// finish flushes metrics and releases the app after any command.
func finish() {
	if session.app == nil {
		return
	}
	if err := session.app.FlushMetrics(context.Background()); err != nil {
		log.Warn().Err(err).Msg("writing metrics textfile")
	}
	session.app.Close()
	if session.prompt != nil {
		session.prompt.Close()
	}
}
