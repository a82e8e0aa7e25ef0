// Package app assembles the trust subsystem from a configuration object.
// Both the CLI and the query daemon open one App per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/internal/core"
	"github.com/org/templatetrust/internal/crypto"
	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"github.com/org/templatetrust/internal/sandbox"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/internal/telemetry"
	"github.com/org/templatetrust/internal/trust"
	"github.com/rs/zerolog/log"
)

// Options supplies the process-specific collaborators.
type Options struct {
	// Source answers trust prompts. Nil forces non-interactive mode.
	Source decision.Source
	// Confirm resolves confirm verdicts for destructive operations.
	Confirm policy.ConfirmFunc
	// Passphrase is asked for when the store is passphrase-encrypted and
	// no passphrase is configured.
	Passphrase func() (string, error)
}

// App holds the wired components.
type App struct {
	Config    config.Config
	Store     *storage.FileStore
	Audit     *audit.Logger
	Trust     *trust.Manager
	Decisions *decision.Workflow
	Policy    *policy.Engine
	Sandbox   *sandbox.Executor
	Guard     *core.Guard
	Metrics   *telemetry.Metrics

	keys        *crypto.KeyCache
	mirror      *storage.PostgresAuditMirror
	unsubscribe func()
}

// Open wires every component for cfg.
func Open(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	keys, err := keyProvider(cfg.Store, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	fopts := storage.FileOptions{
		MaxBytes:    cfg.Store.MaxBytes,
		MaxBackups:  cfg.Store.MaxBackups,
		LockTimeout: cfg.Store.LockTimeout,
	}
	if keys != nil {
		a.keys = keys
		fopts.Keys = keys
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	a.Store = storage.NewFileStore(cfg.Store.Path, fopts)

	aopts := audit.Options{Archive: a.Store, MaxEntries: cfg.Audit.MaxEntries}
	if cfg.Audit.PostgresURL != "" {
		if err := storage.RunMigrations(cfg.Audit.PostgresURL); err != nil {
			return nil, fmt.Errorf("migrating audit mirror: %w", err)
		}
		a.mirror, err = storage.NewPostgresAuditMirror(ctx, cfg.Audit.PostgresURL)
		if err != nil {
			return nil, err
		}
		aopts.Mirror = a.mirror
		log.Debug().Msg("audit mirror connected")
	}
	a.Audit = audit.NewLogger(a.Store, aopts)

	a.Trust = trust.NewManager(a.Store, a.Audit, trust.Options{
		AutoTrustLocal: cfg.Trust.AutoTrustLocal,
		AllowList:      cfg.Trust.AllowList,
	})

	dcfg := cfg.Decision
	if opts.Source == nil {
		dcfg.Interactive = false
	}
	a.Decisions = decision.New(a.Trust, a.Audit, opts.Source, dcfg)

	a.Policy, err = policy.NewEngine(cfg.Sandbox, a.Audit)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sandbox = sandbox.New(sandbox.OptionsFromConfig(cfg.Sandbox), a.Audit)

	a.Metrics = telemetry.New()
	a.unsubscribe = a.Trust.Subscribe(a.Metrics.TrustChanged)

	a.Guard = core.NewGuard(a.Trust, a.Decisions, a.Policy, a.Sandbox, core.Options{
		Limits:   cfg.Sandbox.Limits,
		Confirm:  opts.Confirm,
		Observer: a.Metrics,
	})
	return a, nil
}

func keyProvider(cfg config.StoreConfig, ask func() (string, error)) (*crypto.KeyCache, error) {
	if !cfg.Encrypt {
		return nil, nil
	}
	switch cfg.KeySource {
	case config.KeySourceMachine, "":
		return crypto.NewKeyCache(crypto.NewMachineKeyProvider()), nil
	case config.KeySourcePassphrase:
		pass := cfg.Passphrase
		return crypto.NewKeyCache(crypto.NewPassphraseKeyProvider(func() (string, error) {
			if pass != "" {
				return pass, nil
			}
			if ask == nil {
				return "", errors.New("no passphrase configured (set TEMPLATETRUST_PASSPHRASE)")
			}
			return ask()
		})), nil
	default:
		return nil, fmt.Errorf("unsupported key source %q", cfg.KeySource)
	}
}

// FlushMetrics writes the metrics textfile when one is configured.
func (a *App) FlushMetrics(ctx context.Context) error {
	path := a.Config.Metrics.Textfile
	if path == "" {
		return nil
	}
	if st, err := a.Trust.Stats(ctx); err == nil {
		a.Metrics.ObserveStats(st)
	}
	return a.Metrics.WriteTextfile(path)
}

// Close releases connections and wipes cached key material.
func (a *App) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.keys != nil {
		a.keys.Wipe()
	}
}
