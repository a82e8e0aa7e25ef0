package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "store", "trust-store.json")
	cfg.Metrics.Textfile = filepath.Join(dir, "trust.prom")
	return cfg
}

func TestOpenWiresComponents(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := Open(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Decisions.Interactive() {
		t.Error("nil source should force non-interactive mode")
	}
	if _, err := a.Trust.Grant(ctx, "npm:left-pad", trust.GrantOptions{}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("store not written: %v", err)
	}
	st, err := a.Guard.CheckTrust(ctx, "npm:left-pad")
	if err != nil || st.SecurityLevel != models.SecurityTrusted {
		t.Errorf("CheckTrust = %+v, %v", st, err)
	}

	if err := a.FlushMetrics(ctx); err != nil {
		t.Fatalf("FlushMetrics: %v", err)
	}
	data, _ := os.ReadFile(cfg.Metrics.Textfile)
	for _, want := range []string{"templatetrust_trust_changes_total", "templatetrust_trust_checks_total"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %s", want)
		}
	}
}

func TestOpenEncryptedWithPassphrase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Encrypt = true
	cfg.Store.KeySource = config.KeySourcePassphrase

	asked := 0
	ask := func() (string, error) { asked++; return "correct horse", nil }
	a, err := Open(ctx, cfg, Options{Passphrase: ask})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Trust.Block(ctx, "github:evil/repo", "malware"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	a.Close()
	if asked == 0 {
		t.Error("passphrase callback never used")
	}

	data, _ := os.ReadFile(cfg.Store.Path)
	if strings.Contains(string(data), "evil/repo") {
		t.Error("store written in plaintext")
	}

	wrong, err := Open(ctx, cfg, Options{Passphrase: func() (string, error) { return "wrong", nil }})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer wrong.Close()
	st, err := wrong.Guard.CheckTrust(ctx, "github:evil/repo")
	if err == nil || st.SecurityLevel != models.SecurityBlocked {
		t.Errorf("wrong passphrase: %+v, %v", st, err)
	}
}

func TestOpenRejectsUnknownKeySource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Encrypt = true
	cfg.Store.KeySource = "hsm"
	if _, err := Open(context.Background(), cfg, Options{}); err == nil {
		t.Error("expected error for unsupported key source")
	}
}
