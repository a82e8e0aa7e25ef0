package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/internal/decision"
	"github.com/org/templatetrust/internal/policy"
	"github.com/org/templatetrust/internal/sandbox"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

type countingObserver struct {
	mu                                       sync.Mutex
	checks, decisions, authorizations, boxed int
}

func (c *countingObserver) TrustChecked(models.SecurityLevel) { c.mu.Lock(); c.checks++; c.mu.Unlock() }
func (c *countingObserver) Decided(decision.Outcome)          { c.mu.Lock(); c.decisions++; c.mu.Unlock() }
func (c *countingObserver) Authorized(policy.Authorization)   { c.mu.Lock(); c.authorizations++; c.mu.Unlock() }
func (c *countingObserver) SandboxFinished(sandbox.Result)    { c.mu.Lock(); c.boxed++; c.mu.Unlock() }

type stack struct {
	guard *Guard
	mgr   *trust.Manager
	log   *audit.Logger
	store *storage.MemoryStore
	obs   *countingObserver
}

func newStack(t *testing.T, src decision.Source) *stack {
	t.Helper()
	cfg := config.Default()
	cfg.Decision.Interactive = src != nil
	cfg.Sandbox.EnvAllowList = []string{"PATH"}

	store := storage.NewMemoryStore()
	logger := audit.NewLogger(store, audit.Options{Archive: store})
	mgr := trust.NewManager(store, logger, trust.Options{})
	wf := decision.New(mgr, logger, src, cfg.Decision)
	eng, err := policy.NewEngine(cfg.Sandbox, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ex := sandbox.New(sandbox.OptionsFromConfig(cfg.Sandbox), logger)
	obs := &countingObserver{}
	return &stack{
		guard: NewGuard(mgr, wf, eng, ex, Options{Limits: cfg.Sandbox.Limits, Observer: obs}),
		mgr:   mgr,
		log:   logger,
		store: store,
		obs:   obs,
	}
}

func TestCheckTrust(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	s.mgr.Grant(ctx, "npm:good", trust.GrantOptions{})

	st, err := s.guard.CheckTrust(ctx, "npm:good")
	if err != nil || st.SecurityLevel != models.SecurityTrusted {
		t.Errorf("status = %+v, err = %v", st, err)
	}
	if _, err := s.guard.CheckTrust(ctx, "bogus"); !errors.Is(err, models.ErrInvalidCreatorID) {
		t.Errorf("err = %v, want ErrInvalidCreatorID", err)
	}

	s.store.Fail = storage.ErrUnavailable
	st, err = s.guard.CheckTrust(ctx, "npm:good")
	if err == nil || st.SecurityLevel != models.SecurityBlocked {
		t.Errorf("unavailable store: status = %+v, err = %v", st, err)
	}
}

func TestCheckManyKeepsOrder(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	s.mgr.Grant(ctx, "npm:a", trust.GrantOptions{})
	s.mgr.Block(ctx, "npm:c", "malware")

	ids := []string{"npm:a", "npm:b", "npm:c", "nope"}
	got, err := s.guard.CheckMany(ctx, ids)
	if !errors.Is(err, models.ErrInvalidCreatorID) {
		t.Errorf("err = %v", err)
	}
	want := []models.SecurityLevel{models.SecurityTrusted, models.SecurityUnknown, models.SecurityBlocked, models.SecurityBlocked}
	for i, st := range got {
		if st.CreatorID != ids[i] || st.SecurityLevel != want[i] {
			t.Errorf("%d: %+v, want %s", i, st, want[i])
		}
	}
}

func plan(t *testing.T, templates ...models.Template) Plan {
	t.Helper()
	return Plan{TargetDir: t.TempDir(), Templates: templates}
}

func TestEvaluateNonInteractiveUnknown(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	ev, err := s.guard.Evaluate(ctx, plan(t, models.Template{
		Source:     models.SourceNPM,
		Identifier: "brand-new-pkg",
		Operations: []models.Operation{{Type: models.OpFileWrite, Target: "a.txt"}},
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	te := ev.Templates[0]
	if te.Decision.Allowed || te.Decision.Resolution != models.ResolutionPolicyDefault {
		t.Errorf("decision = %+v", te.Decision)
	}
	if len(te.Authorizations) != 0 || !ev.Denied() {
		t.Errorf("evaluation = %+v", ev)
	}
}

func TestEvaluateAndExecute(t *testing.T) {
	src := decision.PolicyFunc(func(decision.Prompt) decision.Choice { return decision.ApproveOnce })
	s := newStack(t, src)
	ctx := context.Background()
	s.mgr.Block(ctx, "github:evil/repo", "known bad")

	p := plan(t,
		models.Template{
			Source:     models.SourceNPM,
			Identifier: "@acme/starter",
			Operations: []models.Operation{
				{Type: models.OpFileWrite, Target: "README.md", Payload: "# hi"},
				{Type: models.OpShellExecute, Target: "echo hello > generated.txt"},
				{Type: models.OpFileWrite, Target: "../outside.txt"},
			},
		},
		models.Template{
			Source:     models.SourceGitHub,
			Identifier: "evil/repo",
			Operations: []models.Operation{{Type: models.OpFileWrite, Target: "x"}},
		},
	)
	ev, err := s.guard.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	acme := ev.Templates[0]
	if !acme.Decision.Allowed || acme.SecurityLevel != models.SecurityTrusted {
		t.Fatalf("acme = %+v", acme)
	}
	// Approve-once grants session trust, so the shell command runs directly.
	if acme.Count(models.VerdictAllow) != 3 {
		t.Errorf("acme verdicts = %+v", acme.Authorizations)
	}

	evil := ev.Templates[1]
	if evil.Decision.Allowed || evil.Count(models.VerdictDeny) != 1 {
		t.Errorf("evil = %+v", evil)
	}
	if s.obs.authorizations != 4 || s.obs.decisions != 2 {
		t.Errorf("observer = %+v", s.obs)
	}

	x, err := s.guard.Execute(ctx, ev)
	if err != nil || len(x.Runs) != 0 {
		t.Errorf("nothing should be sandboxed: %+v, %v", x, err)
	}
}

func TestEvaluateSameCreatorTwice(t *testing.T) {
	answers := []decision.Choice{decision.ApprovePermanent, decision.Block}
	prompts := 0
	src := decision.PolicyFunc(func(decision.Prompt) decision.Choice {
		prompts++
		return answers[prompts-1]
	})
	s := newStack(t, src)
	ctx := context.Background()

	tpl := func(target string) models.Template {
		return models.Template{
			Source:     models.SourceNPM,
			Identifier: "brand-new-pkg",
			Operations: []models.Operation{{Type: models.OpFileWrite, Target: target}},
		}
	}
	ev, err := s.guard.Evaluate(ctx, plan(t, tpl("a.txt"), tpl("b.txt")))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompts)
	}
	for i, te := range ev.Templates {
		if !te.Decision.Allowed || te.SecurityLevel != models.SecurityTrusted || te.Count(models.VerdictAllow) != 1 {
			t.Errorf("template %d = %+v", i, te)
		}
	}
	if s.obs.decisions != 1 {
		t.Errorf("decisions observed = %d", s.obs.decisions)
	}
	if lvl, _ := s.mgr.GetTrustLevel(ctx, "npm:brand-new-pkg"); lvl != models.TrustTrusted {
		t.Errorf("stored level = %s", lvl)
	}
}

func TestExecuteSandboxedOperations(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()
	s.mgr.MarkUntrusted(ctx, "npm:meh", "unsure")

	p := plan(t, models.Template{
		Source:     models.SourceNPM,
		Identifier: "meh",
		Operations: []models.Operation{
			{Type: models.OpFileWrite, Target: "ok.txt", Payload: "ok"},
			{Type: models.OpFileDelete, Target: "ok.txt"},
			{Type: models.OpFileDelete, Target: "../escape"},
			{Type: models.OpEnvAccess, Target: "HOME"},
		},
	})
	ev, err := s.guard.Evaluate(ctx, p)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	te := ev.Templates[0]
	if te.SecurityLevel != models.SecurityUntrusted {
		t.Fatalf("level = %s", te.SecurityLevel)
	}
	want := []models.Verdict{models.VerdictAllow, models.VerdictSandbox, models.VerdictDeny, models.VerdictSandbox}
	for i, a := range te.Authorizations {
		if a.Verdict != want[i] {
			t.Errorf("op %d verdict = %s (%s), want %s", i, a.Verdict, a.Reason, want[i])
		}
	}

	// ok.txt is written by the renderer, not the sandbox.
	os.WriteFile(filepath.Join(p.TargetDir, "ok.txt"), []byte("ok"), 0o644)
	x, err := s.guard.Execute(ctx, ev)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// HOME is not on the env allow-list of this stack.
	if len(x.Runs) != 1 || len(x.Violations()) != 1 || !x.Failed() {
		t.Errorf("execution = %+v", x)
	}
	if _, err := os.Stat(filepath.Join(p.TargetDir, "ok.txt")); !os.IsNotExist(err) {
		t.Error("sandboxed delete did not run")
	}
	violations, _ := s.log.Query(ctx, audit.Query{CreatorID: "npm:meh", Action: models.ActionViolation})
	if len(violations) != 1 {
		t.Errorf("violations audited = %d", len(violations))
	}
}

func TestEvaluateRejectsInvalidPlan(t *testing.T) {
	s := newStack(t, nil)
	_, err := s.guard.Evaluate(context.Background(), Plan{Templates: []models.Template{{Source: "ftp", Identifier: "x"}}})
	var verr *models.ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) < 2 {
		t.Errorf("err = %v", err)
	}
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	os.WriteFile(path, []byte(`target_dir: out
templates:
  - source: npm
    identifier: "@acme/starter"
    force_sandbox: true
    operations:
      - type: file_write
        target: src/index.ts
        payload: "export {}"
      - type: shell_execute
        target: npm install
`), 0o644)

	p, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if p.TargetDir != filepath.Join(dir, "out") {
		t.Errorf("target = %s", p.TargetDir)
	}
	if len(p.Templates) != 1 || len(p.Templates[0].Operations) != 2 || !p.Templates[0].ForceSandbox {
		t.Errorf("plan = %+v", p)
	}

	os.WriteFile(path, []byte(`{"target_dir": "/tmp/x", "templates": [{"source": "npm", "identifier": "x", "operations": [{"type": "bogus", "target": "y"}]}]}`), 0o644)
	if _, err := LoadPlan(path); !errors.Is(err, models.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
