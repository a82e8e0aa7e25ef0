package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/config"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/internal/trust"
	"github.com/org/templatetrust/pkg/models"
)

// scripted answers prompts from a fixed table and records what it was asked.
type scripted struct {
	mu      sync.Mutex
	answers map[string]Choice
	err     error
	wait    bool
	asked   []Prompt
	bulk    *BulkAnswer
	bulkN   int
}

func (s *scripted) Decide(ctx context.Context, p Prompt) (Choice, error) {
	s.mu.Lock()
	s.asked = append(s.asked, p)
	s.mu.Unlock()
	if s.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answers[p.Creator.ID()], nil
}

func (s *scripted) DecideBulk(_ context.Context, prompts []Prompt) (BulkAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkN++
	if s.bulk == nil {
		return BulkAnswer{}, ErrCancelled
	}
	return *s.bulk, nil
}

type fixture struct {
	wf    *Workflow
	mgr   *trust.Manager
	log   *audit.Logger
	store *storage.MemoryStore
}

func newFixture(t *testing.T, src Source, cfg config.DecisionConfig) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := audit.NewLogger(store, audit.Options{})
	mgr := trust.NewManager(store, logger, trust.Options{})
	return &fixture{
		wf:    New(mgr, logger, src, cfg),
		mgr:   mgr,
		log:   logger,
		store: store,
	}
}

func interactive() config.DecisionConfig {
	return config.DecisionConfig{
		Interactive:      true,
		Timeout:          time.Second,
		DefaultOnTimeout: config.DefaultBlock,
		DefaultOnCancel:  config.DefaultBlock,
	}
}

func creator(t *testing.T, id string) models.Creator {
	t.Helper()
	c, err := models.ParseCreatorID(id)
	if err != nil {
		t.Fatalf("ParseCreatorID(%s): %v", id, err)
	}
	return c
}

func (f *fixture) checks(t *testing.T, id string) []models.AuditEntry {
	t.Helper()
	entries, err := f.log.Query(context.Background(), audit.Query{CreatorID: id, Action: models.ActionCheck})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	return entries
}

func TestNonInteractiveDefaultBlockDenies(t *testing.T) {
	src := &scripted{}
	cfg := interactive()
	cfg.Interactive = false
	f := newFixture(t, src, cfg)
	ctx := context.Background()

	out, err := f.wf.Decide(ctx, Request{Creator: creator(t, "npm:brand-new-pkg")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Allowed || out.Prompted {
		t.Fatalf("outcome = %+v, want denied without prompt", out)
	}
	if out.Resolution != models.ResolutionPolicyDefault {
		t.Errorf("resolution = %s, want policy-default", out.Resolution)
	}
	if len(src.asked) != 0 {
		t.Errorf("source asked %d times", len(src.asked))
	}
	if lvl, _ := f.mgr.GetTrustLevel(ctx, "npm:brand-new-pkg"); lvl != models.TrustUnknown {
		t.Errorf("level = %s, want unknown (block not persisted)", lvl)
	}
	checks := f.checks(t, "npm:brand-new-pkg")
	if len(checks) != 1 || checks[0].Resolution != models.ResolutionPolicyDefault {
		t.Fatalf("check audit = %+v", checks)
	}
	if !errors.Is(out.Err(), ErrDeclined) {
		t.Errorf("Err() = %v, want ErrDeclined", out.Err())
	}
}

func TestNonInteractivePersistedBlock(t *testing.T) {
	cfg := interactive()
	cfg.Interactive = false
	cfg.PersistDefaultBlock = true
	f := newFixture(t, nil, cfg)
	ctx := context.Background()

	if _, err := f.wf.Decide(ctx, Request{Creator: creator(t, "npm:brand-new-pkg")}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if lvl, _ := f.mgr.GetTrustLevel(ctx, "npm:brand-new-pkg"); lvl != models.TrustBlocked {
		t.Errorf("level = %s, want blocked", lvl)
	}
}

func TestNonInteractiveTemporaryTrust(t *testing.T) {
	cfg := interactive()
	cfg.Interactive = false
	cfg.DefaultOnTimeout = config.DefaultTemporaryTrust
	f := newFixture(t, nil, cfg)
	ctx := context.Background()

	out, err := f.wf.Decide(ctx, Request{Creator: creator(t, "github:acme/starter")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !out.Allowed {
		t.Fatalf("outcome = %+v, want allowed", out)
	}
	st, _ := f.mgr.Status(ctx, "github:acme/starter")
	if st.TrustLevel != models.TrustTrusted || !st.Session {
		t.Errorf("status = %+v, want session trust", st)
	}
	snap, _ := f.store.Load(ctx)
	if _, ok := snap.Entries["github:acme/starter"]; ok {
		t.Error("temporary default trust was persisted")
	}
}

func TestPromptChoices(t *testing.T) {
	src := &scripted{answers: map[string]Choice{
		"npm:approve": ApprovePermanent,
		"npm:once":    ApproveOnce,
		"npm:deny":    Deny,
		"npm:block":   Block,
	}}
	f := newFixture(t, src, interactive())
	ctx := context.Background()

	tests := []struct {
		id      string
		allowed bool
		level   models.TrustLevel
		res     models.Resolution
	}{
		{"npm:approve", true, models.TrustTrusted, models.ResolutionApproved},
		{"npm:once", true, models.TrustTrusted, models.ResolutionApproved},
		{"npm:deny", false, models.TrustUnknown, models.ResolutionDenied},
		{"npm:block", false, models.TrustBlocked, models.ResolutionBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			out, err := f.wf.Decide(ctx, Request{Creator: creator(t, tt.id)})
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if out.Allowed != tt.allowed || out.Resolution != tt.res || !out.Prompted {
				t.Errorf("outcome = %+v", out)
			}
			if lvl, _ := f.mgr.GetTrustLevel(ctx, tt.id); lvl != tt.level {
				t.Errorf("level = %s, want %s", lvl, tt.level)
			}
		})
	}

	snap, _ := f.store.Load(ctx)
	if _, ok := snap.Entries["npm:once"]; ok {
		t.Error("approve-once was persisted")
	}
}

func TestBlockedCreatorNeverPrompts(t *testing.T) {
	src := &scripted{answers: map[string]Choice{"npm:evil": ApprovePermanent}}
	f := newFixture(t, src, interactive())
	ctx := context.Background()
	if _, err := f.mgr.Block(ctx, "npm:evil", "malware"); err != nil {
		t.Fatal(err)
	}

	out, err := f.wf.Decide(ctx, Request{Creator: creator(t, "npm:evil")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Allowed || out.Resolution != models.ResolutionBlocked {
		t.Errorf("outcome = %+v", out)
	}
	if len(src.asked) != 0 {
		t.Error("blocked creator was prompted")
	}
	if !errors.Is(out.Err(), trust.ErrCreatorBlocked) {
		t.Errorf("Err() = %v", out.Err())
	}
}

func TestKnownCreatorsSkipPrompt(t *testing.T) {
	src := &scripted{}
	f := newFixture(t, src, interactive())
	ctx := context.Background()
	f.mgr.Grant(ctx, "npm:good", trust.GrantOptions{})
	f.mgr.MarkUntrusted(ctx, "npm:meh", "unsure")

	for _, id := range []string{"npm:good", "npm:meh"} {
		out, err := f.wf.Decide(ctx, Request{Creator: creator(t, id)})
		if err != nil || !out.Allowed {
			t.Errorf("%s: outcome = %+v, err = %v", id, out, err)
		}
	}
	if len(src.asked) != 0 {
		t.Errorf("prompted %d times", len(src.asked))
	}
}

func TestPromptTimeoutAppliesDefault(t *testing.T) {
	src := &scripted{wait: true}
	cfg := interactive()
	cfg.Timeout = 20 * time.Millisecond
	f := newFixture(t, src, cfg)

	out, err := f.wf.Decide(context.Background(), Request{Creator: creator(t, "npm:slow")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Allowed || out.Resolution != models.ResolutionTimeout {
		t.Errorf("outcome = %+v, want timeout denial", out)
	}
	checks := f.checks(t, "npm:slow")
	if len(checks) != 1 || checks[0].Resolution != models.ResolutionTimeout {
		t.Errorf("check audit = %+v", checks)
	}
}

func TestPromptCancelAppliesCancelDefault(t *testing.T) {
	src := &scripted{err: ErrCancelled}
	cfg := interactive()
	cfg.DefaultOnCancel = config.DefaultTemporaryTrust
	f := newFixture(t, src, cfg)

	out, err := f.wf.Decide(context.Background(), Request{Creator: creator(t, "npm:cancel")})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !out.Allowed || out.Resolution != models.ResolutionTimeout {
		t.Errorf("outcome = %+v", out)
	}
}

func TestStoreFailureFailsClosed(t *testing.T) {
	src := &scripted{answers: map[string]Choice{"npm:x": ApprovePermanent}}
	f := newFixture(t, src, interactive())
	f.store.Fail = storage.ErrUnavailable

	out, err := f.wf.Decide(context.Background(), Request{Creator: creator(t, "npm:x")})
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Allowed {
		t.Error("allowed despite store failure")
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestRiskShownInPrompt(t *testing.T) {
	src := &scripted{answers: map[string]Choice{}}
	f := newFixture(t, src, interactive())
	ctx := context.Background()
	f.mgr.Grant(ctx, "npm:@acme/core", trust.GrantOptions{})

	f.wf.Decide(ctx, Request{Creator: creator(t, "npm:@acme/cli")})
	f.wf.Decide(ctx, Request{
		Creator:    creator(t, "npm:other"),
		Operations: []models.Operation{{Type: models.OpShellExecute, Target: "npm install"}},
	})
	if len(src.asked) != 2 {
		t.Fatalf("asked %d times", len(src.asked))
	}
	if src.asked[0].Risk != RiskLow {
		t.Errorf("scoped sibling risk = %s, want low", src.asked[0].Risk)
	}
	if src.asked[1].Risk != RiskHigh {
		t.Errorf("shell risk = %s, want high", src.asked[1].Risk)
	}
}

func TestDecideManyBulk(t *testing.T) {
	block := Block
	src := &scripted{bulk: &BulkAnswer{
		All:        &block,
		PerCreator: map[string]Choice{"npm:b": ApprovePermanent},
	}}
	f := newFixture(t, src, interactive())
	ctx := context.Background()
	f.mgr.Grant(ctx, "npm:known", trust.GrantOptions{})

	reqs := []Request{
		{Creator: creator(t, "npm:a")},
		{Creator: creator(t, "npm:b")},
		{Creator: creator(t, "npm:known")},
	}
	outs, err := f.wf.DecideMany(ctx, reqs)
	if err != nil {
		t.Fatalf("DecideMany: %v", err)
	}
	if src.bulkN != 1 || len(src.asked) != 0 {
		t.Errorf("bulk=%d individual=%d", src.bulkN, len(src.asked))
	}
	if outs[0].Allowed || outs[0].TrustLevel != models.TrustBlocked {
		t.Errorf("npm:a = %+v, want blocked", outs[0])
	}
	if !outs[1].Allowed {
		t.Errorf("npm:b = %+v, want approved", outs[1])
	}
	if !outs[2].Allowed || outs[2].Prompted {
		t.Errorf("npm:known = %+v", outs[2])
	}
	for _, id := range []string{"npm:a", "npm:b"} {
		entries, _ := f.log.Query(ctx, audit.Query{CreatorID: id})
		if len(entries) != 1 {
			t.Errorf("%s: %d audit entries, want 1", id, len(entries))
		}
	}
}

func TestDecideManyFallsBackToIndividual(t *testing.T) {
	src := &scripted{answers: map[string]Choice{"npm:a": Deny, "npm:b": ApproveOnce}}
	f := newFixture(t, src, interactive())

	outs, err := f.wf.DecideMany(context.Background(), []Request{
		{Creator: creator(t, "npm:a")},
		{Creator: creator(t, "npm:b")},
	})
	if err != nil {
		t.Fatalf("DecideMany: %v", err)
	}
	if src.bulkN != 1 || len(src.asked) != 2 {
		t.Errorf("bulk=%d individual=%d", src.bulkN, len(src.asked))
	}
	if outs[0].Allowed || !outs[1].Allowed {
		t.Errorf("outcomes = %+v", outs)
	}
}

// sequence answers successive prompts in order.
type sequence struct {
	choices []Choice
	asked   []Prompt
}

func (s *sequence) Decide(_ context.Context, p Prompt) (Choice, error) {
	s.asked = append(s.asked, p)
	c := s.choices[0]
	if len(s.choices) > 1 {
		s.choices = s.choices[1:]
	}
	return c, nil
}

func TestDecideManySameCreatorPromptsOnce(t *testing.T) {
	src := &sequence{choices: []Choice{ApprovePermanent, Block}}
	f := newFixture(t, src, interactive())
	ctx := context.Background()

	write := models.Operation{Type: models.OpFileWrite, Target: "a.txt"}
	shell := models.Operation{Type: models.OpShellExecute, Target: "npm install"}
	outs, err := f.wf.DecideMany(ctx, []Request{
		{Creator: creator(t, "npm:brand-new-pkg"), Operations: []models.Operation{write}},
		{Creator: creator(t, "npm:other")},
		{Creator: creator(t, "npm:brand-new-pkg"), Operations: []models.Operation{shell}},
	})
	if err != nil {
		t.Fatalf("DecideMany: %v", err)
	}
	if len(src.asked) != 2 {
		t.Fatalf("prompts = %d, want one per creator", len(src.asked))
	}
	if ops := src.asked[0].Operations; len(ops) != 2 || ops[0] != write || ops[1] != shell {
		t.Errorf("merged operations = %+v", ops)
	}
	if outs[0] != outs[2] || !outs[0].Allowed {
		t.Errorf("same creator got %+v and %+v", outs[0], outs[2])
	}
	if outs[1].Allowed {
		t.Errorf("npm:other = %+v, want blocked", outs[1])
	}
	if lvl, _ := f.mgr.GetTrustLevel(ctx, "npm:brand-new-pkg"); lvl != models.TrustTrusted {
		t.Errorf("stored level = %s", lvl)
	}
	if grants, _ := f.log.Query(ctx, audit.Query{CreatorID: "npm:brand-new-pkg", Action: models.ActionGrant}); len(grants) != 1 {
		t.Errorf("grant audit entries = %d, want 1", len(grants))
	}
}

func TestParseChoice(t *testing.T) {
	for in, want := range map[string]Choice{"a": ApprovePermanent, "Once": ApproveOnce, "n": Deny, "block": Block} {
		got, err := ParseChoice(in)
		if err != nil || got != want {
			t.Errorf("ParseChoice(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseChoice("maybe"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}
