package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/pkg/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mgr   *Manager
	store *storage.MemoryStore
	log   *audit.Logger
	clock *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	logger := audit.NewLogger(store, audit.Options{Archive: store, Clock: clock.Now})
	opts.Clock = clock.Now
	return &fixture{
		mgr:   NewManager(store, logger, opts),
		store: store,
		log:   logger,
		clock: clock,
	}
}

func (f *fixture) auditFor(t *testing.T, id string) []models.AuditEntry {
	t.Helper()
	entries, err := f.log.Query(context.Background(), audit.Query{CreatorID: id})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	return entries
}

func (f *fixture) level(t *testing.T, id string) models.TrustLevel {
	t.Helper()
	lvl, err := f.mgr.GetTrustLevel(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTrustLevel(%s): %v", id, err)
	}
	return lvl
}

func TestUnknownCreator(t *testing.T) {
	f := newFixture(t, Options{})
	if lvl := f.level(t, "npm:brand-new-pkg"); lvl != models.TrustUnknown {
		t.Errorf("level = %s, want unknown", lvl)
	}
	if n := len(f.auditFor(t, "npm:brand-new-pkg")); n != 0 {
		t.Errorf("plain query must not audit, got %d entries", n)
	}
}

func TestGrantThenCheck(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.mgr.Grant(ctx, "npm:left-pad", GrantOptions{}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	st, err := f.mgr.Status(ctx, "npm:left-pad")
	if err != nil {
		t.Fatal(err)
	}
	if st.TrustLevel != models.TrustTrusted || st.SecurityLevel != models.SecurityTrusted {
		t.Errorf("status = %+v", st)
	}
}

func TestGrantIsIdempotentButAudited(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.mgr.Grant(ctx, "npm:left-pad", GrantOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	snap, _ := f.store.Load(ctx)
	if len(snap.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(snap.Entries))
	}
	if n := len(f.auditFor(t, "npm:left-pad")); n != 2 {
		t.Errorf("audit entries = %d, want 2", n)
	}
}

func TestGrantRejectsMalformedID(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.mgr.Grant(context.Background(), "pypi:requests", GrantOptions{})
	if !errors.Is(err, models.ErrInvalidCreatorID) {
		t.Fatalf("expected ErrInvalidCreatorID, got %v", err)
	}
	snap, _ := f.store.Load(context.Background())
	if len(snap.Audit) != 0 {
		t.Error("rejected grant must not be audited")
	}
}

func TestBlockRequiresReasonAndSticks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.mgr.Block(ctx, "github:evil/repo", "  "); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("blank reason: expected ErrValidation, got %v", err)
	}
	if _, err := f.mgr.Block(ctx, "github:evil/repo", "known malware"); err != nil {
		t.Fatal(err)
	}
	if lvl := f.level(t, "github:evil/repo"); lvl != models.TrustBlocked {
		t.Errorf("level = %s, want blocked", lvl)
	}

	// Nothing but Unblock leaves blocked.
	if _, err := f.mgr.Grant(ctx, "github:evil/repo", GrantOptions{}); !errors.Is(err, ErrCreatorBlocked) {
		t.Errorf("Grant on blocked: %v", err)
	}
	if _, err := f.mgr.Grant(ctx, "github:evil/repo", GrantOptions{Temporary: true}); !errors.Is(err, ErrCreatorBlocked) {
		t.Errorf("session Grant on blocked: %v", err)
	}
	if _, err := f.mgr.MarkUntrusted(ctx, "github:evil/repo", ""); !errors.Is(err, ErrCreatorBlocked) {
		t.Errorf("MarkUntrusted on blocked: %v", err)
	}
	if err := f.mgr.Revoke(ctx, "github:evil/repo"); !errors.Is(err, ErrCreatorBlocked) {
		t.Errorf("Revoke on blocked: %v", err)
	}
	if lvl := f.level(t, "github:evil/repo"); lvl != models.TrustBlocked {
		t.Errorf("level after rejected transitions = %s", lvl)
	}

	e, err := f.mgr.Unblock(ctx, "github:evil/repo")
	if err != nil {
		t.Fatal(err)
	}
	if e.TrustLevel != models.TrustUntrusted {
		t.Errorf("unblock -> %s, want untrusted", e.TrustLevel)
	}
	if _, err := f.mgr.Unblock(ctx, "github:evil/repo"); !errors.Is(err, ErrNotBlocked) {
		t.Errorf("second Unblock: %v", err)
	}

	var actions []models.Action
	for _, a := range f.auditFor(t, "github:evil/repo") {
		actions = append(actions, a.Action)
	}
	if len(actions) != 2 || actions[0] != models.ActionBlock || actions[1] != models.ActionUnblock {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if err := f.mgr.Revoke(ctx, "npm:none"); !errors.Is(err, ErrNoEntry) {
		t.Errorf("Revoke missing: %v", err)
	}
	if _, err := f.mgr.Grant(ctx, "npm:some", GrantOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Revoke(ctx, "npm:some"); err != nil {
		t.Fatal(err)
	}
	if lvl := f.level(t, "npm:some"); lvl != models.TrustUnknown {
		t.Errorf("level after revoke = %s", lvl)
	}
}

func TestExpiryRecordedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	exp := f.clock.Now().Add(time.Hour)
	if _, err := f.mgr.Grant(ctx, "npm:temp", GrantOptions{Temporary: true, ExpiresAt: &exp}); err != nil {
		t.Fatal(err)
	}
	if lvl := f.level(t, "npm:temp"); lvl != models.TrustTrusted {
		t.Fatalf("before expiry: %s", lvl)
	}

	f.clock.Advance(2 * time.Hour)
	for i := 0; i < 3; i++ {
		if lvl := f.level(t, "npm:temp"); lvl != models.TrustUnknown {
			t.Fatalf("after expiry: %s", lvl)
		}
	}
	var expires int
	for _, e := range f.auditFor(t, "npm:temp") {
		if e.Action == models.ActionExpire {
			expires++
		}
	}
	if expires != 1 {
		t.Errorf("expire entries = %d, want exactly 1", expires)
	}
}

func TestSessionTrustNotPersisted(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.mgr.Grant(ctx, "npm:once", GrantOptions{Temporary: true}); err != nil {
		t.Fatal(err)
	}
	st, _ := f.mgr.Status(ctx, "npm:once")
	if st.TrustLevel != models.TrustTrusted || !st.Session {
		t.Errorf("status = %+v, want session trusted", st)
	}
	snap, _ := f.store.Load(ctx)
	if _, ok := snap.Entries["npm:once"]; ok {
		t.Error("session trust must not be persisted")
	}

	// A fresh process sees nothing.
	other := NewManager(f.store, f.log, Options{Clock: f.clock.Now})
	if lvl, _ := other.GetTrustLevel(ctx, "npm:once"); lvl != models.TrustUnknown {
		t.Errorf("other process level = %s", lvl)
	}
}

func TestAutoTrustPolicy(t *testing.T) {
	f := newFixture(t, Options{AutoTrustLocal: true, AllowList: []string{"npm:@acme/*"}})

	for _, id := range []string{"local:./templates/app", "npm:@acme/starter"} {
		creator, err := models.ParseCreatorID(id)
		if err != nil {
			t.Fatal(err)
		}
		if lvl := f.level(t, creator.ID()); lvl != models.TrustTrusted {
			t.Errorf("%s: level = %s, want trusted", id, lvl)
		}
		// Second query must not add another grant.
		f.level(t, creator.ID())
		entries := f.auditFor(t, creator.ID())
		if len(entries) != 1 || entries[0].GrantedBy != models.GrantedByPolicy || entries[0].Action != models.ActionGrant {
			t.Errorf("%s: audit = %+v", id, entries)
		}
	}
	if lvl := f.level(t, "npm:@other/starter"); lvl != models.TrustUnknown {
		t.Errorf("non-matching creator level = %s", lvl)
	}
}

func TestEventsEmittedAfterCommit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var got []Event
	unsubscribe := f.mgr.Subscribe(func(ev Event) { got = append(got, ev) })

	f.mgr.Grant(ctx, "npm:x", GrantOptions{})
	f.mgr.Block(ctx, "npm:x", "bad")
	unsubscribe()
	f.mgr.Unblock(ctx, "npm:x")

	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[1].Previous != models.TrustTrusted || got[1].Current != models.TrustBlocked {
		t.Errorf("block event = %+v", got[1])
	}
}

func TestResetAndImportEmitEvents(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.mgr.Grant(ctx, "npm:left-pad", GrantOptions{})
	f.mgr.Block(ctx, "npm:bad", "malware")
	f.mgr.Grant(ctx, "github:acme/tpl", GrantOptions{Temporary: true})
	doc, err := f.mgr.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var got []Event
	defer f.mgr.Subscribe(func(ev Event) { got = append(got, ev) })()

	if _, err := f.mgr.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	want := []Event{
		{CreatorID: "github:acme/tpl", Action: models.ActionReset, Previous: models.TrustTrusted, Current: models.TrustUnknown},
		{CreatorID: "npm:bad", Action: models.ActionReset, Previous: models.TrustBlocked, Current: models.TrustUnknown},
		{CreatorID: "npm:left-pad", Action: models.ActionReset, Previous: models.TrustTrusted, Current: models.TrustUnknown},
	}
	if len(got) != len(want) {
		t.Fatalf("reset events = %+v", got)
	}
	for i, w := range want {
		if got[i].CreatorID != w.CreatorID || got[i].Action != w.Action || got[i].Previous != w.Previous || got[i].Current != w.Current {
			t.Errorf("reset event %d = %+v, want %+v", i, got[i], w)
		}
	}

	got = nil
	if _, err := f.mgr.Import(ctx, doc, ImportReplace); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("import events = %+v", got)
	}
	for _, ev := range got {
		if ev.Action != models.ActionImport || ev.Previous != models.TrustUnknown {
			t.Errorf("import event = %+v", ev)
		}
	}
	if lvl := f.level(t, "npm:left-pad"); lvl != models.TrustTrusted {
		t.Errorf("level after import = %s", lvl)
	}

	// Merging what is already there changes nothing.
	got = nil
	f.mgr.Import(ctx, doc, ImportMerge)
	if len(got) != 0 {
		t.Errorf("no-op merge events = %+v", got)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.Fail = storage.ErrCorruptedStore
	ctx := context.Background()
	if _, err := f.mgr.GetTrustLevel(ctx, "npm:x"); !errors.Is(err, storage.ErrCorruptedStore) {
		t.Errorf("GetTrustLevel: %v", err)
	}
	if _, err := f.mgr.Grant(ctx, "npm:x", GrantOptions{}); !errors.Is(err, storage.ErrCorruptedStore) {
		t.Errorf("Grant: %v", err)
	}
}

func TestImportMergeKeepsBlocks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.mgr.Block(ctx, "npm:bad", "malware")

	src := newFixture(t, Options{})
	src.mgr.Grant(ctx, "npm:bad", GrantOptions{})
	src.mgr.Grant(ctx, "npm:good", GrantOptions{})
	doc, err := src.mgr.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.mgr.Import(ctx, doc, ImportMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 1 || len(res.Skipped) != 1 || res.Skipped[0] != "npm:bad" {
		t.Errorf("result = %+v", res)
	}
	if lvl := f.level(t, "npm:bad"); lvl != models.TrustBlocked {
		t.Errorf("merge lifted block: %s", lvl)
	}
	if lvl := f.level(t, "npm:good"); lvl != models.TrustTrusted {
		t.Errorf("merged entry level = %s", lvl)
	}
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	doc := &models.ExportDocument{
		Format:  models.ExportFormatName,
		Version: models.SnapshotVersion,
		Entries: []models.TrustEntry{{CreatorID: "npm:x", TrustLevel: models.TrustBlocked, GrantedAt: f.clock.Now(), GrantedBy: models.GrantedByUser}},
	}
	if _, err := f.mgr.Import(ctx, doc, ImportReplace); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("blocked without reason should fail validation, got %v", err)
	}
	snap, _ := f.store.Load(ctx)
	if len(snap.Audit) != 0 || len(snap.Entries) != 0 {
		t.Error("failed import must not change the store")
	}
}

func TestResetAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	exp := f.clock.Now().Add(48 * time.Hour)
	f.mgr.Grant(ctx, "npm:a", GrantOptions{})
	f.mgr.Grant(ctx, "github:acme/b", GrantOptions{ExpiresAt: &exp})
	f.mgr.Block(ctx, "npm:c", "spam")
	f.mgr.Grant(ctx, "npm:d", GrantOptions{Temporary: true})

	st, err := f.mgr.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.ByLevel[models.TrustBlocked] != 1 || st.BySource[models.SourceNPM] != 2 {
		t.Errorf("stats = %+v", st)
	}
	if st.Temporary != 1 || st.ExpiringSoon != 1 || st.Session != 1 {
		t.Errorf("temporary stats = %+v", st)
	}
	if st.Audit.Total != 4 {
		t.Errorf("audit total = %d", st.Audit.Total)
	}

	n, err := f.mgr.Reset(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Reset = %d, %v", n, err)
	}
	if lvl := f.level(t, "npm:c"); lvl != models.TrustUnknown {
		t.Errorf("after reset: %s", lvl)
	}
	if lvl := f.level(t, "npm:d"); lvl != models.TrustUnknown {
		t.Errorf("session grant survived reset: %s", lvl)
	}
	snap, _ := f.store.Load(ctx)
	if len(snap.Audit) != 5 {
		t.Errorf("reset must keep history and add one entry, have %d", len(snap.Audit))
	}
}

func TestListIncludesSessionGrants(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.mgr.Grant(ctx, "npm:a", GrantOptions{})
	f.mgr.Grant(ctx, "npm:b", GrantOptions{Temporary: true})
	f.mgr.Block(ctx, "github:x/y", "nope")

	all, err := f.mgr.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("list = %+v", all)
	}
	blocked, _ := f.mgr.List(ctx, ListFilter{Level: models.TrustBlocked})
	if len(blocked) != 1 || blocked[0].CreatorID != "github:x/y" {
		t.Errorf("blocked filter = %+v", blocked)
	}
	npm, _ := f.mgr.List(ctx, ListFilter{Source: models.SourceNPM})
	if len(npm) != 2 || !npm[1].Session {
		t.Errorf("npm filter = %+v", npm)
	}
}
