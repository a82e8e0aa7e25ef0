package trust

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

// AllCreators is the creator id recorded for store-wide actions.
const AllCreators = "*"

// ImportMode selects how imported entries combine with the current store.
type ImportMode string

const (
	// ImportMerge adds or overwrites entries but never lifts a local block.
	ImportMerge ImportMode = "merge"
	// ImportReplace swaps in the imported entries and audit log wholesale.
	ImportReplace ImportMode = "replace"
)

// ParseImportMode validates an import mode name.
func ParseImportMode(s string) (ImportMode, error) {
	switch m := ImportMode(s); m {
	case ImportMerge, ImportReplace:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown import mode %q (merge, replace)", models.ErrValidation, s)
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Mode     ImportMode `json:"mode"`
	Imported int        `json:"imported"`
	Skipped  []string   `json:"skipped,omitempty"`
}

// Export returns a portable snapshot of entries and the live audit log.
func (m *Manager) Export(ctx context.Context) (*models.ExportDocument, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ToExport(m.now()), nil
}

// Import validates doc and applies it. Validation failures change nothing.
// One import audit entry is appended after the imported state.
func (m *Manager) Import(ctx context.Context, doc *models.ExportDocument, mode ImportMode) (ImportResult, error) {
	incoming, err := doc.ToSnapshot()
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Mode: mode}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.sessionSnapshot()
	var (
		recorded models.AuditEntry
		events   []Event
	)
	err = m.store.Update(ctx, func(snap *models.Snapshot) error {
		res.Imported, res.Skipped = 0, nil
		before := levels(snap.Entries, session)
		switch mode {
		case ImportReplace:
			snap.Entries = incoming.Entries
			snap.Audit = incoming.Audit
			snap.NextSeq = incoming.NextSeq
			res.Imported = len(incoming.Entries)
		case ImportMerge:
			for _, e := range incoming.SortedEntries() {
				cur, ok := snap.Entries[e.CreatorID]
				if ok && cur.TrustLevel == models.TrustBlocked && e.TrustLevel != models.TrustBlocked {
					res.Skipped = append(res.Skipped, e.CreatorID)
					continue
				}
				snap.Entries[e.CreatorID] = e
				res.Imported++
			}
		default:
			return fmt.Errorf("%w: unknown import mode %q", models.ErrValidation, mode)
		}
		after := session
		if mode == ImportReplace {
			after = nil
		}
		events = levelChanges(before, levels(snap.Entries, after), models.ActionImport, m.now())
		ctxText := fmt.Sprintf("%s: %d entries", mode, res.Imported)
		if len(res.Skipped) > 0 {
			ctxText += fmt.Sprintf(", kept local block for %s", strings.Join(res.Skipped, ", "))
		}
		recorded = m.audit.Append(snap, models.AuditEntry{
			CreatorID:  AllCreators,
			Action:     models.ActionImport,
			Resolution: models.ResolutionApproved,
			GrantedBy:  models.GrantedByImport,
			Context:    ctxText,
		})
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("importing trust store: %w", err)
	}
	for _, id := range res.Skipped {
		log.Warn().Str("creator", id).Msg("import would lift a block; keeping local block")
	}
	if mode == ImportReplace {
		m.sessMu.Lock()
		m.session = map[string]models.TrustEntry{}
		m.sessMu.Unlock()
	}
	m.commit(ctx, []models.AuditEntry{recorded}, events)
	return res, nil
}

// Reset deletes every trust entry and session grant. The audit log is kept
// and records the reset.
func (m *Manager) Reset(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.sessionSnapshot()
	var (
		removed  int
		recorded models.AuditEntry
		events   []Event
	)
	err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		removed = len(snap.Entries)
		events = levelChanges(levels(snap.Entries, session), nil, models.ActionReset, m.now())
		snap.Entries = map[string]models.TrustEntry{}
		recorded = m.audit.Append(snap, models.AuditEntry{
			CreatorID:  AllCreators,
			Action:     models.ActionReset,
			Resolution: models.ResolutionApproved,
			GrantedBy:  models.GrantedByUser,
			Context:    fmt.Sprintf("removed %d entries", removed),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting trust store: %w", err)
	}
	m.sessMu.Lock()
	m.session = map[string]models.TrustEntry{}
	m.sessMu.Unlock()
	m.commit(ctx, []models.AuditEntry{recorded}, events)
	return removed, nil
}

func (m *Manager) sessionSnapshot() map[string]models.TrustEntry {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	out := make(map[string]models.TrustEntry, len(m.session))
	for id, e := range m.session {
		out[id] = e
	}
	return out
}

// levels maps every creator to its effective level. Session grants outrank
// persisted entries except blocks.
func levels(entries, session map[string]models.TrustEntry) map[string]models.TrustLevel {
	out := make(map[string]models.TrustLevel, len(entries)+len(session))
	for id, e := range entries {
		out[id] = e.TrustLevel
	}
	for id, e := range session {
		if out[id] != models.TrustBlocked {
			out[id] = e.TrustLevel
		}
	}
	return out
}

// levelChanges returns one event per creator whose level differs, in id order.
func levelChanges(before, after map[string]models.TrustLevel, action models.Action, at time.Time) []Event {
	ids := make([]string, 0, len(before)+len(after))
	for id := range before {
		ids = append(ids, id)
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var events []Event
	for _, id := range ids {
		prev, ok := before[id]
		if !ok {
			prev = models.TrustUnknown
		}
		cur, ok := after[id]
		if !ok {
			cur = models.TrustUnknown
		}
		if prev != cur {
			events = append(events, Event{CreatorID: id, Action: action, Previous: prev, Current: cur, At: at})
		}
	}
	return events
}

// ExpiringSoonWindow is how far ahead Stats looks for expiring grants.
const ExpiringSoonWindow = 7 * 24 * time.Hour

// Stats summarizes the trust store.
type Stats struct {
	Total        int                       `json:"total" yaml:"total"`
	ByLevel      map[models.TrustLevel]int `json:"by_level" yaml:"by_level"`
	BySource     map[models.Source]int     `json:"by_source" yaml:"by_source"`
	Temporary    int                       `json:"temporary" yaml:"temporary"`
	ExpiringSoon int                       `json:"expiring_soon" yaml:"expiring_soon"`
	Expired      int                       `json:"expired" yaml:"expired"`
	Session      int                       `json:"session" yaml:"session"`
	Audit        audit.Summary             `json:"audit" yaml:"audit"`
}

// Stats computes statistics without mutating anything; expired entries are
// counted separately rather than reverted.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := m.now()
	st := Stats{
		ByLevel:  map[models.TrustLevel]int{},
		BySource: map[models.Source]int{},
		Audit:    audit.Summarize(snap.Audit),
	}
	for _, e := range snap.Entries {
		if e.IsExpired(now) {
			st.Expired++
			continue
		}
		st.Total++
		st.ByLevel[e.TrustLevel]++
		if src, _, ok := strings.Cut(e.CreatorID, ":"); ok {
			st.BySource[models.Source(src)]++
		}
		if e.IsTemporary() {
			st.Temporary++
			if e.ExpiresAt.Sub(now) <= ExpiringSoonWindow {
				st.ExpiringSoon++
			}
		}
	}
	m.sessMu.RLock()
	st.Session = len(m.session)
	m.sessMu.RUnlock()
	return st, nil
}
