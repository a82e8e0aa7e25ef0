// Package trust owns every mutation of trust entries. Callers get the
// current trust of a creator from the Manager and never touch the store.
package trust

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/org/templatetrust/internal/audit"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrCreatorBlocked is returned for operations a blocked creator may not
	// undergo. The only way out of blocked is Unblock.
	ErrCreatorBlocked = errors.New("creator is blocked")

	// ErrNoEntry is returned when revoking a creator without a trust entry.
	ErrNoEntry = errors.New("no trust entry for creator")

	// ErrNotBlocked is returned by Unblock for a creator that is not blocked.
	ErrNotBlocked = errors.New("creator is not blocked")
)

// Options configures the auto-trust policy.
type Options struct {
	AutoTrustLocal bool
	// AllowList holds creator id globs ("npm:@acme/*") trusted on first query.
	AllowList []string
	Clock     func() time.Time
}

// Manager is the single writer of trust entries. In-process writes are
// serialized by mu; the store lock serializes writers across processes.
type Manager struct {
	store storage.Store
	audit *audit.Logger
	opts  Options

	mu sync.Mutex

	// session holds approve-once and open-ended temporary grants. They last
	// until the process exits and are never persisted.
	sessMu  sync.RWMutex
	session map[string]models.TrustEntry

	events hub
}

// NewManager creates a Manager over store, recording to auditLog.
func NewManager(store storage.Store, auditLog *audit.Logger, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	allow := make([]string, 0, len(opts.AllowList))
	for _, p := range opts.AllowList {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			allow = append(allow, p)
		}
	}
	opts.AllowList = allow
	return &Manager{
		store:   store,
		audit:   auditLog,
		opts:    opts,
		session: map[string]models.TrustEntry{},
	}
}

// Subscribe registers fn for trust-change events and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Handler) func() {
	return m.events.subscribe(fn)
}

func (m *Manager) now() time.Time { return m.opts.Clock().UTC() }

func normalize(creatorID string) (string, error) {
	return models.NormalizeCreatorID(creatorID)
}

// GetTrustLevel returns the current trust level of creatorID. A missing or
// expired entry is TrustUnknown; only store failures produce an error.
func (m *Manager) GetTrustLevel(ctx context.Context, creatorID string) (models.TrustLevel, error) {
	st, err := m.Status(ctx, creatorID)
	if err != nil {
		return models.TrustUnknown, err
	}
	return st.TrustLevel, nil
}

// Status answers "what is the trust of creatorID right now". Expired entries
// are reverted on observation and auto-trust policy applies on first query.
func (m *Manager) Status(ctx context.Context, creatorID string) (models.TrustStatus, error) {
	id, err := normalize(creatorID)
	if err != nil {
		return models.TrustStatus{}, err
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		return models.TrustStatus{}, err
	}

	entry, ok := snap.Entries[id]
	if ok && entry.IsExpired(m.now()) {
		if err := m.expire(ctx, []string{id}); err != nil {
			return models.TrustStatus{}, err
		}
		ok = false
	}
	if ok && entry.TrustLevel == models.TrustBlocked {
		return statusOf(entry, false), nil
	}
	// An approve-once grant outranks a persisted untrusted decision for the
	// rest of the session.
	if se, found := m.sessionEntry(id); found {
		return statusOf(se, true), nil
	}
	if ok {
		return statusOf(entry, false), nil
	}

	if m.autoTrusted(id) {
		entry, err := m.applyAutoTrust(ctx, id)
		if err != nil {
			return models.TrustStatus{}, err
		}
		return statusOf(entry, false), nil
	}
	return models.TrustStatus{
		CreatorID:     id,
		TrustLevel:    models.TrustUnknown,
		SecurityLevel: models.SecurityUnknown,
	}, nil
}

func statusOf(e models.TrustEntry, session bool) models.TrustStatus {
	return models.TrustStatus{
		CreatorID:     e.CreatorID,
		TrustLevel:    e.TrustLevel,
		SecurityLevel: e.TrustLevel.SecurityLevel(),
		ExpiresAt:     e.ExpiresAt,
		Session:       session,
	}
}

func (m *Manager) sessionEntry(id string) (models.TrustEntry, bool) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	e, ok := m.session[id]
	return e, ok
}

func (m *Manager) dropSession(id string) bool {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	_, ok := m.session[id]
	delete(m.session, id)
	return ok
}

func (m *Manager) autoTrusted(id string) bool {
	if m.opts.AutoTrustLocal && strings.HasPrefix(id, string(models.SourceLocal)+":") {
		return true
	}
	for _, pattern := range m.opts.AllowList {
		if pattern == id {
			return true
		}
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

// expire removes expired entries and records one expire entry for each. The
// expiry is re-checked under the store lock so a concurrent observer cannot
// record it a second time.
func (m *Manager) expire(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var (
		recorded []models.AuditEntry
		events   []Event
	)
	err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		recorded, events = nil, nil
		for _, id := range ids {
			e, ok := snap.Entries[id]
			if !ok || !e.IsExpired(now) {
				continue
			}
			delete(snap.Entries, id)
			recorded = append(recorded, m.audit.Append(snap, models.AuditEntry{
				CreatorID:  id,
				Action:     models.ActionExpire,
				Resolution: models.ResolutionTimeout,
				GrantedBy:  models.GrantedBySystem,
				Context:    fmt.Sprintf("%s trust expired at %s", e.TrustLevel, e.ExpiresAt.UTC().Format(time.RFC3339)),
			}))
			events = append(events, Event{CreatorID: id, Action: models.ActionExpire, Previous: e.TrustLevel, Current: models.TrustUnknown, At: now})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("expiring trust: %w", err)
	}
	m.commit(ctx, recorded, events)
	return nil
}

func (m *Manager) applyAutoTrust(ctx context.Context, id string) (models.TrustEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var (
		result   models.TrustEntry
		recorded []models.AuditEntry
	)
	err := m.store.Update(ctx, func(snap *models.Snapshot) error {
		recorded = nil
		if existing, ok := snap.Entries[id]; ok && !existing.IsExpired(now) {
			// Someone decided in the meantime; their decision stands.
			result = existing
			return nil
		}
		result = models.TrustEntry{
			CreatorID:  id,
			TrustLevel: models.TrustTrusted,
			Reason:     "auto-trust policy",
			GrantedAt:  now,
			GrantedBy:  models.GrantedByPolicy,
		}
		snap.Entries[id] = result
		recorded = append(recorded, m.audit.Append(snap, models.AuditEntry{
			CreatorID:  id,
			Action:     models.ActionGrant,
			Resolution: models.ResolutionApproved,
			GrantedBy:  models.GrantedByPolicy,
			Context:    "auto-trust policy",
		}))
		return nil
	})
	if err != nil {
		return models.TrustEntry{}, fmt.Errorf("applying auto-trust: %w", err)
	}
	var events []Event
	if len(recorded) > 0 {
		events = append(events, Event{CreatorID: id, Action: models.ActionGrant, Previous: models.TrustUnknown, Current: models.TrustTrusted, At: now})
		log.Info().Str("creator", id).Msg("creator trusted by policy")
	}
	m.commit(ctx, recorded, events)
	return result, nil
}

func (m *Manager) commit(ctx context.Context, recorded []models.AuditEntry, events []Event) {
	if len(recorded) > 0 {
		m.audit.Committed(ctx, recorded...)
	}
	for _, ev := range events {
		m.events.emit(ev)
	}
}

// GrantOptions shapes a grant. The zero value is a permanent grant by the user.
type GrantOptions struct {
	Temporary bool
	// ExpiresAt bounds a temporary grant. A temporary grant without it lasts
	// for this process only and is not persisted.
	ExpiresAt *time.Time
	GrantedBy models.GrantedBy
	Reason    string
}

// Grant marks creatorID trusted.
func (m *Manager) Grant(ctx context.Context, creatorID string, opts GrantOptions) (models.TrustEntry, error) {
	id, err := normalize(creatorID)
	if err != nil {
		return models.TrustEntry{}, err
	}
	if opts.GrantedBy == "" {
		opts.GrantedBy = models.GrantedByUser
	}
	now := m.now()
	if opts.ExpiresAt != nil {
		if !opts.ExpiresAt.After(now) {
			return models.TrustEntry{}, fmt.Errorf("%w: expiry %s is not in the future", models.ErrValidation, opts.ExpiresAt.Format(time.RFC3339))
		}
		opts.Temporary = true
		t := opts.ExpiresAt.UTC()
		opts.ExpiresAt = &t
	}
	entry := models.TrustEntry{
		CreatorID:  id,
		TrustLevel: models.TrustTrusted,
		Reason:     opts.Reason,
		GrantedAt:  now,
		ExpiresAt:  opts.ExpiresAt,
		GrantedBy:  opts.GrantedBy,
	}
	if err := entry.Validate(); err != nil {
		return models.TrustEntry{}, err
	}

	sessionOnly := opts.Temporary && opts.ExpiresAt == nil
	desc := "permanent"
	switch {
	case sessionOnly:
		desc = "temporary for this session"
	case opts.Temporary:
		desc = "temporary until " + opts.ExpiresAt.Format(time.RFC3339)
	}
	if opts.Reason != "" {
		desc += ": " + opts.Reason
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		prev     models.TrustLevel
		recorded models.AuditEntry
	)
	err = m.store.Update(ctx, func(snap *models.Snapshot) error {
		prev = models.TrustUnknown
		if cur, ok := snap.Entries[id]; ok && !cur.IsExpired(now) {
			if cur.TrustLevel == models.TrustBlocked {
				return fmt.Errorf("%w: %s (%s)", ErrCreatorBlocked, id, cur.Reason)
			}
			prev = cur.TrustLevel
		}
		if sessionOnly {
			// Persisted state other than the audit entry is left alone;
			// an expired entry is reverted like any other observation would.
			if cur, ok := snap.Entries[id]; ok && cur.IsExpired(now) {
				delete(snap.Entries, id)
			}
		} else {
			snap.Entries[id] = entry
		}
		recorded = m.audit.Append(snap, models.AuditEntry{
			CreatorID:  id,
			Action:     models.ActionGrant,
			Resolution: models.ResolutionApproved,
			GrantedBy:  opts.GrantedBy,
			Context:    desc,
		})
		return nil
	})
	if err != nil {
		return models.TrustEntry{}, fmt.Errorf("granting trust to %s: %w", id, err)
	}

	if sessionOnly {
		m.sessMu.Lock()
		m.session[id] = entry
		m.sessMu.Unlock()
	} else {
		m.dropSession(id)
	}
	m.commit(ctx, []models.AuditEntry{recorded}, []Event{{CreatorID: id, Action: models.ActionGrant, Previous: prev, Current: models.TrustTrusted, At: now}})
	return entry, nil
}

// MarkUntrusted records an explicit untrusted decision.
func (m *Manager) MarkUntrusted(ctx context.Context, creatorID, reason string) (models.TrustEntry, error) {
	return m.setLevel(ctx, creatorID, models.TrustUntrusted, models.ActionUntrust, models.ResolutionDenied, reason, models.GrantedByUser)
}

// MarkUntrustedBy is MarkUntrusted with an explicit decision maker.
func (m *Manager) MarkUntrustedBy(ctx context.Context, creatorID, reason string, by models.GrantedBy) (models.TrustEntry, error) {
	return m.setLevel(ctx, creatorID, models.TrustUntrusted, models.ActionUntrust, models.ResolutionDenied, reason, by)
}

// Block marks creatorID blocked. A reason is mandatory.
func (m *Manager) Block(ctx context.Context, creatorID, reason string) (models.TrustEntry, error) {
	return m.BlockBy(ctx, creatorID, reason, models.GrantedByUser)
}

// BlockBy is Block with an explicit decision maker.
func (m *Manager) BlockBy(ctx context.Context, creatorID, reason string, by models.GrantedBy) (models.TrustEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return models.TrustEntry{}, &models.ValidationError{Problems: []string{"block requires a reason"}}
	}
	return m.setLevel(ctx, creatorID, models.TrustBlocked, models.ActionBlock, models.ResolutionBlocked, strings.TrimSpace(reason), by)
}

// Unblock moves a blocked creator to untrusted. It is the only transition
// out of blocked.
func (m *Manager) Unblock(ctx context.Context, creatorID string) (models.TrustEntry, error) {
	return m.setLevel(ctx, creatorID, models.TrustUntrusted, models.ActionUnblock, models.ResolutionApproved, "unblocked", models.GrantedByUser)
}

func (m *Manager) setLevel(ctx context.Context, creatorID string, level models.TrustLevel, action models.Action, res models.Resolution, reason string, by models.GrantedBy) (models.TrustEntry, error) {
	id, err := normalize(creatorID)
	if err != nil {
		return models.TrustEntry{}, err
	}
	now := m.now()
	entry := models.TrustEntry{
		CreatorID:  id,
		TrustLevel: level,
		Reason:     reason,
		GrantedAt:  now,
		GrantedBy:  by,
	}
	if err := entry.Validate(); err != nil {
		return models.TrustEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		prev     models.TrustLevel
		recorded models.AuditEntry
	)
	err = m.store.Update(ctx, func(snap *models.Snapshot) error {
		prev = models.TrustUnknown
		if cur, ok := snap.Entries[id]; ok && !cur.IsExpired(now) {
			prev = cur.TrustLevel
		}
		switch {
		case action == models.ActionUnblock && prev != models.TrustBlocked:
			return fmt.Errorf("%w: %s is %s", ErrNotBlocked, id, prev)
		case action == models.ActionUntrust && prev == models.TrustBlocked:
			return fmt.Errorf("%w: %s", ErrCreatorBlocked, id)
		}
		snap.Entries[id] = entry
		ctxText := reason
		if ctxText == "" {
			ctxText = fmt.Sprintf("%s -> %s", prev, level)
		}
		recorded = m.audit.Append(snap, models.AuditEntry{
			CreatorID:  id,
			Action:     action,
			Resolution: res,
			GrantedBy:  by,
			Context:    ctxText,
		})
		return nil
	})
	if err != nil {
		return models.TrustEntry{}, fmt.Errorf("%s %s: %w", action, id, err)
	}
	m.dropSession(id)
	if level == models.TrustBlocked {
		log.Warn().Str("creator", id).Str("reason", reason).Msg("creator blocked")
	}
	m.commit(ctx, []models.AuditEntry{recorded}, []Event{{CreatorID: id, Action: action, Previous: prev, Current: level, At: now}})
	return entry, nil
}

// Revoke removes the trust entry for creatorID, reverting it to unknown.
// Blocked creators cannot be revoked; use Unblock.
func (m *Manager) Revoke(ctx context.Context, creatorID string) error {
	id, err := normalize(creatorID)
	if err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	_, hadSession := m.sessionEntry(id)
	var (
		prev     models.TrustLevel
		recorded models.AuditEntry
	)
	err = m.store.Update(ctx, func(snap *models.Snapshot) error {
		cur, ok := snap.Entries[id]
		switch {
		case ok && cur.TrustLevel == models.TrustBlocked:
			return fmt.Errorf("%w: %s", ErrCreatorBlocked, id)
		case ok:
			prev = cur.TrustLevel
			delete(snap.Entries, id)
		case hadSession:
			prev = models.TrustTrusted
		default:
			return fmt.Errorf("%w: %s", ErrNoEntry, id)
		}
		recorded = m.audit.Append(snap, models.AuditEntry{
			CreatorID:  id,
			Action:     models.ActionRevoke,
			Resolution: models.ResolutionApproved,
			GrantedBy:  models.GrantedByUser,
			Context:    fmt.Sprintf("%s -> unknown", prev),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoking %s: %w", id, err)
	}
	m.dropSession(id)
	m.commit(ctx, []models.AuditEntry{recorded}, []Event{{CreatorID: id, Action: models.ActionRevoke, Previous: prev, Current: models.TrustUnknown, At: now}})
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Level  models.TrustLevel
	Source models.Source
}

// List returns live entries, including session grants, ordered by creator id.
// Expired entries are reverted as a side effect of being observed.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]models.TrustStatus, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var stale []string
	for _, e := range snap.SortedEntries() {
		if e.IsExpired(now) {
			stale = append(stale, e.CreatorID)
		}
	}
	if len(stale) > 0 {
		if err := m.expire(ctx, stale); err != nil {
			return nil, err
		}
		if snap, err = m.store.Load(ctx); err != nil {
			return nil, err
		}
	}

	session := map[string]bool{}
	m.sessMu.RLock()
	for id, e := range m.session {
		if cur, persisted := snap.Entries[id]; !persisted || cur.TrustLevel != models.TrustBlocked {
			snap.Entries[id] = e
			session[id] = true
		}
	}
	m.sessMu.RUnlock()

	var out []models.TrustStatus
	for _, e := range snap.SortedEntries() {
		if f.Level != "" && e.TrustLevel != f.Level {
			continue
		}
		if f.Source != "" && !strings.HasPrefix(e.CreatorID, string(f.Source)+":") {
			continue
		}
		out = append(out, statusOf(e, session[e.CreatorID]))
	}
	return out, nil
}

// Entry returns the persisted entry for creatorID, if any.
func (m *Manager) Entry(ctx context.Context, creatorID string) (*models.TrustEntry, error) {
	id, err := normalize(creatorID)
	if err != nil {
		return nil, err
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if e, ok := snap.Entries[id]; ok {
		return &e, nil
	}
	if e, ok := m.sessionEntry(id); ok {
		return &e, nil
	}
	return nil, nil
}
