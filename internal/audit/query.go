package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/pkg/models"
)

// Query selects audit entries. Zero fields match everything.
type Query struct {
	CreatorID string
	Action    models.Action
	Since     *time.Time
	// Limit keeps the newest N matches; results stay in ascending order.
	Limit int
	// IncludeArchive adds rotated entries to the live log.
	IncludeArchive bool
}

func (q Query) matches(e models.AuditEntry) bool {
	if q.CreatorID != "" && e.CreatorID != q.CreatorID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Since != nil && e.Timestamp.Before(*q.Since) {
		return false
	}
	return true
}

// ErrNoMirror is returned by QueryMirror when no mirror is configured.
var ErrNoMirror = errors.New("no audit mirror configured")

// QueryMirror answers q from the audit mirror, which holds the history of
// every machine publishing to it. IncludeArchive is ignored.
func (l *Logger) QueryMirror(ctx context.Context, q Query) ([]models.AuditEntry, error) {
	if l.mirror == nil {
		return nil, ErrNoMirror
	}
	if q.CreatorID != "" {
		norm, err := models.NormalizeCreatorID(q.CreatorID)
		if err != nil {
			return nil, err
		}
		q.CreatorID = norm
	}
	entries, err := l.mirror.Query(ctx, storage.AuditFilter{
		CreatorID: q.CreatorID,
		Action:    q.Action,
		Since:     q.Since,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("querying audit mirror: %w", err)
	}
	return entries, nil
}

// Query returns matching entries ordered by timestamp, ties broken by
// insertion order.
func (l *Logger) Query(ctx context.Context, q Query) ([]models.AuditEntry, error) {
	if q.CreatorID != "" {
		norm, err := models.NormalizeCreatorID(q.CreatorID)
		if err != nil {
			return nil, err
		}
		q.CreatorID = norm
	}
	snap, err := l.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit log: %w", err)
	}

	var all []models.AuditEntry
	if q.IncludeArchive && l.archive != nil {
		archived, err := l.archive.ReadArchive(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading audit archive: %w", err)
		}
		all = append(all, archived...)
	}
	all = append(all, snap.Audit...)

	seen := make(map[string]bool, len(all))
	out := make([]models.AuditEntry, 0, len(all))
	for _, e := range all {
		if seen[e.ID] || !q.matches(e) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	sortEntries(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func sortEntries(entries []models.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Seq < b.Seq
	})
}

// Summary counts entries by action and by resolution.
type Summary struct {
	Total        int                       `json:"total" yaml:"total"`
	ByAction     map[models.Action]int     `json:"by_action" yaml:"by_action"`
	ByResolution map[models.Resolution]int `json:"by_resolution" yaml:"by_resolution"`
	Violations   int                       `json:"violations" yaml:"violations"`
}

// Summarize counts entries in the live log.
func Summarize(entries []models.AuditEntry) Summary {
	s := Summary{
		ByAction:     map[models.Action]int{},
		ByResolution: map[models.Resolution]int{},
	}
	for _, e := range entries {
		s.Total++
		s.ByAction[e.Action]++
		s.ByResolution[e.Resolution]++
		if e.Action == models.ActionViolation {
			s.Violations++
		}
	}
	return s
}
