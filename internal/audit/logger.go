package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/templatetrust/internal/storage"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxEntries bounds the live log kept inside the store file.
const DefaultMaxEntries = 10000

// Options configures a Logger.
type Options struct {
	// Archive receives entries rotated out of the live log. Nil disables rotation.
	Archive storage.Archiver
	// Mirror, when set, gets a copy of every committed entry.
	Mirror     storage.AuditMirror
	MaxEntries int
	Clock      func() time.Time
}

// Logger is the append-only audit log. Entries live in the store snapshot so
// that a trust mutation and its audit entry are committed in one write.
type Logger struct {
	store      storage.Store
	archive    storage.Archiver
	mirror     storage.AuditMirror
	maxEntries int
	now        func() time.Time
}

// NewLogger creates an audit Logger over store.
func NewLogger(store storage.Store, opts Options) *Logger {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Logger{
		store:      store,
		archive:    opts.Archive,
		mirror:     opts.Mirror,
		maxEntries: opts.MaxEntries,
		now:        opts.Clock,
	}
}

// Append stamps entry with an id, sequence number and timestamp and appends
// it to snap. Callers run it inside store.Update and pass the result to
// Committed once the update succeeds.
func (l *Logger) Append(snap *models.Snapshot, entry models.AuditEntry) models.AuditEntry {
	entry.ID = uuid.NewString()
	entry.Seq = snap.NextSeq
	snap.NextSeq++
	entry.Timestamp = l.now().UTC()
	snap.Audit = append(snap.Audit, entry)
	return entry
}

// Record appends a standalone entry, such as an authorization check or a
// sandbox violation.
func (l *Logger) Record(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	var recorded models.AuditEntry
	err := l.store.Update(ctx, func(snap *models.Snapshot) error {
		recorded = l.Append(snap, entry)
		return recorded.Validate()
	})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("recording audit entry: %w", err)
	}
	l.Committed(ctx, recorded)
	return recorded, nil
}

// RecordAll appends entries in one store write. Either all are recorded or none.
func (l *Logger) RecordAll(ctx context.Context, entries []models.AuditEntry) ([]models.AuditEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var recorded []models.AuditEntry
	err := l.store.Update(ctx, func(snap *models.Snapshot) error {
		recorded = recorded[:0]
		for _, e := range entries {
			r := l.Append(snap, e)
			if err := r.Validate(); err != nil {
				return err
			}
			recorded = append(recorded, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording %d audit entries: %w", len(entries), err)
	}
	l.Committed(ctx, recorded...)
	return recorded, nil
}

// Committed logs and mirrors entries that are now durable in the store, then
// rotates the live log if it grew past the limit. Mirror and rotation
// failures are logged; the store copy is authoritative.
func (l *Logger) Committed(ctx context.Context, entries ...models.AuditEntry) {
	for _, e := range entries {
		ev := log.Info()
		if e.Action == models.ActionViolation {
			ev = log.Warn()
		}
		ev.Str("audit_id", e.ID).
			Uint64("seq", e.Seq).
			Str("creator", e.CreatorID).
			Str("action", string(e.Action)).
			Str("resolution", string(e.Resolution)).
			Str("context", e.Context).
			Msg("audit")

		if l.mirror != nil {
			if err := l.mirror.Publish(ctx, e); err != nil {
				log.Warn().Err(err).Str("audit_id", e.ID).Msg("audit mirror publish failed")
			}
		}
	}
	if len(entries) > 0 {
		if _, err := l.Rotate(ctx); err != nil {
			log.Warn().Err(err).Msg("audit rotation failed")
		}
	}
}

// Rotate moves the oldest entries beyond the live limit to the archive and
// returns how many were moved. Entries are archived before they are trimmed,
// so a crash in between leaves duplicates that ReadArchive collapses.
func (l *Logger) Rotate(ctx context.Context) (int, error) {
	if l.archive == nil {
		return 0, nil
	}
	snap, err := l.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	overflow := len(snap.Audit) - l.maxEntries
	if overflow <= 0 {
		return 0, nil
	}
	moved := make([]models.AuditEntry, overflow)
	copy(moved, snap.Audit[:overflow])
	if err := l.archive.Archive(ctx, moved); err != nil {
		return 0, fmt.Errorf("archiving audit entries: %w", err)
	}

	archived := make(map[string]bool, len(moved))
	for _, e := range moved {
		archived[e.ID] = true
	}
	err = l.store.Update(ctx, func(s *models.Snapshot) error {
		kept := s.Audit[:0]
		for _, e := range s.Audit {
			if !archived[e.ID] {
				kept = append(kept, e)
			}
		}
		s.Audit = kept
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("trimming live audit log: %w", err)
	}
	log.Debug().Int("archived", overflow).Msg("audit log rotated")
	return overflow, nil
}
