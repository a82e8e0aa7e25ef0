package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/templatetrust/pkg/models"
)

var (
	// ErrCorruptedStore is returned when the persisted store fails checksum or
	// format validation and no backup could be restored.
	ErrCorruptedStore = errors.New("trust store corrupted")

	// ErrStoreTooLarge is returned when the store exceeds the configured ceiling.
	ErrStoreTooLarge = errors.New("trust store too large")

	// ErrStoreLockTimeout is returned when the store lock cannot be acquired in time.
	ErrStoreLockTimeout = errors.New("timed out acquiring trust store lock")

	// ErrKeyUnavailable is returned when the store is encrypted and no key can
	// be obtained. The store fails closed instead of returning empty state.
	ErrKeyUnavailable = errors.New("trust store key unavailable")

	// ErrUnavailable is returned when the store cannot be reached at all.
	ErrUnavailable = errors.New("trust store unavailable")
)

// Store persists the trust entry set and the live audit log.
type Store interface {
	// Load returns the current snapshot. A missing store is an empty snapshot.
	Load(ctx context.Context) (*models.Snapshot, error)

	// Save replaces the persisted snapshot atomically.
	Save(ctx context.Context, snap *models.Snapshot) error

	// Update loads, applies fn to a private copy and saves it, all under the
	// exclusive store lock. If fn returns an error nothing is written.
	Update(ctx context.Context, fn func(*models.Snapshot) error) error

	// Export produces a portable copy of the persisted state.
	Export(ctx context.Context) (*models.ExportDocument, error)

	// Import validates doc and replaces the persisted state with it.
	Import(ctx context.Context, doc *models.ExportDocument) error
}

// Archiver stores audit entries rotated out of the live log. Archives are
// append-only; entries are never rewritten.
type Archiver interface {
	Archive(ctx context.Context, entries []models.AuditEntry) error
	ReadArchive(ctx context.Context) ([]models.AuditEntry, error)
}

// IsStorageError reports whether err belongs to the storage error class.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrCorruptedStore) ||
		errors.Is(err, ErrStoreTooLarge) ||
		errors.Is(err, ErrStoreLockTimeout) ||
		errors.Is(err, ErrKeyUnavailable) ||
		errors.Is(err, ErrUnavailable)
}

// AuditFilter selects audit entries from a mirror.
type AuditFilter struct {
	CreatorID string
	Action    models.Action
	Since     *time.Time
	Limit     int
}

// AuditMirror receives a copy of every recorded audit entry and can answer
// queries over the full history.
type AuditMirror interface {
	Publish(ctx context.Context, entry models.AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error)
	Close()
}
