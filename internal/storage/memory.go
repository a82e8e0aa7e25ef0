package storage

import (
	"context"
	"sync"
	"time"

	"github.com/org/templatetrust/pkg/models"
)

// MemoryStore keeps state in process memory. It backs tests and
// `trust evaluate --dry-run`, where nothing may touch the user's store.
type MemoryStore struct {
	mu      sync.Mutex
	snap    *models.Snapshot
	archive []models.AuditEntry

	// Fail, when set, is returned by every operation to simulate an
	// unreachable store.
	Fail error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: models.NewSnapshot()}
}

// NewMemoryStoreFrom seeds the store with a copy of snap.
func NewMemoryStoreFrom(snap *models.Snapshot) *MemoryStore {
	return &MemoryStore{snap: snap.Clone()}
}

func (m *MemoryStore) Load(_ context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	return m.snap.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	m.snap = snap.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(*models.Snapshot) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	next := m.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	m.snap = next
	return nil
}

func (m *MemoryStore) Export(ctx context.Context) (*models.ExportDocument, error) {
	snap, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ToExport(time.Now()), nil
}

func (m *MemoryStore) Import(ctx context.Context, doc *models.ExportDocument) error {
	snap, err := doc.ToSnapshot()
	if err != nil {
		return err
	}
	return m.Save(ctx, snap)
}

func (m *MemoryStore) Archive(_ context.Context, entries []models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.archive = append(m.archive, entries...)
	return nil
}

func (m *MemoryStore) ReadArchive(_ context.Context) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := make([]models.AuditEntry, len(m.archive))
	copy(out, m.archive)
	return out, nil
}
