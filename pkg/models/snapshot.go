package models

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotVersion is the current persisted schema version.
const SnapshotVersion = 1

// Snapshot is the full persisted trust state: at most one entry per creator
// (enforced by the map key) plus the live audit log.
type Snapshot struct {
	Version int                   `json:"version"`
	Entries map[string]TrustEntry `json:"entries"`
	Audit   []AuditEntry          `json:"audit"`
	NextSeq uint64                `json:"next_seq"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version: SnapshotVersion,
		Entries: map[string]TrustEntry{},
		NextSeq: 1,
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version: s.Version,
		Entries: make(map[string]TrustEntry, len(s.Entries)),
		Audit:   make([]AuditEntry, len(s.Audit)),
		NextSeq: s.NextSeq,
	}
	for k, e := range s.Entries {
		if e.ExpiresAt != nil {
			t := *e.ExpiresAt
			e.ExpiresAt = &t
		}
		out.Entries[k] = e
	}
	copy(out.Audit, s.Audit)
	return out
}

// SortedEntries returns entries ordered by creator id.
func (s *Snapshot) SortedEntries() []TrustEntry {
	out := make([]TrustEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatorID < out[j].CreatorID })
	return out
}

// Validate checks every entry and the audit log.
func (s *Snapshot) Validate() error {
	verr := &ValidationError{}
	if s.Version != SnapshotVersion {
		verr.add(fmt.Sprintf("unsupported snapshot version %d", s.Version))
	}
	for key, e := range s.Entries {
		if key != e.CreatorID {
			verr.add(fmt.Sprintf("entry keyed %q holds creator %q", key, e.CreatorID))
		}
		if err := e.Validate(); err != nil {
			verr.add(err.Error())
		}
	}
	seen := make(map[string]bool, len(s.Audit))
	for i := range s.Audit {
		a := &s.Audit[i]
		if err := a.Validate(); err != nil {
			verr.add(err.Error())
		}
		if seen[a.ID] {
			verr.add(fmt.Sprintf("duplicate audit id %s", a.ID))
		}
		seen[a.ID] = true
		if a.Seq >= s.NextSeq {
			verr.add(fmt.Sprintf("audit seq %d not below next_seq %d", a.Seq, s.NextSeq))
		}
	}
	return verr.errOrNil()
}

// ExportDocument is the portable snapshot used by export/import.
type ExportDocument struct {
	Format     string       `json:"format" yaml:"format"`
	Version    int          `json:"version" yaml:"version"`
	ExportedAt time.Time    `json:"exported_at" yaml:"exported_at"`
	Entries    []TrustEntry `json:"entries" yaml:"entries"`
	Audit      []AuditEntry `json:"audit" yaml:"audit"`
}

// ExportFormatName tags export documents.
const ExportFormatName = "templatetrust-export"

// ToExport converts a snapshot into a portable document.
func (s *Snapshot) ToExport(now time.Time) *ExportDocument {
	audit := make([]AuditEntry, len(s.Audit))
	copy(audit, s.Audit)
	return &ExportDocument{
		Format:     ExportFormatName,
		Version:    SnapshotVersion,
		ExportedAt: now.UTC(),
		Entries:    s.SortedEntries(),
		Audit:      audit,
	}
}

// ToSnapshot validates a document and converts it back into a snapshot.
// Duplicate creator ids are rejected rather than silently collapsed.
func (d *ExportDocument) ToSnapshot() (*Snapshot, error) {
	verr := &ValidationError{}
	if d.Format != ExportFormatName {
		verr.add(fmt.Sprintf("unexpected format %q", d.Format))
	}
	if d.Version != SnapshotVersion {
		verr.add(fmt.Sprintf("unsupported version %d", d.Version))
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}
	s := NewSnapshot()
	for _, e := range d.Entries {
		if _, dup := s.Entries[e.CreatorID]; dup {
			verr.add(fmt.Sprintf("duplicate entry for %s", e.CreatorID))
			continue
		}
		s.Entries[e.CreatorID] = e
	}
	s.Audit = make([]AuditEntry, len(d.Audit))
	copy(s.Audit, d.Audit)
	for _, a := range s.Audit {
		if a.Seq >= s.NextSeq {
			s.NextSeq = a.Seq + 1
		}
	}
	if err := verr.errOrNil(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
