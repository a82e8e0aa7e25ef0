package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/org/templatetrust/internal/crypto"
	"github.com/org/templatetrust/pkg/models"
)

const archiveAADPrefix = "templatetrust-archive-v1:"

// archiveRecord is one line of the archive file. Each Archive call appends a
// single record holding the rotated batch, in the clear or sealed.
type archiveRecord struct {
	Entries    []models.AuditEntry `json:"entries,omitempty"`
	Salt       []byte              `json:"salt,omitempty"`
	Ciphertext []byte              `json:"ciphertext,omitempty"`
}

// ArchivePath is the JSONL file that receives rotated audit entries.
func (s *FileStore) ArchivePath() string { return s.path + ".audit-archive.jsonl" }

// Archive appends entries to the archive file. It takes the store lock, so it
// must not be called from inside Update.
func (s *FileStore) Archive(ctx context.Context, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rec, err := s.sealRecord(entries)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling archive record: %w", err)
	}
	line = append(line, '\n')

	return s.withLock(ctx, true, func() error {
		f, err := os.OpenFile(s.ArchivePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("%w: opening archive: %v", ErrUnavailable, err)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: appending archive: %v", ErrUnavailable, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("%w: syncing archive: %v", ErrUnavailable, err)
		}
		return f.Close()
	})
}

// ReadArchive returns every archived entry ordered by sequence number.
// Entries archived twice (a crash between archive and trim) are returned once.
func (s *FileStore) ReadArchive(ctx context.Context) ([]models.AuditEntry, error) {
	var data []byte
	err := s.withLock(ctx, false, func() error {
		b, err := os.ReadFile(s.ArchivePath())
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading archive: %v", ErrUnavailable, err)
		}
		data = b
		return nil
	})
	if err != nil || len(data) == 0 {
		return nil, err
	}

	seen := map[string]bool{}
	var out []models.AuditEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), int(s.opts.MaxBytes))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec archiveRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%w: archive line %d: %v", ErrCorruptedStore, lineNo, err)
		}
		entries, err := s.openRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("archive line %d: %w", lineNo, err)
		}
		for _, e := range entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning archive: %v", ErrCorruptedStore, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *FileStore) sealRecord(entries []models.AuditEntry) (archiveRecord, error) {
	if s.opts.Keys == nil {
		return archiveRecord{Entries: entries}, nil
	}
	plain, err := json.Marshal(entries)
	if err != nil {
		return archiveRecord{}, fmt.Errorf("marshaling archive entries: %w", err)
	}
	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return archiveRecord{}, err
	}
	key, err := s.opts.Keys.Key(salt)
	if err != nil {
		return archiveRecord{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer crypto.Zero(key)
	sealed, err := crypto.Seal(plain, key, append([]byte(archiveAADPrefix), salt...))
	if err != nil {
		return archiveRecord{}, err
	}
	return archiveRecord{Salt: salt, Ciphertext: sealed}, nil
}

func (s *FileStore) openRecord(rec archiveRecord) ([]models.AuditEntry, error) {
	if len(rec.Ciphertext) == 0 {
		return rec.Entries, nil
	}
	if s.opts.Keys == nil {
		return nil, fmt.Errorf("%w: archive is encrypted but encryption is disabled", ErrKeyUnavailable)
	}
	key, err := s.opts.Keys.Key(rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer crypto.Zero(key)
	plain, err := crypto.Open(rec.Ciphertext, key, append([]byte(archiveAADPrefix), rec.Salt...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	var entries []models.AuditEntry
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	return entries, nil
}
