package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/org/templatetrust/internal/crypto"
	"github.com/org/templatetrust/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxBytes    = 10 << 20
	DefaultMaxBackups  = 3
	DefaultLockTimeout = 5 * time.Second

	lockRetryDelay = 25 * time.Millisecond
)

// FileOptions configures a FileStore.
type FileOptions struct {
	MaxBytes    int64
	MaxBackups  int
	LockTimeout time.Duration
	// Keys enables encryption at rest when non-nil.
	Keys crypto.KeyProvider
}

// FileStore is a single-file Store. Writes go to a temp file that is renamed
// over the store; the previous version is kept in rotating backups
// (<path>.bak.1 is the newest). An advisory lock on <path>.lock serializes
// access across processes.
type FileStore struct {
	path     string
	lockPath string
	opts     FileOptions
	codec    codec
}

// NewFileStore creates a store rooted at path. No I/O happens until first use.
func NewFileStore(path string, opts FileOptions) *FileStore {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &FileStore{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
		codec:    codec{keys: opts.Keys},
	}
}

// Path returns the store file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) backupPath(n int) string {
	return fmt.Sprintf("%s.bak.%d", s.path, n)
}

// withLock runs fn while holding the store lock. Every call uses its own lock
// handle so concurrent callers in one process contend like separate processes.
func (s *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: creating store directory: %v", ErrUnavailable, err)
	}
	fl := flock.New(s.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(lockCtx, lockRetryDelay)
	} else {
		ok, err = fl.TryRLockContext(lockCtx, lockRetryDelay)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: locking %s: %v", ErrUnavailable, s.lockPath, err)
	}
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrStoreLockTimeout, s.lockPath, s.opts.LockTimeout)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("lock", s.lockPath).Msg("releasing store lock")
		}
	}()
	return fn()
}

// Load reads the persisted snapshot. On corruption it restores the most
// recent valid backup before giving up.
func (s *FileStore) Load(ctx context.Context) (*models.Snapshot, error) {
	var (
		snap    *models.Snapshot
		loadErr error
	)
	err := s.withLock(ctx, false, func() error {
		snap, loadErr = s.read()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if loadErr == nil || !errors.Is(loadErr, ErrCorruptedStore) {
		return snap, loadErr
	}

	// Restoration rewrites the store and needs the exclusive lock.
	err = s.withLock(ctx, true, func() error {
		snap, loadErr = s.readOrRestore()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, loadErr
}

// Save writes snap atomically under the exclusive lock.
func (s *FileStore) Save(ctx context.Context, snap *models.Snapshot) error {
	return s.withLock(ctx, true, func() error {
		return s.write(snap)
	})
}

// Update runs fn against a copy of the current snapshot and persists the result.
func (s *FileStore) Update(ctx context.Context, fn func(*models.Snapshot) error) error {
	return s.withLock(ctx, true, func() error {
		cur, err := s.readOrRestore()
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		return s.write(next)
	})
}

// Export returns a portable copy of the persisted state.
func (s *FileStore) Export(ctx context.Context) (*models.ExportDocument, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ToExport(time.Now()), nil
}

// Import validates doc and replaces the store contents.
func (s *FileStore) Import(ctx context.Context, doc *models.ExportDocument) error {
	snap, err := doc.ToSnapshot()
	if err != nil {
		return err
	}
	return s.Save(ctx, snap)
}

// read loads the main file. Caller must hold the lock.
func (s *FileStore) read() (*models.Snapshot, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return models.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.Size() > s.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrStoreTooLarge, s.path, info.Size(), s.opts.MaxBytes)
	}
	if info.Mode().Perm()&0077 != 0 {
		log.Warn().Str("path", s.path).Str("mode", info.Mode().Perm().String()).Msg("trust store readable by others; restricting to owner")
		if err := os.Chmod(s.path, 0600); err != nil {
			return nil, fmt.Errorf("%w: restricting permissions: %v", ErrUnavailable, err)
		}
	}
	data, err := s.readLimited(s.path)
	if err != nil {
		return nil, err
	}
	return s.codec.decode(data)
}

func (s *FileStore) readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrStoreTooLarge, path, s.opts.MaxBytes)
	}
	return data, nil
}

// readOrRestore reads the main file and falls back to backups on corruption.
// Caller must hold the exclusive lock.
func (s *FileStore) readOrRestore() (*models.Snapshot, error) {
	snap, err := s.read()
	if err == nil || !errors.Is(err, ErrCorruptedStore) {
		return snap, err
	}
	log.Error().Err(err).Str("path", s.path).Msg("trust store failed validation; trying backups")

	for n := 1; n <= s.opts.MaxBackups; n++ {
		bp := s.backupPath(n)
		data, rerr := s.readLimited(bp)
		if rerr != nil {
			continue
		}
		restored, derr := s.codec.decode(data)
		if derr != nil {
			log.Warn().Err(derr).Str("backup", bp).Msg("backup unusable")
			if isKeyError(derr) {
				return nil, derr
			}
			continue
		}
		if werr := s.atomicWrite(data); werr != nil {
			return nil, fmt.Errorf("%w: restoring from %s: %v", ErrCorruptedStore, bp, werr)
		}
		log.Warn().Str("backup", bp).Int("entries", len(restored.Entries)).Msg("trust store restored from backup")
		return restored, nil
	}
	return nil, err
}

// write validates, encodes and atomically replaces the store. Caller must
// hold the exclusive lock.
func (s *FileStore) write(snap *models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := s.codec.encode(snap)
	if err != nil {
		return err
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return fmt.Errorf("%w: encoded store is %d bytes (limit %d)", ErrStoreTooLarge, len(data), s.opts.MaxBytes)
	}
	s.rotateBackups()
	return s.atomicWrite(data)
}

// rotateBackups shifts <path>.bak.N and copies the current store to .bak.1.
// A current file that no longer decodes is not rotated in, so a corrupt
// store never displaces a good backup.
func (s *FileStore) rotateBackups() {
	data, err := s.readLimited(s.path)
	if err != nil {
		return
	}
	if _, err := s.codec.decode(data); err != nil {
		log.Warn().Err(err).Msg("not backing up invalid trust store")
		return
	}
	for n := s.opts.MaxBackups - 1; n >= 1; n-- {
		from := s.backupPath(n)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, s.backupPath(n+1))
		}
	}
	if err := writeFileAtomic(s.backupPath(1), data); err != nil {
		log.Warn().Err(err).Msg("writing trust store backup")
	}
}

func (s *FileStore) atomicWrite(data []byte) error {
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temp file, syncs, restricts permissions
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trust-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
