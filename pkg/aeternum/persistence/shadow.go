// Package persistence implements the shadow-write + fsync + atomic
// rename protocol (ShadowWriter) and startup crash-recovery
// consistency check (CrashRecovery) described in spec §4.4.
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
)

// TempSuffix is the only transient filename permitted inside the vault
// directory.
const TempSuffix = ".tmp"

// ShadowFile is a scoped handle to an exclusively opened temp file
// co-located with its eventual target. Dropping it without committing
// (Close) deletes the temp file; Commit consumes the handle so it can
// never be committed twice.
type ShadowFile struct {
	f         *os.File
	tmpPath   string
	finalPath string
	committed bool
	log       logging.Logger
}

// Begin opens "{path}.tmp" for exclusive write, co-located with path so
// the eventual rename is atomic (same directory, same filesystem).
// Refuses to proceed if path's directory and a pre-existing file at
// path live on different devices (spec §9 open question (a)).
func Begin(path string, log logging.Logger) (*ShadowFile, error) {
	if log == nil {
		log = logging.Noop()
	}
	dir := filepath.Dir(path)
	tmpPath := path + TempSuffix

	if err := sameFilesystem(dir, path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open shadow file: %v", ErrStorageError, err)
	}
	return &ShadowFile{f: f, tmpPath: tmpPath, finalPath: path, log: log}, nil
}

// WriteAndSync writes all of data then fsyncs the file. Any I/O or
// fsync error aborts: the handle is released (temp file deleted) and
// the state machine stays wherever it was; retry is permissible.
func (s *ShadowFile) WriteAndSync(ctx context.Context, data []byte) error {
	if s == nil || s.f == nil {
		return fmt.Errorf("%w: nil shadow file", ErrStorageError)
	}
	select {
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	default:
	}
	if _, err := s.f.Write(data); err != nil {
		s.Close()
		return fmt.Errorf("%w: write: %v", ErrStorageError, err)
	}
	if err := s.f.Sync(); err != nil {
		s.Close()
		return fmt.Errorf("%w: fsync: %v", ErrStorageError, err)
	}
	return nil
}

// Commit consumes the handle: renames {path}.tmp -> final_path
// atomically, then fsyncs the containing directory where the platform
// distinguishes that from the file fsync. A committed handle cannot be
// re-committed.
func (s *ShadowFile) Commit() error {
	if s == nil || s.committed {
		return fmt.Errorf("%w: shadow file already committed or nil", ErrStorageError)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("%w: close before rename: %v", ErrStorageError, err)
	}
	if err := os.Rename(s.tmpPath, s.finalPath); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrStorageError, err)
	}
	s.committed = true

	dir := filepath.Dir(s.finalPath)
	if df, err := os.Open(dir); err == nil {
		_ = df.Sync()
		_ = df.Close()
	}
	s.log.Info(context.Background(), "shadow write committed", "path", s.finalPath)
	return nil
}

// Close releases the handle without committing, deleting the temp
// file. Safe to call multiple times; a no-op after Commit.
func (s *ShadowFile) Close() {
	if s == nil || s.committed || s.f == nil {
		return
	}
	_ = s.f.Close()
	_ = os.Remove(s.tmpPath)
	s.f = nil
}

func sameFilesystem(dir, target string) error {
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: stat dir: %v", ErrStorageError, err)
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		// No pre-existing file at target; nothing to compare against,
		// so allow it — this only guards the documented cross-mount
		// case where both paths already exist.
		return nil
	}
	if !sameDevice(dirInfo, targetInfo) {
		return ErrCrossMount
	}
	return nil
}
