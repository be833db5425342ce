package persistence

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
)

// ConsistencyState classifies the comparison between the external
// metadata store's recorded epoch and the epoch found in the on-disk
// VaultBlob header at startup.
type ConsistencyState int

const (
	// Consistent: blob and metadata epochs match; normal start.
	Consistent ConsistencyState = iota
	// BlobAhead: the rename in AUP phase 3 committed but the metadata
	// update that follows it did not. Heal by advancing metadata.
	BlobAhead
	// MetadataAhead: metadata claims a newer epoch than the blob can
	// show — a possible rollback attack. Fatal; triggers meltdown.
	MetadataAhead
)

func (s ConsistencyState) String() string {
	switch s {
	case Consistent:
		return "consistent"
	case BlobAhead:
		return "blob_ahead"
	case MetadataAhead:
		return "metadata_ahead"
	default:
		return "unknown"
	}
}

// MetadataStore is the external transactional key-value store's surface
// area that CrashRecovery needs: reading and updating the local epoch
// record. Modeled as an interface per spec §1 (the metadata database is
// an external collaborator).
type MetadataStore interface {
	LocalEpoch(ctx context.Context) (uint64, error)
	SetLocalEpoch(ctx context.Context, version uint64) error
}

// CheckConsistency compares metadataEpoch against blobEpoch and
// classifies the result. It never mutates anything; callers act on the
// returned state (see Heal).
func CheckConsistency(metadataEpoch, blobEpoch uint64) ConsistencyState {
	switch {
	case blobEpoch == metadataEpoch:
		return Consistent
	case blobEpoch > metadataEpoch:
		return BlobAhead
	default:
		return MetadataAhead
	}
}

// Heal advances the metadata store to blobEpoch when the state is
// BlobAhead. Calling Heal on any other state is a programming error and
// returns an error rather than silently doing nothing.
func Heal(ctx context.Context, store MetadataStore, blobEpoch uint64, state ConsistencyState) error {
	if state != BlobAhead {
		return ErrStorageError
	}
	return store.SetLocalEpoch(ctx, blobEpoch)
}

// ScanAndUnlinkResiduals removes any leftover "*.tmp" files from a
// previous crash in dir. Called once at startup before any other
// persistence operation runs.
func ScanAndUnlinkResiduals(dir string, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ErrStorageError
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == TempSuffix {
			p := filepath.Join(dir, e.Name())
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return ErrStorageError
			}
			log.Warn(context.Background(), "removed residual shadow file from prior crash", "path", p)
		}
	}
	return nil
}
