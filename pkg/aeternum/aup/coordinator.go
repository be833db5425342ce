// Package aup implements the atomic epoch-upgrade persistence protocol
// (spec §4.7): a three-phase commit — Prepare (in-memory validation),
// Shadow Write (fsync to a co-located temp file), Atomic Commit (rename
// plus metadata update) — tying together pqrr, persistence, and the
// external metadata store.
package aup

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/aeternum/vault-kernel/internal/metastore"
	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
	"github.com/aeternum/vault-kernel/pkg/aeternum/persistence"
	"github.com/aeternum/vault-kernel/pkg/aeternum/pqrr"
	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

// Coordinator drives one vault's epoch-upgrade commits. It holds no
// secret material itself; callers pass in an already-serialized
// VaultBlob (produced under the new epoch's DEK) and the matching
// pqrr.RekeyingContext whose headers were built and unwrap-probed
// beforehand.
type Coordinator struct {
	path  string
	store metastore.Store
	log   logging.Logger
}

// NewCoordinator returns a Coordinator writing to path (the vault blob
// file) and recording epoch/device-set state in store.
func NewCoordinator(path string, store metastore.Store, log logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Noop()
	}
	return &Coordinator{path: path, store: store, log: log}
}

// DeviceSetHash deterministically hashes a set of device ids, used as
// the metadata store's change-detection fingerprint after a commit.
func DeviceSetHash(ids []vault.DeviceID) string {
	hexes := make([]string, 0, len(ids))
	for _, id := range ids {
		hexes = append(hexes, id.String())
	}
	sort.Strings(hexes)
	joined := make([]byte, 0, len(hexes)*33)
	for _, h := range hexes {
		joined = append(joined, h...)
		joined = append(joined, ',')
	}
	return hex.EncodeToString(primitives.Hash(joined))
}

// Commit runs the full three-phase protocol for an epoch upgrade
// already staged in ctxRK:
//
//  1. Prepare: validates I1/I2 against ctxRK's header set in memory.
//     Cancelling before this returns aborts cleanly with no trace.
//  2. Shadow Write: serializes blob and fsyncs it to "{path}.tmp".
//     Cancelling here drops the temp file; the committed vault is
//     untouched.
//  3. Atomic Commit: renames the temp file into place, then updates
//     the metadata store's local_epoch and device-set hash, then
//     advances m's in-memory state. Cancellation is ignored from here
//     on — the upgrade always finishes once the rename succeeds.
func (c *Coordinator) Commit(ctx context.Context, m *pqrr.Machine, ctxRK *pqrr.RekeyingContext, blob *vault.VaultBlob) error {
	// Phase 1: Prepare.
	if err := m.ValidateEpochUpgrade(ctxRK); err != nil {
		_ = m.AbortEpochUpgrade(ctxRK)
		return fmt.Errorf("aup: prepare: %w", err)
	}
	select {
	case <-ctx.Done():
		_ = m.AbortEpochUpgrade(ctxRK)
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	default:
	}

	// Phase 2: Shadow Write.
	data, err := blob.Serialize()
	if err != nil {
		_ = m.AbortEpochUpgrade(ctxRK)
		return fmt.Errorf("aup: serialize: %w", err)
	}
	sf, err := persistence.Begin(c.path, c.log)
	if err != nil {
		_ = m.AbortEpochUpgrade(ctxRK)
		return fmt.Errorf("aup: shadow write: %w", err)
	}
	if err := sf.WriteAndSync(ctx, data); err != nil {
		_ = m.AbortEpochUpgrade(ctxRK)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("aup: shadow write: %w", err)
	}

	// Phase 3: Atomic Commit. From here, a cancelled ctx no longer
	// stops the upgrade — the blob's durability boundary has passed.
	if err := sf.Commit(); err != nil {
		_ = m.AbortEpochUpgrade(ctxRK)
		return fmt.Errorf("aup: commit: %w", err)
	}

	commitCtx := context.Background()
	if err := c.store.SetLocalEpoch(commitCtx, blob.Epoch.Version); err != nil {
		// The blob is already durable and newer than metadata: this is
		// exactly the BlobAhead state CrashRecovery heals at next
		// startup. Log and proceed — metadata catches up eventually.
		c.log.Error(commitCtx, "failed to advance metadata epoch after commit", "error", err)
	}
	hash := DeviceSetHash(ctxRK.NewActiveSet())
	if err := c.store.SetDeviceSetHash(commitCtx, hash); err != nil {
		c.log.Error(commitCtx, "failed to record device set hash after commit", "error", err)
	}

	return m.CommitEpochUpgrade(ctxRK)
}

// Abort discards an in-flight rekeying context outside of Commit, for
// callers that decide not to proceed before calling Commit at all.
func (c *Coordinator) Abort(m *pqrr.Machine, ctxRK *pqrr.RekeyingContext) error {
	return m.AbortEpochUpgrade(ctxRK)
}

// Recover runs the startup crash-recovery check (spec §4.4): it reads
// the committed blob's epoch, compares it against the metadata store's
// recorded epoch, heals the BlobAhead case automatically, and returns
// an error classified as a Meltdown for MetadataAhead — a state the
// caller must treat as fatal rather than silently continuing.
func (c *Coordinator) Recover(ctx context.Context, blobEpochVersion uint64) (persistence.ConsistencyState, error) {
	metaEpoch, err := c.store.LocalEpoch(ctx)
	if err != nil {
		return persistence.Consistent, fmt.Errorf("aup: read metadata epoch: %w", err)
	}
	state := persistence.CheckConsistency(metaEpoch, blobEpochVersion)
	switch state {
	case persistence.Consistent:
		return state, nil
	case persistence.BlobAhead:
		if err := persistence.Heal(ctx, c.store, blobEpochVersion, state); err != nil {
			return state, fmt.Errorf("aup: heal: %w", err)
		}
		return state, nil
	default: // MetadataAhead
		return state, &persistence.Meltdown{Reason: fmt.Sprintf(
			"metadata epoch %d exceeds on-disk blob epoch %d: possible rollback", metaEpoch, blobEpochVersion)}
	}
}
