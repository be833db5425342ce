package pqrr

import "github.com/aeternum/vault-kernel/pkg/aeternum/vault"

// RekeyingContext tracks an in-flight epoch upgrade: {old_epoch,
// new_epoch, pending_devices, completed_devices, temp_blob_path}, per
// spec §4.6. AddHeader marks a device "completed" as soon as its
// unwrap-probed header is added; the context does not record whether
// persistence has durably committed the new blob containing it. The
// machine's epoch and header set change only when CommitEpochUpgrade
// runs, which the AUP coordinator calls after its commit.
type RekeyingContext struct {
	OldEpoch     vault.Epoch
	NewEpoch     vault.Epoch
	Pending      map[vault.DeviceID]struct{}
	Completed    map[vault.DeviceID]struct{}
	NewHeaders   map[vault.DeviceID]*vault.DeviceHeader
	TempBlobPath string

	id uint64 // internal token binding Commit/Abort calls to this exact context
}

// AddHeader registers a newly built, probe-verified header for the new
// epoch and marks its device as completed in this context.
func (c *RekeyingContext) AddHeader(h *vault.DeviceHeader) {
	c.NewHeaders[h.DeviceID] = h
	c.Completed[h.DeviceID] = struct{}{}
	delete(c.Pending, h.DeviceID)
}

// Done reports whether every pending device now has a completed header.
func (c *RekeyingContext) Done() bool {
	return len(c.Pending) == 0
}

// NewActiveSet returns the device ids that will be active once this
// context commits — every completed header whose status is Active, so
// a revocation's own (Revoked) header is correctly excluded.
func (c *RekeyingContext) NewActiveSet() []vault.DeviceID {
	ids := make([]vault.DeviceID, 0, len(c.NewHeaders))
	for id, h := range c.NewHeaders {
		if h.Status == vault.DeviceStatusActive {
			ids = append(ids, id)
		}
	}
	return ids
}
