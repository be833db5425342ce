// Package session implements the §6 session-handle API surface: the
// external operations a host application drives (initialize_vault,
// unlock, list_record_ids, decrypt_field, store_entry, lock,
// get_device_list, revoke_device, initiate_recovery, submit_veto,
// verify_vault_integrity, root_rotate, set_role), wiring config, keys,
// vault, persistence, invariants, pqrr, and aup together behind one
// typed error taxonomy.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/semaphore"

	"github.com/aeternum/vault-kernel/internal/devicekey"
	"github.com/aeternum/vault-kernel/internal/metastore"
	"github.com/aeternum/vault-kernel/pkg/aeternum/aup"
	"github.com/aeternum/vault-kernel/pkg/aeternum/config"
	"github.com/aeternum/vault-kernel/pkg/aeternum/invariants"
	"github.com/aeternum/vault-kernel/pkg/aeternum/keys"
	"github.com/aeternum/vault-kernel/pkg/aeternum/logging"
	"github.com/aeternum/vault-kernel/pkg/aeternum/persistence"
	"github.com/aeternum/vault-kernel/pkg/aeternum/pqrr"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
	"github.com/aeternum/vault-kernel/pkg/aeternum/wire"
)

// vaultFileName is the sole durable filename spec §6 permits inside
// the vault directory; persistence.TempSuffix provides the other.
const vaultFileName = "vault.db"

// DeviceIdentity bundles everything a locally-reachable device
// contributes to vault operations: its key handle (sign +
// kem-decapsulate) and the secp256k1 public key used to verify its own
// signatures. devicekey.Handle does not expose a signing public key on
// its own — callers supply it out-of-band, the way a pairing protocol
// would exchange it at enrollment time. ProtocolVersion is the wire
// protocol version that device last advertised at handshake (spec
// §4.8); zero means "unknown", which RootRotate treats as exempt from
// the version floor rather than refusing devices no caller ever
// updated with a version (the shadow anchor, most test fixtures).
type DeviceIdentity struct {
	ID               vault.DeviceID
	Handle           devicekey.Handle
	SigningPublicKey *btcec.PublicKey
	ProtocolVersion  uint16
}

// Broadcaster delivers a payload to every paired peer device, backing
// initiate_recovery's "broadcasts to all active devices (via C8)"
// requirement (spec §4.6). A nil Broadcaster makes broadcast a no-op,
// which is the right behavior for a single-device session or a test
// with no wire transport wired up.
type Broadcaster interface {
	Send(ctx context.Context, epoch uint32, payloadType wire.PayloadType, payload []byte) error
}

// DeviceInfoRedacted is get_device_list's element type: enough to
// render a device-management UI without exposing key material.
type DeviceInfoRedacted struct {
	ID           vault.DeviceID
	Status       vault.DeviceStatus
	CreatedAt    time.Time
	Capabilities []string
}

// sessionCapacity is the total weight of a SessionHandle's semaphore:
// every read-only method acquires 1, every mutating method acquires
// the whole capacity, giving a reader/writer lock out of a single
// primitive rather than a second type.
const sessionCapacity = 1 << 30

// SessionHandle holds the in-memory VK and record store between
// Unlock and Lock. Read-only methods (ListRecordIDs, DecryptField,
// GetDeviceList, VerifyVaultIntegrity) run concurrently with each
// other; every mutating method takes the semaphore's full capacity,
// matching spec §5's read-mostly session lock the way the teacher
// generalizes golang.org/x/sync across its MPC party fan-out.
type SessionHandle struct {
	sem *semaphore.Weighted

	cfg         config.Config
	store       metastore.Store
	blobPath    string
	coordinator *aup.Coordinator
	machine     *pqrr.Machine
	broadcaster Broadcaster
	log         logging.Logger

	self    DeviceIdentity
	devices map[vault.DeviceID]DeviceIdentity

	vk      []byte
	records vault.RecordStore
	locked  bool
}

// lockShared acquires one read permit; it never blocks on context
// cancellation in practice since callers pass context.Background() —
// the semaphore here arbitrates in-process goroutines, not I/O.
func (s *SessionHandle) lockShared() {
	_ = s.sem.Acquire(context.Background(), 1)
}

func (s *SessionHandle) unlockShared() {
	s.sem.Release(1)
}

func (s *SessionHandle) lockExclusive() {
	_ = s.sem.Acquire(context.Background(), sessionCapacity)
}

func (s *SessionHandle) unlockExclusive() {
	s.sem.Release(sessionCapacity)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func blobPathFor(cfg config.Config) string {
	return filepath.Join(cfg.VaultDir, vaultFileName)
}

func buildProbedHeader(id vault.DeviceID, epoch vault.Epoch, handle devicekey.Handle, dek []byte, createdAt time.Time) (*vault.DeviceHeader, error) {
	encrypted, err := vault.WrapDEK(handle.PublicKey(), dek)
	if err != nil {
		return nil, err
	}
	return vault.NewDeviceHeader(id, epoch, handle.PublicKey(), encrypted, dek,
		vault.HybridUnwrapper{Backend: handle}, createdAt)
}

// shadowHandle rederives the shadow anchor's Handle from mnemonic. It
// never leaves this package holding the MasterSeed/RK/IK past the
// scope of the call that needs it.
func shadowHandle(mnemonic string) (*devicekey.Shadow, error) {
	seed, err := keys.DeriveMasterSeed(mnemonic)
	if err != nil {
		return nil, err
	}
	defer seed.Release()
	rk := keys.DeriveRecoveryKey(seed)
	defer rk.Release()
	ik := keys.DeriveIdentityKey(seed)
	defer ik.Release()

	hybrid, err := keys.DeriveShadowDeviceKeys(rk)
	if err != nil {
		return nil, err
	}
	signing := keys.DeriveIdentitySigningKey(ik)
	return devicekey.NewShadow(hybrid, signing), nil
}

// InitializeVault lays down a brand-new vault at cfg.VaultDir, seeded
// from mnemonic with owner as the sole real device alongside the
// always-published shadow anchor. Per spec §6's literal signature it
// returns only an error, not a SessionHandle — call Unlock afterward.
func InitializeVault(cfg config.Config, store metastore.Store, mnemonic string, owner DeviceIdentity, now time.Time, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	shadow, err := shadowHandle(mnemonic)
	if err != nil {
		return mapErr(err)
	}

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer zeroBytes(dek)

	genesis := vault.InitialEpoch(now.Unix())

	shadowHeader, err := buildProbedHeader(vault.ShadowAnchorID, genesis, shadow, dek, now)
	if err != nil {
		return mapErr(err)
	}
	ownerHeader, err := buildProbedHeader(owner.ID, genesis, owner.Handle, dek, now)
	if err != nil {
		return mapErr(err)
	}

	vk := keys.DeriveVaultKey(dek)
	defer zeroBytes(vk)

	blob, err := vault.SealRecords(vk, genesis, vault.RecordStore{})
	if err != nil {
		return mapErr(err)
	}

	if err := os.MkdirAll(cfg.VaultDir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := persistence.ScanAndUnlinkResiduals(cfg.VaultDir, log); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	data, err := blob.Serialize()
	if err != nil {
		return mapErr(err)
	}

	path := blobPathFor(cfg)
	sf, err := persistence.Begin(path, log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	ctx := context.Background()
	if err := sf.WriteAndSync(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := sf.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	headers := map[vault.DeviceID]*vault.DeviceHeader{
		vault.ShadowAnchorID: shadowHeader,
		owner.ID:             ownerHeader,
	}
	headerBytes, err := vault.MarshalHeaderSet(headers)
	if err != nil {
		return mapErr(err)
	}
	if err := store.SetDeviceHeaders(ctx, headerBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := store.SetLocalEpoch(ctx, genesis.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	hash := aup.DeviceSetHash([]vault.DeviceID{vault.ShadowAnchorID, owner.ID})
	if err := store.SetDeviceSetHash(ctx, hash); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

func signingKeyFor(peers []DeviceIdentity, id vault.DeviceID) (*btcec.PublicKey, bool) {
	for _, p := range peers {
		if p.ID == id {
			return p.SigningPublicKey, true
		}
	}
	return nil, false
}

// Unlock rederives VK for self and opens the vault, running the
// startup crash-recovery check first. peers must carry the signing
// public key of every other currently-registered device (spec §9
// open question: device-directory distribution is out of scope, so
// the caller supplies this out-of-band, e.g. from a prior pairing).
func Unlock(cfg config.Config, store metastore.Store, mnemonic string, self DeviceIdentity, peers []DeviceIdentity, broadcaster Broadcaster, log logging.Logger) (*SessionHandle, error) {
	if log == nil {
		log = logging.Noop()
	}
	// The shadow anchor's Handle is rederived fresh from mnemonic on
	// every Unlock rather than persisted: per the custody-console model
	// (DESIGN.md), whoever holds the mnemonic can always act for
	// Device_0, including for root_rotate's unwrap-probe of its new
	// header.
	shadow, err := shadowHandle(mnemonic)
	if err != nil {
		return nil, mapErr(err)
	}

	ctx := context.Background()
	path := blobPathFor(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	blob, err := vault.Deserialize(data)
	if err != nil {
		return nil, mapErr(err)
	}

	coordinator := aup.NewCoordinator(path, store, log)
	if _, err := coordinator.Recover(ctx, blob.Epoch.Version); err != nil {
		return nil, mapErr(err)
	}

	headerBytes, err := store.DeviceHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	headers, err := vault.UnmarshalHeaderSet(headerBytes)
	if err != nil {
		return nil, mapErr(err)
	}

	selfHeader, ok := headers[self.ID]
	if !ok {
		return nil, fmt.Errorf("%w: device %s not registered", ErrUnknownDevice, self.ID)
	}
	shadowHeader, ok := headers[vault.ShadowAnchorID]
	if !ok {
		return nil, fmt.Errorf("%w: shadow anchor header missing", ErrHeaderIncomplete)
	}

	dek, err := (vault.HybridUnwrapper{Backend: self.Handle}).Decapsulate(selfHeader.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderIncomplete, err)
	}
	defer zeroBytes(dek)
	vk := keys.DeriveVaultKey(dek)

	records, err := vault.OpenRecords(vk, blob)
	if err != nil {
		zeroBytes(vk)
		return nil, mapErr(err)
	}

	machine := pqrr.NewMachine(cfg.MaxActiveDevices, log)
	if err := machine.Initialize(blob.Epoch, shadowHeader, selfHeader, shadow.SigningPublicKey(), self.SigningPublicKey); err != nil {
		zeroBytes(vk)
		return nil, mapErr(err)
	}
	for id, h := range headers {
		if id == vault.ShadowAnchorID || id == self.ID {
			continue
		}
		signingKey, ok := signingKeyFor(peers, id)
		if !ok {
			zeroBytes(vk)
			return nil, fmt.Errorf("%w: missing signing key for device %s", ErrPermissionDenied, id)
		}
		if err := machine.RegisterDevice(h, signingKey); err != nil {
			zeroBytes(vk)
			return nil, mapErr(err)
		}
	}

	devices := map[vault.DeviceID]DeviceIdentity{
		self.ID: self,
		vault.ShadowAnchorID: {
			ID:               vault.ShadowAnchorID,
			Handle:           shadow,
			SigningPublicKey: shadow.SigningPublicKey(),
		},
	}
	for _, p := range peers {
		devices[p.ID] = p
	}

	return &SessionHandle{
		sem:         semaphore.NewWeighted(sessionCapacity),
		cfg:         cfg,
		store:       store,
		blobPath:    path,
		coordinator: coordinator,
		machine:     machine,
		broadcaster: broadcaster,
		log:         log,
		self:        self,
		devices:     devices,
		vk:          vk,
		records:     records,
	}, nil
}

// ListRecordIDs returns every record_id currently stored, sorted for
// deterministic output — the redacted-id listing spec §6 names.
func (s *SessionHandle) ListRecordIDs() ([]string, error) {
	s.lockShared()
	defer s.unlockShared()
	if s.locked {
		return nil, ErrLocked
	}
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DecryptField returns the plaintext bytes stored at
// records[recordID][fieldKey].
func (s *SessionHandle) DecryptField(recordID, fieldKey string) ([]byte, error) {
	s.lockShared()
	defer s.unlockShared()
	if s.locked {
		return nil, ErrLocked
	}
	rec, ok := s.records[recordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	val, ok := rec[fieldKey]
	if !ok {
		return nil, ErrFieldNotFound
	}
	return append([]byte(nil), val...), nil
}

// StoreEntry writes (or overwrites) one field and durably persists the
// updated record store under the current epoch's VK. This does not
// change the epoch or device set, so it bypasses the AUP coordinator's
// three-phase protocol (which exists to tie a blob write to a
// committed RekeyingContext) and shadow-writes directly.
func (s *SessionHandle) StoreEntry(ctx context.Context, recordID, fieldKey string, plaintext []byte) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	if s.records == nil {
		s.records = vault.RecordStore{}
	}
	rec, ok := s.records[recordID]
	if !ok {
		rec = vault.Record{}
	}
	rec[fieldKey] = append([]byte(nil), plaintext...)
	s.records[recordID] = rec

	return s.persistRecordsLocked(ctx)
}

func (s *SessionHandle) persistRecordsLocked(ctx context.Context) error {
	blob, err := vault.SealRecords(s.vk, s.machine.CurrentEpoch(), s.records)
	if err != nil {
		return mapErr(err)
	}
	data, err := blob.Serialize()
	if err != nil {
		return mapErr(err)
	}
	sf, err := persistence.Begin(s.blobPath, s.log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := sf.WriteAndSync(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := sf.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// Lock zeroes VK and the in-memory record store; every subsequent
// call on this handle other than Lock itself returns ErrLocked. The
// handle stays locked; Unlock returns a new handle. Idempotent.
func (s *SessionHandle) Lock() error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return nil
	}
	zeroBytes(s.vk)
	s.vk = nil
	s.records = nil
	s.locked = true
	return nil
}

// GetDeviceList returns redacted metadata for every device in the
// active set.
func (s *SessionHandle) GetDeviceList() ([]DeviceInfoRedacted, error) {
	s.lockShared()
	defer s.unlockShared()
	if s.locked {
		return nil, ErrLocked
	}
	ids := s.machine.ActiveDevices()
	out := make([]DeviceInfoRedacted, 0, len(ids))
	for _, id := range ids {
		h, ok := s.machine.Header(id)
		if !ok {
			continue
		}
		var caps []string
		if identity, ok := s.devices[id]; ok {
			caps = identity.Handle.Capabilities()
		}
		out = append(out, DeviceInfoRedacted{
			ID:           id,
			Status:       h.Status,
			CreatedAt:    h.CreatedAt,
			Capabilities: caps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// commitEpochUpgrade runs the full AUP three-phase commit for an
// already-built RekeyingContext, persisting both the new blob (sealed
// under the rotated VK when newVK is non-nil, or the session's current
// VK otherwise) and the new header set.
func (s *SessionHandle) commitEpochUpgrade(ctx context.Context, rk *pqrr.RekeyingContext, newVK []byte) error {
	vk := s.vk
	if newVK != nil {
		vk = newVK
	}
	blob, err := vault.SealRecords(vk, rk.NewEpoch, s.records)
	if err != nil {
		_ = s.coordinator.Abort(s.machine, rk)
		return mapErr(err)
	}
	if err := s.coordinator.Commit(ctx, s.machine, rk, blob); err != nil {
		return mapErr(err)
	}
	headerBytes, err := vault.MarshalHeaderSet(rk.NewHeaders)
	if err != nil {
		return mapErr(err)
	}
	if err := s.store.SetDeviceHeaders(ctx, headerBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if newVK != nil {
		zeroBytes(s.vk)
		s.vk = newVK
	}
	return nil
}

// RegisterDevice pairs a newly-provisioned device into the active set
// without changing the epoch (spec §4.6's register_device — C6's
// pairing primitive, kept separate from the pairing UX/transport that
// spec §1 excludes). It unwrap-probes peer's header under the session's
// current DEK, so the caller's own handle must belong to a currently
// active device.
func (s *SessionHandle) RegisterDevice(ctx context.Context, peer DeviceIdentity, now time.Time) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	dek, err := s.currentDEKLocked()
	if err != nil {
		return err
	}
	defer zeroBytes(dek)

	epoch := s.machine.CurrentEpoch()
	header, err := buildProbedHeader(peer.ID, epoch, peer.Handle, dek, now)
	if err != nil {
		return mapErr(err)
	}
	if err := s.machine.RegisterDevice(header, peer.SigningPublicKey); err != nil {
		return mapErr(err)
	}
	s.devices[peer.ID] = peer

	headers := map[vault.DeviceID]*vault.DeviceHeader{}
	for _, devID := range s.machine.ActiveDevices() {
		h, ok := s.machine.Header(devID)
		if ok {
			headers[devID] = h
		}
	}
	headerBytes, err := vault.MarshalHeaderSet(headers)
	if err != nil {
		return mapErr(err)
	}
	if err := s.store.SetDeviceHeaders(ctx, headerBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// RevokeDevice removes id from the active set under a newly-committed
// epoch. The remaining devices keep their existing wrapped DEK (VK is
// unchanged) — revocation here only withdraws future write access to
// headers, matching the end-to-end scenario in spec §8 where the
// surviving device still decrypts a record stored before the
// revocation.
func (s *SessionHandle) RevokeDevice(ctx context.Context, id vault.DeviceID, now time.Time) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	epoch := s.machine.CurrentEpoch()
	next := epoch.Next(now.Unix())

	if err := s.machine.RevokeDevice(id, next); err != nil {
		return mapErr(err)
	}
	delete(s.devices, id)

	// VK is unchanged (revocation withdraws header access only, per
	// spec §8 scenario 1), but SealRecords binds ciphertext to its
	// epoch via AAD, so the blob must still be resealed under the new
	// epoch — otherwise the on-disk blob's epoch would lag the
	// metastore's, and the next startup's CrashRecovery check would
	// see that as MetadataAhead and meltdown.
	if err := s.persistRecordsLocked(ctx); err != nil {
		return err
	}

	headers := map[vault.DeviceID]*vault.DeviceHeader{}
	for _, devID := range s.machine.ActiveDevices() {
		h, ok := s.machine.Header(devID)
		if ok {
			headers[devID] = h
		}
	}
	headerBytes, err := vault.MarshalHeaderSet(headers)
	if err != nil {
		return mapErr(err)
	}
	if err := s.store.SetDeviceHeaders(ctx, headerBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := s.store.SetLocalEpoch(ctx, next.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// RootRotate re-wraps every active device's DEK under a freshly
// generated one, without changing the active set. It requires the
// session to hold every active device's Handle locally (a
// single-operator custody console, or a test fixture — see
// DESIGN.md), since unwrap-probing each new header needs that device's
// own Decapsulate capability.
//
// Before initiating the rekey it enforces spec §4.8's version floor:
// any active device whose last-advertised ProtocolVersion is below
// cfg.MinProtocolVersion is treated as requiring a forced upgrade, and
// the whole rotation is refused rather than silently excluding it —
// RootRotate never changes the active set on its own.
func (s *SessionHandle) RootRotate(ctx context.Context, now time.Time) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	for _, id := range s.machine.ActiveDevices() {
		identity, ok := s.devices[id]
		if !ok || identity.ProtocolVersion == 0 {
			continue
		}
		canRekey, err := wire.NegotiateVersion(identity.ProtocolVersion, s.cfg.MinProtocolVersion)
		if err != nil {
			return mapErr(err)
		}
		if !canRekey {
			return fmt.Errorf("%w: device %s is on protocol version %d, floor is %d",
				ErrPeerProtocolTooOld, id, identity.ProtocolVersion, s.cfg.MinProtocolVersion)
		}
	}

	next := s.machine.CurrentEpoch().Next(now.Unix())

	rk, err := s.machine.RootRotate(next)
	if err != nil {
		return mapErr(err)
	}

	newDEK := make([]byte, 32)
	if _, err := rand.Read(newDEK); err != nil {
		_ = s.coordinator.Abort(s.machine, rk)
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	defer zeroBytes(newDEK)

	for _, id := range s.machine.ActiveDevices() {
		identity, ok := s.devices[id]
		if !ok {
			_ = s.coordinator.Abort(s.machine, rk)
			return fmt.Errorf("%w: no local handle for active device %s", ErrPermissionDenied, id)
		}
		header, err := buildProbedHeader(id, next, identity.Handle, newDEK, now)
		if err != nil {
			_ = s.coordinator.Abort(s.machine, rk)
			return mapErr(err)
		}
		rk.AddHeader(header)
	}

	newVK := keys.DeriveVaultKey(newDEK)
	return s.commitEpochUpgrade(ctx, rk, newVK)
}

// InitiateRecovery opens a 48-hour recovery window, signed by self
// using IK if self is the shadow anchor (a fresh handset holding only
// the mnemonic) or by self's own hardware key otherwise, and
// broadcasts the request to every paired device.
func (s *SessionHandle) InitiateRecovery(ctx context.Context, requestID string, now time.Time) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	message := []byte(fmt.Sprintf("recover:%s:%d", requestID, now.Unix()))
	sig, err := s.self.Handle.Sign(message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	if _, err := s.machine.InitiateRecovery(requestID, s.self.ID, message, sig, now, pqrr.DefaultRecoveryWindowDuration); err != nil {
		return mapErr(err)
	}

	if s.broadcaster != nil {
		payload := []byte(requestID)
		if err := s.broadcaster.Send(ctx, uint32(s.machine.CurrentEpoch().Version), wire.PayloadTypeRecovery, payload); err != nil {
			s.log.Warn(ctx, "failed to broadcast recovery initiation", "error", err)
		}
	}
	return nil
}

// SubmitVeto records vetoingDevice's veto against the currently open
// recovery window.
func (s *SessionHandle) SubmitVeto(vetoingDevice vault.DeviceID, now time.Time) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	return mapErr(s.machine.SubmitVeto(vetoingDevice, now))
}

// FinalizeRecovery closes the open recovery window, electing newOwner
// as the sole real active device on success (spec §4.6), while keeping
// the shadow anchor's header alive under the same next epoch — Device_0
// must always remain publishable, and unlock requires it to exist.
// Distinct from SPEC_FULL.md's literal finalize_recovery(recovery_id)
// signature only in that the new hardware device must be supplied by
// name: the distilled spec does not say where that identity comes from,
// so it is threaded through explicitly here rather than assumed.
func (s *SessionHandle) FinalizeRecovery(ctx context.Context, now time.Time, newOwner DeviceIdentity) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}

	shadowIdentity, ok := s.devices[vault.ShadowAnchorID]
	if !ok {
		return fmt.Errorf("%w: no local handle for shadow anchor", ErrPermissionDenied)
	}

	next := s.machine.CurrentEpoch().Next(now.Unix())
	dek, err := s.currentDEKLocked()
	if err != nil {
		return err
	}
	defer zeroBytes(dek)

	shadowHeader, err := buildProbedHeader(vault.ShadowAnchorID, next, shadowIdentity.Handle, dek, now)
	if err != nil {
		return mapErr(err)
	}
	header, err := buildProbedHeader(newOwner.ID, next, newOwner.Handle, dek, now)
	if err != nil {
		return mapErr(err)
	}

	if err := s.machine.FinalizeRecovery(now, next, shadowHeader, header,
		shadowIdentity.SigningPublicKey, newOwner.SigningPublicKey); err != nil {
		return mapErr(err)
	}

	s.devices = map[vault.DeviceID]DeviceIdentity{
		vault.ShadowAnchorID: shadowIdentity,
		newOwner.ID:          newOwner,
	}
	s.self = newOwner

	headers := map[vault.DeviceID]*vault.DeviceHeader{
		vault.ShadowAnchorID: shadowHeader,
		newOwner.ID:          header,
	}
	headerBytes, err := vault.MarshalHeaderSet(headers)
	if err != nil {
		return mapErr(err)
	}
	if err := s.store.SetDeviceHeaders(ctx, headerBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if err := s.store.SetLocalEpoch(ctx, next.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return s.persistRecordsLocked(ctx)
}

// currentDEKLocked recovers the DEK backing the session's current VK
// by unwrapping self's own header again. VK is one-way derived from
// DEK (keys.DeriveVaultKey), so finalize_recovery's forced root
// rotation — which must re-wrap DEK for exactly one new device — needs
// the DEK itself, not just VK.
func (s *SessionHandle) currentDEKLocked() ([]byte, error) {
	h, ok := s.machine.Header(s.self.ID)
	if !ok {
		return nil, fmt.Errorf("%w: self device missing from active set", ErrUnknownDevice)
	}
	dek, err := (vault.HybridUnwrapper{Backend: s.self.Handle}).Decapsulate(h.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderIncomplete, err)
	}
	return dek, nil
}

// VerifyVaultIntegrity checks that blobBytes parses as a well-formed
// VaultBlob and authenticates under the session's current VK, without
// mutating any session state. It returns (false, nil) for a
// structurally sound blob that simply fails to authenticate, and
// (false, err) for a malformed one — spec §6 only asks for a boolean,
// but a malformed blob is a distinguishable, logged condition.
func (s *SessionHandle) VerifyVaultIntegrity(blobBytes []byte) (bool, error) {
	s.lockShared()
	defer s.unlockShared()
	if s.locked {
		return false, ErrLocked
	}
	blob, err := vault.Deserialize(blobBytes)
	if err != nil {
		return false, mapErr(err)
	}
	if _, err := vault.OpenRecords(s.vk, blob); err != nil {
		return false, nil
	}
	return true, nil
}

// SetRole records the session's current privilege role (spec §4.6's
// set_role). A session placed in invariants.RoleRecovery has
// decryption authority but I3 then rejects any subsequent RootRotate
// call with ErrInsufficientPrivileges until the role is set back to
// invariants.RoleManagement — role is independent of what operation is
// in flight, so nothing flips it automatically.
func (s *SessionHandle) SetRole(role invariants.Role) error {
	s.lockExclusive()
	defer s.unlockExclusive()
	if s.locked {
		return ErrLocked
	}
	s.machine.SetRole(role)
	return nil
}

// Role reports the session's current privilege role.
func (s *SessionHandle) Role() (invariants.Role, error) {
	s.lockShared()
	defer s.unlockShared()
	if s.locked {
		return 0, ErrLocked
	}
	return s.machine.Role(), nil
}
