package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeternum/vault-kernel/internal/devicekey"
	"github.com/aeternum/vault-kernel/internal/metastore"
	"github.com/aeternum/vault-kernel/pkg/aeternum/config"
	"github.com/aeternum/vault-kernel/pkg/aeternum/invariants"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.VaultDir = t.TempDir()
	return cfg
}

func newTestOwner(t *testing.T) DeviceIdentity {
	t.Helper()
	handle, err := devicekey.NewFake()
	require.NoError(t, err)
	id, err := vault.NewDeviceID()
	require.NoError(t, err)
	return DeviceIdentity{ID: id, Handle: handle, SigningPublicKey: handle.SigningPublicKey()}
}

// freshVault initializes and unlocks a vault with a single real device,
// returning the config/store/owner so the caller can Lock and re-Unlock.
func freshVault(t *testing.T) (config.Config, metastore.Store, DeviceIdentity, *SessionHandle) {
	t.Helper()
	cfg := testConfig(t)
	store := metastore.NewMemory()
	owner := newTestOwner(t)
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, InitializeVault(cfg, store, testMnemonic, owner, now, nil))

	s, err := Unlock(cfg, store, testMnemonic, owner, nil, nil, nil)
	require.NoError(t, err)
	return cfg, store, owner, s
}

func TestInitializeAndUnlockRoundTrip(t *testing.T) {
	_, _, owner, s := freshVault(t)

	ids, err := s.ListRecordIDs()
	require.NoError(t, err)
	require.Empty(t, ids)

	devices, err := s.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	var sawOwner, sawShadow bool
	for _, d := range devices {
		require.Equal(t, vault.DeviceStatusActive, d.Status)
		switch d.ID {
		case owner.ID:
			sawOwner = true
			require.Contains(t, d.Capabilities, "sign")
		case vault.ShadowAnchorID:
			sawShadow = true
			require.Contains(t, d.Capabilities, "shadow_anchor")
		}
	}
	require.True(t, sawOwner)
	require.True(t, sawShadow)
}

func TestUnlockRejectsInvalidMnemonic(t *testing.T) {
	cfg := testConfig(t)
	store := metastore.NewMemory()
	owner := newTestOwner(t)
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, InitializeVault(cfg, store, testMnemonic, owner, now, nil))

	_, err := Unlock(cfg, store, "not a valid mnemonic at all", owner, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestStoreAndDecryptFieldRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, _, _, s := freshVault(t)

	require.NoError(t, s.StoreEntry(ctx, "rec-1", "password", []byte("hunter2")))

	ids, err := s.ListRecordIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"rec-1"}, ids)

	val, err := s.DecryptField("rec-1", "password")
	require.NoError(t, err)
	require.Equal(t, []byte("hunter2"), val)

	_, err = s.DecryptField("rec-1", "missing-field")
	require.ErrorIs(t, err, ErrFieldNotFound)

	_, err = s.DecryptField("no-such-record", "password")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

// scenario (spec §8): a stored entry survives a lock/unlock cycle,
// durably written to the vault.db file rather than only held in memory.
func TestStoreEntryPersistsAcrossLockUnlock(t *testing.T) {
	ctx := context.Background()
	cfg, store, owner, s := freshVault(t)

	require.NoError(t, s.StoreEntry(ctx, "rec-1", "note", []byte("remember me")))
	require.NoError(t, s.Lock())

	_, err := s.ListRecordIDs()
	require.ErrorIs(t, err, ErrLocked)

	s2, err := Unlock(cfg, store, testMnemonic, owner, nil, nil, nil)
	require.NoError(t, err)

	val, err := s2.DecryptField("rec-1", "note")
	require.NoError(t, err)
	require.Equal(t, []byte("remember me"), val)
}

func TestLockIsIdempotent(t *testing.T) {
	_, _, _, s := freshVault(t)
	require.NoError(t, s.Lock())
	require.NoError(t, s.Lock())
}

// scenario (spec §8): a device pairs in, writes nothing, then gets
// revoked; the original owner keeps both device-list membership and
// record access across the epoch bump revocation forces.
func TestRegisterThenRevokeDeviceRemovesFromActiveSetKeepsRecords(t *testing.T) {
	ctx := context.Background()
	cfg, store, owner, s := freshVault(t)

	require.NoError(t, s.StoreEntry(ctx, "rec-1", "field", []byte("payload")))

	phone := newTestOwner(t)
	require.NoError(t, s.RegisterDevice(ctx, phone, time.Unix(1_700_000_100, 0)))

	devices, err := s.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	require.NoError(t, s.RevokeDevice(ctx, phone.ID, time.Unix(1_700_000_200, 0)))

	devices, err = s.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, d := range devices {
		require.NotEqual(t, phone.ID, d.ID)
	}

	// the surviving owner still decrypts the record stored before
	// revocation, and the reseal survives a lock/unlock cycle.
	require.NoError(t, s.Lock())
	s2, err := Unlock(cfg, store, testMnemonic, owner, nil, nil, nil)
	require.NoError(t, err)
	val, err := s2.DecryptField("rec-1", "field")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), val)

	_, err = s2.GetDeviceList()
	require.NoError(t, err)
}

func TestRevokeUnknownDeviceFails(t *testing.T) {
	ctx := context.Background()
	_, _, _, s := freshVault(t)

	ghost, err := vault.NewDeviceID()
	require.NoError(t, err)
	err = s.RevokeDevice(ctx, ghost, time.Unix(1_700_000_100, 0))
	require.ErrorIs(t, err, ErrUnknownDevice)
}

// RootRotate re-wraps every active device's DEK under a freshly
// generated one; the session's own data remains readable afterward.
func TestRootRotateRewrapsAndPreservesData(t *testing.T) {
	ctx := context.Background()
	cfg, store, owner, s := freshVault(t)

	require.NoError(t, s.StoreEntry(ctx, "rec-1", "field", []byte("before rotation")))

	epochBefore := s.machine.CurrentEpoch().Version
	require.NoError(t, s.RootRotate(ctx, time.Unix(1_700_000_300, 0)))
	require.Greater(t, s.machine.CurrentEpoch().Version, epochBefore)

	val, err := s.DecryptField("rec-1", "field")
	require.NoError(t, err)
	require.Equal(t, []byte("before rotation"), val)

	require.NoError(t, s.Lock())
	s2, err := Unlock(cfg, store, testMnemonic, owner, nil, nil, nil)
	require.NoError(t, err)
	val, err = s2.DecryptField("rec-1", "field")
	require.NoError(t, err)
	require.Equal(t, []byte("before rotation"), val)
}

// scenario (spec §8): a veto submitted inside the 48-hour recovery
// window blocks finalization at the session-API level.
func TestInitiateRecoveryVetoBlocksFinalization(t *testing.T) {
	ctx := context.Background()
	_, _, owner, s := freshVault(t)

	start := time.Unix(1_700_001_000, 0)
	require.NoError(t, s.InitiateRecovery(ctx, "req-1", start))

	require.NoError(t, s.SubmitVeto(owner.ID, start.Add(1*time.Hour)))

	newOwner := newTestOwner(t)
	err := s.FinalizeRecovery(ctx, start.Add(49*time.Hour), newOwner)
	require.ErrorIs(t, err, ErrVetoed)

	devices, err := s.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

// scenario (spec §8): once the recovery window elapses with no veto,
// finalize_recovery performs the forced root rotation — the new device
// becomes sole active device and the prior owner loses access.
func TestFinalizeRecoveryForcesRootRotation(t *testing.T) {
	ctx := context.Background()
	cfg, store, _, s := freshVault(t)

	require.NoError(t, s.StoreEntry(ctx, "rec-1", "field", []byte("recovered data")))

	start := time.Unix(1_700_002_000, 0)
	require.NoError(t, s.InitiateRecovery(ctx, "req-2", start))

	newOwner := newTestOwner(t)
	require.NoError(t, s.FinalizeRecovery(ctx, start.Add(49*time.Hour), newOwner))

	devices, err := s.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	var sawNewOwner, sawShadow bool
	for _, d := range devices {
		switch d.ID {
		case newOwner.ID:
			sawNewOwner = true
		case vault.ShadowAnchorID:
			sawShadow = true
		}
	}
	require.True(t, sawNewOwner)
	require.True(t, sawShadow)

	val, err := s.DecryptField("rec-1", "field")
	require.NoError(t, err)
	require.Equal(t, []byte("recovered data"), val)

	require.NoError(t, s.Lock())
	s2, err := Unlock(cfg, store, testMnemonic, newOwner, nil, nil, nil)
	require.NoError(t, err)
	val, err = s2.DecryptField("rec-1", "field")
	require.NoError(t, err)
	require.Equal(t, []byte("recovered data"), val)
}

// scenario (spec §8.6, "permission confusion"): a session placed in
// role Recovery cannot root_rotate, and restoring role Management lifts
// the restriction again.
func TestSetRoleRecoveryBlocksRootRotateUntilRestored(t *testing.T) {
	ctx := context.Background()
	_, _, _, s := freshVault(t)

	role, err := s.Role()
	require.NoError(t, err)
	require.Equal(t, invariants.RoleManagement, role)

	require.NoError(t, s.SetRole(invariants.RoleRecovery))
	role, err = s.Role()
	require.NoError(t, err)
	require.Equal(t, invariants.RoleRecovery, role)

	err = s.RootRotate(ctx, time.Unix(1_700_000_300, 0))
	require.ErrorIs(t, err, ErrInsufficientPrivileges)

	require.NoError(t, s.SetRole(invariants.RoleManagement))
	require.NoError(t, s.RootRotate(ctx, time.Unix(1_700_000_600, 0)))
}

// FinalizeRecovery must not itself force the session into role
// Recovery: the newly-elected owner still has full management
// authority and can root_rotate in the same session afterward.
func TestFinalizeRecoveryDoesNotLockOutSubsequentRootRotate(t *testing.T) {
	ctx := context.Background()
	_, _, _, s := freshVault(t)

	start := time.Unix(1_700_002_000, 0)
	require.NoError(t, s.InitiateRecovery(ctx, "req-3", start))

	newOwner := newTestOwner(t)
	require.NoError(t, s.FinalizeRecovery(ctx, start.Add(49*time.Hour), newOwner))

	role, err := s.Role()
	require.NoError(t, err)
	require.Equal(t, invariants.RoleManagement, role)

	require.NoError(t, s.RootRotate(ctx, start.Add(50*time.Hour)))
}

// scenario (spec §4.8): a device whose last-advertised protocol
// version is below the configured floor blocks the whole rekey rather
// than being silently dropped from the new header set.
func TestRootRotateRefusesBelowProtocolVersionFloor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MinProtocolVersion = 2
	store := metastore.NewMemory()
	owner := newTestOwner(t)
	owner.ProtocolVersion = 1
	now := time.Unix(1_700_000_000, 0)

	require.NoError(t, InitializeVault(cfg, store, testMnemonic, owner, now, nil))
	s, err := Unlock(cfg, store, testMnemonic, owner, nil, nil, nil)
	require.NoError(t, err)

	err = s.RootRotate(ctx, now.Add(5*time.Minute))
	require.ErrorIs(t, err, ErrPeerProtocolTooOld)

	epoch := s.machine.CurrentEpoch().Version
	owner.ProtocolVersion = 2
	s.devices[owner.ID] = owner
	require.NoError(t, s.RootRotate(ctx, now.Add(10*time.Minute)))
	require.Greater(t, s.machine.CurrentEpoch().Version, epoch)
}

func TestVerifyVaultIntegrity(t *testing.T) {
	ctx := context.Background()
	_, _, _, s := freshVault(t)
	require.NoError(t, s.StoreEntry(ctx, "rec-1", "field", []byte("data")))

	blob, err := vault.SealRecords(s.vk, s.machine.CurrentEpoch(), s.records)
	require.NoError(t, err)
	data, err := blob.Serialize()
	require.NoError(t, err)

	ok, err := s.VerifyVaultIntegrity(data)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xFF
	ok, err = s.VerifyVaultIntegrity(tampered)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.VerifyVaultIntegrity([]byte("too short to be a blob"))
	require.Error(t, err)
}

func TestLockedSessionRejectsAllOperations(t *testing.T) {
	ctx := context.Background()
	_, _, owner, s := freshVault(t)
	require.NoError(t, s.Lock())

	_, err := s.ListRecordIDs()
	require.ErrorIs(t, err, ErrLocked)
	_, err = s.DecryptField("rec-1", "field")
	require.ErrorIs(t, err, ErrLocked)
	require.ErrorIs(t, s.StoreEntry(ctx, "rec-1", "field", []byte("x")), ErrLocked)
	_, err = s.GetDeviceList()
	require.ErrorIs(t, err, ErrLocked)
	require.ErrorIs(t, s.RevokeDevice(ctx, owner.ID, time.Now()), ErrLocked)
	require.ErrorIs(t, s.RootRotate(ctx, time.Now()), ErrLocked)
	require.ErrorIs(t, s.InitiateRecovery(ctx, "req", time.Now()), ErrLocked)
	require.ErrorIs(t, s.SubmitVeto(owner.ID, time.Now()), ErrLocked)
	require.ErrorIs(t, s.FinalizeRecovery(ctx, time.Now(), owner), ErrLocked)
	_, err = s.VerifyVaultIntegrity(nil)
	require.ErrorIs(t, err, ErrLocked)
}
