package pqrr

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/aeternum/vault-kernel/internal/devicekey"
	"github.com/aeternum/vault-kernel/pkg/aeternum/invariants"
	"github.com/aeternum/vault-kernel/pkg/aeternum/keys"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

// signingHandle is satisfied by both devicekey.Fake and devicekey.Shadow.
type signingHandle interface {
	devicekey.Handle
	SigningPublicKey() *btcec.PublicKey
}

// testDevice bundles a device handle with the header that registers
// it, so scenario tests can build a small fleet quickly.
type testDevice struct {
	id     vault.DeviceID
	handle signingHandle
	header *vault.DeviceHeader
}

func (d testDevice) unwrapper() vault.Unwrapper {
	return vault.HybridUnwrapper{Backend: d.handle}
}

func buildDevice(t *testing.T, id vault.DeviceID, handle signingHandle, epoch vault.Epoch, dek []byte) testDevice {
	t.Helper()
	encrypted, err := vault.WrapDEK(handle.PublicKey(), dek)
	require.NoError(t, err)
	header, err := vault.NewDeviceHeader(id, epoch, handle.PublicKey(), encrypted, dek,
		vault.HybridUnwrapper{Backend: handle}, time.Now())
	require.NoError(t, err)
	return testDevice{id: id, handle: handle, header: header}
}

func newTestDevice(t *testing.T, epoch vault.Epoch, dek []byte) testDevice {
	t.Helper()
	handle, err := devicekey.NewFake()
	require.NoError(t, err)
	id, err := vault.NewDeviceID()
	require.NoError(t, err)
	return buildDevice(t, id, handle, epoch, dek)
}

func newTestShadow(t *testing.T, epoch vault.Epoch, dek []byte) testDevice {
	t.Helper()
	seed, err := keys.DeriveMasterSeed("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about")
	require.NoError(t, err)
	rk := keys.DeriveRecoveryKey(seed)
	ik := keys.DeriveIdentityKey(seed)

	hybrid, err := keys.DeriveShadowDeviceKeys(rk)
	require.NoError(t, err)
	signing := keys.DeriveIdentitySigningKey(ik)
	shadow := devicekey.NewShadow(hybrid, signing)

	return buildDevice(t, vault.ShadowAnchorID, shadow, epoch, dek)
}

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}
	return dek
}

// scenario 1 (spec §8): revoking a device removes it from the active
// set while leaving the rest of the fleet intact, under a strictly
// newer epoch.
func TestRevokeDeviceRemovesFromActiveSet(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)

	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)
	phone := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))
	require.NoError(t, m.RegisterDevice(phone.header, phone.handle.SigningPublicKey()))

	require.ElementsMatch(t, []vault.DeviceID{shadow.id, laptop.id, phone.id}, m.ActiveDevices())

	next := genesis.Next(2000)
	require.NoError(t, m.RevokeDevice(phone.id, next))

	active := m.ActiveDevices()
	require.ElementsMatch(t, []vault.DeviceID{shadow.id, laptop.id}, active)
	require.Equal(t, next.Version, m.CurrentEpoch().Version)
	require.Equal(t, StateIdle, m.State())
}

// RevokeDevice on an unknown device fails without mutating state.
func TestRevokeDeviceUnknown(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	ghost, err := vault.NewDeviceID()
	require.NoError(t, err)
	err = m.RevokeDevice(ghost, genesis.Next(2000))
	require.ErrorIs(t, err, ErrUnknownDevice)
	require.Equal(t, StateIdle, m.State())
}

// scenario 5 (spec §8): a veto submitted inside the 48-hour recovery
// window blocks finalization even once the window later elapses.
func TestRecoveryVetoWithinWindowBlocksFinalization(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)
	guardian := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))
	require.NoError(t, m.RegisterDevice(guardian.header, guardian.handle.SigningPublicKey()))

	start := time.Now()
	msg := []byte("recover vault at " + start.String())
	sig, err := laptop.handle.Sign(msg)
	require.NoError(t, err)

	_, err = m.InitiateRecovery("req-1", laptop.id, msg, sig, start, DefaultRecoveryWindowDuration)
	require.NoError(t, err)
	require.Equal(t, StateRecoveryInitiated, m.State())

	require.NoError(t, m.SubmitVeto(guardian.id, start.Add(1*time.Hour)))

	next := genesis.Next(2000)
	replacement := newTestDevice(t, next, dek)
	shadowReplacement := buildDevice(t, vault.ShadowAnchorID, shadow.handle, next, dek)
	err = m.FinalizeRecovery(start.Add(49*time.Hour), next, shadowReplacement.header, replacement.header,
		shadow.handle.SigningPublicKey(), replacement.handle.SigningPublicKey())
	require.ErrorIs(t, err, ErrVetoed)
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, invariants.RoleManagement, m.Role())
	require.ElementsMatch(t, []vault.DeviceID{shadow.id, laptop.id, guardian.id}, m.ActiveDevices())
}

// A veto submitted after the window has elapsed is rejected outright
// rather than silently accepted.
func TestVetoAfterWindowExpires(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)
	guardian := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))
	require.NoError(t, m.RegisterDevice(guardian.header, guardian.handle.SigningPublicKey()))

	start := time.Now()
	msg := []byte("recover vault")
	sig, err := laptop.handle.Sign(msg)
	require.NoError(t, err)
	_, err = m.InitiateRecovery("req-2", laptop.id, msg, sig, start, DefaultRecoveryWindowDuration)
	require.NoError(t, err)

	err = m.SubmitVeto(guardian.id, start.Add(49*time.Hour))
	require.ErrorIs(t, err, ErrVetoExpired)

	next := genesis.Next(2000)
	replacement := newTestDevice(t, next, dek)
	shadowReplacement := buildDevice(t, vault.ShadowAnchorID, shadow.handle, next, dek)
	require.NoError(t, m.FinalizeRecovery(start.Add(50*time.Hour), next, shadowReplacement.header, replacement.header,
		shadow.handle.SigningPublicKey(), replacement.handle.SigningPublicKey()))
	require.Equal(t, invariants.RoleManagement, m.Role())
	require.ElementsMatch(t, []vault.DeviceID{vault.ShadowAnchorID, replacement.id}, m.ActiveDevices())
}

// A fresh handset holding only the mnemonic can sign and initiate
// recovery as the shadow anchor, since its identity signing key was
// registered at Initialize time alongside the real device's.
func TestShadowAnchorCanInitiateRecovery(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	start := time.Now()
	msg := []byte("recover vault via shadow anchor")
	sig, err := shadow.handle.Sign(msg)
	require.NoError(t, err)

	_, err = m.InitiateRecovery("req-shadow", shadow.id, msg, sig, start, DefaultRecoveryWindowDuration)
	require.NoError(t, err)
	require.Equal(t, StateRecoveryInitiated, m.State())
}

// scenario 6 (spec §8): a session in the recovery role cannot invoke
// root-rotation — I3's causal barrier.
func TestRecoveryRoleCannotRootRotate(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))
	m.SetRole(invariants.RoleRecovery)

	_, err := m.RootRotate(genesis.Next(2000))
	require.ErrorIs(t, err, ErrInsufficientPrivileges)
	require.Equal(t, StateIdle, m.State())
}

// A session in the management role may root-rotate freely.
func TestRootRotateAllowedInManagementRole(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	ctx, err := m.RootRotate(genesis.Next(2000))
	require.NoError(t, err)
	require.Equal(t, StateRekeying, m.State())
	require.NoError(t, m.AbortEpochUpgrade(ctx))
}

func TestBeginEpochUpgradeRejectsNonMonotonic(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	_, err := m.BeginEpochUpgrade(vault.Epoch{Version: 0})
	require.Error(t, err)
}

func TestEpochUpgradeCommitCycle(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	next := genesis.Next(5000)
	ctx, err := m.BeginEpochUpgrade(next)
	require.NoError(t, err)
	require.Equal(t, StateRekeying, m.State())

	newDEK := testDEK(t)
	for _, dev := range []testDevice{shadow, laptop} {
		encrypted, err := vault.WrapDEK(dev.header.PublicKey, newDEK)
		require.NoError(t, err)
		h, err := vault.NewDeviceHeader(dev.id, next, dev.header.PublicKey, encrypted, newDEK, dev.unwrapper(), time.Now())
		require.NoError(t, err)
		ctx.AddHeader(h)
	}

	require.True(t, ctx.Done())
	require.NoError(t, m.ValidateEpochUpgrade(ctx))
	require.NoError(t, m.CommitEpochUpgrade(ctx))
	require.Equal(t, next.Version, m.CurrentEpoch().Version)
	require.Equal(t, StateIdle, m.State())
}

// AbortEpochUpgrade leaves the committed epoch untouched.
func TestAbortEpochUpgrade(t *testing.T) {
	genesis := vault.InitialEpoch(1000)
	dek := testDEK(t)
	shadow := newTestShadow(t, genesis, dek)
	laptop := newTestDevice(t, genesis, dek)

	m := NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadow.header, laptop.header, shadow.handle.SigningPublicKey(), laptop.handle.SigningPublicKey()))

	ctx, err := m.BeginEpochUpgrade(genesis.Next(5000))
	require.NoError(t, err)
	require.NoError(t, m.AbortEpochUpgrade(ctx))

	require.Equal(t, genesis.Version, m.CurrentEpoch().Version)
	require.Equal(t, StateIdle, m.State())
}
