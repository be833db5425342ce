package aup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/aeternum/vault-kernel/internal/devicekey"
	"github.com/aeternum/vault-kernel/internal/metastore"
	"github.com/aeternum/vault-kernel/pkg/aeternum/pqrr"
	"github.com/aeternum/vault-kernel/pkg/aeternum/vault"
)

type signingHandle interface {
	devicekey.Handle
	SigningPublicKey() *btcec.PublicKey
}

func buildDevice(t *testing.T, handle signingHandle, epoch vault.Epoch, dek []byte) (vault.DeviceID, *vault.DeviceHeader) {
	t.Helper()
	id, err := vault.NewDeviceID()
	require.NoError(t, err)
	encrypted, err := vault.WrapDEK(handle.PublicKey(), dek)
	require.NoError(t, err)
	header, err := vault.NewDeviceHeader(id, epoch, handle.PublicKey(), encrypted, dek,
		vault.HybridUnwrapper{Backend: handle}, time.Now())
	require.NoError(t, err)
	return id, header
}

func blobFor(epoch vault.Epoch) *vault.VaultBlob {
	return &vault.VaultBlob{
		BlobVersion: vault.CurrentBlobVersion,
		Epoch:       epoch,
		Ciphertext:  []byte("ciphertext-placeholder"),
	}
}

func TestCoordinatorCommitAdvancesEpochAndMetadata(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "vault.db")
	store := metastore.NewMemory()

	genesis := vault.InitialEpoch(1000)
	dek := make([]byte, 32)

	fake, err := devicekey.NewFake()
	require.NoError(t, err)
	id, header := buildDevice(t, fake, genesis, dek)

	shadowHandle, err := devicekey.NewFake()
	require.NoError(t, err)
	shadowID := vault.ShadowAnchorID
	shadowEncrypted, err := vault.WrapDEK(shadowHandle.PublicKey(), dek)
	require.NoError(t, err)
	shadowHeader, err := vault.NewDeviceHeader(shadowID, genesis, shadowHandle.PublicKey(), shadowEncrypted, dek,
		vault.HybridUnwrapper{Backend: shadowHandle}, time.Now())
	require.NoError(t, err)

	m := pqrr.NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadowHeader, header, shadowHandle.SigningPublicKey(), fake.SigningPublicKey()))

	next := genesis.Next(2000)
	ctxRK, err := m.BeginEpochUpgrade(next)
	require.NoError(t, err)

	newDEK := make([]byte, 32)
	for _, d := range []struct {
		id     vault.DeviceID
		handle signingHandle
	}{{id, fake}, {shadowID, shadowHandle}} {
		encrypted, err := vault.WrapDEK(d.handle.PublicKey(), newDEK)
		require.NoError(t, err)
		h, err := vault.NewDeviceHeader(d.id, next, d.handle.PublicKey(), encrypted, newDEK,
			vault.HybridUnwrapper{Backend: d.handle}, time.Now())
		require.NoError(t, err)
		ctxRK.AddHeader(h)
	}
	require.True(t, ctxRK.Done())

	coord := NewCoordinator(blobPath, store, nil)
	require.NoError(t, coord.Commit(context.Background(), m, ctxRK, blobFor(next)))

	require.Equal(t, next.Version, m.CurrentEpoch().Version)
	require.Equal(t, pqrr.StateIdle, m.State())

	gotEpoch, err := store.LocalEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, next.Version, gotEpoch)

	hash, err := store.DeviceSetHash(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	data, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	parsed, err := vault.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, next.Version, parsed.Epoch.Version)

	_, err = os.Stat(blobPath + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCoordinatorCommitCancelledBeforePrepareAbortsCleanly(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "vault.db")
	store := metastore.NewMemory()

	genesis := vault.InitialEpoch(1000)
	dek := make([]byte, 32)
	fake, err := devicekey.NewFake()
	require.NoError(t, err)
	id, header := buildDevice(t, fake, genesis, dek)
	shadowHandle, err := devicekey.NewFake()
	require.NoError(t, err)
	shadowEncrypted, err := vault.WrapDEK(shadowHandle.PublicKey(), dek)
	require.NoError(t, err)
	shadowHeader, err := vault.NewDeviceHeader(vault.ShadowAnchorID, genesis, shadowHandle.PublicKey(), shadowEncrypted, dek,
		vault.HybridUnwrapper{Backend: shadowHandle}, time.Now())
	require.NoError(t, err)

	m := pqrr.NewMachine(16, nil)
	require.NoError(t, m.Initialize(genesis, shadowHeader, header, shadowHandle.SigningPublicKey(), fake.SigningPublicKey()))

	next := genesis.Next(2000)
	ctxRK, err := m.BeginEpochUpgrade(next)
	require.NoError(t, err)
	// Leave ctxRK incomplete: Prepare must fail without touching disk.

	coord := NewCoordinator(blobPath, store, nil)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	err = coord.Commit(cancelled, m, ctxRK, blobFor(next))
	require.Error(t, err)
	require.Equal(t, pqrr.StateIdle, m.State())
	require.Equal(t, genesis.Version, m.CurrentEpoch().Version)

	_, statErr := os.Stat(blobPath)
	require.True(t, os.IsNotExist(statErr))

	_ = id
}

func TestCoordinatorRecoverHealsBlobAhead(t *testing.T) {
	store := metastore.NewMemory()
	require.NoError(t, store.SetLocalEpoch(context.Background(), 3))

	coord := NewCoordinator(filepath.Join(t.TempDir(), "vault.db"), store, nil)
	state, err := coord.Recover(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, state.String(), "blob_ahead")

	got, err := store.LocalEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), got)
}

func TestCoordinatorRecoverDetectsMeltdown(t *testing.T) {
	store := metastore.NewMemory()
	require.NoError(t, store.SetLocalEpoch(context.Background(), 9))

	coord := NewCoordinator(filepath.Join(t.TempDir(), "vault.db"), store, nil)
	_, err := coord.Recover(context.Background(), 5)
	require.Error(t, err)
}
