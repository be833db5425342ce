package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVaultBlobRoundTrip(t *testing.T) {
	b := &VaultBlob{
		BlobVersion: CurrentBlobVersion,
		Epoch:       Epoch{Version: 3, Timestamp: 1234567890, AlgorithmTag: AlgorithmTagV1},
		Ciphertext:  []byte("some ciphertext bytes, arbitrary length"),
	}
	copy(b.Nonce[:], []byte("0123456789abcdefghijklmn"))
	copy(b.AuthTag[:], []byte("0123456789abcdef"))

	serialized, err := b.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(serialized)
	require.NoError(t, err)

	require.True(t, b.Equal(got))
	require.Equal(t, b.Epoch, got.Epoch)
	require.Equal(t, b.Ciphertext, got.Ciphertext)
	require.Equal(t, b.Nonce, got.Nonce)
	require.Equal(t, b.AuthTag, got.AuthTag)
}

func TestVaultBlobDeserializeRejectsBadMagic(t *testing.T) {
	b := &VaultBlob{BlobVersion: CurrentBlobVersion, Epoch: Epoch{Version: 0, AlgorithmTag: AlgorithmTagV1}}
	serialized, err := b.Serialize()
	require.NoError(t, err)
	serialized[0] = 'X'

	_, err = Deserialize(serialized)
	require.ErrorIs(t, err, ErrCorruptHeader)
}

func TestVaultBlobDeserializeRejectsUnknownVersion(t *testing.T) {
	b := &VaultBlob{BlobVersion: CurrentBlobVersion, Epoch: Epoch{Version: 0, AlgorithmTag: AlgorithmTagV1}}
	serialized, err := b.Serialize()
	require.NoError(t, err)
	serialized[8] = 99

	_, err = Deserialize(serialized)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVaultBlobDeserializeRejectsTruncated(t *testing.T) {
	b := &VaultBlob{
		BlobVersion: CurrentBlobVersion,
		Epoch:       Epoch{Version: 0, AlgorithmTag: AlgorithmTagV1},
		Ciphertext:  []byte("hello world"),
	}
	serialized, err := b.Serialize()
	require.NoError(t, err)

	_, err = Deserialize(serialized[:len(serialized)-5])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestEpochMonotonicity(t *testing.T) {
	e0 := InitialEpoch(100)
	e1 := e0.Next(200)
	require.True(t, e1.After(e0))
	require.False(t, e0.After(e1))
	require.False(t, e0.After(e0))
}

func TestShadowAnchorID(t *testing.T) {
	require.True(t, ShadowAnchorID.IsShadowAnchor())
	id, err := NewDeviceID()
	require.NoError(t, err)
	require.False(t, id.IsShadowAnchor())
}
