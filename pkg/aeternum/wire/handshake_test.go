package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Both sides of an honest handshake derive equal session keys (spec §8).
func TestHandshakeDerivesEqualSessionKeys(t *testing.T) {
	responderKP, err := primitives.GenerateHybridKeyPair()
	require.NoError(t, err)
	responderPub, err := responderKP.PublicKeyBytes()
	require.NoError(t, err)

	sessionID := []byte("session-42")

	initiated, err := InitiateHandshake(responderPub, sessionID)
	require.NoError(t, err)
	require.Len(t, initiated.SessionKey, sessionKeySize)

	responderKey, err := RespondHandshake(responderKP, initiated.LatticeCiphertext, initiated.EphemeralCurvePub, sessionID)
	require.NoError(t, err)

	require.Equal(t, initiated.SessionKey, responderKey)
}

func TestHandshakeDifferentSessionIDsDiverge(t *testing.T) {
	responderKP, err := primitives.GenerateHybridKeyPair()
	require.NoError(t, err)
	responderPub, err := responderKP.PublicKeyBytes()
	require.NoError(t, err)

	a, err := InitiateHandshake(responderPub, []byte("session-a"))
	require.NoError(t, err)
	keyA, err := RespondHandshake(responderKP, a.LatticeCiphertext, a.EphemeralCurvePub, []byte("session-b"))
	require.NoError(t, err)
	require.NotEqual(t, a.SessionKey, keyA)
}

func TestNegotiateVersion(t *testing.T) {
	canRekey, err := NegotiateVersion(2, 1)
	require.NoError(t, err)
	require.True(t, canRekey)

	canRekey, err = NegotiateVersion(1, 2)
	require.NoError(t, err)
	require.False(t, canRekey)
}

func TestCheckForcedUpgrade(t *testing.T) {
	require.NoError(t, CheckForcedUpgrade(2, 1))
	require.ErrorIs(t, CheckForcedUpgrade(1, 2), ErrForcedUpgrade)
}
