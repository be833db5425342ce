package wire

import (
	"crypto/hkdf"
	"crypto/sha256"
	"time"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// ProtocolVersion is the version this build speaks.
const ProtocolVersion uint16 = 1

// HandshakeTimeout is the default deadline for completing a handshake
// (spec §5): 500 ms.
const HandshakeTimeout = 500 * time.Millisecond

const sessionKeySize = 32 // chacha20poly1305.KeySize

// HandshakeMessage is the plaintext carried inside a Handshake frame's
// payload: the sending peer's hybrid public key plus its protocol
// version and the minimum version it requires of a peer.
type HandshakeMessage struct {
	Version            uint16
	MinRequiredVersion uint16
	HybridPublicKey    []byte
}

// InitiatorHandshake is the result of the initiator's half of the
// hybrid handshake: the lattice ciphertext and ephemeral X25519 public
// key to send to the responder, plus the derived session key.
type InitiatorHandshake struct {
	SessionKey        []byte
	LatticeCiphertext []byte
	EphemeralCurvePub []byte
}

// InitiateHandshake encapsulates against the responder's hybrid public
// key and derives the session key: HybridCombine, then
// HKDF-SHA256(combined, info=sessionID).
func InitiateHandshake(responderHybridPub, sessionID []byte) (*InitiatorHandshake, error) {
	latCt, ephemeralPub, combined, err := primitives.HybridEncapsulate(responderHybridPub)
	if err != nil {
		return nil, err
	}
	defer combined.Release()

	key, err := deriveSessionKey(combined.Bytes(), sessionID)
	if err != nil {
		return nil, err
	}
	return &InitiatorHandshake{
		SessionKey:        key,
		LatticeCiphertext: latCt,
		EphemeralCurvePub: ephemeralPub,
	}, nil
}

// RespondHandshake decapsulates the initiator's contribution against
// the responder's own hybrid keypair and derives the same session key
// InitiateHandshake produced, given the same sessionID.
func RespondHandshake(selfHybrid *primitives.HybridKeyPair, latticeCiphertext, ephemeralCurvePub, sessionID []byte) ([]byte, error) {
	combined, err := primitives.HybridDecapsulate(selfHybrid, latticeCiphertext, ephemeralCurvePub)
	if err != nil {
		return nil, err
	}
	defer combined.Release()
	return deriveSessionKey(combined.Bytes(), sessionID)
}

func deriveSessionKey(combined, sessionID []byte) ([]byte, error) {
	return hkdf.Key(sha256.New, combined, nil, string(sessionID), sessionKeySize)
}

// NegotiateVersion implements spec §4.8's version-negotiation rule: a
// peer strictly older than the other side's minimum required version
// may still read data (canRekey=false) but must not initiate a rekey.
// The returned error is always nil: no version is rejected outright
// here.
func NegotiateVersion(peerVersion, selfMinRequired uint16) (canRekey bool, err error) {
	if peerVersion < selfMinRequired {
		return false, nil
	}
	return true, nil
}

// CheckForcedUpgrade rejects the handshake entirely when the peer's
// minimum-required version exceeds what this build speaks — the
// "forced-upgrade flag blocks all operations until update" case.
func CheckForcedUpgrade(selfVersion, peerMinRequired uint16) error {
	if selfVersion < peerMinRequired {
		return ErrForcedUpgrade
	}
	return nil
}
