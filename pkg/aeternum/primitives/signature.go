package primitives

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SigningKeyPair is a secp256k1 keypair used for IK/DK signatures: the
// recovery-window signature made by the identity key, veto signatures
// made by a device's hardware key, and device-registration signatures.
type SigningKeyPair struct {
	Secret *btcec.PrivateKey
	Public *btcec.PublicKey
}

// GenerateSigningKeyPair produces a fresh secp256k1 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, ErrKdfParamError
	}
	return &SigningKeyPair{Secret: sk, Public: sk.PubKey()}, nil
}

// SigningKeyPairFromSeed derives a deterministic secp256k1 keypair from
// a 32-byte seed, used for the shadow anchor's identity signature key
// and for any device key derived rather than hardware-generated.
func SigningKeyPairFromSeed(seed [32]byte) *SigningKeyPair {
	sk := secp256k1PrivKeyFromBytes(seed[:])
	return &SigningKeyPair{Secret: sk, Public: sk.PubKey()}
}

func secp256k1PrivKeyFromBytes(b []byte) *btcec.PrivateKey {
	sk, _ := btcec.PrivKeyFromBytes(b)
	return sk
}

// Sign signs the BLAKE3 digest of msg with sk, returning a DER-encoded
// ECDSA signature.
func Sign(sk *btcec.PrivateKey, msg []byte) []byte {
	digest := chainhash.Hash(blake3Digest32(msg))
	sig := ecdsa.Sign(sk, digest[:])
	return sig.Serialize()
}

// Verify checks a DER-encoded ECDSA signature over the BLAKE3 digest of
// msg against pk.
func Verify(pk *btcec.PublicKey, msg, sigDER []byte) bool {
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return false
	}
	digest := chainhash.Hash(blake3Digest32(msg))
	return sig.Verify(digest[:], pk)
}

func blake3Digest32(msg []byte) [32]byte {
	var out [32]byte
	copy(out[:], Hash(msg))
	return out
}
