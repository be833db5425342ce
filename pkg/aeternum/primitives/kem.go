// Package primitives provides thin typed wrappers over the fixed set of
// algorithms the vault kernel uses: a NIST FIPS 203 category-5 lattice
// KEM combined with X25519 (HybridKEM), XChaCha20-Poly1305 AEAD,
// Argon2id, and BLAKE3.
package primitives

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/zeebo/blake3"
)

// latticeScheme is the category-5 lattice KEM (ML-KEM-1024) used for the
// post-quantum half of every hybrid keypair.
var latticeScheme = mlkem1024.Scheme()

var (
	// LatticePublicKeySize is the ML-KEM-1024 encapsulation key size.
	LatticePublicKeySize = latticeScheme.PublicKeySize()
	// LatticeSecretKeySize is the ML-KEM-1024 decapsulation key size.
	LatticeSecretKeySize = latticeScheme.PrivateKeySize()
	// LatticeCiphertextSize is the ML-KEM-1024 ciphertext size.
	LatticeCiphertextSize = latticeScheme.CiphertextSize()
	// LatticeSharedSecretSize is the ML-KEM-1024 shared secret size.
	LatticeSharedSecretSize = latticeScheme.SharedKeySize()
)

const (
	// CurvePublicKeySize is the X25519 public key size.
	CurvePublicKeySize = 32
	// CurveSecretKeySize is the X25519 private key size.
	CurveSecretKeySize = 32
	// CurveSharedSecretSize is the X25519 shared secret size.
	CurveSharedSecretSize = 32

	// HybridCombinedSecretSize is the size of HybridCombine's output.
	HybridCombinedSecretSize = 64

	hybridDomainContext = "Aeternum_Hybrid_v1"
)

// HybridPublicKeySize and HybridSecretKeySize are lattice_pk||curve_pk
// and lattice_sk||curve_sk respectively, per spec §6.
func HybridPublicKeySize() int { return LatticePublicKeySize + CurvePublicKeySize }
func HybridSecretKeySize() int { return LatticeSecretKeySize + CurveSecretKeySize }

// HybridCiphertextSize is the lattice KEM ciphertext size; the X25519
// contribution travels as a separate ephemeral public key.
func HybridCiphertextSize() int { return LatticeCiphertextSize }

// HybridKeyPair is a lattice+curve keypair, as produced by
// GenerateHybridKeyPair or keys.DeriveShadowDeviceKeys.
type HybridKeyPair struct {
	LatticePublic kem.PublicKey
	LatticeSecret kem.PrivateKey
	CurvePublic   *ecdh.PublicKey
	CurveSecret   *ecdh.PrivateKey
}

// PublicKeyBytes serializes lattice_pk || curve_pk.
func (kp *HybridKeyPair) PublicKeyBytes() ([]byte, error) {
	lat, err := kp.LatticePublic.MarshalBinary()
	if err != nil {
		return nil, ErrInvalidLength
	}
	out := make([]byte, 0, HybridPublicKeySize())
	out = append(out, lat...)
	out = append(out, kp.CurvePublic.Bytes()...)
	return out, nil
}

// GenerateHybridKeyPair produces a fresh hybrid keypair using the system
// CSPRNG for both the lattice and the curve components.
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	latPub, latSec, err := latticeScheme.GenerateKeyPair()
	if err != nil {
		return nil, ErrKdfParamError
	}
	curveSec, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, ErrKdfParamError
	}
	return &HybridKeyPair{
		LatticePublic: latPub,
		LatticeSecret: latSec,
		CurvePublic:   curveSec.PublicKey(),
		CurveSecret:   curveSec,
	}, nil
}

// HybridEncapsulate encapsulates against the responder's hybrid public
// key, performing the lattice encapsulation and a fresh ephemeral X25519
// DH. It returns the lattice ciphertext, the initiator's ephemeral
// X25519 public key, and the combined 64-byte shared secret.
func HybridEncapsulate(peerPub []byte) (latCt, ephemeralCurvePub []byte, combined *Secret, err error) {
	if len(peerPub) != HybridPublicKeySize() {
		return nil, nil, nil, ErrInvalidLength
	}
	latPubBytes := peerPub[:LatticePublicKeySize]
	curvePubBytes := peerPub[LatticePublicKeySize:]

	latPub, err := latticeScheme.UnmarshalBinaryPublicKey(latPubBytes)
	if err != nil {
		return nil, nil, nil, ErrInvalidLength
	}
	ct, ss, err := latticeScheme.Encapsulate(latPub)
	if err != nil {
		return nil, nil, nil, ErrVerificationFailed
	}

	curvePeerPub, err := ecdh.X25519().NewPublicKey(curvePubBytes)
	if err != nil {
		return nil, nil, nil, ErrInvalidLength
	}
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, ErrKdfParamError
	}
	ecdhSS, err := ephemeral.ECDH(curvePeerPub)
	if err != nil {
		return nil, nil, nil, ErrVerificationFailed
	}

	combinedSecret := HybridCombine(ss, ecdhSS)
	return ct, ephemeral.PublicKey().Bytes(), combinedSecret, nil
}

// HybridDecapsulate recovers the combined shared secret using the
// responder's hybrid secret key, the lattice ciphertext, and the
// initiator's ephemeral X25519 public key.
func HybridDecapsulate(kp *HybridKeyPair, latCt, ephemeralCurvePub []byte) (*Secret, error) {
	if len(latCt) != LatticeCiphertextSize || len(ephemeralCurvePub) != CurvePublicKeySize {
		return nil, ErrInvalidLength
	}
	ss, err := latticeScheme.Decapsulate(kp.LatticeSecret, latCt)
	if err != nil {
		return nil, ErrVerificationFailed
	}

	peerPub, err := ecdh.X25519().NewPublicKey(ephemeralCurvePub)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	ecdhSS, err := kp.CurveSecret.ECDH(peerPub)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	return HybridCombine(ss, ecdhSS), nil
}

// LatticeSeedSize is the seed size accepted by DeriveKeyPair for the
// lattice scheme.
func LatticeSeedSize() int { return latticeScheme.SeedSize() }

// DeriveHybridKeyPairFromSeeds deterministically derives a hybrid
// keypair from a lattice seed (LatticeSeedSize bytes) and a curve seed
// (32 bytes), used for the shadow anchor's device keys so that the same
// RecoveryKey always reconstructs the same Device_0 identity.
func DeriveHybridKeyPairFromSeeds(latticeSeed, curveSeed []byte) (*HybridKeyPair, error) {
	if len(latticeSeed) != latticeScheme.SeedSize() {
		return nil, ErrInvalidLength
	}
	if len(curveSeed) != CurveSecretKeySize {
		return nil, ErrInvalidLength
	}
	latPub, latSec := latticeScheme.DeriveKeyPair(latticeSeed)
	curveSec, err := ecdh.X25519().NewPrivateKey(curveSeed)
	if err != nil {
		return nil, ErrKdfParamError
	}
	return &HybridKeyPair{
		LatticePublic: latPub,
		LatticeSecret: latSec,
		CurvePublic:   curveSec.PublicKey(),
		CurveSecret:   curveSec,
	}, nil
}

// HybridCombine derives the 64-byte combined secret
// BLAKE3-derive("Aeternum_Hybrid_v1", ssKem || ssEcdh).
func HybridCombine(ssKem, ssEcdh []byte) *Secret {
	material := make([]byte, 0, len(ssKem)+len(ssEcdh))
	material = append(material, ssKem...)
	material = append(material, ssEcdh...)
	out := make([]byte, HybridCombinedSecretSize)
	blake3.DeriveKey(hybridDomainContext, material, out)
	for i := range material {
		material[i] = 0
	}
	return NewSecret(out)
}
