// Package devicekey models the hardware-backed device-key handle as an
// opaque capability set: {sign, kem-decapsulate}. The kernel is
// polymorphic over whatever backend implements it — real hardware
// (StrongBox/Keystore) or the shadow anchor derived from the mnemonic —
// with no inheritance hierarchy, per spec §9.
package devicekey

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Handle is the capability surface the kernel depends on. It never
// exposes raw private-key bytes to callers.
type Handle interface {
	// Sign produces a signature over msg using the device's identity
	// signing key.
	Sign(msg []byte) ([]byte, error)
	// Decapsulate recovers a shared secret (and from it, a DEK) from a
	// hybrid KEM ciphertext addressed to this device.
	Decapsulate(latCiphertext, ephemeralCurvePub []byte) (*primitives.Secret, error)
	// PublicKey returns the device's hybrid public key bytes
	// (lattice_pk || curve_pk).
	PublicKey() []byte
	// Capabilities names what this handle backs, surfaced read-only
	// through get_device_list's DeviceInfoRedacted (spec §6).
	Capabilities() []string
}

// Shadow is the shadow-anchor's Handle implementation: a device key
// derived deterministically from the RecoveryKey rather than backed by
// hardware. Its header must be indistinguishable from a real device's
// in the active set (spec §9 open question (b)).
type Shadow struct {
	hybrid     *primitives.HybridKeyPair
	signingKey *primitives.SigningKeyPair
}

// NewShadow builds a Shadow handle from the hybrid and signing keypairs
// derived from the recovery key.
func NewShadow(hybrid *primitives.HybridKeyPair, signing *primitives.SigningKeyPair) *Shadow {
	return &Shadow{hybrid: hybrid, signingKey: signing}
}

func (s *Shadow) Sign(msg []byte) ([]byte, error) {
	return primitives.Sign(s.signingKey.Secret, msg), nil
}

func (s *Shadow) Decapsulate(latCiphertext, ephemeralCurvePub []byte) (*primitives.Secret, error) {
	return primitives.HybridDecapsulate(s.hybrid, latCiphertext, ephemeralCurvePub)
}

func (s *Shadow) PublicKey() []byte {
	b, _ := s.hybrid.PublicKeyBytes()
	return b
}

// SigningPublicKey exposes the shadow anchor's verification key so
// recovery-signature checks can run without the hardware key being
// present (spec §4.6 initiate_recovery verifies against IK, not DK —
// Shadow is reused for both contexts with the appropriate keypair).
func (s *Shadow) SigningPublicKey() *btcec.PublicKey {
	return s.signingKey.Public
}

// Capabilities reports the shadow anchor's capability set, tagged so
// callers inspecting DeviceInfoRedacted can tell it apart from a real
// hardware device without relying on its device id alone.
func (s *Shadow) Capabilities() []string {
	return []string{"sign", "kem_decapsulate", "shadow_anchor"}
}
