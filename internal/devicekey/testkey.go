package devicekey

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Fake is a test double standing in for the real hardware-backed
// handle (StrongBox/Keystore), which lives outside the kernel's scope
// (spec §1). It implements the same Handle interface as Shadow so unit
// tests never need a real device.
type Fake struct {
	hybrid     *primitives.HybridKeyPair
	signingKey *primitives.SigningKeyPair
}

// NewFake generates a fresh random hybrid+signing keypair, simulating a
// freshly provisioned hardware device.
func NewFake() (*Fake, error) {
	hybrid, err := primitives.GenerateHybridKeyPair()
	if err != nil {
		return nil, err
	}
	signing, err := primitives.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &Fake{hybrid: hybrid, signingKey: signing}, nil
}

func (f *Fake) Sign(msg []byte) ([]byte, error) {
	return primitives.Sign(f.signingKey.Secret, msg), nil
}

func (f *Fake) Decapsulate(latCiphertext, ephemeralCurvePub []byte) (*primitives.Secret, error) {
	return primitives.HybridDecapsulate(f.hybrid, latCiphertext, ephemeralCurvePub)
}

func (f *Fake) PublicKey() []byte {
	b, _ := f.hybrid.PublicKeyBytes()
	return b
}

// SigningPublicKey exposes the fake device's verification key, mirroring
// Shadow.SigningPublicKey so tests can treat every Handle uniformly.
func (f *Fake) SigningPublicKey() *btcec.PublicKey {
	return f.signingKey.Public
}

// Capabilities reports the fake hardware device's capability set.
func (f *Fake) Capabilities() []string {
	return []string{"sign", "kem_decapsulate"}
}
