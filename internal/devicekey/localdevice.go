package devicekey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Local is a disk-persisted Handle standing in for a real hardware
// keystore (StrongBox/Keystore integration is out of scope, spec §1).
// Its seeds live in a single 0600 file next to the vault rather than
// behind a secure enclave, which is the honest boundary for a CLI demo
// of a kernel whose actual custody guarantees come from the hardware
// layer the host application supplies.
type Local struct {
	hybrid     *primitives.HybridKeyPair
	signingKey *primitives.SigningKeyPair
}

type localSeeds struct {
	latticeSeed []byte
	curveSeed   []byte
	signingSeed [32]byte
}

func (s localSeeds) marshal() []byte {
	buf := make([]byte, 0, len(s.latticeSeed)+len(s.curveSeed)+len(s.signingSeed))
	buf = append(buf, s.latticeSeed...)
	buf = append(buf, s.curveSeed...)
	buf = append(buf, s.signingSeed[:]...)
	return buf
}

// NewLocal generates a fresh random device key and writes its seeds to
// path so a later process can reload the same identity via LoadLocal.
func NewLocal(path string) (*Local, error) {
	latSeedSize := primitives.LatticeSeedSize()
	seeds := localSeeds{
		latticeSeed: make([]byte, latSeedSize),
		curveSeed:   make([]byte, primitives.CurveSecretKeySize),
	}
	if _, err := rand.Read(seeds.latticeSeed); err != nil {
		return nil, fmt.Errorf("devicekey: generate lattice seed: %w", err)
	}
	if _, err := rand.Read(seeds.curveSeed); err != nil {
		return nil, fmt.Errorf("devicekey: generate curve seed: %w", err)
	}
	if _, err := rand.Read(seeds.signingSeed[:]); err != nil {
		return nil, fmt.Errorf("devicekey: generate signing seed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seeds.marshal())), 0o600); err != nil {
		return nil, fmt.Errorf("devicekey: write local device key %s: %w", path, err)
	}
	return localFromSeeds(seeds)
}

// LoadLocal reconstructs a previously-generated Local device key from
// path.
func LoadLocal(path string) (*Local, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devicekey: read local device key %s: %w", path, err)
	}
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("devicekey: corrupt local device key %s: %w", path, err)
	}
	latSeedSize := primitives.LatticeSeedSize()
	want := latSeedSize + primitives.CurveSecretKeySize + 32
	if len(raw) != want {
		return nil, fmt.Errorf("devicekey: local device key %s has wrong length %d, want %d", path, len(raw), want)
	}
	seeds := localSeeds{
		latticeSeed: raw[:latSeedSize],
		curveSeed:   raw[latSeedSize : latSeedSize+primitives.CurveSecretKeySize],
	}
	copy(seeds.signingSeed[:], raw[latSeedSize+primitives.CurveSecretKeySize:])
	return localFromSeeds(seeds)
}

func localFromSeeds(seeds localSeeds) (*Local, error) {
	hybrid, err := primitives.DeriveHybridKeyPairFromSeeds(seeds.latticeSeed, seeds.curveSeed)
	if err != nil {
		return nil, fmt.Errorf("devicekey: derive hybrid keypair: %w", err)
	}
	return &Local{hybrid: hybrid, signingKey: primitives.SigningKeyPairFromSeed(seeds.signingSeed)}, nil
}

func (l *Local) Sign(msg []byte) ([]byte, error) {
	return primitives.Sign(l.signingKey.Secret, msg), nil
}

func (l *Local) Decapsulate(latCiphertext, ephemeralCurvePub []byte) (*primitives.Secret, error) {
	return primitives.HybridDecapsulate(l.hybrid, latCiphertext, ephemeralCurvePub)
}

func (l *Local) PublicKey() []byte {
	b, _ := l.hybrid.PublicKeyBytes()
	return b
}

// SigningPublicKey exposes the local device's verification key.
func (l *Local) SigningPublicKey() *btcec.PublicKey {
	return l.signingKey.Public
}

// Capabilities reports the local device's capability set.
func (l *Local) Capabilities() []string {
	return []string{"sign", "kem_decapsulate"}
}
