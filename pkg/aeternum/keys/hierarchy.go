// Package keys implements the deterministic key hierarchy: MasterSeed
// (MRS) -> IdentityKey (IK) / RecoveryKey (RK) -> the shadow anchor's
// hybrid device keys. See spec.md §3 and §4.2.
package keys

import (
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"crypto/sha512"

	"github.com/tyler-smith/go-bip39"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

const (
	masterSeedLen    = 64
	pbkdf2Iterations = 2048
	pbkdf2Salt       = "mnemonic"

	identityContext = "Aeternum_Identity_v1"
	recoveryContext = "Aeternum_Recovery_v1"
)

// MasterSeed wraps the 64-byte root seed derived from a mnemonic. It is
// held only transiently during derivation and must be released as soon
// as IK/RK have been derived from it.
type MasterSeed struct {
	secret *primitives.Secret
}

// Bytes exposes the raw seed; callers must not retain the slice past
// Release.
func (m *MasterSeed) Bytes() []byte { return m.secret.Bytes() }

// Release zeroes the seed.
func (m *MasterSeed) Release() { m.secret.Release() }

// GoString and String redact the seed from any debug output.
func (m *MasterSeed) GoString() string { return "keys.MasterSeed([REDACTED])" }
func (m *MasterSeed) String() string   { return "[REDACTED]" }

// GenerateMnemonic returns a fresh 24-word BIP-39 mnemonic backed by
// 256 bits of crypto/rand entropy, for a new vault's init path.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveMasterSeed validates the mnemonic's BIP-39 checksum and runs
// PBKDF2-HMAC-SHA512 for 2048 iterations over the UTF-8 NFKD-normalized
// mnemonic (space-joined words) with the canonical empty-passphrase
// salt "mnemonic".
func DeriveMasterSeed(mnemonic string) (*MasterSeed, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	normalized := norm.NFKD.String(mnemonic)
	seed := pbkdf2.Key([]byte(normalized), []byte(pbkdf2Salt), pbkdf2Iterations, masterSeedLen, sha512.New)
	return &MasterSeed{secret: primitives.NewSecret(seed)}, nil
}

// IdentityKey is the 32-byte root identity key (IK), deterministically
// derived from the MasterSeed. Used to sign the recovery-window request
// in PQRR's initiate_recovery.
type IdentityKey struct {
	secret *primitives.Secret
}

func (k *IdentityKey) Bytes() []byte   { return k.secret.Bytes() }
func (k *IdentityKey) Release()        { k.secret.Release() }
func (k *IdentityKey) GoString() string { return "keys.IdentityKey([REDACTED])" }
func (k *IdentityKey) String() string   { return "[REDACTED]" }

// RecoveryKey is the 32-byte root recovery key (RK), deterministically
// derived from the MasterSeed. Used to derive the shadow anchor's
// hybrid device keys.
type RecoveryKey struct {
	secret *primitives.Secret
}

func (k *RecoveryKey) Bytes() []byte   { return k.secret.Bytes() }
func (k *RecoveryKey) Release()        { k.secret.Release() }
func (k *RecoveryKey) GoString() string { return "keys.RecoveryKey([REDACTED])" }
func (k *RecoveryKey) String() string   { return "[REDACTED]" }

// DeriveIdentityKey derives IK via BLAKE3 key-derive under the
// "Aeternum_Identity_v1" domain-separation context. Same MasterSeed
// bytes always yield the same IK.
func DeriveIdentityKey(m *MasterSeed) *IdentityKey {
	out := primitives.KeyDerive(identityContext, m.Bytes(), 32)
	return &IdentityKey{secret: primitives.NewSecret(out)}
}

// DeriveRecoveryKey derives RK via BLAKE3 key-derive under the
// "Aeternum_Recovery_v1" domain-separation context. Same MasterSeed
// bytes always yield the same RK, and DeriveIdentityKey(m) never equals
// DeriveRecoveryKey(m) because the contexts differ.
func DeriveRecoveryKey(m *MasterSeed) *RecoveryKey {
	out := primitives.KeyDerive(recoveryContext, m.Bytes(), 32)
	return &RecoveryKey{secret: primitives.NewSecret(out)}
}

// DeriveShadowDeviceKeys derives the shadow anchor's (Device_0) hybrid
// keypair deterministically from RK. The shadow anchor's public key
// must be indistinguishable from a real device's in the header set
// (spec §9 open question (b): resolved here as "always derive and
// publish", see DESIGN.md).
func DeriveShadowDeviceKeys(rk *RecoveryKey) (*primitives.HybridKeyPair, error) {
	latSeed := primitives.KeyDerive("Aeternum_Shadow_Lattice_v1", rk.Bytes(), 64)
	curveSeed := primitives.KeyDerive("Aeternum_Shadow_Curve_v1", rk.Bytes(), 32)
	return primitives.DeriveHybridKeyPairFromSeeds(latSeed, curveSeed)
}

// DeriveIdentitySigningKey derives the deterministic secp256k1 signing
// keypair backing the shadow anchor's identity (spec §4.6:
// initiate_recovery's signature verifies under the IK derived from
// MRS). A fresh handset that only holds the mnemonic can always
// recompute this keypair and sign a recovery request as Device_0; no
// other device can, since IK never leaves the MRS -> IK derivation.
func DeriveIdentitySigningKey(ik *IdentityKey) *primitives.SigningKeyPair {
	seed := primitives.KeyDerive("Aeternum_Identity_Signing_v1", ik.Bytes(), 32)
	var seedArr [32]byte
	copy(seedArr[:], seed)
	return primitives.SigningKeyPairFromSeed(seedArr)
}

const vaultKeyContext = "Aeternum_VaultKey_v1"

// DeriveVaultKey derives the symmetric vault key (VK) used to seal the
// record store from the epoch's DEK. Context-separating VK from DEK
// means a device that only ever sees the wrapped DEK in transit cannot
// be handed VK directly — it must complete the unwrap probe first, and
// VK itself never crosses the per-device wrap boundary.
func DeriveVaultKey(dek []byte) []byte {
	return primitives.KeyDerive(vaultKeyContext, dek, 32)
}
