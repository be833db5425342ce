package config

import (
	"crypto/rand"
	"fmt"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

const pinSaltSize = 16

// PINRecord is the Argon2id-derived local-PIN gate stored alongside
// Config. It guards terminal access to the CLI before the hardware key
// handle is ever touched; it is independent of the mnemonic-derived
// key hierarchy and never participates in DEK/VK derivation.
type PINRecord struct {
	Salt []byte `yaml:"salt"`
	Hash []byte `yaml:"hash"`
}

// HashPIN derives a verification hash for pin under params, generating
// a fresh random salt.
func HashPIN(pin string, params primitives.Argon2idParams) (PINRecord, error) {
	salt := make([]byte, pinSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return PINRecord{}, fmt.Errorf("config: generate pin salt: %w", err)
	}
	hash, err := primitives.Argon2idDerive([]byte(pin), salt, params)
	if err != nil {
		return PINRecord{}, fmt.Errorf("config: derive pin hash: %w", err)
	}
	return PINRecord{Salt: salt, Hash: hash}, nil
}

// VerifyPIN reports whether pin matches rec under params, using a
// constant-time comparison of the derived hash.
func VerifyPIN(pin string, rec PINRecord, params primitives.Argon2idParams) (bool, error) {
	candidate, err := primitives.Argon2idDerive([]byte(pin), rec.Salt, params)
	if err != nil {
		return false, fmt.Errorf("config: derive pin hash: %w", err)
	}
	return primitives.ConstantTimeEqual(candidate, rec.Hash), nil
}
