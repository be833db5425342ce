package primitives

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AEADNonceSize is the XChaCha20-Poly1305 nonce size.
	AEADNonceSize = chacha20poly1305.NonceSizeX
	// AEADTagSize is the Poly1305 tag size.
	AEADTagSize = chacha20poly1305.Overhead
)

// NewNonce returns a fresh CSPRNG nonce sized for AEADSeal/AEADOpen.
func NewNonce() ([]byte, error) {
	n := make([]byte, AEADNonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, ErrKdfParamError
	}
	return n, nil
}

// AEADSeal encrypts plaintext in place (returning a new buffer) under
// key with XChaCha20-Poly1305, binding aad. nonce must be
// AEADNonceSize bytes, unique per key.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidLength
	}
	if len(nonce) != AEADNonceSize {
		return nil, ErrInvalidLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrKdfParamError
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts and verifies ciphertext produced by AEADSeal. Any
// bit-flip in ciphertext, tag, nonce, or aad yields ErrVerificationFailed
// — the same error returned for every other authentication failure, so
// callers cannot distinguish the cause.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidLength
	}
	if len(nonce) != AEADNonceSize {
		return nil, ErrInvalidLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrKdfParamError
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	return pt, nil
}
