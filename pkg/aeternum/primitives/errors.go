package primitives

import "errors"

// Error kinds returned by the primitives layer. Decryption and
// decapsulation failures are deliberately collapsed into the single
// ErrVerificationFailed variant so that callers cannot distinguish "bad
// ciphertext" from "bad key" by error type.
var (
	ErrInvalidLength = errors.New("primitives: invalid length")
	ErrKdfParamError = errors.New("primitives: invalid kdf parameters")

	// ErrVerificationFailed is returned by both AEAD decryption and KEM
	// decapsulation failures. Callers must not be able to distinguish
	// "wrong key" from "tampered ciphertext" by error identity.
	ErrVerificationFailed = errors.New("primitives: verification failed")

	// ErrKemDecapFailure is an alias kept for call sites that name the
	// decapsulation path explicitly; it compares equal under errors.Is.
	ErrKemDecapFailure = ErrVerificationFailed
)
