package vault

import "github.com/aeternum/vault-kernel/pkg/aeternum/primitives"

const dekWrapContext = "Aeternum_DEK_Wrap_v1"

// Decapsulator is satisfied by a device-key handle that exposes the raw
// two-part hybrid decapsulation (lattice ciphertext + ephemeral X25519
// public key) without knowing anything about how the resulting secret
// is used. internal/devicekey.Handle and internal/devicekey.Shadow both
// satisfy it.
type Decapsulator interface {
	Decapsulate(latCiphertext, ephemeralCurvePub []byte) (*primitives.Secret, error)
}

// HybridUnwrapper adapts a Decapsulator into an Unwrapper. EncryptedDEK
// is laid out as lattice_ciphertext || ephemeral_curve_pk || nonce ||
// AEAD(dek), so recovering the DEK only needs the backend's raw
// decapsulation plus an AEAD open under the combined secret.
type HybridUnwrapper struct {
	Backend Decapsulator
}

// Decapsulate implements Unwrapper.
func (u HybridUnwrapper) Decapsulate(encryptedDEK []byte) ([]byte, error) {
	latLen := primitives.HybridCiphertextSize()
	curveLen := primitives.CurvePublicKeySize
	nonceLen := primitives.AEADNonceSize
	if len(encryptedDEK) < latLen+curveLen+nonceLen {
		return nil, primitives.ErrInvalidLength
	}

	latCt := encryptedDEK[:latLen]
	ephemeralCurvePub := encryptedDEK[latLen : latLen+curveLen]
	nonce := encryptedDEK[latLen+curveLen : latLen+curveLen+nonceLen]
	sealed := encryptedDEK[latLen+curveLen+nonceLen:]

	combined, err := u.Backend.Decapsulate(latCt, ephemeralCurvePub)
	if err != nil {
		return nil, err
	}
	defer combined.Release()

	wrapKey := primitives.KeyDerive(dekWrapContext, combined.Bytes(), 32)
	defer zero(wrapKey)
	return primitives.AEADOpen(wrapKey, nonce, nil, sealed)
}

// WrapDEK encapsulates against a device's hybrid public key and seals
// dek under the combined secret, producing the encrypted_dek blob
// stored in that device's DeviceHeader. It is the inverse of
// HybridUnwrapper.Decapsulate.
func WrapDEK(peerPublicKey, dek []byte) ([]byte, error) {
	latCt, ephemeralCurvePub, combined, err := primitives.HybridEncapsulate(peerPublicKey)
	if err != nil {
		return nil, err
	}
	defer combined.Release()

	wrapKey := primitives.KeyDerive(dekWrapContext, combined.Bytes(), 32)
	defer zero(wrapKey)

	nonce, err := primitives.NewNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := primitives.AEADSeal(wrapKey, nonce, nil, dek)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(latCt)+len(ephemeralCurvePub)+len(nonce)+len(sealed))
	out = append(out, latCt...)
	out = append(out, ephemeralCurvePub...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}
