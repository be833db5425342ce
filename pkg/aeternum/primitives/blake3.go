package primitives

import "github.com/zeebo/blake3"

// Hash returns the 32-byte BLAKE3 hash of data.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// KeyedHash returns the 32-byte BLAKE3 keyed hash of data under a
// 32-byte key, used for MACs that don't need context separation.
func KeyedHash(key [32]byte, data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, ErrKdfParamError
	}
	if _, err := h.Write(data); err != nil {
		return nil, ErrKdfParamError
	}
	sum := h.Sum(nil)
	return sum, nil
}

// KeyDerive derives outLen bytes from ikm under a domain-separation
// context string, using BLAKE3's dedicated key-derivation mode. Same
// (context, ikm) always yields the same output.
func KeyDerive(context string, ikm []byte, outLen int) []byte {
	out := make([]byte, outLen)
	blake3.DeriveKey(context, ikm, out)
	return out
}
