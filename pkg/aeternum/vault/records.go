package vault

import (
	"encoding/json"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// Record is one vault entry: a set of named fields, each holding
// arbitrary plaintext bytes once decrypted. field_key is redacted-id
// space at the session boundary; only decrypt_field exposes a value.
type Record map[string][]byte

// RecordStore is the full set of records a vault holds, keyed by
// record_id. It is the plaintext that SealRecords/OpenRecords carry
// across the VaultBlob's authenticated ciphertext — the only secret
// payload the on-disk file format holds per spec §6. Device headers
// are not part of this sealed body: their EncryptedDEK field is itself
// already hybrid-KEM-protected, and a device must be able to read its
// own header to recover DEK (and from DEK, VK) before it can open this
// body at all, so headers live in the external metadata store instead.
type RecordStore map[string]Record

// SealRecords serializes store deterministically (via JSON, matching
// the teacher's convention of marshaling structured state with the
// standard library's encoding/json) and seals it under vk, producing a
// VaultBlob ready for Serialize. vk never appears in the returned
// blob; callers must zero it once the blob is durable.
func SealRecords(vk []byte, epoch Epoch, store RecordStore) (*VaultBlob, error) {
	plaintext, err := json.Marshal(store)
	if err != nil {
		return nil, err
	}
	nonce, err := primitives.NewNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := primitives.AEADSeal(vk, nonce, epochAAD(epoch), plaintext)
	if err != nil {
		return nil, err
	}
	if len(sealed) < tagFieldSize {
		return nil, ErrTruncated
	}
	blob := &VaultBlob{
		BlobVersion: CurrentBlobVersion,
		Epoch:       epoch,
		Ciphertext:  sealed[:len(sealed)-tagFieldSize],
	}
	copy(blob.Nonce[:], nonce)
	copy(blob.AuthTag[:], sealed[len(sealed)-tagFieldSize:])
	return blob, nil
}

// OpenRecords verifies and decrypts blob's body under vk, returning
// the RecordStore it carries. A failed authentication (wrong vk, or
// any tampering) returns ErrIntegrityFailure rather than distinguishing
// the cause, matching C1's single opaque decryption-failure variant.
func OpenRecords(vk []byte, blob *VaultBlob) (RecordStore, error) {
	sealed := append(append([]byte(nil), blob.Ciphertext...), blob.AuthTag[:]...)
	plaintext, err := primitives.AEADOpen(vk, blob.Nonce[:], epochAAD(blob.Epoch), sealed)
	if err != nil {
		return nil, ErrIntegrityFailure
	}
	var store RecordStore
	if err := json.Unmarshal(plaintext, &store); err != nil {
		return nil, ErrIntegrityFailure
	}
	return store, nil
}

// epochAAD binds the sealed record store to its epoch, so a replayed
// older-epoch blob cannot be reattached to a newer epoch's file header.
func epochAAD(e Epoch) []byte {
	aad := make([]byte, 8)
	for i := 0; i < 8; i++ {
		aad[i] = byte(e.Version >> (8 * i))
	}
	return aad
}

// NewRecord builds a Record from a field map, copying each value so
// callers cannot mutate stored plaintext through their own reference.
func NewRecord(fields map[string][]byte) Record {
	r := make(Record, len(fields))
	for k, v := range fields {
		r[k] = append([]byte(nil), v...)
	}
	return r
}

// MarshalHeaderSet serializes a device header set for storage in the
// external metadata store (spec §6's second persisted location). It is
// not encrypted: PublicKey and EncryptedDEK are already safe to expose
// (the hybrid KEM wrap and the unwrap probe are what protect DEK), and
// a device must be able to read its own header before it can derive VK
// to open anything under it.
func MarshalHeaderSet(headers map[DeviceID]*DeviceHeader) ([]byte, error) {
	return json.Marshal(headers)
}

// UnmarshalHeaderSet parses bytes produced by MarshalHeaderSet.
func UnmarshalHeaderSet(data []byte) (map[DeviceID]*DeviceHeader, error) {
	if len(data) == 0 {
		return map[DeviceID]*DeviceHeader{}, nil
	}
	var headers map[DeviceID]*DeviceHeader
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
