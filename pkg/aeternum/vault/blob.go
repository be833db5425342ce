package vault

import (
	"bytes"
	"encoding/binary"
)

// Magic is the 8-byte file-header prefix, "AETERNM\0".
var Magic = [8]byte{'A', 'E', 'T', 'E', 'R', 'N', 'M', 0}

// CurrentBlobVersion is the only blob_version this build writes.
const CurrentBlobVersion uint32 = 1

const (
	fileHeaderSize = 32
	nonceFieldSize = 24
	tagFieldSize   = 16
)

// VaultBlob is the serialized, authenticated vault payload: {
// blob_version, epoch, ciphertext, auth_tag, nonce }, sitting behind the
// 32-byte magic-prefixed file header described in spec §6.
type VaultBlob struct {
	BlobVersion uint32
	Epoch       Epoch
	Nonce       [nonceFieldSize]byte
	Ciphertext  []byte
	AuthTag     [tagFieldSize]byte
}

// Serialize produces the deterministic on-disk encoding:
//
//	offset 0   8   magic
//	offset 8   4   blob_version (LE u32)
//	offset 12  8   epoch.version (LE u64)
//	offset 20  8   data_length (LE u64)
//	offset 28  4   reserved (zero)
//	offset 32  ..  body: epoch_tuple, nonce[24], ciphertext, auth_tag[16]
func (b *VaultBlob) Serialize() ([]byte, error) {
	if b.BlobVersion != CurrentBlobVersion {
		return nil, ErrUnsupportedVersion
	}
	body := b.serializeBody()

	out := make([]byte, fileHeaderSize+len(body))
	copy(out[0:8], Magic[:])
	binary.LittleEndian.PutUint32(out[8:12], b.BlobVersion)
	binary.LittleEndian.PutUint64(out[12:20], b.Epoch.Version)
	binary.LittleEndian.PutUint64(out[20:28], uint64(len(b.Ciphertext)))
	// out[28:32] reserved, already zero
	copy(out[fileHeaderSize:], body)
	return out, nil
}

// serializeBody encodes { epoch_tuple, nonce, ciphertext, auth_tag }
// deterministically: epoch.timestamp (LE i64) || epoch.algorithm_tag (LE
// u16) || nonce || ciphertext || auth_tag.
func (b *VaultBlob) serializeBody() []byte {
	body := make([]byte, 0, 8+2+nonceFieldSize+len(b.Ciphertext)+tagFieldSize)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(b.Epoch.Timestamp))
	body = append(body, tsBuf[:]...)
	var tagBuf [2]byte
	binary.LittleEndian.PutUint16(tagBuf[:], uint16(b.Epoch.AlgorithmTag))
	body = append(body, tagBuf[:]...)
	body = append(body, b.Nonce[:]...)
	body = append(body, b.Ciphertext...)
	body = append(body, b.AuthTag[:]...)
	return body
}

// Deserialize parses bytes produced by Serialize. Unknown blob_version
// is ErrUnsupportedVersion, a bad magic is ErrCorruptHeader, and a
// data_length mismatch against the available bytes is ErrTruncated.
func Deserialize(data []byte) (*VaultBlob, error) {
	if len(data) < fileHeaderSize {
		return nil, ErrTruncated
	}
	if !bytes.Equal(data[0:8], Magic[:]) {
		return nil, ErrCorruptHeader
	}
	blobVersion := binary.LittleEndian.Uint32(data[8:12])
	if blobVersion != CurrentBlobVersion {
		return nil, ErrUnsupportedVersion
	}
	epochVersion := binary.LittleEndian.Uint64(data[12:20])
	dataLength := binary.LittleEndian.Uint64(data[20:28])

	body := data[fileHeaderSize:]
	minBody := 8 + 2 + nonceFieldSize + tagFieldSize
	if uint64(len(body)) != uint64(minBody)+dataLength {
		return nil, ErrTruncated
	}

	ts := int64(binary.LittleEndian.Uint64(body[0:8]))
	algTag := AlgorithmTag(binary.LittleEndian.Uint16(body[8:10]))

	blob := &VaultBlob{
		BlobVersion: blobVersion,
		Epoch: Epoch{
			Version:      epochVersion,
			Timestamp:    ts,
			AlgorithmTag: algTag,
		},
	}
	offset := 10
	copy(blob.Nonce[:], body[offset:offset+nonceFieldSize])
	offset += nonceFieldSize
	blob.Ciphertext = append([]byte(nil), body[offset:offset+int(dataLength)]...)
	offset += int(dataLength)
	copy(blob.AuthTag[:], body[offset:offset+tagFieldSize])

	return blob, nil
}

// Equal reports whether two blobs are byte-for-byte equal after
// serialization, used by the round-trip property in spec §8.
func (b *VaultBlob) Equal(other *VaultBlob) bool {
	sb, err1 := b.Serialize()
	so, err2 := other.Serialize()
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(sb, so)
}
