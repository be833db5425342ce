// Package wire implements the fixed-length authenticated frame codec
// (spec §4.8): every inter-device message is exactly 8192 bytes so an
// observer cannot distinguish payload sizes, plus the hybrid handshake,
// nonce-memo replay protection, veto priority routing, Chaff frame
// scheduling, and protocol version negotiation built on top of it.
package wire

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/aeternum/vault-kernel/pkg/aeternum/primitives"
)

// FrameSize is the fixed wire size every frame serializes to,
// regardless of payload length.
const FrameSize = 8192

const (
	nonceFieldSize = primitives.AEADNonceSize
	epochFieldSize = 4

	lengthPrefixSize = 2
	typeFieldSize    = 1

	cipherFieldSize = FrameSize - nonceFieldSize - epochFieldSize
	plainFieldSize  = cipherFieldSize - primitives.AEADTagSize

	// MaxPayloadSize is the largest payload EncodeFrame can carry; a
	// larger input is rejected with ErrPayloadTooLarge rather than
	// silently truncated.
	MaxPayloadSize = plainFieldSize - typeFieldSize - lengthPrefixSize
)

// PayloadType identifies a frame's logical content, per spec §4.8. It
// is carried as the first byte of the AEAD plaintext, not the AAD —
// an observer who cannot decrypt the frame learns nothing about it.
type PayloadType byte

const (
	PayloadTypeHandshake PayloadType = iota
	PayloadTypeSync
	PayloadTypeVeto
	PayloadTypeRecovery
	PayloadTypeChaff
)

func (t PayloadType) String() string {
	switch t {
	case PayloadTypeHandshake:
		return "handshake"
	case PayloadTypeSync:
		return "sync"
	case PayloadTypeVeto:
		return "veto"
	case PayloadTypeRecovery:
		return "recovery"
	case PayloadTypeChaff:
		return "chaff"
	default:
		return "unknown"
	}
}

// EncodeFrame seals payload under key with XChaCha20-Poly1305, using
// epoch as associated data in plaintext form (for routing, per spec
// §4.8), and pads the result with CSPRNG bytes so the returned frame is
// always exactly FrameSize bytes. nonce must never repeat under the
// same key.
func EncodeFrame(key []byte, nonce [nonceFieldSize]byte, epoch uint32, payloadType PayloadType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	plaintext := make([]byte, plainFieldSize)
	plaintext[0] = byte(payloadType)
	binary.BigEndian.PutUint16(plaintext[1:3], uint16(len(payload)))
	n := copy(plaintext[typeFieldSize+lengthPrefixSize:], payload)
	if _, err := rand.Read(plaintext[typeFieldSize+lengthPrefixSize+n:]); err != nil {
		return nil, err
	}

	var epochBytes [epochFieldSize]byte
	binary.BigEndian.PutUint32(epochBytes[:], epoch)

	ciphertext, err := primitives.AEADSeal(key, nonce[:], epochBytes[:], plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, FrameSize)
	copy(out[0:nonceFieldSize], nonce[:])
	copy(out[nonceFieldSize:nonceFieldSize+epochFieldSize], epochBytes[:])
	copy(out[nonceFieldSize+epochFieldSize:], ciphertext)
	return out, nil
}

// DecodeFrame reverses EncodeFrame: it recovers the nonce and
// plaintext epoch from their fixed positions, AEAD-opens the body
// under key with the epoch as AAD, and strips the embedded length
// prefix from the padded plaintext.
func DecodeFrame(key []byte, frame []byte) (nonce [nonceFieldSize]byte, epoch uint32, payloadType PayloadType, payload []byte, err error) {
	if len(frame) != FrameSize {
		return nonce, 0, 0, nil, ErrFrameSize
	}
	copy(nonce[:], frame[0:nonceFieldSize])
	epoch = binary.BigEndian.Uint32(frame[nonceFieldSize : nonceFieldSize+epochFieldSize])
	ciphertext := frame[nonceFieldSize+epochFieldSize:]

	plaintext, err := primitives.AEADOpen(key, nonce[:], frame[nonceFieldSize:nonceFieldSize+epochFieldSize], ciphertext)
	if err != nil {
		return nonce, 0, 0, nil, err
	}

	payloadType = PayloadType(plaintext[0])
	length := binary.BigEndian.Uint16(plaintext[1:3])
	payload = append([]byte(nil), plaintext[typeFieldSize+lengthPrefixSize:typeFieldSize+lengthPrefixSize+int(length)]...)
	return nonce, epoch, payloadType, payload, nil
}

// NewFrameNonce returns a fresh random nonce sized for EncodeFrame.
func NewFrameNonce() ([nonceFieldSize]byte, error) {
	var nonce [nonceFieldSize]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}
