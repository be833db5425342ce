package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	return make([]byte, sessionKeySize)
}

// scenario 7 (spec §8): a Handshake with an empty body and a Sync
// carrying ~7 KiB both serialize to exactly FrameSize bytes, and
// decoding recovers the original bodies.
func TestWireFrameConstancy(t *testing.T) {
	key := testKey(t)

	nonce1, err := NewFrameNonce()
	require.NoError(t, err)
	handshakeFrame, err := EncodeFrame(key, nonce1, 1, PayloadTypeHandshake, nil)
	require.NoError(t, err)
	require.Len(t, handshakeFrame, FrameSize)

	_, epoch, pt, payload, err := DecodeFrame(key, handshakeFrame)
	require.NoError(t, err)
	require.Equal(t, uint32(1), epoch)
	require.Equal(t, PayloadTypeHandshake, pt)
	require.Empty(t, payload)

	bigPayload := make([]byte, 7*1024)
	for i := range bigPayload {
		bigPayload[i] = byte(i)
	}
	nonce2, err := NewFrameNonce()
	require.NoError(t, err)
	syncFrame, err := EncodeFrame(key, nonce2, 1, PayloadTypeSync, bigPayload)
	require.NoError(t, err)
	require.Len(t, syncFrame, FrameSize)

	_, _, pt2, payload2, err := DecodeFrame(key, syncFrame)
	require.NoError(t, err)
	require.Equal(t, PayloadTypeSync, pt2)
	require.Equal(t, bigPayload, payload2)
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	key := testKey(t)
	nonce, err := NewFrameNonce()
	require.NoError(t, err)
	_, err = EncodeFrame(key, nonce, 0, PayloadTypeSync, make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeFrameRejectsWrongSize(t *testing.T) {
	key := testKey(t)
	_, _, _, _, err := DecodeFrame(key, make([]byte, FrameSize-1))
	require.ErrorIs(t, err, ErrFrameSize)
}

func TestDecodeFrameRejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	nonce, err := NewFrameNonce()
	require.NoError(t, err)
	frame, err := EncodeFrame(key, nonce, 0, PayloadTypeSync, []byte("hello"))
	require.NoError(t, err)

	frame[FrameSize-1] ^= 0xFF
	_, _, _, _, err = DecodeFrame(key, frame)
	require.Error(t, err)
}

func TestNonceMemoRejectsReplay(t *testing.T) {
	memo := NewNonceMemo(8)
	var nonce [nonceFieldSize]byte
	nonce[0] = 1

	require.NoError(t, memo.Observe(nonce))
	require.ErrorIs(t, memo.Observe(nonce), ErrReplayed)
}

func TestNonceMemoEvictsOldest(t *testing.T) {
	memo := NewNonceMemo(2)
	var a, b, c [nonceFieldSize]byte
	a[0], b[0], c[0] = 1, 2, 3

	require.NoError(t, memo.Observe(a))
	require.NoError(t, memo.Observe(b))
	require.NoError(t, memo.Observe(c)) // evicts a

	require.NoError(t, memo.Observe(a)) // a forgotten, accepted again; evicts b
	require.ErrorIs(t, memo.Observe(c), ErrReplayed)
}
