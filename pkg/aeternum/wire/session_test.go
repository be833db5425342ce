package wire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	key := make([]byte, sessionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	net := NewMockNet()
	a := net.Endpoint("alice", []PeerID{"bob"})
	b := net.Endpoint("bob", []PeerID{"alice"})
	return NewSession(key, a, "alice", "bob"), NewSession(key, b, "bob", "alice")
}

func TestSessionSendReceiveRoundTrip(t *testing.T) {
	alice, bob := newSessionPair(t)
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, 7, PayloadTypeSync, []byte("hello bob")))

	epoch, pt, payload, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(7), epoch)
	require.Equal(t, PayloadTypeSync, pt)
	require.Equal(t, []byte("hello bob"), payload)
}

// Veto priority routing (spec §4.8): a veto queued behind other frames
// from the same peer is still delivered first.
func TestSessionVetoPriorityRouting(t *testing.T) {
	alice, bob := newSessionPair(t)
	ctx := context.Background()

	require.NoError(t, alice.Send(ctx, 1, PayloadTypeSync, []byte("sync-1")))
	require.NoError(t, alice.Send(ctx, 1, PayloadTypeSync, []byte("sync-2")))
	require.NoError(t, alice.Send(ctx, 1, PayloadTypeVeto, []byte("veto!")))
	require.NoError(t, alice.Send(ctx, 1, PayloadTypeSync, []byte("sync-3")))

	// Give the mock net's buffered channel a moment to hold all four
	// frames so Receive's non-blocking drain can see them together.
	time.Sleep(10 * time.Millisecond)

	_, pt, payload, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, PayloadTypeVeto, pt)
	require.Equal(t, []byte("veto!"), payload)

	var got []string
	for i := 0; i < 3; i++ {
		_, _, payload, err := bob.Receive(ctx)
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	require.Equal(t, []string{"sync-1", "sync-2", "sync-3"}, got)
}

// Chaff frames are decoded and discarded, never surfaced to the caller.
func TestSessionDropsChaffFrames(t *testing.T) {
	alice, bob := newSessionPair(t)
	ctx := context.Background()

	require.NoError(t, alice.SendChaff(ctx, 3))
	require.NoError(t, alice.Send(ctx, 3, PayloadTypeSync, []byte("real")))

	time.Sleep(10 * time.Millisecond)

	_, pt, payload, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, PayloadTypeSync, pt)
	require.Equal(t, []byte("real"), payload)
}

// A replayed frame (the identical bytes, same nonce, resent on the
// wire) is silently absorbed rather than delivered a second time.
func TestSessionRejectsReplayedFrame(t *testing.T) {
	key := make([]byte, sessionKeySize)
	net := NewMockNet()
	aliceTransport := net.Endpoint("alice", []PeerID{"bob"})
	bobTransport := net.Endpoint("bob", []PeerID{"alice"})
	bob := NewSession(key, bobTransport, "bob", "alice")

	nonce, err := NewFrameNonce()
	require.NoError(t, err)
	frame, err := EncodeFrame(key, nonce, 1, PayloadTypeSync, []byte("once"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, aliceTransport.Send(ctx, "bob", frame))
	require.NoError(t, aliceTransport.Send(ctx, "bob", frame)) // replay: identical frame resent

	_, _, payload, err := bob.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("once"), payload)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, _, err = bob.Receive(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
