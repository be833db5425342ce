package wire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Session is one peer's encrypted view of a wire connection: it owns
// the session key from the handshake, a monotonically increasing send
// counter (spec §5: "wire-frame nonces within one session are
// monotonically increasing"), and the receive-side nonce memo and
// veto-priority inbox.
type Session struct {
	key       []byte
	transport Transport
	self      PeerID
	peer      PeerID
	memo      *NonceMemo

	mu          sync.Mutex
	sendCounter uint64
	inbox       []inboxEntry
}

type inboxEntry struct {
	epoch       uint32
	payloadType PayloadType
	payload     []byte
}

// NewSession wraps an established session key (from InitiateHandshake
// / RespondHandshake) into a Session bound to one peer over transport.
func NewSession(key []byte, transport Transport, self, peer PeerID) *Session {
	return &Session{
		key:       key,
		transport: transport,
		self:      self,
		peer:      peer,
		memo:      NewNonceMemo(DefaultNonceMemoCapacity),
	}
}

// nextNonce produces a nonce whose leading 8 bytes are a strictly
// increasing counter (satisfying the ordering guarantee) and whose
// remaining bytes are CSPRNG-filled (so nonces stay unguessable and
// unique even across process restarts that reset the counter would
// otherwise collide on).
func (s *Session) nextNonce() ([nonceFieldSize]byte, error) {
	var nonce [nonceFieldSize]byte
	s.mu.Lock()
	counter := s.sendCounter
	s.sendCounter++
	s.mu.Unlock()

	binary.BigEndian.PutUint64(nonce[:8], counter)
	if _, err := rand.Read(nonce[8:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// Send encodes and transmits one frame to the session's peer.
func (s *Session) Send(ctx context.Context, epoch uint32, payloadType PayloadType, payload []byte) error {
	nonce, err := s.nextNonce()
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(s.key, nonce, epoch, payloadType, payload)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, s.peer, frame)
}

// SendChaff transmits one indistinguishable-from-real Chaff frame,
// carrying CSPRNG padding as its entire "payload".
func (s *Session) SendChaff(ctx context.Context, epoch uint32) error {
	return s.Send(ctx, epoch, PayloadTypeChaff, nil)
}

// Receive returns the next frame to apply, draining every frame
// already queued from the peer and giving strict priority to a Veto
// frame over anything else waiting — spec §4.8's routing discipline.
// Chaff frames are decoded, nonce-checked, and silently discarded, per
// spec; Receive never returns one to the caller.
func (s *Session) Receive(ctx context.Context) (epoch uint32, payloadType PayloadType, payload []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainNonBlocking()
	for len(s.inbox) == 0 {
		if err := s.blockingIngest(ctx); err != nil {
			return 0, 0, nil, err
		}
		s.drainNonBlocking()
	}

	idx := s.priorityIndexLocked()
	entry := s.inbox[idx]
	s.inbox = append(s.inbox[:idx], s.inbox[idx+1:]...)
	return entry.epoch, entry.payloadType, entry.payload, nil
}

func (s *Session) priorityIndexLocked() int {
	for i, e := range s.inbox {
		if e.payloadType == PayloadTypeVeto {
			return i
		}
	}
	return 0
}

func (s *Session) blockingIngest(ctx context.Context) error {
	frame, err := s.transport.Receive(ctx, s.peer)
	if err != nil {
		return err
	}
	return s.ingestLocked(frame)
}

func (s *Session) drainNonBlocking() {
	nb, ok := s.transport.(NonBlockingTransport)
	if !ok {
		return
	}
	for {
		frame, has, err := nb.TryReceive(s.peer)
		if err != nil || !has {
			return
		}
		_ = s.ingestLocked(frame)
	}
}

// ingestLocked decodes frame, checks replay, and appends it to the
// inbox unless it is Chaff (silently dropped) or a replay (silently
// dropped — a real attacker's replayed frame must not be distinguishable
// from noise to the sender).
func (s *Session) ingestLocked(frame []byte) error {
	nonce, epoch, payloadType, payload, err := DecodeFrame(s.key, frame)
	if err != nil {
		return err
	}
	if err := s.memo.Observe(nonce); err != nil {
		return nil
	}
	if payloadType == PayloadTypeChaff {
		return nil
	}
	s.inbox = append(s.inbox, inboxEntry{epoch: epoch, payloadType: payloadType, payload: payload})
	return nil
}
