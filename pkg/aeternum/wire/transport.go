package wire

import (
	"context"
	"fmt"
	"sync"
)

// PeerID names an endpoint in a Transport. Its concrete meaning (device
// id, network address, test fixture name) is up to the caller.
type PeerID string

// Transport sends and receives already-encoded FrameSize-byte frames
// between two peers. It knows nothing about encryption, nonces, or
// payload types — those are Session's job.
type Transport interface {
	Send(ctx context.Context, to PeerID, frame []byte) error
	Receive(ctx context.Context, from PeerID) ([]byte, error)
}

// NonBlockingTransport is implemented by transports that can report
// "nothing queued right now" instead of blocking, which Session uses to
// drain every already-arrived frame before applying veto priority
// (spec §4.8).
type NonBlockingTransport interface {
	TryReceive(from PeerID) (frame []byte, ok bool, err error)
}

// MockNet is an in-memory Transport for tests: one sequenced,
// reliable, ordered channel per (sender, receiver) pair, modeled on the
// same send/receive-sequence discipline as the teacher's MPC mock
// network.
type MockNet struct {
	mu sync.Mutex
	q  map[mockKey]chan []byte
}

type mockKey struct {
	from, to PeerID
	seq      uint64
}

// NewMockNet returns an empty in-memory network.
func NewMockNet() *MockNet { return &MockNet{q: make(map[mockKey]chan []byte)} }

func (n *MockNet) slot(key mockKey) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := n.q[key]
	if ch == nil {
		ch = make(chan []byte, 64)
		n.q[key] = ch
	}
	return ch
}

// Endpoint returns a Transport view of the network for self, able to
// talk to any of peers.
func (n *MockNet) Endpoint(self PeerID, peers []PeerID) *MockEndpoint {
	peerSet := make(map[PeerID]struct{}, len(peers))
	for _, p := range peers {
		if p != self {
			peerSet[p] = struct{}{}
		}
	}
	return &MockEndpoint{
		net:     n,
		self:    self,
		peers:   peerSet,
		sendSeq: make(map[PeerID]uint64),
		recvSeq: make(map[PeerID]uint64),
	}
}

// MockEndpoint is one peer's Transport handle into a MockNet.
type MockEndpoint struct {
	net  *MockNet
	self PeerID

	mu      sync.Mutex
	peers   map[PeerID]struct{}
	sendSeq map[PeerID]uint64
	recvSeq map[PeerID]uint64
}

func (e *MockEndpoint) checkPeer(p PeerID) error {
	if _, ok := e.peers[p]; !ok {
		return fmt.Errorf("wire: unknown peer %q", p)
	}
	return nil
}

func (e *MockEndpoint) Send(ctx context.Context, to PeerID, frame []byte) error {
	if err := e.checkPeer(to); err != nil {
		return err
	}
	e.mu.Lock()
	seq := e.sendSeq[to]
	e.sendSeq[to]++
	e.mu.Unlock()

	ch := e.net.slot(mockKey{from: e.self, to: to, seq: seq})
	select {
	case ch <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *MockEndpoint) Receive(ctx context.Context, from PeerID) ([]byte, error) {
	if err := e.checkPeer(from); err != nil {
		return nil, err
	}
	e.mu.Lock()
	seq := e.recvSeq[from]
	e.recvSeq[from]++
	e.mu.Unlock()

	ch := e.net.slot(mockKey{from: from, to: e.self, seq: seq})
	select {
	case frame := <-ch:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements NonBlockingTransport.
func (e *MockEndpoint) TryReceive(from PeerID) ([]byte, bool, error) {
	if err := e.checkPeer(from); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	seq := e.recvSeq[from]
	e.mu.Unlock()

	ch := e.net.slot(mockKey{from: from, to: e.self, seq: seq})
	select {
	case frame := <-ch:
		e.mu.Lock()
		e.recvSeq[from]++
		e.mu.Unlock()
		return frame, true, nil
	default:
		return nil, false, nil
	}
}

var (
	_ Transport            = (*MockEndpoint)(nil)
	_ NonBlockingTransport = (*MockEndpoint)(nil)
)
