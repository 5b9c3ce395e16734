package engine_test

import (
	"errors"
	"sync"

	"github.com/sushantsondhi/reliable-bcast/wire"
)

// fakeNetwork is an in-memory stand-in for the shared UDP broadcast domain,
// keyed by IP address, used to drive multi-peer engine tests without real
// sockets -- the same role the teacher's TestRaft RPC mock plays for
// raft_test.go's cluster tests.
type fakeNetwork struct {
	mu    sync.Mutex
	peers map[string]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{peers: make(map[string]*fakeTransport)}
}

type envelope struct {
	pkt  wire.Packet
	from string
}

type fakeTransport struct {
	net    *fakeNetwork
	addr   string
	inbox  chan envelope
	closed chan struct{}
	once   sync.Once
}

func (n *fakeNetwork) newTransport(addr string) *fakeTransport {
	t := &fakeTransport{
		net:    n,
		addr:   addr,
		inbox:  make(chan envelope, 256),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[addr] = t
	n.mu.Unlock()
	return t
}

func (t *fakeTransport) SendUnicast(addr string, p wire.Packet) error {
	t.net.mu.Lock()
	dst, ok := t.net.peers[addr]
	t.net.mu.Unlock()
	if !ok {
		return nil // unreachable peer, same as a dropped UDP datagram
	}
	select {
	case dst.inbox <- envelope{pkt: p, from: t.addr}:
	default:
	}
	return nil
}

func (t *fakeTransport) SendBroadcast(p wire.Packet) error {
	t.net.mu.Lock()
	targets := make([]*fakeTransport, 0, len(t.net.peers))
	for _, peer := range t.net.peers {
		targets = append(targets, peer)
	}
	t.net.mu.Unlock()
	for _, dst := range targets {
		select {
		case dst.inbox <- envelope{pkt: p, from: t.addr}:
		default:
		}
	}
	return nil
}

func (t *fakeTransport) Receive() (wire.Packet, string, error) {
	select {
	case e := <-t.inbox:
		return e.pkt, e.from, nil
	case <-t.closed:
		return nil, "", errors.New("fake transport closed")
	}
}

func (t *fakeTransport) LocalAddr() string { return t.addr }

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
