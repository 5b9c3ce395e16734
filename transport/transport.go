// Package transport implements the datagram endpoint every peer binds: one
// UDP socket capable of unicast sends, link-layer broadcast sends, and a
// blocking receive, all speaking the wire package's ASCII packet format.
package transport

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"github.com/sushantsondhi/reliable-bcast/wire"
)

// Transport is the interface the engine drives; a single bidirectional
// endpoint bound to a well-known UDP port. All sends are best-effort and
// non-blocking with respect to the caller -- I/O errors are returned but
// are never treated as fatal by any caller in this system.
type Transport interface {
	SendUnicast(addr string, p wire.Packet) error
	SendBroadcast(p wire.Packet) error
	// Receive blocks until a packet arrives, the transport is closed, or
	// a persistent read error occurs.
	Receive() (p wire.Packet, fromIP string, err error)
	LocalAddr() string
	Close() error
}

const maxPacketSize = 2048

// UDP is the production Transport, backed by a single net.UDPConn bound to
// INADDR_ANY:port with SO_BROADCAST enabled.
type UDP struct {
	conn      *net.UDPConn
	port      int
	localAddr string
}

// New binds a UDP socket on the given port across all interfaces and
// enables broadcast sends on it. localAddr is this peer's own IPv4 address,
// as discovered by netutil -- it never leaves the process except inside
// JOIN/HEART_BEAT payloads.
func New(port int, localAddr string) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind failed: %w", err)
	}
	if err := enableBroadcast(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: enable broadcast: %w", err)
	}
	return &UDP{conn: conn, port: port, localAddr: localAddr}, nil
}

// enableBroadcast sets SO_BROADCAST on the socket's file descriptor. The
// net package has no portable knob for this, so we reach for
// golang.org/x/sys/unix via the raw conn, the standard idiom for socket
// options net.Conn doesn't expose.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (u *UDP) LocalAddr() string { return u.localAddr }

// Port returns the UDP port this transport is bound to -- useful when New
// was called with port 0 (an ephemeral port), as in tests.
func (u *UDP) Port() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

func (u *UDP) SendUnicast(addr string, p wire.Packet) error {
	dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: u.port}
	_, err := u.conn.WriteToUDP(p.Encode(), dst)
	if err != nil {
		log.Printf("transport: unicast send to %s failed: %v", addr, err)
	}
	return err
}

func (u *UDP) SendBroadcast(p wire.Packet) error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: u.port}
	_, err := u.conn.WriteToUDP(p.Encode(), dst)
	if err != nil {
		log.Printf("transport: broadcast send failed: %v", err)
	}
	return err
}

func (u *UDP) Receive() (wire.Packet, string, error) {
	buf := make([]byte, maxPacketSize)
	for {
		n, srcAddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			// A closed socket is how Stop() unblocks this loop; surface
			// it so the caller knows to exit rather than retry forever.
			return nil, "", err
		}
		p, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			log.Printf("transport: dropping malformed packet from %s: %v", srcAddr, decErr)
			continue
		}
		return p, srcAddr.IP.String(), nil
	}
}

func (u *UDP) Close() error {
	return u.conn.Close()
}

var _ Transport = (*UDP)(nil)
