package transport

import (
	"context"
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveUDPAddrFn func(network, address string) (*net.UDPAddr, error)

type dialUDPFn func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// UDP sends each payload as one datagram to a fixed destination, typically
// the radio stack's local ingest port or a broadcast address.
type UDP struct {
	dest string
	conn udpConn
}

func NewUDP(dest string) (*UDP, error) {
	return newUDP(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newUDP(dest string, resolve resolveUDPAddrFn, dial dialUDPFn) (*UDP, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &UDP{dest: dest, conn: conn}, nil
}

// Send writes one datagram. A UDP write does not block on the peer, so ctx is
// only checked before writing.
func (u *UDP) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := u.conn.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return fmt.Errorf("udp short write %d of %d bytes", n, len(payload))
	}
	return nil
}

func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

func (u *UDP) String() string {
	return "udp://" + u.dest
}
