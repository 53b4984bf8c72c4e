// Package fpnet moves protocol datagrams between an endpoint and the
// arbiter. The native transport is a raw IP socket on the Fastpass protocol
// number; a UDP transport exists for unprivileged runs and tests. Both
// reject traffic from any address other than the expected peer.
package fpnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

// SendBufferSize is applied to the control socket so a burst of ALLOC
// traffic never backs up into the arbiter's TX path.
const SendBufferSize = 64 << 20

// Conn is one point-to-point control channel.
type Conn interface {
	Send(b []byte) error
	// Recv blocks for the next datagram from the expected peer, copying
	// it into buf. Packets from other sources are dropped and counted.
	Recv(buf []byte) (int, error)
	SetTimeout(d time.Duration) error
	Close() error
}

// RawConn speaks IP protocol 222 directly.
type RawConn struct {
	fd       int
	peer     unix.SockaddrInet4
	rejected uint64
}

// DialRaw opens a raw socket bound to laddr and locked to the peer address.
func DialRaw(laddr, peer net.IP) (*RawConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, wire.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("fpnet: raw socket: %w", err)
	}
	c := &RawConn{fd: fd}
	copy(c.peer.Addr[:], peer.To4())

	if laddr != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], laddr.To4())
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("fpnet: bind %s: %w", laddr, err)
		}
	}
	// Connecting the socket makes the kernel filter other sources.
	if err := unix.Connect(fd, &c.peer); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fpnet: connect %s: %w", peer, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, SendBufferSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("fpnet: sndbuf: %w", err)
	}
	return c, nil
}

func (c *RawConn) Send(b []byte) error {
	return unix.Sendto(c.fd, b, 0, &c.peer)
}

func (c *RawConn) Recv(buf []byte) (int, error) {
	for {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			return 0, err
		}
		if sa, ok := from.(*unix.SockaddrInet4); !ok || sa.Addr != c.peer.Addr {
			c.rejected++
			continue
		}
		// A raw IPv4 socket delivers the IP header too.
		if n < 20 {
			c.rejected++
			continue
		}
		ihl := int(buf[0]&0xF) * 4
		if ihl < 20 || n <= ihl {
			c.rejected++
			continue
		}
		copy(buf, buf[ihl:n])
		return n - ihl, nil
	}
}

func (c *RawConn) SetTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// RejectedPackets counts datagrams dropped for coming from the wrong place.
func (c *RawConn) RejectedPackets() uint64 { return c.rejected }

func (c *RawConn) Close() error { return unix.Close(c.fd) }

// UDPConn is the unprivileged stand-in for RawConn.
type UDPConn struct {
	conn     *net.UDPConn
	peer     *net.UDPAddr
	rejected uint64
}

func DialUDP(laddr, peer *net.UDPAddr) (*UDPConn, error) {
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("fpnet: listen: %w", err)
	}
	if err := conn.SetWriteBuffer(SendBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fpnet: sndbuf: %w", err)
	}
	return &UDPConn{conn: conn, peer: peer}, nil
}

// LocalAddr exposes the bound address, mainly so tests can cross-wire pairs.
func (c *UDPConn) LocalAddr() *net.UDPAddr { return c.conn.LocalAddr().(*net.UDPAddr) }

// SetPeer locks the connection to a peer after creation.
func (c *UDPConn) SetPeer(peer *net.UDPAddr) { c.peer = peer }

func (c *UDPConn) Send(b []byte) error {
	_, err := c.conn.WriteToUDP(b, c.peer)
	return err
}

func (c *UDPConn) Recv(buf []byte) (int, error) {
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, err
		}
		if c.peer == nil || !from.IP.Equal(c.peer.IP) || from.Port != c.peer.Port {
			c.rejected++
			continue
		}
		return n, nil
	}
}

func (c *UDPConn) SetTimeout(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

func (c *UDPConn) RejectedPackets() uint64 { return c.rejected }

func (c *UDPConn) Close() error { return c.conn.Close() }

// ReadLoop pumps datagrams from conn into rx until the context ends. It is
// the shape both daemons use: a dedicated reader goroutine that wakes every
// poll interval to observe cancellation.
func ReadLoop(ctx context.Context, conn Conn, mtu int, poll time.Duration, rx func(b []byte)) error {
	buf := make([]byte, mtu)
	for ctx.Err() == nil {
		if err := conn.SetTimeout(poll); err != nil {
			return err
		}
		n, err := conn.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			dlog.Errorf(ctx, "control channel read: %v", err)
			return err
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		rx(pkt)
	}
	return nil
}
