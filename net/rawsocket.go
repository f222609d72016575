//go:build linux

// AF_PACKET raw-socket backing for Device, used by cmd/node when running
// against a real NIC rather than the in-memory loopback tests use.
// Grounded on golang.org/x/sys/unix's raw-socket primitives -- x/sys is
// biscuit's own declared dependency for exactly this kind of raw syscall
// access, so this is preferred over reimplementing AF_PACKET's ioctls by
// hand.
package net

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type rawSocketConn struct {
	fd  int
	ifi int
}

// OpenRawSocket binds an AF_PACKET/SOCK_RAW socket to ifaceIndex, ready to
// be wrapped by NewLink.
func OpenRawSocket(ifaceIndex int) (*rawSocketConn, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(uint16(EtherType)))
	if err != nil {
		return nil, fmt.Errorf("net: open raw socket: %w", err)
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(uint16(EtherType)),
		Ifindex:  ifaceIndex,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("net: bind raw socket: %w", err)
	}
	return &rawSocketConn{fd: fd, ifi: ifaceIndex}, nil
}

func (c *rawSocketConn) Read(p []byte) (int, error) {
	n, _, err := unix.Recvfrom(c.fd, p, 0)
	return n, err
}

func (c *rawSocketConn) Write(p []byte) (int, error) {
	sa := &unix.SockaddrLinklayer{Ifindex: c.ifi}
	if err := unix.Sendto(c.fd, p, 0, sa); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *rawSocketConn) Close() error { return unix.Close(c.fd) }

func htons(v uint16) uint16 { return (v<<8)&0xff00 | v>>8 }
