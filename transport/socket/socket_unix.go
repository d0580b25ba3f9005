//go:build unix

// File: transport/socket/socket_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking socket syscalls via golang.org/x/sys/unix.

package socket

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

func toSockaddr(a netip.AddrPort) (unix.Sockaddr, int, error) {
	if !a.IsValid() {
		return nil, 0, api.ErrInvalidAddress
	}
	ip := a.Addr()
	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: ip.Unmap().As4()}, unix.AF_INET, nil
	}
	return &unix.SockaddrInet6{Port: int(a.Port()), Addr: ip.As16()}, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// mapErr folds would-block conditions into api.ErrWouldBlock.
func mapErr(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return api.ErrWouldBlock
	}
	return err
}

func newSocket(family, typ int) (int, error) {
	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (b *Backend) listen(addr netip.AddrPort, typ int) (api.Socket, error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return api.InvalidSocket, err
	}
	fd, err := newSocket(family, typ)
	if err != nil {
		return api.InvalidSocket, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return api.InvalidSocket, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return api.InvalidSocket, fmt.Errorf("bind %s: %w", addr, err)
	}
	if typ == unix.SOCK_STREAM {
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			unix.Close(fd)
			return api.InvalidSocket, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	b.log.Debug("listening", "addr", addr, "fd", fd, "tcp", typ == unix.SOCK_STREAM)
	return api.Socket(fd), nil
}

// ListenTCP opens a listening stream socket.
func (b *Backend) ListenTCP(addr netip.AddrPort) (api.Socket, error) {
	return b.listen(addr, unix.SOCK_STREAM)
}

// ListenUDP opens a bound datagram socket.
func (b *Backend) ListenUDP(addr netip.AddrPort) (api.Socket, error) {
	return b.listen(addr, unix.SOCK_DGRAM)
}

// Accept takes one pending connection off the listener.
func (b *Backend) Accept(l api.Socket) (api.Socket, netip.AddrPort, error) {
	fd, sa, err := unix.Accept(int(l))
	if err != nil {
		return api.InvalidSocket, netip.AddrPort{}, mapErr(err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return api.InvalidSocket, netip.AddrPort{}, err
	}
	return api.Socket(fd), fromSockaddr(sa), nil
}

// ConnectTCP starts a non-blocking connect.
func (b *Backend) ConnectTCP(addr netip.AddrPort) (api.Socket, error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return api.InvalidSocket, err
	}
	fd, err := newSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return api.InvalidSocket, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return api.InvalidSocket, fmt.Errorf("connect %s: %w", addr, err)
	}
	return api.Socket(fd), nil
}

// ConnectUDP creates a datagram socket with a default peer.
func (b *Backend) ConnectUDP(addr netip.AddrPort, broadcast bool) (api.Socket, error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return api.InvalidSocket, err
	}
	fd, err := newSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return api.InvalidSocket, fmt.Errorf("socket: %w", err)
	}
	if broadcast {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			unix.Close(fd)
			return api.InvalidSocket, fmt.Errorf("setsockopt SO_BROADCAST: %w", err)
		}
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return api.InvalidSocket, fmt.Errorf("connect %s: %w", addr, err)
	}
	return api.Socket(fd), nil
}

// ConnectResult reads SO_ERROR of a socket that finished connecting.
func (b *Backend) ConnectResult(s api.Socket) error {
	v, err := unix.GetsockoptInt(int(s), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// SendTCP writes as much of p as the kernel takes.
func (b *Backend) SendTCP(s api.Socket, p []byte) (int, error) {
	n, err := unix.SendmsgN(int(s), p, nil, nil, sendFlags)
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// SendUDP sends one datagram.
func (b *Backend) SendUDP(s api.Socket, p []byte, to netip.AddrPort) (int, error) {
	var sa unix.Sockaddr
	if to.IsValid() {
		var err error
		if sa, _, err = toSockaddr(to); err != nil {
			return 0, err
		}
	}
	n, err := unix.SendmsgN(int(s), p, nil, sa, sendFlags)
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// RecvTCP reads into p; io.EOF reports an orderly shutdown by the peer.
func (b *Backend) RecvTCP(s api.Socket, p []byte) (int, error) {
	n, err := unix.Read(int(s), p)
	if err != nil {
		return 0, mapErr(err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// RecvUDP reads one datagram.
func (b *Backend) RecvUDP(s api.Socket, p []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(int(s), p, 0)
	if err != nil {
		return 0, netip.AddrPort{}, mapErr(err)
	}
	return n, fromSockaddr(sa), nil
}

// BindHandle adopts an existing descriptor and makes it non-blocking.
func (b *Backend) BindHandle(h uintptr) (api.Socket, error) {
	fd := int(h)
	if _, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err != nil {
		return api.InvalidSocket, fmt.Errorf("bind handle %d: %w", fd, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return api.InvalidSocket, err
	}
	return api.Socket(fd), nil
}

// Addr returns the local or peer address.
func (b *Backend) Addr(s api.Socket, remote bool) (netip.AddrPort, error) {
	var (
		sa  unix.Sockaddr
		err error
	)
	if remote {
		sa, err = unix.Getpeername(int(s))
	} else {
		sa, err = unix.Getsockname(int(s))
	}
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa), nil
}

// Close closes the descriptor.
func (b *Backend) Close(s api.Socket) error {
	if s == api.InvalidSocket {
		return nil
	}
	return unix.Close(int(s))
}

