//go:build !unix

// File: transport/socket/socket_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without BSD sockets in x/sys/unix.

package socket

import (
	"net/netip"

	"github.com/momentics/hioload-net/api"
)

func (b *Backend) ListenTCP(netip.AddrPort) (api.Socket, error) {
	return api.InvalidSocket, api.ErrNotSupported
}

func (b *Backend) ListenUDP(netip.AddrPort) (api.Socket, error) {
	return api.InvalidSocket, api.ErrNotSupported
}

func (b *Backend) Accept(api.Socket) (api.Socket, netip.AddrPort, error) {
	return api.InvalidSocket, netip.AddrPort{}, api.ErrNotSupported
}

func (b *Backend) ConnectTCP(netip.AddrPort) (api.Socket, error) {
	return api.InvalidSocket, api.ErrNotSupported
}

func (b *Backend) ConnectUDP(netip.AddrPort, bool) (api.Socket, error) {
	return api.InvalidSocket, api.ErrNotSupported
}

func (b *Backend) ConnectResult(api.Socket) error { return api.ErrNotSupported }

func (b *Backend) SendTCP(api.Socket, []byte) (int, error) { return 0, api.ErrNotSupported }

func (b *Backend) SendUDP(api.Socket, []byte, netip.AddrPort) (int, error) {
	return 0, api.ErrNotSupported
}

func (b *Backend) RecvTCP(api.Socket, []byte) (int, error) { return 0, api.ErrNotSupported }

func (b *Backend) RecvUDP(api.Socket, []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, api.ErrNotSupported
}

func (b *Backend) BindHandle(uintptr) (api.Socket, error) {
	return api.InvalidSocket, api.ErrNotSupported
}

func (b *Backend) Addr(api.Socket, bool) (netip.AddrPort, error) {
	return netip.AddrPort{}, api.ErrNotSupported
}

func (b *Backend) Close(api.Socket) error { return api.ErrNotSupported }
