// File: api/backend.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Capability contract every transport backend implements.

package api

import (
	"net/netip"
	"strconv"
	"time"
)

// Socket is an opaque backend handle.
type Socket int64

// InvalidSocket marks connections that own no backend resource.
const InvalidSocket Socket = -1

func (s Socket) String() string {
	if s == InvalidSocket {
		return "invalid"
	}
	return strconv.FormatInt(int64(s), 10)
}

// Interest is what the engine wants to know about one socket in a poll.
type Interest struct {
	Socket Socket
	Read   bool
	Write  bool
}

// Readiness is what a pull backend reports for one socket.
type Readiness struct {
	Socket   Socket
	Readable bool
	Writable bool
	Errored  bool
}

// BackendEventKind classifies events posted by push backends.
type BackendEventKind int

const (
	// BackendAccepted: Listener accepted Socket from Addr.
	BackendAccepted BackendEventKind = iota
	// BackendConnected: a ConnectTCP on Socket finished; Err carries failure.
	BackendConnected
	// BackendReceived: Data arrived on Socket (from Addr for UDP).
	BackendReceived
	// BackendClosed: the peer closed Socket (Err nil) or it failed.
	BackendClosed
)

func (k BackendEventKind) String() string {
	switch k {
	case BackendAccepted:
		return "accepted"
	case BackendConnected:
		return "connected"
	case BackendReceived:
		return "received"
	case BackendClosed:
		return "closed"
	}
	return "unknown"
}

// BackendEvent is posted by push-style backends from any goroutine.
type BackendEvent struct {
	Kind     BackendEventKind
	Listener Socket
	Socket   Socket
	Addr     netip.AddrPort
	Data     []byte
	Err      error
}

// Sink receives push events. Post is safe for concurrent use and never
// blocks on the polling goroutine.
type Sink interface {
	Post(ev BackendEvent)
}

// Backend is the transport capability set.
//
// Error convention: a nil error is success, ErrWouldBlock is transient,
// io.EOF from RecvTCP is an orderly peer close, anything else is fatal for
// the socket. Short writes are legal; the engine retries, never the backend.
//
// A pull backend answers readiness from Poll and performs I/O on demand.
// A push backend returns no readiness and posts BackendEvents to the sink
// given to Init; its Poll blocks until an event is posted or the timeout
// expires.
type Backend interface {
	Init(sink Sink) error
	Shutdown() error

	Register(s Socket) error
	Unregister(s Socket) error

	Poll(timeout time.Duration, interest []Interest) ([]Readiness, error)
	// Wake interrupts a blocked Poll. Safe from any goroutine.
	Wake() error

	ListenTCP(addr netip.AddrPort) (Socket, error)
	ListenUDP(addr netip.AddrPort) (Socket, error)
	Accept(listener Socket) (Socket, netip.AddrPort, error)

	ConnectTCP(addr netip.AddrPort) (Socket, error)
	ConnectUDP(addr netip.AddrPort, broadcast bool) (Socket, error)
	// ConnectResult reports the outcome of a pending TCP connect once the
	// socket polls writable or errored.
	ConnectResult(s Socket) error

	SendTCP(s Socket, p []byte) (int, error)
	// SendUDP sends p to the socket's connected peer, or to `to` when valid.
	SendUDP(s Socket, p []byte, to netip.AddrPort) (int, error)
	RecvTCP(s Socket, p []byte) (int, error)
	RecvUDP(s Socket, p []byte) (int, netip.AddrPort, error)

	// BindHandle adopts an existing OS socket. The backend owns h afterwards.
	BindHandle(h uintptr) (Socket, error)
	Addr(s Socket, remote bool) (netip.AddrPort, error)
	Close(s Socket) error
}

// PushBackend is implemented by backends that deliver data and connection
// results through the sink instead of readiness. The engine treats every
// push socket as writable and never calls Accept or ConnectResult on it.
type PushBackend interface {
	Backend
	IsPush() bool
}
