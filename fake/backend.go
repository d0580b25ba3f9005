// Package fake
// Author: momentics <momentics@gmail.com>
//
// Scriptable in-memory backend for engine tests. Tests queue inbound
// bytes, accepts and connect results; the engine sees them as readiness
// on the next poll and everything it sends is recorded for inspection.
package fake

import (
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
)

// Datagram is one UDP payload with its peer address.
type Datagram struct {
	Addr netip.AddrPort
	Data []byte
}

type socket struct {
	listener bool
	udp      bool
	local    netip.AddrPort
	remote   netip.AddrPort
	handle   uintptr

	rx        []byte
	datagrams []Datagram
	accepts   []netip.AddrPort
	eof       bool
	recvErr   error

	connectErr error
	sent       []byte
	sentDgrams []Datagram
	recvCalls  int
	closed     bool
}

// Backend implements api.PushBackend; IsPush reports the mode chosen at
// construction.
type Backend struct {
	mu    sync.Mutex
	sink  api.Sink
	push  bool
	next  api.Socket
	port  uint16
	socks map[api.Socket]*socket

	dialed      []api.Socket
	listenErr   error
	connectErr  error
	holdConnect bool
	sendBlocked bool
	writeLimit  int

	lastTimeout time.Duration
	polls       int
	wakes       int
	shutdown    bool
}

var _ api.PushBackend = (*Backend)(nil)

// New returns a pull-style fake.
func New() *Backend {
	return &Backend{socks: make(map[api.Socket]*socket), port: 40000}
}

// NewPush returns a fake the engine drives through posted events.
func NewPush() *Backend {
	b := New()
	b.push = true
	return b
}

func (b *Backend) IsPush() bool { return b.push }

func (b *Backend) Init(sink api.Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
	b.shutdown = false
	return nil
}

func (b *Backend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	return nil
}

func (b *Backend) Register(api.Socket) error   { return nil }
func (b *Backend) Unregister(api.Socket) error { return nil }

// Poll never blocks. It reports readable sockets with queued input and
// writable sockets whose connect is not held, unless sends are blocked.
func (b *Backend) Poll(timeout time.Duration, interest []api.Interest) ([]api.Readiness, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return nil, api.ErrBackendClosed
	}
	b.lastTimeout = timeout
	b.polls++
	var out []api.Readiness
	for _, in := range interest {
		s, ok := b.socks[in.Socket]
		if !ok || s.closed {
			continue
		}
		r := api.Readiness{Socket: in.Socket}
		if in.Read {
			r.Readable = len(s.accepts) > 0 || len(s.rx) > 0 || len(s.datagrams) > 0 || s.eof || s.recvErr != nil
		}
		if in.Write {
			r.Writable = !b.holdConnect && !b.sendBlocked
		}
		if r.Readable || r.Writable {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *Backend) Wake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return api.ErrBackendClosed
	}
	b.wakes++
	return nil
}

func (b *Backend) add(s *socket) api.Socket {
	b.next++
	b.socks[b.next] = s
	return b.next
}

func (b *Backend) ephemeral() netip.AddrPort {
	b.port++
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), b.port)
}

func (b *Backend) listen(addr netip.AddrPort, udp bool) (api.Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listenErr != nil {
		return api.InvalidSocket, b.listenErr
	}
	if addr.Port() == 0 {
		b.port++
		addr = netip.AddrPortFrom(addr.Addr(), b.port)
	}
	return b.add(&socket{listener: true, udp: udp, local: addr}), nil
}

func (b *Backend) ListenTCP(addr netip.AddrPort) (api.Socket, error) { return b.listen(addr, false) }
func (b *Backend) ListenUDP(addr netip.AddrPort) (api.Socket, error) { return b.listen(addr, true) }

func (b *Backend) Accept(l api.Socket) (api.Socket, netip.AddrPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[l]
	if !ok || !s.listener {
		return api.InvalidSocket, netip.AddrPort{}, api.ErrNotFound
	}
	if len(s.accepts) == 0 {
		return api.InvalidSocket, netip.AddrPort{}, api.ErrWouldBlock
	}
	from := s.accepts[0]
	s.accepts = s.accepts[1:]
	return b.add(&socket{local: s.local, remote: from}), from, nil
}

func (b *Backend) connect(addr netip.AddrPort, udp bool) (api.Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return api.InvalidSocket, b.connectErr
	}
	id := b.add(&socket{udp: udp, local: b.ephemeral(), remote: addr})
	b.dialed = append(b.dialed, id)
	return id, nil
}

func (b *Backend) ConnectTCP(addr netip.AddrPort) (api.Socket, error) { return b.connect(addr, false) }

func (b *Backend) ConnectUDP(addr netip.AddrPort, _ bool) (api.Socket, error) {
	return b.connect(addr, true)
}

func (b *Backend) ConnectResult(id api.Socket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holdConnect {
		return api.ErrWouldBlock
	}
	if s, ok := b.socks[id]; ok {
		return s.connectErr
	}
	return api.ErrNotFound
}

func (b *Backend) SendTCP(id api.Socket, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok || s.closed {
		return 0, api.ErrNotFound
	}
	n := len(p)
	if b.writeLimit > 0 && n > b.writeLimit {
		n = b.writeLimit
	}
	s.sent = append(s.sent, p[:n]...)
	return n, nil
}

func (b *Backend) SendUDP(id api.Socket, p []byte, to netip.AddrPort) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok || s.closed {
		return 0, api.ErrNotFound
	}
	if b.sendBlocked {
		return 0, api.ErrWouldBlock
	}
	if !to.IsValid() {
		to = s.remote
	}
	s.sentDgrams = append(s.sentDgrams, Datagram{Addr: to, Data: append([]byte(nil), p...)})
	return len(p), nil
}

func (b *Backend) RecvTCP(id api.Socket, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok {
		return 0, api.ErrNotFound
	}
	s.recvCalls++
	switch {
	case s.recvErr != nil:
		return 0, s.recvErr
	case len(s.rx) > 0:
		n := copy(p, s.rx)
		s.rx = s.rx[n:]
		return n, nil
	case s.eof:
		return 0, io.EOF
	}
	return 0, api.ErrWouldBlock
}

func (b *Backend) RecvUDP(id api.Socket, p []byte) (int, netip.AddrPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok {
		return 0, netip.AddrPort{}, api.ErrNotFound
	}
	s.recvCalls++
	if s.recvErr != nil {
		return 0, netip.AddrPort{}, s.recvErr
	}
	if len(s.datagrams) == 0 {
		return 0, netip.AddrPort{}, api.ErrWouldBlock
	}
	d := s.datagrams[0]
	s.datagrams = s.datagrams[1:]
	return copy(p, d.Data), d.Addr, nil
}

func (b *Backend) BindHandle(h uintptr) (api.Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(&socket{handle: h, local: b.ephemeral(), remote: b.ephemeral()}), nil
}

func (b *Backend) Addr(id api.Socket, remote bool) (netip.AddrPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok {
		return netip.AddrPort{}, api.ErrNotFound
	}
	if remote {
		return s.remote, nil
	}
	return s.local, nil
}

func (b *Backend) Close(id api.Socket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.socks[id]
	if !ok || s.closed {
		return api.ErrNotFound
	}
	s.closed = true
	return nil
}

// Scripting helpers. All are safe to call from the test goroutine while
// the engine is not polling.

func (b *Backend) with(id api.Socket, fn func(s *socket)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.socks[id]; ok {
		fn(s)
	}
}

// QueueAccept makes listener l report a pending connection from addr.
func (b *Backend) QueueAccept(l api.Socket, from netip.AddrPort) {
	b.with(l, func(s *socket) { s.accepts = append(s.accepts, from) })
}

// Inject queues stream bytes for id.
func (b *Backend) Inject(id api.Socket, p []byte) {
	b.with(id, func(s *socket) { s.rx = append(s.rx, p...) })
}

// InjectFrom queues one datagram for id.
func (b *Backend) InjectFrom(id api.Socket, from netip.AddrPort, p []byte) {
	b.with(id, func(s *socket) {
		s.datagrams = append(s.datagrams, Datagram{Addr: from, Data: append([]byte(nil), p...)})
	})
}

// SetEOF reports peer EOF once queued bytes are read.
func (b *Backend) SetEOF(id api.Socket) {
	b.with(id, func(s *socket) { s.eof = true })
}

// SetRecvError makes every receive on id fail with err.
func (b *Backend) SetRecvError(id api.Socket, err error) {
	b.with(id, func(s *socket) { s.recvErr = err })
}

// SetConnectResult sets what ConnectResult reports for id.
func (b *Backend) SetConnectResult(id api.Socket, err error) {
	b.with(id, func(s *socket) { s.connectErr = err })
}

// SetConnectError makes ConnectTCP and ConnectUDP fail synchronously.
func (b *Backend) SetConnectError(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

// SetListenError makes listens fail.
func (b *Backend) SetListenError(err error) {
	b.mu.Lock()
	b.listenErr = err
	b.mu.Unlock()
}

// HoldConnect keeps pending connects unresolved while hold is true.
func (b *Backend) HoldConnect(hold bool) {
	b.mu.Lock()
	b.holdConnect = hold
	b.mu.Unlock()
}

// SetSendBlocked makes SendUDP fail with api.ErrWouldBlock and hides
// writability while blocked is true.
func (b *Backend) SetSendBlocked(blocked bool) {
	b.mu.Lock()
	b.sendBlocked = blocked
	b.mu.Unlock()
}

// SetWriteLimit caps every SendTCP at n bytes; zero removes the cap.
func (b *Backend) SetWriteLimit(n int) {
	b.mu.Lock()
	b.writeLimit = n
	b.mu.Unlock()
}

// Sent returns a copy of the stream bytes written to id.
func (b *Backend) Sent(id api.Socket) []byte {
	var out []byte
	b.with(id, func(s *socket) { out = append(out, s.sent...) })
	return out
}

// SentDatagrams returns the datagrams written to id.
func (b *Backend) SentDatagrams(id api.Socket) []Datagram {
	var out []Datagram
	b.with(id, func(s *socket) { out = append(out, s.sentDgrams...) })
	return out
}

// RecvCalls counts receive attempts on id.
func (b *Backend) RecvCalls(id api.Socket) int {
	var n int
	b.with(id, func(s *socket) { n = s.recvCalls })
	return n
}

// Closed reports whether the engine closed id.
func (b *Backend) Closed(id api.Socket) bool {
	closed := false
	b.with(id, func(s *socket) { closed = s.closed })
	return closed
}

// Dialed lists sockets created by connects, oldest first.
func (b *Backend) Dialed() []api.Socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.Socket(nil), b.dialed...)
}

// LastDialed returns the newest connecting socket and its target.
func (b *Backend) LastDialed() (api.Socket, netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.dialed) == 0 {
		return api.InvalidSocket, netip.AddrPort{}
	}
	id := b.dialed[len(b.dialed)-1]
	return id, b.socks[id].remote
}

// LastTimeout is the timeout passed to the latest Poll.
func (b *Backend) LastTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTimeout
}

// Polls counts Poll calls.
func (b *Backend) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

// Wakes counts Wake calls.
func (b *Backend) Wakes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wakes
}

// Post forwards ev to the engine sink, as a push backend would.
func (b *Backend) Post(ev api.BackendEvent) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	sink.Post(ev)
}
