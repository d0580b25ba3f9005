// File: transport/netconn/backend.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Push-style backend over the net package. Every socket runs its own
// goroutines and reports accepts, connect results, data and closes to the
// engine's sink; the engine never waits on readiness here.

package netconn

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/hioload-net/api"
)

const (
	defaultQueueDepth   = 256
	defaultReadSize     = 16 << 10
	defaultWriteTimeout = 5 * time.Second
)

type kind uint8

const (
	kindTCPListener kind = iota
	kindUDPListener
	kindStream
	kindDatagram
)

// sock is one backend socket and its goroutines.
type sock struct {
	id   api.Socket
	kind kind

	mu     sync.Mutex
	ln     net.Listener
	udp    *net.UDPConn
	conn   net.Conn // nil while dialing
	cancel context.CancelFunc
	out    chan []byte
	closed bool
}

// Backend implements api.PushBackend.
type Backend struct {
	log          hclog.Logger
	queueDepth   int
	readSize     int
	writeTimeout time.Duration
	dialTimeout  time.Duration

	mu     sync.Mutex
	sink   api.Sink
	socks  map[api.Socket]*sock
	next   api.Socket
	notify chan struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ api.PushBackend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// WithQueueDepth bounds the per-connection writer queue. A full queue
// makes SendTCP report api.ErrWouldBlock.
func WithQueueDepth(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.queueDepth = n
		}
	}
}

// WithReadSize sets the reader chunk size.
func WithReadSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.readSize = n
		}
	}
}

// WithWriteTimeout bounds the final flush when a socket closes.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Backend) { b.writeTimeout = d }
}

// WithDialTimeout bounds TCP connects. Zero leaves it to the engine.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Backend) { b.dialTimeout = d }
}

// New creates an uninitialized backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		log:          hclog.NewNullLogger(),
		queueDepth:   defaultQueueDepth,
		readSize:     defaultReadSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsPush reports the push style.
func (b *Backend) IsPush() bool { return true }

// Init stores the sink events are posted to.
func (b *Backend) Init(sink api.Sink) error {
	if sink == nil {
		return api.ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
	b.socks = make(map[api.Socket]*sock)
	b.notify = make(chan struct{}, 1)
	b.closed = false
	return nil
}

// Shutdown closes every socket and waits for all goroutines.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*sock, 0, len(b.socks))
	for _, s := range b.socks {
		all = append(all, s)
	}
	b.socks = nil
	b.mu.Unlock()

	for _, s := range all {
		b.closeSock(s)
	}
	b.wg.Wait()
	b.log.Debug("netconn backend shut down", "sockets", len(all))
	return nil
}

func (b *Backend) Register(api.Socket) error   { return nil }
func (b *Backend) Unregister(api.Socket) error { return nil }

// Poll blocks until an event is posted, Wake is called or timeout
// passes. Push backends report no readiness.
func (b *Backend) Poll(timeout time.Duration, _ []api.Interest) ([]api.Readiness, error) {
	b.mu.Lock()
	closed, notify := b.closed, b.notify
	b.mu.Unlock()
	if closed || notify == nil {
		return nil, api.ErrBackendClosed
	}
	switch {
	case timeout == 0:
		select {
		case <-notify:
		default:
		}
	case timeout < 0:
		<-notify
	default:
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-notify:
		case <-t.C:
		}
	}
	return nil, nil
}

// Wake interrupts Poll.
func (b *Backend) Wake() error {
	b.mu.Lock()
	closed, notify := b.closed, b.notify
	b.mu.Unlock()
	if closed || notify == nil {
		return api.ErrBackendClosed
	}
	select {
	case notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *Backend) add(s *sock) (api.Socket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.socks == nil {
		return api.InvalidSocket, api.ErrBackendClosed
	}
	b.next++
	s.id = b.next
	b.socks[s.id] = s
	return s.id, nil
}

func (b *Backend) get(id api.Socket) (*sock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, api.ErrBackendClosed
	}
	s, ok := b.socks[id]
	if !ok {
		return nil, api.ErrNotFound
	}
	return s, nil
}

func (b *Backend) post(ev api.BackendEvent) {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink.Post(ev)
	}
}

func (b *Backend) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// ListenTCP starts an accept loop.
func (b *Backend) ListenTCP(addr netip.AddrPort) (api.Socket, error) {
	ln, err := net.ListenTCP("tcp", net.TCPAddrFromAddrPort(addr))
	if err != nil {
		return api.InvalidSocket, err
	}
	s := &sock{kind: kindTCPListener, ln: ln}
	id, err := b.add(s)
	if err != nil {
		ln.Close()
		return id, err
	}
	b.spawn(func() { b.acceptLoop(s) })
	return id, nil
}

func (b *Backend) acceptLoop(l *sock) {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.log.Warn("accept failed", "listener", l.id, "error", err)
			}
			return
		}
		s := &sock{kind: kindStream, conn: c, out: make(chan []byte, b.queueDepth)}
		id, err := b.add(s)
		if err != nil {
			c.Close()
			return
		}
		b.post(api.BackendEvent{Kind: api.BackendAccepted, Listener: l.id, Socket: id, Addr: addrPort(c.RemoteAddr())})
		b.startStream(s)
	}
}

// ListenUDP starts a datagram reader on an unconnected socket.
func (b *Backend) ListenUDP(addr netip.AddrPort) (api.Socket, error) {
	pc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return api.InvalidSocket, err
	}
	s := &sock{kind: kindUDPListener, udp: pc}
	id, err := b.add(s)
	if err != nil {
		pc.Close()
		return id, err
	}
	b.spawn(func() { b.datagramLoop(s) })
	return id, nil
}

// Accept is never used: accepted sockets arrive as BackendAccepted.
func (b *Backend) Accept(api.Socket) (api.Socket, netip.AddrPort, error) {
	return api.InvalidSocket, netip.AddrPort{}, api.ErrNotSupported
}

// ConnectTCP dials in the background and posts BackendConnected.
func (b *Backend) ConnectTCP(addr netip.AddrPort) (api.Socket, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if b.dialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), b.dialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s := &sock{kind: kindStream, cancel: cancel, out: make(chan []byte, b.queueDepth)}
	id, err := b.add(s)
	if err != nil {
		cancel()
		return id, err
	}
	b.spawn(func() {
		defer cancel()
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			b.post(api.BackendEvent{Kind: api.BackendConnected, Socket: id, Err: err})
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conn = c
		s.mu.Unlock()
		b.post(api.BackendEvent{Kind: api.BackendConnected, Socket: id})
		b.startStream(s)
	})
	return id, nil
}

// ConnectUDP dials a connected datagram socket.
func (b *Backend) ConnectUDP(addr netip.AddrPort, broadcast bool) (api.Socket, error) {
	d := net.Dialer{}
	if broadcast {
		d.Control = broadcastControl
	}
	c, err := d.Dial("udp", addr.String())
	if err != nil {
		return api.InvalidSocket, err
	}
	s := &sock{kind: kindDatagram, udp: c.(*net.UDPConn), conn: c}
	id, err := b.add(s)
	if err != nil {
		c.Close()
		return id, err
	}
	b.spawn(func() { b.datagramLoop(s) })
	return id, nil
}

// ConnectResult is never used: results arrive as BackendConnected.
func (b *Backend) ConnectResult(api.Socket) error { return api.ErrNotSupported }

func (b *Backend) startStream(s *sock) {
	b.spawn(func() { b.readLoop(s) })
	b.spawn(func() { b.writeLoop(s) })
}

func (b *Backend) readLoop(s *sock) {
	buf := make([]byte, b.readSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			b.post(api.BackendEvent{Kind: api.BackendReceived, Socket: s.id, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			if s.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			b.post(api.BackendEvent{Kind: api.BackendClosed, Socket: s.id, Err: err})
			return
		}
	}
}

// writeLoop drains the queue, then closes the connection.
func (b *Backend) writeLoop(s *sock) {
	defer s.conn.Close()
	for p := range s.out {
		if _, err := s.conn.Write(p); err != nil {
			if !s.isClosed() {
				b.post(api.BackendEvent{Kind: api.BackendClosed, Socket: s.id, Err: err})
			}
			for range s.out {
			}
			return
		}
	}
}

func (b *Backend) datagramLoop(s *sock) {
	buf := make([]byte, b.readSize)
	for {
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.kind == kindDatagram {
				b.post(api.BackendEvent{Kind: api.BackendClosed, Socket: s.id, Err: err})
				return
			}
			b.log.Debug("datagram read failed", "socket", s.id, "error", err)
			continue
		}
		b.post(api.BackendEvent{
			Kind:   api.BackendReceived,
			Socket: s.id,
			Addr:   netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			Data:   append([]byte(nil), buf[:n]...),
		})
	}
}

// SendTCP queues a copy of p for the writer goroutine.
func (b *Backend) SendTCP(id api.Socket, p []byte) (int, error) {
	s, err := b.get(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, api.ErrBackendClosed
	}
	if s.conn == nil || s.out == nil {
		return 0, api.ErrWouldBlock
	}
	select {
	case s.out <- append([]byte(nil), p...):
		return len(p), nil
	default:
		return 0, api.ErrWouldBlock
	}
}

// SendUDP writes one datagram synchronously.
func (b *Backend) SendUDP(id api.Socket, p []byte, to netip.AddrPort) (int, error) {
	s, err := b.get(id)
	if err != nil {
		return 0, err
	}
	if s.udp == nil {
		return 0, api.ErrInvalidArgument
	}
	if to.IsValid() && s.kind == kindUDPListener {
		return s.udp.WriteToUDPAddrPort(p, to)
	}
	return s.udp.Write(p)
}

// RecvTCP is never used: data arrives as BackendReceived.
func (b *Backend) RecvTCP(api.Socket, []byte) (int, error) { return 0, api.ErrNotSupported }

// RecvUDP is never used: data arrives as BackendReceived.
func (b *Backend) RecvUDP(api.Socket, []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, api.ErrNotSupported
}

// BindHandle adopts a connected OS socket and takes ownership of h: it is
// closed once duplicated into the backend, whether or not adoption succeeds.
func (b *Backend) BindHandle(h uintptr) (api.Socket, error) {
	f := os.NewFile(h, "adopted")
	if f == nil {
		return api.InvalidSocket, api.ErrInvalidArgument
	}
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return api.InvalidSocket, err
	}
	if uc, ok := c.(*net.UDPConn); ok {
		s := &sock{kind: kindDatagram, udp: uc, conn: c}
		id, err := b.add(s)
		if err != nil {
			c.Close()
			return id, err
		}
		b.spawn(func() { b.datagramLoop(s) })
		return id, nil
	}
	s := &sock{kind: kindStream, conn: c, out: make(chan []byte, b.queueDepth)}
	id, err := b.add(s)
	if err != nil {
		c.Close()
		return id, err
	}
	b.startStream(s)
	return id, nil
}

// Addr returns the local or remote address of a socket.
func (b *Backend) Addr(id api.Socket, remote bool) (netip.AddrPort, error) {
	s, err := b.get(id)
	if err != nil {
		return netip.AddrPort{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ln != nil:
		if remote {
			return netip.AddrPort{}, api.ErrInvalidState
		}
		return addrPort(s.ln.Addr()), nil
	case s.conn != nil:
		if remote {
			return addrPort(s.conn.RemoteAddr()), nil
		}
		return addrPort(s.conn.LocalAddr()), nil
	case s.udp != nil:
		if remote {
			return netip.AddrPort{}, api.ErrInvalidState
		}
		return addrPort(s.udp.LocalAddr()), nil
	}
	return netip.AddrPort{}, api.ErrInvalidState
}

// Close releases a socket. Queued stream writes are flushed within the
// write timeout.
func (b *Backend) Close(id api.Socket) error {
	b.mu.Lock()
	s, ok := b.socks[id]
	if ok {
		delete(b.socks, id)
	}
	b.mu.Unlock()
	if !ok {
		return api.ErrNotFound
	}
	return b.closeSock(s)
}

func (b *Backend) closeSock(s *sock) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, out, cancel := s.conn, s.out, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	switch s.kind {
	case kindTCPListener:
		return s.ln.Close()
	case kindUDPListener, kindDatagram:
		return s.udp.Close()
	}
	if conn == nil {
		return nil
	}
	if b.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
	} else {
		_ = conn.SetReadDeadline(time.Now())
	}
	close(out)
	return nil
}

func (s *sock) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func addrPort(a net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
