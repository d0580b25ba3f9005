// File: tlsshim/shim.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package tlsshim runs crypto/tls over in-memory pipes so the engine can
// pump ciphertext through its own buffers. A worker goroutine owns the
// blocking tls.Conn; every public call first waits until that worker has
// consumed all fed input and parked, which keeps results deterministic.
package tlsshim

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
)

const readChunk = 16 << 10

// Shim implements api.TLSShim.
type Shim struct {
	mu   sync.Mutex
	cond *sync.Cond

	in    []byte // ciphertext fed, not yet read by tls.Conn
	out   []byte // ciphertext produced by tls.Conn
	plain []byte // decrypted application data

	blocked bool // worker waits in pipe Read
	exited  bool
	started bool
	eof     bool // pipe closed

	hsDone  bool
	hsErr   error
	readErr error

	conn *tls.Conn
}

var _ api.TLSShim = (*Shim)(nil)

// New creates a shim. cfg is cloned.
func New(cfg *tls.Config, server bool) *Shim {
	s := &Shim{}
	s.cond = sync.NewCond(&s.mu)
	pc := &pipeConn{s: s}
	if server {
		s.conn = tls.Server(pc, cfg.Clone())
	} else {
		s.conn = tls.Client(pc, cfg.Clone())
	}
	return s
}

// NewClient creates a client side shim.
func NewClient(cfg *tls.Config) *Shim { return New(cfg, false) }

// NewServer creates a server side shim.
func NewServer(cfg *tls.Config) *Shim { return New(cfg, true) }

// Factory returns a constructor suitable for the connection manager.
// Client shims without a configured ServerName verify against serverName.
func Factory(cfg *tls.Config) func(server bool, serverName string) (api.TLSShim, error) {
	return func(server bool, serverName string) (api.TLSShim, error) {
		if cfg == nil {
			return nil, api.ErrInvalidArgument
		}
		c := cfg
		if !server && c.ServerName == "" && serverName != "" {
			c = cfg.Clone()
			c.ServerName = serverName
		}
		return New(c, server), nil
	}
}

func (s *Shim) start() {
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

func (s *Shim) run() {
	err := s.conn.Handshake()
	s.mu.Lock()
	if err != nil {
		s.hsErr = err
		s.exited = true
		s.cond.Broadcast()
		s.mu.Unlock()
		return
	}
	s.hsDone = true
	s.cond.Broadcast()
	s.mu.Unlock()

	buf := make([]byte, readChunk)
	for {
		n, err := s.conn.Read(buf)
		s.mu.Lock()
		s.plain = append(s.plain, buf[:n]...)
		if err != nil {
			s.readErr = err
			s.exited = true
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// settle waits until the worker consumed every fed byte and parked.
// Caller holds s.mu.
func (s *Shim) settle() {
	if !s.started {
		return
	}
	for !s.exited && !(s.blocked && len(s.in) == 0) {
		s.cond.Wait()
	}
}

// Handshake starts or advances the handshake.
func (s *Shim) Handshake() (api.TLSResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	s.settle()
	switch {
	case s.hsErr != nil:
		return api.TLSError, s.hsErr
	case s.hsDone:
		return api.TLSOK, nil
	case len(s.out) > 0:
		return api.TLSWantWrite, nil
	}
	return api.TLSWantRead, nil
}

// Read returns decrypted bytes.
func (s *Shim) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	if len(s.plain) > 0 {
		n := copy(p, s.plain)
		s.plain = s.plain[n:]
		if len(s.plain) == 0 {
			s.plain = nil
		}
		return n, nil
	}
	if s.readErr != nil {
		if errors.Is(s.readErr, io.EOF) {
			return 0, io.EOF
		}
		return 0, s.readErr
	}
	if s.hsErr != nil {
		return 0, s.hsErr
	}
	return 0, api.ErrWantRead
}

// Write encrypts p into the output queue.
func (s *Shim) Write(p []byte) (int, error) {
	s.mu.Lock()
	ok, err := s.hsDone, s.hsErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, api.ErrWantRead
	}
	return s.conn.Write(p)
}

// CloseNotify queues a close_notify alert.
func (s *Shim) CloseNotify() error {
	s.mu.Lock()
	ok := s.hsDone
	s.mu.Unlock()
	if !ok {
		return api.ErrInvalidState
	}
	return s.conn.CloseWrite()
}

// Feed hands wire ciphertext to the worker.
func (s *Shim) Feed(ciphertext []byte) {
	if len(ciphertext) == 0 {
		return
	}
	s.mu.Lock()
	s.in = append(s.in, ciphertext...)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Output drains ciphertext destined for the wire.
func (s *Shim) Output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	o := s.out
	s.out = nil
	return o
}

// Buffered reports plaintext waiting for Read.
func (s *Shim) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle()
	return len(s.plain)
}

// Close stops the worker and waits for it to exit.
func (s *Shim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	s.cond.Broadcast()
	for s.started && !s.exited {
		s.cond.Wait()
	}
	return nil
}

// pipeConn is the net.Conn seen by tls.Conn.
type pipeConn struct {
	s *Shim
}

func (c *pipeConn) Read(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.in) == 0 && !s.eof {
		s.blocked = true
		s.cond.Broadcast()
		s.cond.Wait()
	}
	s.blocked = false
	if len(s.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	if len(s.in) == 0 {
		s.in = nil
	}
	return n, nil
}

func (c *pipeConn) Write(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return 0, net.ErrClosed
	}
	s.out = append(s.out, p...)
	return len(p), nil
}

func (c *pipeConn) Close() error {
	s := c.s
	s.mu.Lock()
	s.eof = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (c *pipeConn) LocalAddr() net.Addr              { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr             { return pipeAddr{} }
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }
