// File: core/manager/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/core/buffer"
)

// Conn is one TCP, UDP or TLS endpoint owned by a Manager. All methods
// must be called on the polling goroutine.
type Conn struct {
	id    ConnID
	mgr   *Manager
	bi    int // backend index
	sock  api.Socket
	state State
	flags Flags
	log   hclog.Logger

	local, remote netip.AddrPort
	serverName    string

	recv, send buffer.Mbuf
	tlsOut     buffer.Mbuf // ciphertext waiting for the wire
	pendingRx  buffer.Mbuf // pushed bytes not yet admitted to recv
	pendingDgs [][]byte    // pushed datagrams, delivered one recv each
	recvLimit  int

	tls api.TLSShim

	timer           time.Time
	connectDeadline time.Time

	handler      Handler
	proto        Handler
	protoData    any
	protoDestroy func(any)

	// UserData is free for the application. Accepted connections inherit
	// the listener's value.
	UserData any

	listener ConnID

	client       bool // created by Connect: failures surface as EventConnect
	announced    bool // accept or connect-result delivered, close event owed
	udpPeer      bool // synthetic peer sharing its listener's socket
	connectKnown bool // connect outcome ready for the next poll
	connectErr   error
	eof          bool // peer finished sending
	stalled      bool // backend refused the last write
	closeErr     error

	resolver *resolveRequest // set on resolver connections

	// readiness of the current poll
	rd, wr, er bool
}

// ID returns the connection's handle.
func (c *Conn) ID() ConnID { return c.id }

// Manager returns the owner.
func (c *Conn) Manager() *Manager { return c.mgr }

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// Flags returns the capability bits.
func (c *Conn) Flags() Flags { return c.flags }

// SetFlags sets bits. From a user handler only user-modifiable bits stick.
func (c *Conn) SetFlags(f Flags) { c.flags |= f }

// ClearFlags clears bits, subject to the same rule as SetFlags.
func (c *Conn) ClearFlags(f Flags) { c.flags &^= f }

// LocalAddr returns the local address when known.
func (c *Conn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr returns the peer address when known.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// RecvBuf is the inbound byte queue. Handlers consume by Remove.
func (c *Conn) RecvBuf() *buffer.Mbuf { return &c.recv }

// SendBuf is the outbound byte queue.
func (c *Conn) SendBuf() *buffer.Mbuf { return &c.send }

// Send queues p and returns the number of bytes queued.
func (c *Conn) Send(p []byte) int {
	if c.state >= StateClosing {
		return 0
	}
	return c.send.Append(p)
}

// Printf queues formatted text.
func (c *Conn) Printf(format string, args ...any) int {
	return c.Send([]byte(fmt.Sprintf(format, args...)))
}

// Forward moves everything received on c to the send queue of to.
func (c *Conn) Forward(to *Conn) int {
	n := to.Send(c.recv.Bytes())
	c.recv.Remove(n)
	return n
}

// SetTimer arms the single per-connection timer and returns the previous
// deadline. The zero time disarms it.
func (c *Conn) SetTimer(t time.Time) time.Time {
	prev := c.timer
	c.timer = t
	return prev
}

// Timer returns the armed deadline.
func (c *Conn) Timer() time.Time { return c.timer }

// SetRecvLimit sets the receive ceiling. Zero means unlimited.
func (c *Conn) SetRecvLimit(n int) {
	if n < 0 {
		n = 0
	}
	c.recvLimit = n
}

// RecvLimit returns the receive ceiling.
func (c *Conn) RecvLimit() int { return c.recvLimit }

// Close drops pending output and closes at the end of this poll.
func (c *Conn) Close() { c.flags |= FlagCloseImmediately }

// CloseAfterSend closes once the send buffer has drained.
func (c *Conn) CloseAfterSend() { c.flags |= FlagSendAndClose }

// SetProtocolHandler installs the handler that runs before the user handler.
func (c *Conn) SetProtocolHandler(h Handler) { c.proto = h }

// SetProtocolData stores protocol-private data. destroy, if set, runs
// after the close event.
func (c *Conn) SetProtocolData(v any, destroy func(any)) {
	c.protoData = v
	c.protoDestroy = destroy
}

// ProtocolData returns the value stored by SetProtocolData.
func (c *Conn) ProtocolData() any { return c.protoData }

// Listener returns the listening connection c was accepted on, if alive.
func (c *Conn) Listener() *Conn {
	if c.mgr == nil || c.listener.IsZero() {
		return nil
	}
	return c.mgr.conns.get(c.listener)
}

// TLS returns the shim of a TLS connection.
func (c *Conn) TLS() api.TLSShim { return c.tls }

// Err returns the cause recorded for closing, if any.
func (c *Conn) Err() error { return c.closeErr }

// Logger returns a logger tagged with the connection ID.
func (c *Conn) Logger() hclog.Logger { return c.log }

func (c *Conn) setState(to State) error {
	if !c.state.CanTransition(to) {
		c.log.Error("illegal state transition", "from", c.state, "to", to)
		return api.NewError(api.ErrCodeInvalidState, "illegal state transition").
			WithContext("from", c.state.String()).
			WithContext("to", to.String())
	}
	c.log.Trace("state", "from", c.state, "to", to)
	c.state = to
	return nil
}

// headroom is how many bytes recv may still take. Unlimited buffers
// report -1.
func (c *Conn) headroom() int {
	if c.recvLimit <= 0 {
		return -1
	}
	if h := c.recvLimit - c.recv.Len(); h > 0 {
		return h
	}
	return 0
}

// readSize bounds one read by the ceiling and the per-call cap.
func (c *Conn) readSize(ioSize int) int {
	h := c.headroom()
	if h < 0 || h > ioSize {
		return ioSize
	}
	return h
}

// fail records err as the close cause and schedules immediate teardown.
func (c *Conn) fail(err error) {
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.flags |= FlagCloseImmediately
}

// closing reports whether teardown is already decided.
func (c *Conn) closing() bool {
	return c.flags&FlagCloseImmediately != 0 || c.state >= StateClosing
}

// undelivered reports inbound bytes the handler has not seen yet.
func (c *Conn) undelivered() bool {
	return c.pendingRx.Len() > 0 || len(c.pendingDgs) > 0 || (c.tls != nil && c.tls.Buffered() > 0)
}

// shouldDestroy applies the draining policy.
func (c *Conn) shouldDestroy() bool {
	if c.state >= StateClosing {
		return false
	}
	if c.flags&FlagCloseImmediately != 0 {
		return true
	}
	if c.flags&FlagSendAndClose == 0 {
		return false
	}
	if c.send.Len() > 0 || c.tlsOut.Len() > 0 {
		return false
	}
	if c.eof && c.undelivered() {
		return false
	}
	return true
}
