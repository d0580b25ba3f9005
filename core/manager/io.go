// File: core/manager/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffer-level I/O performed by the poll loop: reads bounded by the
// receive ceiling, writes bounded by the per-call cap.

package manager

import (
	"errors"
	"io"
	"net/netip"

	"github.com/momentics/hioload-net/api"
)

// recvErr classifies a receive error.
func (m *Manager) recvErr(c *Conn, err error) {
	switch {
	case err == nil, errors.Is(err, api.ErrWouldBlock):
	case errors.Is(err, io.EOF):
		c.log.Trace("peer eof")
		c.eof = true
		c.flags |= FlagSendAndClose
	default:
		c.log.Debug("recv failed", "error", err)
		c.fail(err)
	}
}

// sendErr classifies a send error.
func (m *Manager) sendErr(c *Conn, err error) {
	switch {
	case err == nil:
	case errors.Is(err, api.ErrWouldBlock):
		c.stalled = true
	default:
		c.log.Debug("send failed", "error", err)
		c.fail(err)
	}
}

func (m *Manager) readTCP(c *Conn) {
	be := m.backends[c.bi]
	if c.tls != nil {
		if c.state == StateOpen && c.headroom() == 0 {
			return
		}
		buf := m.scratch.Get()
		defer m.scratch.Put(buf)
		n, err := be.RecvTCP(c.sock, buf[:min(m.cfg.IOSize, len(buf))])
		if n > 0 {
			c.tls.Feed(buf[:n])
		}
		m.recvErr(c, err)
		return
	}
	size := c.readSize(m.cfg.IOSize)
	if size == 0 {
		return
	}
	n, err := be.RecvTCP(c.sock, c.recv.Tail(size))
	if n > 0 {
		c.recv.Commit(n)
		m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(n))
		m.call(c, api.EventRecv, n)
	}
	m.recvErr(c, err)
}

// readUDP reads one datagram on a connected UDP socket. Datagrams larger
// than the remaining headroom are truncated.
func (m *Manager) readUDP(c *Conn) {
	if c.headroom() == 0 {
		return
	}
	buf := m.scratch.Get()
	defer m.scratch.Put(buf)
	n, _, err := m.backends[c.bi].RecvUDP(c.sock, buf[:min(m.cfg.UDPIOSize, len(buf))])
	if err != nil {
		m.recvErr(c, err)
		return
	}
	if h := c.headroom(); h >= 0 && n > h {
		n = h
	}
	c.recv.Append(buf[:n])
	m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(n))
	m.call(c, api.EventRecv, n)
}

// deliverPending admits pushed bytes into recv, or into the TLS shim.
func (m *Manager) deliverPending(c *Conn) {
	if c.pendingRx.Len() == 0 {
		return
	}
	if c.tls != nil {
		c.tls.Feed(c.pendingRx.Bytes())
		c.pendingRx.Reset()
		return
	}
	n := min(c.readSize(m.cfg.IOSize), c.pendingRx.Len())
	if n == 0 {
		return
	}
	c.recv.Append(c.pendingRx.Bytes()[:n])
	c.pendingRx.Remove(n)
	m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(n))
	m.call(c, api.EventRecv, n)
}

// deliverDatagrams hands pushed datagrams to the handler one recv event
// each, truncated to the headroom like pulled ones. Delivery stops at the
// receive ceiling; the rest stay queued.
func (m *Manager) deliverDatagrams(c *Conn) {
	for len(c.pendingDgs) > 0 && !c.closing() {
		h := c.headroom()
		if h == 0 {
			return
		}
		p := c.pendingDgs[0]
		c.pendingDgs[0] = nil
		c.pendingDgs = c.pendingDgs[1:]
		if h > 0 && len(p) > h {
			p = p[:h]
		}
		c.recv.Append(p)
		m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(len(p)))
		m.call(c, api.EventRecv, len(p))
	}
	if len(c.pendingDgs) == 0 {
		c.pendingDgs = nil
	}
}

func (m *Manager) writeTCP(c *Conn) {
	if c.tls != nil {
		if c.state == StateOpen && c.send.Len() > 0 {
			p := c.send.Bytes()
			p = p[:min(len(p), m.cfg.IOSize)]
			n, err := c.tls.Write(p)
			if n > 0 {
				c.send.Remove(n)
				c.tlsOut.Append(c.tls.Output())
				m.call(c, api.EventSend, n)
			}
			if err != nil && !errors.Is(err, api.ErrWantRead) && !errors.Is(err, api.ErrWantWrite) {
				c.fail(err)
				return
			}
		}
		m.flushTLS(c)
		return
	}
	if c.send.Len() == 0 {
		return
	}
	p := c.send.Bytes()
	p = p[:min(len(p), m.cfg.IOSize)]
	n, err := m.backends[c.bi].SendTCP(c.sock, p)
	if n > 0 {
		c.send.Remove(n)
		m.metrics.IncrCounter([]string{"manager", "bytes_out"}, float32(n))
		m.call(c, api.EventSend, n)
	}
	m.sendErr(c, err)
}

// flushTLS writes queued ciphertext to the wire.
func (m *Manager) flushTLS(c *Conn) {
	if c.closing() {
		return
	}
	c.tlsOut.Append(c.tls.Output())
	if c.tlsOut.Len() == 0 {
		return
	}
	p := c.tlsOut.Bytes()
	p = p[:min(len(p), m.cfg.IOSize)]
	n, err := m.backends[c.bi].SendTCP(c.sock, p)
	if n > 0 {
		c.tlsOut.Remove(n)
		m.metrics.IncrCounter([]string{"manager", "bytes_out"}, float32(n))
	}
	m.sendErr(c, err)
}

// writeUDP sends the whole send buffer as one datagram.
func (m *Manager) writeUDP(c *Conn) {
	if c.send.Len() == 0 || c.state != StateOpen {
		return
	}
	be := m.backends[c.bi]
	p := c.send.Bytes()
	var (
		n   int
		err error
	)
	if c.udpPeer {
		l := c.Listener()
		if l == nil {
			c.fail(api.ErrConnectionReset)
			return
		}
		n, err = be.SendUDP(l.sock, p, c.remote)
	} else {
		n, err = be.SendUDP(c.sock, p, netip.AddrPort{})
	}
	if err != nil {
		m.sendErr(c, err)
		return
	}
	c.send.Remove(len(p))
	m.metrics.IncrCounter([]string{"manager", "bytes_out"}, float32(n))
	m.call(c, api.EventSend, n)
}

func (m *Manager) acceptOne(l *Conn) {
	s, from, err := m.backends[l.bi].Accept(l.sock)
	if err != nil {
		if !errors.Is(err, api.ErrWouldBlock) {
			l.log.Warn("accept failed", "error", err)
		}
		return
	}
	m.accepted(l, s, from)
}

// inherit copies what accepted connections take over from their listener.
func (l *Conn) inherit() connOptions {
	return connOptions{proto: l.proto, userData: l.UserData, recvLimit: l.recvLimit}
}

// accepted registers a connection accepted on l. TLS connections are
// announced only once the handshake completes.
func (m *Manager) accepted(l *Conn, s api.Socket, from netip.AddrPort) {
	be := m.backends[l.bi]
	c, err := m.newConn(l.handler, l.inherit(), l.bi)
	if err != nil {
		l.log.Warn("dropping accepted connection", "from", from, "error", err)
		m.metrics.IncrCounter([]string{"manager", "rejects"}, 1)
		_ = be.Close(s)
		return
	}
	c.listener = l.id
	c.remote = from
	_ = c.setState(StateAccepted)
	m.attach(c, s)
	if la, err := be.Addr(s, false); err == nil {
		c.local = la
	}
	m.metrics.IncrCounter([]string{"manager", "accepts"}, 1)
	c.log.Debug("accepted", "from", from, "listener", l.id)

	if l.flags&FlagTLS != 0 {
		c.flags |= FlagTLS
		shim, err := m.tlsFactory(true, "")
		if err != nil {
			c.log.Warn("tls setup failed", "error", err)
			c.fail(err)
			return
		}
		c.tls = shim
		_ = c.setState(StateHandshaking)
		m.pumpTLS(c)
		return
	}
	_ = c.setState(StateOpen)
	c.announced = true
	m.call(c, api.EventAccept, from)
}

func (m *Manager) readUDPListener(l *Conn) {
	buf := m.scratch.Get()
	defer m.scratch.Put(buf)
	n, from, err := m.backends[l.bi].RecvUDP(l.sock, buf[:min(m.cfg.UDPIOSize, len(buf))])
	if err != nil {
		if !errors.Is(err, api.ErrWouldBlock) {
			l.log.Warn("udp listener recv failed", "error", err)
		}
		return
	}
	m.udpDatagram(l, buf[:n], from)
}

// udpDatagram routes a datagram received on listener l to the virtual
// peer connection for its source address, creating it on first contact.
// New peers start with send-and-close set: unless the handler clears it,
// the peer lives until its reply is sent.
func (m *Manager) udpDatagram(l *Conn, p []byte, from netip.AddrPort) {
	key := peerKey{listener: l.id, addr: from}
	c := m.conns.get(m.udpPeers[key])
	if c == nil {
		var err error
		c, err = m.newConn(l.handler, l.inherit(), l.bi)
		if err != nil {
			l.log.Warn("dropping datagram", "from", from, "error", err)
			return
		}
		c.flags |= FlagUDP | FlagSendAndClose
		c.udpPeer = true
		c.listener = l.id
		c.sock = l.sock
		c.local, c.remote = l.local, from
		m.udpPeers[key] = c.id
		_ = c.setState(StateAccepted)
		_ = c.setState(StateOpen)
		c.announced = true
		m.metrics.IncrCounter([]string{"manager", "accepts"}, 1)
		m.call(c, api.EventAccept, from)
	}
	if c.state != StateOpen || c.closing() {
		return
	}
	n := len(p)
	if h := c.headroom(); h >= 0 && n > h {
		n = h
	}
	if n == 0 {
		return
	}
	c.recv.Append(p[:n])
	m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(n))
	m.call(c, api.EventRecv, n)
}

// destroy unlinks c, releases its socket, delivers the terminal close
// event and frees protocol state. It returns the backend close error.
func (m *Manager) destroy(c *Conn) error {
	if c.state >= StateClosing {
		return nil
	}
	if c.client && !c.announced && c.resolver == nil {
		cause := c.closeErr
		if cause == nil {
			cause = api.ErrConnectionReset
		}
		c.announced = true
		m.metrics.IncrCounter([]string{"manager", "connect_failures"}, 1)
		m.call(c, api.EventConnect, cause)
	}
	prev := c.state
	c.state = StateClosing
	be := m.backends[c.bi]

	if c.tls != nil && prev == StateOpen && c.flags&FlagCloseImmediately == 0 && !c.eof {
		if err := c.tls.CloseNotify(); err == nil {
			c.tlsOut.Append(c.tls.Output())
			_, _ = be.SendTCP(c.sock, c.tlsOut.Bytes())
		}
	}

	m.conns.remove(c.id)
	m.live.Add(-1)
	if c.udpPeer {
		delete(m.udpPeers, peerKey{listener: c.listener, addr: c.remote})
	} else {
		delete(m.bySock, sockKey{c.bi, c.sock})
	}
	if rid, ok := m.resolving[c.id]; ok {
		delete(m.resolving, c.id)
		if rc := m.conns.get(rid); rc != nil {
			rc.Close()
		}
	}

	var err error
	if !c.udpPeer && c.sock != api.InvalidSocket {
		_ = be.Unregister(c.sock)
		err = be.Close(c.sock)
	}
	if prev == StateListening && c.flags&FlagUDP != 0 {
		for k, id := range m.udpPeers {
			if k.listener != c.id {
				continue
			}
			if p := m.conns.get(id); p != nil {
				p.fail(api.ErrConnectionReset)
				_ = m.destroy(p)
			}
		}
	}

	if c.announced {
		m.call(c, api.EventClose, c.closeErr)
	}
	if c.protoDestroy != nil {
		c.protoDestroy(c.protoData)
		c.protoDestroy = nil
	}
	if c.tls != nil {
		c.tls.Close()
	}
	c.recv.Reset()
	c.send.Reset()
	c.tlsOut.Reset()
	c.pendingRx.Reset()
	c.pendingDgs = nil
	c.state = StateDestroyed
	m.metrics.IncrCounter([]string{"manager", "closes"}, 1)
	m.metrics.SetGauge([]string{"manager", "conns"}, float32(m.conns.len()))
	c.log.Debug("destroyed", "cause", c.closeErr)
	return err
}
