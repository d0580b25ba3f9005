// File: core/manager/poll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"errors"
	"io"
	"time"

	"github.com/momentics/hioload-net/api"
)

// pushRetry bounds the sleep while a write is refused and no readiness
// will report when it may be retried.
const pushRetry = 5 * time.Millisecond

// Poll runs one iteration of the event loop. It waits up to timeout for
// I/O (negative waits indefinitely), shortened to the nearest timer,
// performs at most one read and one write per connection, delivers one
// poll event per open connection, fires due timers and destroys
// connections flagged for closing. It returns the number of events
// dispatched, poll events included, so it is non-zero whenever any
// connection is open.
func (m *Manager) Poll(timeout time.Duration) int {
	if m.closed {
		return 0
	}
	start := m.dispatched

	m.wait(m.prepare(m.now(), timeout))
	m.drainControl()
	m.drainEvents()

	now := m.now()
	m.iter = m.conns.ids(m.iter[:0])
	for _, id := range m.iter {
		if c := m.conns.get(id); c != nil {
			m.service(c)
		}
	}
	for _, id := range m.iter {
		if c := m.conns.get(id); c != nil {
			m.tick(c, now)
		}
	}
	m.reap()

	m.metrics.SetGauge([]string{"manager", "conns"}, float32(m.conns.len()))
	return m.dispatched - start
}

// prepare builds per-backend interest sets and returns the wait time.
func (m *Manager) prepare(now time.Time, timeout time.Duration) time.Duration {
	for i := range m.interest {
		m.interest[i] = m.interest[i][:0]
	}
	busy := m.events.len() > 0 || len(m.ctrl) > 0
	var deadline time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
			deadline = t
		}
	}

	m.iter = m.conns.ids(m.iter[:0])
	for _, id := range m.iter {
		c := m.conns.get(id)
		c.rd, c.wr, c.er = false, false, false
		if c.state.preOpen() {
			earliest(c.connectDeadline)
		} else {
			earliest(c.timer)
		}
		if c.stalled && (m.push[c.bi] || c.udpPeer) {
			earliest(now.Add(pushRetry))
		}
		if !busy && m.hasWork(c) {
			busy = true
		}
		if m.push[c.bi] || c.udpPeer || c.sock == api.InvalidSocket {
			continue
		}
		if in, ok := c.interest(); ok {
			m.interest[c.bi] = append(m.interest[c.bi], in)
		}
	}

	if busy {
		return 0
	}
	if !deadline.IsZero() {
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	return timeout
}

// hasWork reports work that needs no readiness from the backend.
func (m *Manager) hasWork(c *Conn) bool {
	switch {
	case c.shouldDestroy():
		return true
	case c.state == StateConnecting && c.connectKnown:
		return true
	case c.undelivered() && c.headroom() != 0:
		return true
	}
	if c.state != StateOpen {
		return false
	}
	if c.stalled {
		return false
	}
	if c.flags&FlagUDP != 0 || m.push[c.bi] {
		return c.send.Len() > 0 || c.tlsOut.Len() > 0
	}
	return false
}

// interest derives the readiness a pull backend should watch for c.
func (c *Conn) interest() (api.Interest, bool) {
	in := api.Interest{Socket: c.sock}
	switch c.state {
	case StateListening:
		in.Read = true
	case StateConnecting:
		in.Write = !c.connectKnown
	case StateHandshaking:
		in.Read = !c.eof && c.flags&FlagWantWrite == 0
		in.Write = c.tlsOut.Len() > 0
	case StateOpen:
		if c.flags&FlagUDP != 0 {
			in.Read = c.headroom() != 0
			in.Write = c.stalled && c.send.Len() > 0
			break
		}
		in.Read = !c.eof && c.headroom() != 0 && (c.tls == nil || c.tls.Buffered() == 0)
		in.Write = c.send.Len() > 0 || c.tlsOut.Len() > 0
		if c.flags&FlagWantRead != 0 {
			in.Read = !c.eof
		}
		if c.flags&FlagWantWrite != 0 {
			in.Write = true
		}
	}
	return in, in.Read || in.Write
}

// wait polls every backend. Only the main backend may block.
func (m *Manager) wait(timeout time.Duration) {
	for i, be := range m.backends {
		t := time.Duration(0)
		if i == 0 {
			t = timeout
		}
		ready, err := be.Poll(t, m.interest[i])
		if err != nil {
			if !errors.Is(err, api.ErrBackendClosed) {
				m.log.Error("backend poll failed", "backend", i, "error", err)
			}
			continue
		}
		for _, r := range ready {
			c := m.bySocket(i, r.Socket)
			if c == nil {
				continue
			}
			c.rd = c.rd || r.Readable
			c.wr = c.wr || r.Writable
			c.er = c.er || r.Errored
		}
	}
}

func (m *Manager) bySocket(bi int, s api.Socket) *Conn {
	id, ok := m.bySock[sockKey{bi, s}]
	if !ok {
		return nil
	}
	return m.conns.get(id)
}

// drainEvents applies everything push backends posted since the last poll.
func (m *Manager) drainEvents() {
	m.posted = m.events.drain(m.posted[:0])
	for i := range m.posted {
		m.handlePosted(m.posted[i].bi, m.posted[i].ev)
		m.posted[i] = postedEvent{}
	}
}

func (m *Manager) handlePosted(bi int, ev api.BackendEvent) {
	be := m.backends[bi]
	switch ev.Kind {
	case api.BackendAccepted:
		l := m.bySocket(bi, ev.Listener)
		if l == nil || l.state != StateListening || l.flags&FlagCloseImmediately != 0 {
			_ = be.Close(ev.Socket)
			return
		}
		m.accepted(l, ev.Socket, ev.Addr)
	case api.BackendConnected:
		c := m.bySocket(bi, ev.Socket)
		if c == nil || c.state != StateConnecting {
			return
		}
		c.connectKnown, c.connectErr = true, ev.Err
	case api.BackendReceived:
		c := m.bySocket(bi, ev.Socket)
		if c == nil || c.state >= StateClosing {
			return
		}
		if c.state == StateListening {
			if c.flags&FlagUDP != 0 {
				m.udpDatagram(c, ev.Data, ev.Addr)
			}
			return
		}
		if c.flags&FlagUDP != 0 {
			c.pendingDgs = append(c.pendingDgs, ev.Data)
			return
		}
		c.pendingRx.Append(ev.Data)
	case api.BackendClosed:
		c := m.bySocket(bi, ev.Socket)
		if c == nil || c.state >= StateClosing {
			return
		}
		switch {
		case c.state == StateConnecting:
			err := ev.Err
			if err == nil {
				err = api.ErrConnectionReset
			}
			c.connectKnown, c.connectErr = true, err
		case ev.Err == nil || errors.Is(ev.Err, io.EOF):
			c.eof = true
			c.flags |= FlagSendAndClose
		default:
			c.fail(ev.Err)
		}
	}
}

// service performs the I/O of one connection for this iteration.
func (m *Manager) service(c *Conn) {
	if c.closing() {
		return
	}
	switch c.state {
	case StateConnecting:
		m.serviceConnect(c)
	case StateListening:
		if !c.rd && !c.er {
			return
		}
		if c.flags&FlagUDP != 0 {
			m.readUDPListener(c)
		} else {
			m.acceptOne(c)
		}
	case StateHandshaking, StateOpen:
		m.serviceIO(c)
	}
}

func (m *Manager) serviceConnect(c *Conn) {
	if !c.connectKnown {
		if m.push[c.bi] || (!c.wr && !c.er) {
			return
		}
		err := m.backends[c.bi].ConnectResult(c.sock)
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		c.connectKnown, c.connectErr = true, err
	}
	m.finishConnect(c, c.connectErr)
	if c.state == StateOpen && !c.closing() {
		m.serviceIO(c)
	}
}

func (m *Manager) serviceIO(c *Conn) {
	push := m.push[c.bi]
	if c.flags&FlagUDP != 0 {
		if !push && (c.rd || c.er) {
			m.readUDP(c)
		}
		if !c.closing() {
			m.deliverDatagrams(c)
		}
		if !c.closing() && (push || c.udpPeer || !c.stalled || c.wr) {
			c.stalled = false
			m.writeUDP(c)
		}
		return
	}
	if !push && (c.rd || c.er) {
		m.readTCP(c)
	}
	if !c.closing() {
		m.deliverPending(c)
	}
	if c.tls != nil && !c.closing() {
		m.pumpTLS(c)
		if c.state == StateHandshaking && c.eof && !c.closing() {
			m.failConnect(c, io.ErrUnexpectedEOF)
		}
	}
	if c.closing() {
		return
	}
	c.stalled = false
	if push || c.wr {
		m.writeTCP(c)
	}
}

// tick delivers the poll event and a due timer, or enforces the connect
// deadline of a connection that is not open yet.
func (m *Manager) tick(c *Conn, now time.Time) {
	if c.state.preOpen() {
		if !c.connectDeadline.IsZero() && !now.Before(c.connectDeadline) && !c.closing() {
			c.log.Debug("connect timed out")
			m.failConnect(c, api.NewError(api.ErrCodeTimeout, "connect timed out").Wrap(api.ErrOperationTimeout))
		}
		return
	}
	if c.closing() || (c.state != StateOpen && c.state != StateListening) {
		return
	}
	m.call(c, api.EventPoll, nil)
	if c.timer.IsZero() || now.Before(c.timer) || c.state >= StateClosing {
		return
	}
	t := c.timer
	c.timer = time.Time{}
	m.call(c, api.EventTimer, t)
}

// reap destroys every connection whose draining policy allows it.
func (m *Manager) reap() {
	m.snapshot = m.conns.ids(m.snapshot[:0])
	for _, id := range m.snapshot {
		if c := m.conns.get(id); c != nil && c.shouldDestroy() {
			if err := m.destroy(c); err != nil {
				c.log.Debug("socket close failed", "error", err)
			}
		}
	}
}
