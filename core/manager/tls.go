// File: core/manager/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"errors"
	"io"

	"github.com/momentics/hioload-net/api"
)

// finishConnect moves a connecting client forward once the backend knows
// the outcome. TLS clients are announced after their handshake.
func (m *Manager) finishConnect(c *Conn, err error) {
	c.connectKnown, c.connectErr = false, nil
	if err != nil {
		c.log.Debug("connect failed", "addr", c.remote, "error", err)
		m.failConnect(c, err)
		return
	}
	if la, err := m.backends[c.bi].Addr(c.sock, false); err == nil {
		c.local = la
	}
	if c.flags&FlagTLS != 0 {
		shim, err := m.tlsFactory(false, c.serverName)
		if err != nil {
			m.failConnect(c, err)
			return
		}
		c.tls = shim
		if err := c.setState(StateHandshaking); err != nil {
			m.failConnect(c, err)
			return
		}
		m.pumpTLS(c)
		return
	}
	if err := c.setState(StateOpen); err != nil {
		m.failConnect(c, err)
		return
	}
	c.announced = true
	m.metrics.IncrCounter([]string{"manager", "connects"}, 1)
	m.call(c, api.EventConnect, nil)
}

// failConnect reports err as the connect result of a client that has not
// had one yet, then schedules teardown. Server-side connections fail
// silently since their accept was never announced.
func (m *Manager) failConnect(c *Conn, err error) {
	if c.client && !c.announced {
		c.announced = true
		m.metrics.IncrCounter([]string{"manager", "connect_failures"}, 1)
		m.call(c, api.EventConnect, err)
	}
	c.fail(err)
}

// pumpTLS advances the handshake or decrypts buffered records.
func (m *Manager) pumpTLS(c *Conn) {
	switch c.state {
	case StateHandshaking:
		res, err := c.tls.Handshake()
		c.tlsOut.Append(c.tls.Output())
		c.flags &^= FlagWantRead | FlagWantWrite
		switch res {
		case api.TLSOK:
			m.handshakeDone(c)
		case api.TLSWantRead:
			c.flags |= FlagWantRead
		case api.TLSWantWrite:
			c.flags |= FlagWantWrite
		default:
			if err == nil {
				err = api.NewError(api.ErrCodeInternal, "tls handshake failed")
			}
			c.log.Debug("tls handshake failed", "error", err)
			m.failConnect(c, err)
		}
	case StateOpen:
		m.readTLS(c)
	}
}

func (m *Manager) handshakeDone(c *Conn) {
	if err := c.setState(StateOpen); err != nil {
		m.failConnect(c, err)
		return
	}
	c.announced = true
	c.log.Debug("tls handshake complete")
	if c.client {
		m.metrics.IncrCounter([]string{"manager", "connects"}, 1)
		m.call(c, api.EventConnect, nil)
	} else {
		m.call(c, api.EventAccept, c.remote)
	}
	if !c.closing() {
		m.readTLS(c)
	}
}

// readTLS moves at most one chunk of plaintext into recv.
func (m *Manager) readTLS(c *Conn) {
	size := c.readSize(m.cfg.IOSize)
	if size == 0 {
		return
	}
	n, err := c.tls.Read(c.recv.Tail(size))
	if n > 0 {
		c.recv.Commit(n)
		m.metrics.IncrCounter([]string{"manager", "bytes_in"}, float32(n))
		m.call(c, api.EventRecv, n)
	}
	switch {
	case err == nil, errors.Is(err, api.ErrWantRead), errors.Is(err, api.ErrWantWrite):
	case errors.Is(err, io.EOF):
		c.eof = true
		c.flags |= FlagSendAndClose
	default:
		c.log.Debug("tls read failed", "error", err)
		c.fail(err)
	}
}
