// File: core/manager/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"net/netip"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

// postedEvent is a backend event tagged with its backend index.
type postedEvent struct {
	bi int
	ev api.BackendEvent
}

// eventQueue buffers push-backend events until the poll loop drains them.
type eventQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newEventQueue() *eventQueue {
	return &eventQueue{q: queue.New()}
}

func (eq *eventQueue) add(e postedEvent) {
	eq.mu.Lock()
	eq.q.Add(e)
	eq.mu.Unlock()
}

func (eq *eventQueue) len() int {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	return eq.q.Length()
}

// drain moves everything queued so far into dst.
func (eq *eventQueue) drain(dst []postedEvent) []postedEvent {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	for eq.q.Length() > 0 {
		dst = append(dst, eq.q.Remove().(postedEvent))
	}
	return dst
}

// backendSink is the api.Sink handed to one backend.
type backendSink struct {
	m  *Manager
	bi int
}

func (s *backendSink) Post(ev api.BackendEvent) {
	s.m.events.add(postedEvent{bi: s.bi, ev: ev})
	_ = s.m.Wake()
}

// call dispatches ev to the protocol handler, then the user handler.
// Bits outside the user-modifiable set are restored after the user
// handler returns.
func (m *Manager) call(c *Conn, ev api.EventType, data any) {
	m.callWith(c, c.handler, ev, data)
}

func (m *Manager) callWith(c *Conn, h Handler, ev api.EventType, data any) {
	if c.state == StateDestroyed {
		return
	}
	m.dispatched++
	if ev != api.EventPoll {
		m.numCalls.Add(1)
		m.metrics.IncrCounter([]string{"manager", "events", ev.String()}, 1)
	}
	if c.proto != nil {
		c.proto.HandleEvent(c, ev, data)
	}
	if h == nil {
		return
	}
	before := c.flags
	h.HandleEvent(c, ev, data)
	c.flags = before&^userModifiable | c.flags&userModifiable
}

// drainControl applies broadcasts and reconfigurations posted from other
// goroutines.
func (m *Manager) drainControl() {
	for {
		select {
		case msg := <-m.ctrl:
			if msg.cfg != nil {
				m.applyConfig(*msg.cfg)
			}
			if msg.broadcast != nil {
				m.deliverBroadcast(msg.broadcast)
			}
		default:
			return
		}
	}
}

func (m *Manager) deliverBroadcast(b *broadcastMsg) {
	payload := api.BroadcastMessage{Data: b.data}
	m.snapshot = m.conns.ids(m.snapshot[:0])
	for _, id := range m.snapshot {
		c := m.conns.get(id)
		if c == nil || !c.announced || c.state.preOpen() || c.state >= StateClosing || c.resolver != nil {
			continue
		}
		if b.fn != nil {
			m.callWith(c, b.fn, api.EventPoll, payload)
		} else {
			m.call(c, api.EventPoll, payload)
		}
	}
}

func (m *Manager) applyConfig(cfg control.Config) {
	prev := m.cfg
	m.cfg = cfg
	if cfg.LogLevel != prev.LogLevel {
		m.log.SetLevel(control.LevelFromString(cfg.LogLevel))
	}
	if cfg.Nameserver != prev.Nameserver || cfg.ResolvConf != prev.ResolvConf {
		m.nameserver = netip.AddrPort{}
	}
	if cfg.HostsFile != prev.HostsFile {
		m.hosts, m.hostsLoaded = nil, false
	}
	if cfg.ResolveCacheSize != prev.ResolveCacheSize && m.cache != nil && cfg.ResolveCacheSize > 0 {
		m.cache.Resize(cfg.ResolveCacheSize)
	}
	m.log.Info("configuration applied", "recv_limit", cfg.RecvBufferLimit, "io_size", cfg.IOSize, "max_conns", cfg.MaxConns)
}
