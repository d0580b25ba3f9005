// File: core/manager/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package manager is the single-threaded connection engine: it owns the
// connection arena, drives backends through one Poll call at a time, and
// dispatches events to connection handlers on the polling goroutine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/momentics/hioload-net/affinity"
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/hosts"
	"github.com/momentics/hioload-net/pool"
)

const controlQueueSize = 256

type sockKey struct {
	bi   int
	sock api.Socket
}

type peerKey struct {
	listener ConnID
	addr     netip.AddrPort
}

// ctrlMsg crosses from other goroutines into the poll loop.
type ctrlMsg struct {
	broadcast *broadcastMsg
	cfg       *control.Config
}

type broadcastMsg struct {
	fn   Handler
	data any
}

// Manager owns a set of connections and the backends serving them.
// Poll and every Conn method must be called from one goroutine; Broadcast,
// Reconfigure, Wake and the Probes are safe from any goroutine.
type Manager struct {
	cfg     control.Config
	store   *control.ConfigStore
	log     hclog.Logger
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	now     func() time.Time

	backends []api.Backend
	push     []bool

	conns    connTable
	bySock   map[sockKey]ConnID
	udpPeers map[peerKey]ConnID
	snapshot []ConnID
	iter     []ConnID
	interest [][]api.Interest
	posted   []postedEvent

	// resolving maps a connection waiting on DNS to its resolver connection.
	resolving map[ConnID]ConnID

	events *eventQueue
	ctrl   chan ctrlMsg
	done   chan struct{}
	closed bool

	scratch *pool.SyncPool[[]byte]

	tlsFactory         TLSFactory
	nameserverOverride string
	cpu                int // Run pins its thread here when >= 0
	nameserver         netip.AddrPort
	hosts              hosts.Table
	hostsLoaded        bool
	cache              *lru.Cache
	txid               uint16

	numCalls   atomic.Uint64 // non-poll events, readable from any goroutine
	dispatched int           // every event, poll events included
	live       atomic.Int64
}

// New creates a manager and initializes its backends.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:       control.DefaultConfig(),
		log:       hclog.NewNullLogger(),
		now:       time.Now,
		bySock:    make(map[sockKey]ConnID),
		udpPeers:  make(map[peerKey]ConnID),
		resolving: make(map[ConnID]ConnID),
		ctrl:      make(chan ctrlMsg, controlQueueSize),
		done:      make(chan struct{}),
		probes:    control.NewDebugProbes(),
		cpu:       -1,
	}
	for _, o := range opts {
		o(m)
	}
	if m.store != nil {
		cfg, err := m.store.Config()
		if err != nil {
			return nil, err
		}
		m.cfg = cfg
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("manager config: %w", err)
	}
	m.log = m.log.Named("manager")
	m.events = newEventQueue()
	m.txid = uint16(m.now().UnixNano())
	ioSize := max(m.cfg.IOSize, m.cfg.UDPIOSize)
	m.scratch = pool.NewBytePool(ioSize)

	if len(m.backends) == 0 {
		m.backends = append(m.backends, defaultBackend(m.log))
	}
	m.push = make([]bool, len(m.backends))
	m.interest = make([][]api.Interest, len(m.backends))
	for i, be := range m.backends {
		if err := be.Init(&backendSink{m: m, bi: i}); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, fmt.Errorf("backend %d init: %w", i, err))
			for _, prev := range m.backends[:i] {
				if err := prev.Shutdown(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return nil, result.ErrorOrNil()
		}
		if p, ok := be.(api.PushBackend); ok && p.IsPush() {
			m.push[i] = true
		}
	}

	if m.cfg.ResolveCacheSize > 0 {
		c, err := lru.New(m.cfg.ResolveCacheSize)
		if err != nil {
			return nil, err
		}
		m.cache = c
	}
	if m.store != nil {
		m.store.OnReload(func(cfg control.Config) {
			if err := m.Reconfigure(cfg); err != nil {
				m.log.Warn("config reload not applied", "error", err)
			}
		})
	}

	control.RegisterPlatformProbes(m.probes)
	m.probes.RegisterProbe("manager.conns", func() any { return m.live.Load() })
	m.probes.RegisterProbe("manager.calls", func() any { return m.numCalls.Load() })
	m.probes.RegisterProbe("manager.backends", func() any { return len(m.backends) })

	m.log.Debug("manager created", "backends", len(m.backends), "recv_limit", m.cfg.RecvBufferLimit, "io_size", m.cfg.IOSize)
	return m, nil
}

// Config returns the active configuration.
func (m *Manager) Config() control.Config { return m.cfg }

// Logger returns the manager logger.
func (m *Manager) Logger() hclog.Logger { return m.log }

// Probes exposes live counters for introspection.
func (m *Manager) Probes() *control.DebugProbes { return m.probes }

// NumCalls is the total number of non-poll events dispatched.
func (m *Manager) NumCalls() uint64 { return m.numCalls.Load() }

// Len returns the number of live connections.
func (m *Manager) Len() int { return m.conns.len() }

// Lookup resolves a handle; nil means the connection is gone.
func (m *Manager) Lookup(id ConnID) *Conn { return m.conns.get(id) }

// Each calls fn for every live connection in arena order.
func (m *Manager) Each(fn func(*Conn)) {
	for _, id := range m.conns.ids(nil) {
		if c := m.conns.get(id); c != nil {
			fn(c)
		}
	}
}

func (m *Manager) newConn(h Handler, o connOptions, bi int) (*Conn, error) {
	if m.closed {
		return nil, api.ErrManagerClosed
	}
	if m.cfg.MaxConns > 0 && m.conns.len() >= m.cfg.MaxConns {
		return nil, api.NewError(api.ErrCodeResourceExhausted, "connection limit reached").
			WithContext("max_conns", m.cfg.MaxConns)
	}
	c := &Conn{
		mgr:       m,
		bi:        bi,
		sock:      api.InvalidSocket,
		handler:   h,
		proto:     o.proto,
		UserData:  o.userData,
		flags:     o.flags,
		recvLimit: m.cfg.RecvBufferLimit,
	}
	if o.recvLimit >= 0 {
		c.recvLimit = o.recvLimit
	}
	c.id = m.conns.insert(c)
	c.log = m.log.With("conn", c.id.String())
	m.live.Add(1)
	m.metrics.SetGauge([]string{"manager", "conns"}, float32(m.conns.len()))
	return c, nil
}

// discard removes a connection that never became visible to handlers.
func (m *Manager) discard(c *Conn) {
	m.conns.remove(c.id)
	m.live.Add(-1)
	c.state = StateDestroyed
}

func (m *Manager) attach(c *Conn, s api.Socket) {
	c.sock = s
	if s == api.InvalidSocket {
		return
	}
	m.bySock[sockKey{c.bi, s}] = c.id
	if err := m.backends[c.bi].Register(s); err != nil {
		c.log.Warn("backend register failed", "error", err)
	}
}

func collect(opts []ConnOption) connOptions {
	o := connOptions{recvLimit: -1}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (m *Manager) checkOptions(o connOptions, udp bool) error {
	if o.backend < 0 || o.backend >= len(m.backends) {
		return api.NewError(api.ErrCodeInvalidArgument, "no such backend").WithContext("backend", o.backend)
	}
	if o.tls && udp {
		return api.NewError(api.ErrCodeNotSupported, "tls over udp")
	}
	if o.tls && m.tlsFactory == nil {
		return api.NewError(api.ErrCodeNotSupported, "tls requested without a tls factory")
	}
	return nil
}

// Bind creates a listening connection. Accepted connections inherit h,
// the protocol handler, UserData, the receive ceiling and TLS.
func (m *Manager) Bind(addr string, h Handler, opts ...ConnOption) (*Conn, error) {
	a, err := parseAddress(addr, true)
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	if err := m.checkOptions(o, a.udp); err != nil {
		return nil, err
	}
	be := m.backends[o.backend]
	var s api.Socket
	if a.udp {
		s, err = be.ListenUDP(a.addr)
	} else {
		s, err = be.ListenTCP(a.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	c, err := m.newConn(h, o, o.backend)
	if err != nil {
		be.Close(s)
		return nil, err
	}
	if a.udp {
		c.flags |= FlagUDP
	}
	if o.tls {
		c.flags |= FlagTLS
	}
	c.setState(StateListening)
	c.announced = true
	m.attach(c, s)
	if la, err := be.Addr(s, false); err == nil {
		c.local = la
	} else {
		c.local = a.addr
	}
	c.log.Debug("listening", "addr", c.local, "udp", a.udp, "tls", o.tls)
	return c, nil
}

// Connect starts an outbound connection. The handler first sees exactly
// one EventConnect carrying nil or the failure, whether or not the host
// needed resolving. Parse errors and exhaustion return an error and leave
// nothing registered.
func (m *Manager) Connect(addr string, h Handler, opts ...ConnOption) (*Conn, error) {
	a, err := parseAddress(addr, false)
	if err != nil {
		return nil, err
	}
	o := collect(opts)
	if err := m.checkOptions(o, a.udp); err != nil {
		return nil, err
	}
	c, err := m.newConn(h, o, o.backend)
	if err != nil {
		return nil, err
	}
	c.client = true
	if a.udp {
		c.flags |= FlagUDP
	}
	if o.tls {
		c.flags |= FlagTLS
	}
	c.serverName = o.serverName
	if c.serverName == "" {
		c.serverName = a.host
	}
	timeout := m.cfg.ConnectTimeout
	if o.timeout > 0 {
		timeout = o.timeout
	}
	if timeout > 0 {
		c.connectDeadline = m.now().Add(timeout)
	}

	if a.literal() {
		m.doConnect(c, a.addr)
		return c, nil
	}
	if ip, ok := m.lookupStatic(a.host); ok {
		c.log.Debug("resolved statically", "host", a.host, "addr", ip)
		m.doConnect(c, netip.AddrPortFrom(ip, a.port))
		return c, nil
	}
	c.setState(StateResolving)
	if err := m.startResolve(c, a.host, a.port); err != nil {
		m.discard(c)
		return nil, err
	}
	return c, nil
}

// doConnect initiates the backend connect. Synchronous failures surface
// as a failed EventConnect on the next poll.
func (m *Manager) doConnect(c *Conn, to netip.AddrPort) {
	be := m.backends[c.bi]
	c.remote = to
	if err := c.setState(StateConnecting); err != nil {
		c.fail(err)
		return
	}
	var (
		s   api.Socket
		err error
	)
	if c.flags&FlagUDP != 0 {
		s, err = be.ConnectUDP(to, c.flags&FlagEnableBroadcast != 0)
	} else {
		s, err = be.ConnectTCP(to)
	}
	if err != nil {
		c.log.Debug("connect failed", "addr", to, "error", err)
		c.connectKnown, c.connectErr = true, err
		return
	}
	m.attach(c, s)
	if c.flags&FlagUDP != 0 {
		c.connectKnown = true
	}
	c.log.Debug("connecting", "addr", to)
}

// AddSocket adopts an already connected OS socket; the manager owns handle
// afterwards. The connection starts open without an accept or connect event.
func (m *Manager) AddSocket(handle uintptr, h Handler, opts ...ConnOption) (*Conn, error) {
	o := collect(opts)
	if err := m.checkOptions(o, o.udp); err != nil {
		return nil, err
	}
	be := m.backends[o.backend]
	s, err := be.BindHandle(handle)
	if err != nil {
		return nil, err
	}
	c, err := m.newConn(h, o, o.backend)
	if err != nil {
		be.Close(s)
		return nil, err
	}
	if o.udp {
		c.flags |= FlagUDP
	}
	c.setState(StateOpen)
	c.announced = true
	m.attach(c, s)
	c.local, _ = be.Addr(s, false)
	c.remote, _ = be.Addr(s, true)
	return c, nil
}

// Broadcast delivers an EventPoll carrying api.BroadcastMessage{Data: data}
// to every open connection during the next Poll. With fn nil the
// connections' own handlers receive it. Safe from any goroutine; blocks
// while the control queue is full.
func (m *Manager) Broadcast(fn Handler, data any) error {
	return m.post(ctrlMsg{broadcast: &broadcastMsg{fn: fn, data: data}})
}

// Reconfigure swaps the configuration on the polling goroutine. The
// receive ceiling applies to connections created afterwards.
func (m *Manager) Reconfigure(cfg control.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.post(ctrlMsg{cfg: &cfg})
}

func (m *Manager) post(msg ctrlMsg) error {
	select {
	case <-m.done:
		return api.ErrManagerClosed
	default:
	}
	select {
	case m.ctrl <- msg:
	case <-m.done:
		return api.ErrManagerClosed
	}
	return m.Wake()
}

// Wake interrupts a blocking Poll. Safe from any goroutine.
func (m *Manager) Wake() error {
	err := m.backends[0].Wake()
	if errors.Is(err, api.ErrBackendClosed) {
		return nil
	}
	return err
}

// Run polls until ctx is done. With WithCPU the polling goroutine is
// locked to its OS thread and the thread is pinned first.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if m.cpu >= 0 {
		unlock, err := affinity.Pin(m.cpu)
		defer unlock()
		if err != nil {
			m.log.Warn("cpu pinning failed", "cpu", m.cpu, "error", err)
		} else {
			m.log.Debug("poll thread pinned", "cpu", m.cpu)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = m.Wake() })
	defer stop()
	for ctx.Err() == nil {
		if m.closed {
			return api.ErrManagerClosed
		}
		m.Poll(interval)
	}
	return ctx.Err()
}

// Close runs one last poll, force-closes every connection and shuts the
// backends down. Every connection owed a close event gets one.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.Poll(0)
	var result *multierror.Error
	for _, id := range m.conns.ids(nil) {
		c := m.conns.get(id)
		if c == nil {
			continue
		}
		if c.closeErr == nil {
			c.closeErr = api.ErrManagerClosed
		}
		c.flags |= FlagCloseImmediately
		if err := m.destroy(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.closed = true
	close(m.done)
	for i, be := range m.backends {
		if err := be.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("backend %d shutdown: %w", i, err))
		}
	}
	m.log.Debug("manager closed", "calls", m.numCalls.Load())
	return result.ErrorOrNil()
}
