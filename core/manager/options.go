// File: core/manager/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional options for Manager and for individual connections.

package manager

import (
	"crypto/tls"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/tlsshim"
)

// TLSFactory creates a shim for one connection. serverName is the host
// part of the connect address for client shims.
type TLSFactory func(server bool, serverName string) (api.TLSShim, error)

// Option configures a Manager.
type Option func(*Manager)

// WithBackend adds a backend. The first one added is the main backend:
// it receives the poll timeout, the others are polled without waiting.
func WithBackend(b api.Backend) Option {
	return func(m *Manager) {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg control.Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithConfigStore takes the configuration from cs and applies reloads
// through Reconfigure.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(m *Manager) { m.store = cs }
}

// WithLogger sets the parent logger; the manager logs under "manager".
func WithLogger(l hclog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics enables counters.
func WithMetrics(r *control.MetricsRegistry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTLSFactory sets the shim constructor for TLS connections.
func WithTLSFactory(f TLSFactory) Option {
	return func(m *Manager) { m.tlsFactory = f }
}

// WithTLSConfig uses the crypto/tls based shim with cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(m *Manager) { m.tlsFactory = tlsshim.Factory(cfg) }
}

// WithNameserver overrides the configured nameserver.
func WithNameserver(addr string) Option {
	return func(m *Manager) { m.nameserverOverride = addr }
}

// WithCPU makes Run pin the polling thread to cpu.
func WithCPU(cpu int) Option {
	return func(m *Manager) { m.cpu = cpu }
}

type connOptions struct {
	flags      Flags
	tls        bool
	udp        bool
	serverName string
	userData   any
	proto      Handler
	recvLimit  int
	timeout    time.Duration
	backend    int
}

// ConnOption configures one connection at Connect, Bind or AddSocket.
type ConnOption func(*connOptions)

// WithTLS enables TLS on the connection.
func WithTLS() ConnOption {
	return func(o *connOptions) { o.tls = true }
}

// WithServerName sets the name verified by a TLS client.
func WithServerName(name string) ConnOption {
	return func(o *connOptions) { o.serverName = name }
}

// WithUserData sets Conn.UserData. Accepted connections inherit it.
func WithUserData(v any) ConnOption {
	return func(o *connOptions) { o.userData = v }
}

// WithFlags presets user bits and FlagEnableBroadcast. Other bits are ignored.
func WithFlags(f Flags) ConnOption {
	return func(o *connOptions) { o.flags |= f & creationAllowed }
}

// WithProtocolHandler attaches a protocol handler that runs before the
// user handler.
func WithProtocolHandler(h Handler) ConnOption {
	return func(o *connOptions) { o.proto = h }
}

// WithRecvLimit overrides the receive ceiling. Zero means unlimited.
func WithRecvLimit(n int) ConnOption {
	return func(o *connOptions) { o.recvLimit = n }
}

// WithConnectTimeout bounds resolve, connect and handshake.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(o *connOptions) { o.timeout = d }
}

// WithBackendIndex selects a backend added with WithBackend.
func WithBackendIndex(i int) ConnOption {
	return func(o *connOptions) { o.backend = i }
}

// WithUDP marks a socket adopted by AddSocket as datagram.
func WithUDP() ConnOption {
	return func(o *connOptions) { o.udp = true }
}
