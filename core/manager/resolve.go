// File: core/manager/resolve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous name resolution built from an ordinary engine UDP
// connection to the nameserver. Answers drive the same doConnect path as
// literal addresses, so handlers cannot tell whether resolution happened.

package manager

import (
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/hosts"
)

// minCacheTTL keeps zero-TTL answers useful for back-to-back connects.
const minCacheTTL = time.Second

// resolveRequest is the state of one resolver connection.
type resolveRequest struct {
	target  ConnID
	name    string // fully qualified
	port    uint16
	id      uint16
	qtype   uint16
	retries int
	done    bool
}

type cacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

func cacheKey(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// lookupStatic answers from the hosts file, the localhost fallback and the
// answer cache, in that order.
func (m *Manager) lookupStatic(host string) (netip.Addr, bool) {
	if !m.hostsLoaded {
		m.hostsLoaded = true
		if m.cfg.HostsFile != "" {
			t, err := hosts.Load(m.cfg.HostsFile)
			if err != nil {
				m.log.Debug("hosts file not loaded", "path", m.cfg.HostsFile, "error", err)
			}
			m.hosts = t
		}
	}
	if ip, ok := m.hosts.Lookup(host); ok {
		return ip, true
	}
	key := cacheKey(host)
	if key == "localhost" {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), true
	}
	if m.cache == nil {
		return netip.Addr{}, false
	}
	v, ok := m.cache.Get(key)
	if !ok {
		return netip.Addr{}, false
	}
	e := v.(cacheEntry)
	if !m.now().Before(e.expires) {
		m.cache.Remove(key)
		return netip.Addr{}, false
	}
	m.metrics.IncrCounter([]string{"resolver", "cache_hits"}, 1)
	return e.addr, true
}

// resolveNameserver picks the option, the config, resolv.conf, then the
// built-in default. The result is cached until reconfiguration.
func (m *Manager) resolveNameserver() (netip.AddrPort, error) {
	if m.nameserver.IsValid() {
		return m.nameserver, nil
	}
	s := m.nameserverOverride
	if s == "" {
		s = m.cfg.Nameserver
	}
	if s == "" && m.cfg.ResolvConf != "" {
		cc, err := dns.ClientConfigFromFile(m.cfg.ResolvConf)
		if err == nil && len(cc.Servers) > 0 {
			s = net.JoinHostPort(cc.Servers[0], cc.Port)
		} else if err != nil {
			m.log.Debug("resolv.conf not loaded", "path", m.cfg.ResolvConf, "error", err)
		}
	}
	if s == "" {
		s = control.DefaultNameserver
	}
	a, err := parseAddress(s, false)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if !a.literal() {
		return netip.AddrPort{}, api.NewError(api.ErrCodeInvalidArgument, "nameserver must be a literal address").
			WithContext("nameserver", s)
	}
	m.nameserver = a.addr
	return a.addr, nil
}

// startResolve opens the resolver connection for c.
func (m *Manager) startResolve(c *Conn, host string, port uint16) error {
	ns, err := m.resolveNameserver()
	if err != nil {
		return err
	}
	rc, err := m.newConn(HandlerFunc(m.resolverEvent), connOptions{recvLimit: -1}, c.bi)
	if err != nil {
		return err
	}
	m.txid++
	rc.resolver = &resolveRequest{
		target:  c.id,
		name:    dns.Fqdn(host),
		port:    port,
		id:      m.txid,
		qtype:   dns.TypeA,
		retries: m.cfg.ResolveRetries,
	}
	rc.client = true
	rc.flags |= FlagUDP
	m.resolving[c.id] = rc.id
	c.log.Debug("resolving", "host", host, "nameserver", ns, "resolver", rc.id)
	m.doConnect(rc, ns)
	return nil
}

// resolverEvent is the handler of resolver connections.
func (m *Manager) resolverEvent(c *Conn, ev api.EventType, data any) {
	req := c.resolver
	if req == nil || req.done {
		return
	}
	if t := m.conns.get(req.target); t == nil || t.state != StateResolving {
		req.done = true
		c.Close()
		return
	}
	switch ev {
	case api.EventConnect:
		if err, _ := data.(error); err != nil {
			m.resolveFailed(c, req, err)
			return
		}
		m.sendQuery(c, req)
	case api.EventRecv:
		m.handleAnswer(c, req)
	case api.EventTimer:
		if req.retries > 0 {
			req.retries--
			c.log.Debug("resolver retry", "name", req.name, "left", req.retries)
			m.sendQuery(c, req)
			return
		}
		m.resolveFailed(c, req, api.ErrRetriesExceeded)
	case api.EventClose:
		err, _ := data.(error)
		if err == nil {
			err = api.ErrResolveFailed
		}
		m.resolveFailed(c, req, err)
	}
}

func (m *Manager) sendQuery(c *Conn, req *resolveRequest) {
	msg := new(dns.Msg)
	msg.SetQuestion(req.name, req.qtype)
	msg.Id = req.id
	wire, err := msg.Pack()
	if err != nil {
		m.resolveFailed(c, req, err)
		return
	}
	c.Send(wire)
	c.SetTimer(m.now().Add(m.cfg.ResolveTimeout))
	m.metrics.IncrCounter([]string{"resolver", "queries"}, 1)
}

func (m *Manager) handleAnswer(c *Conn, req *resolveRequest) {
	var msg dns.Msg
	err := msg.Unpack(c.recv.Bytes())
	c.recv.Remove(c.recv.Len())
	if err != nil {
		c.log.Debug("malformed dns reply ignored", "error", err)
		return
	}
	if msg.Id != req.id || !msg.Response {
		c.log.Trace("unrelated dns reply", "id", msg.Id, "want", req.id)
		return
	}
	if msg.Rcode != dns.RcodeSuccess {
		m.resolveFailed(c, req, api.NewError(api.ErrCodeResolve, "nameserver error").
			WithContext("rcode", dns.RcodeToString[msg.Rcode]))
		return
	}

	var (
		ip  netip.Addr
		ttl uint32
	)
	for _, rr := range msg.Answer {
		switch r := rr.(type) {
		case *dns.A:
			ip, _ = netip.AddrFromSlice(r.A.To4())
			ttl = r.Hdr.Ttl
		case *dns.AAAA:
			ip, _ = netip.AddrFromSlice(r.AAAA.To16())
			ttl = r.Hdr.Ttl
		}
		if ip.IsValid() {
			break
		}
	}
	if !ip.IsValid() {
		if req.qtype == dns.TypeA {
			m.txid++
			req.id = m.txid
			req.qtype = dns.TypeAAAA
			m.sendQuery(c, req)
			return
		}
		m.resolveFailed(c, req, api.ErrNoAnswer)
		return
	}

	if m.cache != nil {
		exp := max(time.Duration(ttl)*time.Second, minCacheTTL)
		m.cache.Add(cacheKey(req.name), cacheEntry{addr: ip, expires: m.now().Add(exp)})
	}
	req.done = true
	delete(m.resolving, req.target)
	c.Close()
	t := m.conns.get(req.target)
	t.log.Debug("resolved", "name", req.name, "addr", ip, "ttl", ttl)
	m.doConnect(t, netip.AddrPortFrom(ip, req.port))
}

// resolveFailed tears the resolver down and reports one failed connect
// result on the waiting connection.
func (m *Manager) resolveFailed(c *Conn, req *resolveRequest, err error) {
	req.done = true
	delete(m.resolving, req.target)
	c.Close()
	m.metrics.IncrCounter([]string{"resolver", "failures"}, 1)
	t := m.conns.get(req.target)
	if t == nil || t.state != StateResolving {
		return
	}
	t.log.Debug("resolve failed", "name", req.name, "error", err)
	m.failConnect(t, api.NewError(api.ErrCodeResolve, "resolve failed").
		WithContext("host", strings.TrimSuffix(req.name, ".")).
		Wrap(err))
}
