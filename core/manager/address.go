// File: core/manager/address.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/momentics/hioload-net/api"
)

const maxHostLen = 200

// address is a parsed "[tcp://|udp://]HOST:PORT" string.
type address struct {
	udp  bool
	host string // hostname needing resolution; empty for literals
	port uint16
	addr netip.AddrPort // valid for literal addresses
}

func (a address) literal() bool { return a.addr.IsValid() }

func addrErr(s, why string) error {
	return api.NewError(api.ErrCodeInvalidArgument, "invalid address").
		WithContext("address", s).
		WithContext("reason", why).
		Wrap(api.ErrInvalidAddress)
}

// parseAddress accepts IPv4, bracketed IPv6 and host names. Bind addresses
// may omit the host ("PORT" or ":PORT") and may not use host names other
// than localhost.
func parseAddress(s string, bind bool) (address, error) {
	var a address
	rest := s
	switch {
	case strings.HasPrefix(rest, "udp://"):
		a.udp = true
		rest = rest[len("udp://"):]
	case strings.HasPrefix(rest, "tcp://"):
		rest = rest[len("tcp://"):]
	case strings.Contains(rest, "://"):
		return a, addrErr(s, "unknown scheme")
	}

	var host, port string
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 || end+1 >= len(rest) || rest[end+1] != ':' {
			return a, addrErr(s, "malformed IPv6 literal")
		}
		host, port = rest[1:end], rest[end+2:]
		if _, err := netip.ParseAddr(host); err != nil {
			return a, addrErr(s, "malformed IPv6 literal")
		}
	} else if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		host, port = rest[:i], rest[i+1:]
	} else {
		port = rest
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return a, addrErr(s, "bad port")
	}
	a.port = uint16(p)
	if !bind && a.port == 0 {
		return a, addrErr(s, "port required")
	}

	switch {
	case host == "" && bind:
		a.addr = netip.AddrPortFrom(netip.IPv4Unspecified(), a.port)
	case host == "":
		return a, addrErr(s, "host required")
	case len(host) > maxHostLen:
		return a, addrErr(s, "host too long")
	default:
		if ip, err := netip.ParseAddr(host); err == nil {
			a.addr = netip.AddrPortFrom(ip.WithZone(""), a.port)
		} else if strings.EqualFold(host, "localhost") && bind {
			a.addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), a.port)
		} else if bind {
			return a, addrErr(s, "bind needs a literal address")
		} else if !validHostname(host) {
			return a, addrErr(s, "bad host name")
		} else {
			a.host = host
		}
	}
	return a, nil
}

func validHostname(h string) bool {
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			return false
		}
	}
	return true
}
