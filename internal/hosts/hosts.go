// File: internal/hosts/hosts.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Static host table lookup consulted before asynchronous DNS.

package hosts

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"
)

// Table maps lower-cased host names to addresses in file order.
type Table map[string][]netip.Addr

// Parse reads hosts(5) syntax. Malformed lines are skipped.
func Parse(r io.Reader) (Table, error) {
	t := make(Table)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		addr = addr.WithZone("")
		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			t[name] = append(t[name], addr)
		}
	}
	return t, sc.Err()
}

// Load parses the file at path.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Lookup returns the first IPv4 address for name, or the first IPv6
// address when no IPv4 entry exists.
func (t Table) Lookup(name string) (netip.Addr, bool) {
	addrs := t[strings.ToLower(strings.TrimSuffix(name, "."))]
	for _, a := range addrs {
		if a.Is4() {
			return a, true
		}
	}
	if len(addrs) > 0 {
		return addrs[0], true
	}
	return netip.Addr{}, false
}
