// File: core/manager/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Index-stable connection arena with generation-checked handles.

package manager

import "fmt"

// ConnID is a handle to a connection. A handle outlives its connection
// safely: lookups of a destroyed connection's ID return nil even after
// the slot has been reused.
type ConnID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id was never assigned.
func (id ConnID) IsZero() bool { return id.gen == 0 }

func (id ConnID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

type slot struct {
	gen uint32
	c   *Conn
}

type connTable struct {
	slots []slot
	free  []uint32
	n     int
}

func (t *connTable) insert(c *Conn) ConnID {
	var idx uint32
	if k := len(t.free); k > 0 {
		idx = t.free[k-1]
		t.free = t.free[:k-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.c = c
	t.n++
	return ConnID{index: idx, gen: s.gen}
}

func (t *connTable) get(id ConnID) *Conn {
	if id.gen == 0 || int(id.index) >= len(t.slots) {
		return nil
	}
	s := t.slots[id.index]
	if s.gen != id.gen {
		return nil
	}
	return s.c
}

func (t *connTable) remove(id ConnID) bool {
	if t.get(id) == nil {
		return false
	}
	t.slots[id.index].c = nil
	t.free = append(t.free, id.index)
	t.n--
	return true
}

// ids appends live handles in slot order.
func (t *connTable) ids(dst []ConnID) []ConnID {
	for i, s := range t.slots {
		if s.c != nil {
			dst = append(dst, ConnID{index: uint32(i), gen: s.gen})
		}
	}
	return dst
}

func (t *connTable) len() int { return t.n }
