// File: core/buffer/mbuf.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Growable owned byte queue backing connection receive and send paths.

package buffer

// minCapacity is the growth floor for a buffer that has to reallocate.
const minCapacity = 64

// Mbuf is a growable byte sequence. Len() <= Cap() always holds.
// The zero value is an empty, ready to use buffer.
type Mbuf struct {
	buf []byte
}

// New returns a buffer with at least initial bytes of capacity.
func New(initial int) *Mbuf {
	m := &Mbuf{}
	if initial > 0 {
		m.buf = make([]byte, 0, initial)
	}
	return m
}

// Len returns the number of stored bytes.
func (m *Mbuf) Len() int { return len(m.buf) }

// Cap returns the allocated capacity.
func (m *Mbuf) Cap() int { return cap(m.buf) }

// Bytes returns the stored bytes. The slice aliases internal storage and
// is valid until the next mutating call.
func (m *Mbuf) Bytes() []byte { return m.buf }

// Append adds p to the end and returns the number of bytes appended.
func (m *Mbuf) Append(p []byte) int {
	return m.Insert(len(m.buf), p)
}

// Insert places p at offset off. An offset past Len inserts nothing and
// returns 0.
func (m *Mbuf) Insert(off int, p []byte) int {
	if off < 0 || off > len(m.buf) || len(p) == 0 {
		return 0
	}
	n := len(m.buf)
	m.ensure(n + len(p))
	m.buf = m.buf[:n+len(p)]
	copy(m.buf[off+len(p):], m.buf[off:n])
	copy(m.buf[off:], p)
	return len(p)
}

// Remove drops n bytes from the front. n larger than Len empties the buffer.
func (m *Mbuf) Remove(n int) {
	if n <= 0 {
		return
	}
	if n >= len(m.buf) {
		m.buf = m.buf[:0]
		return
	}
	copy(m.buf, m.buf[n:])
	m.buf = m.buf[:len(m.buf)-n]
}

// Trim releases unused capacity.
func (m *Mbuf) Trim() {
	m.Resize(len(m.buf))
}

// Resize sets the capacity to n. Requests below Len are ignored.
func (m *Mbuf) Resize(n int) {
	if n < len(m.buf) || n == cap(m.buf) {
		return
	}
	if n == 0 {
		m.buf = nil
		return
	}
	nb := make([]byte, len(m.buf), n)
	copy(nb, m.buf)
	m.buf = nb
}

// Reset drops content and storage.
func (m *Mbuf) Reset() {
	m.buf = nil
}

// Tail returns at least n bytes of writable space after the stored data.
// Bytes written there become visible only after Commit.
func (m *Mbuf) Tail(n int) []byte {
	if n <= 0 {
		return nil
	}
	m.ensure(len(m.buf) + n)
	return m.buf[len(m.buf) : len(m.buf)+n]
}

// Commit extends Len by n bytes previously written through Tail.
func (m *Mbuf) Commit(n int) {
	if n <= 0 {
		return
	}
	if len(m.buf)+n > cap(m.buf) {
		n = cap(m.buf) - len(m.buf)
	}
	m.buf = m.buf[:len(m.buf)+n]
}

// ensure grows capacity to hold need bytes, doubling with a floor.
func (m *Mbuf) ensure(need int) {
	if need <= cap(m.buf) {
		return
	}
	c := cap(m.buf) * 2
	if c < minCapacity {
		c = minCapacity
	}
	if c < need {
		c = need
	}
	nb := make([]byte, len(m.buf), c)
	copy(nb, m.buf)
	m.buf = nb
}
