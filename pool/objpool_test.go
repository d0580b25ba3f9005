package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePoolSizes(t *testing.T) {
	p := NewBytePool(64)
	b := p.Get()
	assert.Len(t, b, 64)
	p.Put(b)
	p.Put(b[:10])
	for i := 0; i < 4; i++ {
		assert.Len(t, p.Get(), 64)
	}
}

func TestSyncPoolCreates(t *testing.T) {
	n := 0
	p := NewSyncPool(func() *int { n++; v := n; return &v })
	a := p.Get()
	assert.NotNil(t, a)
	assert.Equal(t, 1, n)
}
