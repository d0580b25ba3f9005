// File: pool/objpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool is a typed wrapper over sync.Pool. When accept is set, Put
// drops values it rejects instead of recycling them.
type SyncPool[T any] struct {
	pool   sync.Pool
	accept func(T) bool
}

// NewSyncPool creates a pool whose misses call creator.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any { return creator() }
	return sp
}

// Get returns a pooled value or a fresh one.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put recycles obj.
func (sp *SyncPool[T]) Put(obj T) {
	if sp.accept != nil && !sp.accept(obj) {
		return
	}
	sp.pool.Put(obj)
}

// NewBytePool pools scratch slices of exactly size bytes. Slices that were
// resliced below size are dropped on Put.
func NewBytePool(size int) *SyncPool[[]byte] {
	sp := NewSyncPool(func() []byte { return make([]byte, size) })
	sp.accept = func(b []byte) bool { return cap(b) >= size && len(b) == size }
	return sp
}

var _ ObjectPool[[]byte] = (*SyncPool[[]byte])(nil)
