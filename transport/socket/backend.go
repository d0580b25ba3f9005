// File: transport/socket/backend.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness-driven BSD socket backend.

package socket

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

// Backend is the pull-style api.Backend over non-blocking OS sockets.
type Backend struct {
	log      hclog.Logger
	r        reactor.EventReactor
	interest []reactor.Interest
	events   []reactor.Event
	ready    []api.Readiness
	closed   atomic.Bool
}

var _ api.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// New creates an uninitialized backend. The manager calls Init.
func New(opts ...Option) *Backend {
	b := &Backend{log: hclog.NewNullLogger()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init creates the reactor. Pull backends ignore the sink.
func (b *Backend) Init(api.Sink) error {
	if b.r != nil {
		return nil
	}
	r, err := reactor.NewReactor()
	if err != nil {
		return fmt.Errorf("socket backend: %w", err)
	}
	b.r = r
	b.log.Debug("socket backend initialized")
	return nil
}

// Shutdown releases the reactor.
func (b *Backend) Shutdown() error {
	if b.r == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.r.Close()
}

// Register is a no-op: the interest set is rebuilt on every Poll.
func (b *Backend) Register(api.Socket) error { return nil }

// Unregister is a no-op for the same reason as Register.
func (b *Backend) Unregister(api.Socket) error { return nil }

// Poll waits for readiness on the interest set.
func (b *Backend) Poll(timeout time.Duration, interest []api.Interest) ([]api.Readiness, error) {
	if b.r == nil || b.closed.Load() {
		return nil, api.ErrBackendClosed
	}
	b.interest = b.interest[:0]
	for _, in := range interest {
		var ev reactor.FDEventType
		if in.Read {
			ev |= reactor.EventRead
		}
		if in.Write {
			ev |= reactor.EventWrite
		}
		b.interest = append(b.interest, reactor.Interest{Fd: uintptr(in.Socket), Events: ev})
	}
	if cap(b.events) < len(b.interest) {
		b.events = make([]reactor.Event, len(b.interest))
	}
	n, err := b.r.Wait(b.interest, b.events[:len(b.interest)], timeout)
	if err != nil {
		return nil, err
	}
	b.ready = b.ready[:0]
	for _, ev := range b.events[:n] {
		b.ready = append(b.ready, api.Readiness{
			Socket:   api.Socket(ev.Fd),
			Readable: ev.Events&reactor.EventRead != 0,
			Writable: ev.Events&reactor.EventWrite != 0,
			Errored:  ev.Events&reactor.EventError != 0,
		})
	}
	return b.ready, nil
}

// Wake interrupts Poll from another goroutine.
func (b *Backend) Wake() error {
	if b.r == nil || b.closed.Load() {
		return api.ErrBackendClosed
	}
	if err := b.r.Wake(); err != nil {
		if errors.Is(err, reactor.ErrClosed) {
			return api.ErrBackendClosed
		}
		return err
	}
	return nil
}
