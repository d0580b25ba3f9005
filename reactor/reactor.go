// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness reactor interface.

package reactor

import (
	"errors"
	"time"
)

// ErrClosed is returned by Wait and Wake once Close has run.
var ErrClosed = errors.New("reactor: closed")

// FDEventType is a bitmask of readiness conditions.
type FDEventType uint8

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
)

// Interest asks the reactor to watch Fd for the given conditions.
type Interest struct {
	Fd     uintptr
	Events FDEventType
}

// Event contains readiness information returned by Wait.
type Event struct {
	Fd     uintptr
	Events FDEventType
}

// EventReactor waits for readiness on a caller-supplied interest set.
// The set is passed on every call, so there is no registration state to
// keep in sync with connection lifetimes.
type EventReactor interface {
	// Wait blocks up to timeout (negative blocks indefinitely) and writes
	// ready descriptors into events. It returns early, with zero events,
	// when Wake is called.
	Wait(interest []Interest, events []Event, timeout time.Duration) (n int, err error)

	// Wake interrupts a concurrent or the next Wait. Safe from any goroutine,
	// including one racing Close.
	Wake() error

	// Close cleans up resources. It belongs to the goroutine calling Wait.
	Close() error
}

// timeoutMillis rounds d up to whole milliseconds.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
