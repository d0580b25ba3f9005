//go:build unix

// File: reactor/reactor_unix.go
// Author: momentics <momentics@gmail.com>
//
// poll(2)-based reactor with a self-pipe for cross-goroutine wakeups.

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// pollReactor implements EventReactor using poll(2).
type pollReactor struct {
	wakeR, wakeW int
	pending      atomic.Bool
	mu           sync.RWMutex // Wake holds it shared while writing the pipe
	closed       bool
	fds          []unix.PollFd
}

// NewReactor constructs the poll(2) reactor.
func NewReactor() (EventReactor, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("reactor pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("reactor pipe nonblock: %w", err)
		}
	}
	return &pollReactor{wakeR: p[0], wakeW: p[1]}, nil
}

// Wait polls the wake pipe plus every descriptor in interest.
func (r *pollReactor) Wait(interest []Interest, events []Event, timeout time.Duration) (int, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	r.fds = r.fds[:0]
	r.fds = append(r.fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	for _, in := range interest {
		var ev int16
		if in.Events&EventRead != 0 {
			ev |= unix.POLLIN
		}
		if in.Events&EventWrite != 0 {
			ev |= unix.POLLOUT
		}
		r.fds = append(r.fds, unix.PollFd{Fd: int32(in.Fd), Events: ev})
	}

	if r.pending.Load() {
		timeout = 0
	}
	_, err := unix.Poll(r.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}

	if r.fds[0].Revents != 0 || r.pending.Load() {
		r.drain()
	}

	n := 0
	for _, pfd := range r.fds[1:] {
		if pfd.Revents == 0 || n == len(events) {
			continue
		}
		var t FDEventType
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			t |= EventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			t |= EventWrite
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			t |= EventError
		}
		events[n] = Event{Fd: uintptr(pfd.Fd), Events: t}
		n++
	}
	return n, nil
}

func (r *pollReactor) drain() {
	r.pending.Store(false)
	var buf [64]byte
	for {
		if _, err := unix.Read(r.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// Wake writes one byte into the pipe unless a wakeup is already pending.
func (r *pollReactor) Wake() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	if !r.pending.CompareAndSwap(false, true) {
		return nil
	}
	_, err := unix.Write(r.wakeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Close closes the wake pipe once no Wake is writing to it.
func (r *pollReactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(unix.Close(r.wakeR), unix.Close(r.wakeW))
}
