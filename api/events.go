// File: api/events.go
// Package api defines core event types for hioload-net.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// EventType enumerates the events delivered to connection handlers.
//
// Payload shapes:
//
//	EventPoll     nil, or BroadcastMessage for cross-goroutine broadcasts
//	EventAccept   netip.AddrPort of the remote peer
//	EventConnect  error; nil on success
//	EventRecv     int, bytes appended to the receive buffer
//	EventSend     int, bytes removed from the send buffer
//	EventClose    error; the cause, nil for an orderly close
//	EventTimer    time.Time, the deadline that expired
type EventType int

const (
	EventPoll EventType = iota
	EventAccept
	EventConnect
	EventRecv
	EventSend
	EventClose
	EventTimer
)

var eventNames = [...]string{
	EventPoll:    "poll",
	EventAccept:  "accept",
	EventConnect: "connect",
	EventRecv:    "recv",
	EventSend:    "send",
	EventClose:   "close",
	EventTimer:   "timer",
}

func (e EventType) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// BroadcastMessage is the poll payload of a broadcast posted from another
// goroutine.
type BroadcastMessage struct {
	Data any
}
