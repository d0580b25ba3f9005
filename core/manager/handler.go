// File: core/manager/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import "github.com/momentics/hioload-net/api"

// Handler receives connection events. See api.EventType for payloads.
// Handlers run on the polling goroutine and must not block.
type Handler interface {
	HandleEvent(c *Conn, ev api.EventType, data any)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, ev api.EventType, data any)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(c *Conn, ev api.EventType, data any) { f(c, ev, data) }
