// File: core/manager/flags.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package manager

import "strings"

// Flags are capability bits orthogonal to the lifecycle State.
type Flags uint32

const (
	FlagUDP Flags = 1 << iota
	FlagTLS
	// FlagWantRead and FlagWantWrite re-arm exactly one direction.
	FlagWantRead
	FlagWantWrite
	// FlagSendAndClose closes once the send buffer has drained.
	FlagSendAndClose
	// FlagCloseImmediately closes at the end of the current poll, dropping
	// unsent data.
	FlagCloseImmediately
	FlagWebSocket
	// FlagEnableBroadcast allows UDP sends to broadcast addresses.
	FlagEnableBroadcast
	FlagUser1
	FlagUser2
	FlagUser3
	FlagUser4
	FlagUser5
	FlagUser6
)

// FlagUserMask covers the bits reserved for protocol layers.
const FlagUserMask = FlagUser1 | FlagUser2 | FlagUser3 | FlagUser4 | FlagUser5 | FlagUser6

// userModifiable is what survives a user handler's flag changes.
const userModifiable = FlagSendAndClose | FlagCloseImmediately | FlagWebSocket | FlagUserMask

// creationAllowed is what a caller may preset at Connect or Bind.
const creationAllowed = FlagUserMask | FlagEnableBroadcast

var flagNames = []string{
	"udp", "tls", "want-read", "want-write", "send-and-close",
	"close-immediately", "websocket", "enable-broadcast",
	"user1", "user2", "user3", "user4", "user5", "user6",
}

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}
