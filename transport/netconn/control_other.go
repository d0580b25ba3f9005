// File: transport/netconn/control_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !unix && !windows

package netconn

import (
	"syscall"

	"github.com/momentics/hioload-net/api"
)

func broadcastControl(_, _ string, _ syscall.RawConn) error {
	return api.ErrNotSupported
}
