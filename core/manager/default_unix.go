// File: core/manager/default_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build unix

package manager

import (
	"github.com/hashicorp/go-hclog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/transport/socket"
)

func defaultBackend(log hclog.Logger) api.Backend {
	return socket.New(socket.WithLogger(log.Named("socket")))
}
