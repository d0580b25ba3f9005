// control/logging.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// LevelFromString accepts "err" as an alias for "error".
func LevelFromString(level string) hclog.Level {
	if strings.ToUpper(level) == "ERR" {
		level = "ERROR"
	}
	return hclog.LevelFromString(level)
}

// NewLogger builds the root logger from cfg. A nil out writes to stderr.
func NewLogger(name string, cfg Config, out io.Writer) hclog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: cfg.LogJSON,
	})
}
