package control

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IOSize = 0
	cfg.RecvBufferLimit = -1
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
}

func TestDecodeWeakTypesAndDurations(t *testing.T) {
	cfg, err := DefaultConfig().Decode(map[string]any{
		"recv_buffer_limit": "16",
		"connect_timeout":   "250ms",
		"nameserver":        "udp://10.0.0.1:53",
	})
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.RecvBufferLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.ConnectTimeout)
	assert.Equal(t, "udp://10.0.0.1:53", cfg.Nameserver)
	assert.Equal(t, 1460, cfg.IOSize, "unset keys keep their defaults")

	_, err = DefaultConfig().Decode(map[string]any{"no_such_key": 1})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
recv_buffer_limit = 65536
io_size = 4096
resolve_timeout = "2s"
resolve_retries = 3
log_level = "debug"
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 65536, cfg.RecvBufferLimit)
	assert.Equal(t, 4096, cfg.IOSize)
	assert.Equal(t, 2*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 3, cfg.ResolveRetries)
	assert.Equal(t, "debug", cfg.LogLevel)

	bad := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`io_size = -1`), 0o600))
	_, err = LoadFile(bad)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestConfigStoreReload(t *testing.T) {
	cs := NewConfigStore(DefaultConfig())
	var seen []Config
	cs.OnReload(func(c Config) { seen = append(seen, c) })

	require.NoError(t, cs.SetConfig(map[string]any{"max_conns": 10}))
	require.Len(t, seen, 1)
	assert.Equal(t, 10, seen[0].MaxConns)

	// invalid merges are rejected and do not notify
	assert.Error(t, cs.SetConfig(map[string]any{"io_size": 0}))
	assert.Len(t, seen, 1)

	cfg, err := cs.Config()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, map[string]any{"max_conns": 10}, cs.GetSnapshot())
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	log := NewLogger("test", cfg, &buf)
	log.Info("hidden")
	log.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "test")
}

func TestMetricsSnapshot(t *testing.T) {
	m, err := NewMetricsRegistry("hioload", nil)
	require.NoError(t, err)
	m.IncrCounter([]string{"manager", "accepts"}, 1)
	m.IncrCounter([]string{"manager", "accepts"}, 2)
	m.SetGauge([]string{"manager", "conns"}, 5)

	snap := m.GetSnapshot()
	assert.Equal(t, float64(3), snap["hioload.manager.accepts"])
	assert.Equal(t, float32(5), snap["hioload.manager.conns"])

	var nilReg *MetricsRegistry
	nilReg.IncrCounter([]string{"x"}, 1)
	assert.Empty(t, nilReg.GetSnapshot())
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterPlatformProbes(dp)
	dp.RegisterProbe("answer", func() any { return 42 })
	assert.Contains(t, dp.Names(), "answer")
	assert.Equal(t, 42, dp.DumpState()["answer"])
	dp.UnregisterProbe("answer")
	assert.NotContains(t, dp.DumpState(), "answer")
	assert.NotNil(t, dp.DumpState()["platform.cpus"])
}
