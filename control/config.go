// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration, file loading, and a thread-safe store with
// reload propagation.

package control

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
)

// Config is the configuration surface consumed by the connection manager.
type Config struct {
	// RecvBufferLimit caps each connection's receive buffer. Zero means
	// unlimited. Reads stop while the buffer is at the cap.
	RecvBufferLimit int `mapstructure:"recv_buffer_limit"`

	// IOSize bounds one TCP read or write per connection per poll.
	IOSize int `mapstructure:"io_size"`
	// UDPIOSize is the largest datagram read per poll.
	UDPIOSize int `mapstructure:"udp_io_size"`

	// ConnectTimeout bounds resolve, connect and TLS handshake together.
	// Zero disables it.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout"`
	ResolveRetries   int           `mapstructure:"resolve_retries"`
	ResolveCacheSize int           `mapstructure:"resolve_cache_size"`
	// Nameserver is "udp://host:port" or "host:port". Empty means
	// discover from ResolvConf, then fall back to DefaultNameserver.
	Nameserver string `mapstructure:"nameserver"`
	ResolvConf string `mapstructure:"resolv_conf"`
	HostsFile  string `mapstructure:"hosts_file"`

	// MaxConns limits live connections. Zero means unlimited.
	MaxConns int `mapstructure:"max_conns"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// DefaultNameserver is used when nothing else is configured.
const DefaultNameserver = "udp://8.8.8.8:53"

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		IOSize:           1460,
		UDPIOSize:        1460,
		ResolveTimeout:   5 * time.Second,
		ResolveRetries:   2,
		ResolveCacheSize: 256,
		ResolvConf:       "/etc/resolv.conf",
		HostsFile:        "/etc/hosts",
		LogLevel:         "info",
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.RecvBufferLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("recv_buffer_limit must not be negative: %d", c.RecvBufferLimit))
	}
	if c.IOSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("io_size must be positive: %d", c.IOSize))
	}
	if c.UDPIOSize <= 0 || c.UDPIOSize > 65535 {
		result = multierror.Append(result, fmt.Errorf("udp_io_size must be in 1..65535: %d", c.UDPIOSize))
	}
	if c.ConnectTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("connect_timeout must not be negative: %s", c.ConnectTimeout))
	}
	if c.ResolveTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("resolve_timeout must be positive: %s", c.ResolveTimeout))
	}
	if c.ResolveRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("resolve_retries must not be negative: %d", c.ResolveRetries))
	}
	if c.ResolveCacheSize < 0 {
		result = multierror.Append(result, fmt.Errorf("resolve_cache_size must not be negative: %d", c.ResolveCacheSize))
	}
	if c.MaxConns < 0 {
		result = multierror.Append(result, fmt.Errorf("max_conns must not be negative: %d", c.MaxConns))
	}
	if c.LogLevel != "" && LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return result.ErrorOrNil()
}

// Decode overlays raw key/value settings on top of c.
func (c Config) Decode(raw map[string]any) (Config, error) {
	out := c
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return c, err
	}
	if err := dec.Decode(raw); err != nil {
		return c, fmt.Errorf("error decoding config: %w", err)
	}
	return out, nil
}

// ParseHCL parses HCL settings into a flat map.
func ParseHCL(data []byte) (map[string]any, error) {
	raw := make(map[string]any)
	if err := hcl.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}

// LoadFile reads an HCL file over DefaultConfig and validates the result.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	raw, err := ParseHCL(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg, err := DefaultConfig().Decode(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	base      Config
	config    map[string]any
	listeners []func(Config)
}

// NewConfigStore initializes a store whose typed view starts from base.
func NewConfigStore(base Config) *ConfigStore {
	return &ConfigStore{
		base:   base,
		config: make(map[string]any),
	}
}

// GetSnapshot returns a copy of all overridden values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Config returns base overlaid with the stored values.
func (cs *ConfigStore) Config() (Config, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.base.Decode(cs.config)
}

// SetConfig merges new values. The merge is rejected unless the resulting
// Config decodes and validates; listeners see the new Config synchronously.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) error {
	cs.mu.Lock()
	merged := make(map[string]any, len(cs.config)+len(newCfg))
	for k, v := range cs.config {
		merged[k] = v
	}
	for k, v := range newCfg {
		merged[k] = v
	}
	cfg, err := cs.base.Decode(merged)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.config = merged
	listeners := append([]func(Config){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
