// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for the
// hioload-net engine.
//
// Provides:
//   - Config with HCL file loading, map decoding and validation
//   - ConfigStore with synchronous reload listeners
//   - hclog logger construction
//   - go-metrics backed counters
//   - named debug probes
package control
