// Package pool
// Author: momentics <momentics@gmail.com>
//
// Typed wrappers over sync.Pool. The connection manager draws its read
// scratch buffers from a fixed-size byte pool.
package pool
