// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness poller used by the socket backend:
// a poll(2) loop over an interest set rebuilt on every call, plus a wake
// pipe so other goroutines can cut a blocking wait short.
package reactor
