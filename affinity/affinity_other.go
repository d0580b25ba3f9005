//go:build !linux && !windows

// File: affinity/affinity_other.go
// Author: momentics <momentics@gmail.com>

package affinity

import "github.com/momentics/hioload-net/api"

func setAffinityPlatform(int) error {
	return api.NewError(api.ErrCodeNotSupported, "thread affinity not supported on this platform")
}
