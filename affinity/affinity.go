// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Pinning of the calling OS thread to one logical CPU. Platform code lives
// in affinity_linux.go and affinity_windows.go.

package affinity

import (
	"fmt"
	"runtime"
)

// SetAffinity pins the current OS thread to cpuID. The caller must hold
// runtime.LockOSThread for the pin to stay with its goroutine.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpuID)
	}
	return setAffinityPlatform(cpuID)
}

// Pin locks the calling goroutine to its OS thread and pins that thread
// to cpuID. The returned function undoes the lock. The thread lock is kept
// even when pinning fails.
func Pin(cpuID int) (unlock func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, SetAffinity(cpuID)
}
