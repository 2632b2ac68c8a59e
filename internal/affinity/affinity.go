// File: internal/affinity/affinity.go
// Package affinity provides a platform-neutral API for pinning the calling
// OS thread to a specific logical CPU.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The transport's event loop uses this to honor the `pinning.server_core`
// configuration key: a ring and its owning event loop live on one OS
// thread, and pinning that thread keeps it off cores the SQPOLL kernel
// thread or other rings are using. `sqpoll_cpu` does not go through this
// package; it is handed to the kernel at ring setup. `pinning.client_core`
// is not applied.
package affinity

// SetCurrentThread pins the calling OS thread to cpuID. The caller must have
// already called runtime.LockOSThread, since Go may otherwise migrate the
// goroutine to a different thread after this call returns.
func SetCurrentThread(cpuID int) error {
	if cpuID < 0 {
		return nil
	}
	return setCurrentThreadPlatform(cpuID)
}
