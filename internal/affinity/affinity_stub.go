//go:build !linux
// +build !linux

// File: internal/affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without the ring driver's real target (see spec.md
// Non-goals: portable fallback is a degraded mode, not a design target).

package affinity

import "errors"

func setCurrentThreadPlatform(cpuID int) error {
	return errors.New("affinity: thread pinning not supported on this platform")
}
