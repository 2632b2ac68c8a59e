//go:build linux
// +build linux

// File: internal/affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux affinity via sched_setaffinity(2), called directly through
// golang.org/x/sys/unix rather than cgo + pthread_setaffinity_np — the ring
// driver has no other cgo dependency and pulling one in just for affinity
// would force cgo onto every build of this module.

package affinity

import "golang.org/x/sys/unix"

func setCurrentThreadPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}
