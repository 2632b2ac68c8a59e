// File: internal/buffer/registry.go
// Package buffer implements the fixed buffer registry and provided-buffer
// ring described in spec.md §4.1 and §4.2: the two kernel-registered memory
// pools that keep the data path allocation-free.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package buffer

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// Lease is a live hold on one slot of a fixed buffer set. It must be
// returned exactly once via Registry.Release.
type Lease struct {
	Index uint16
	Bytes []byte
}

// Registry owns a set of N buffers of uniform size B, registered with the
// ring as fixed buffers (IORING_REGISTER_BUFFERS). Leases are ring-local:
// only the goroutine that owns the ring this registry is bound to may
// acquire or release.
//
// Grounded on momentics-hioload-ws's core/buffer/bufferpool.go and
// pool/slab_pool.go size-class allocators, narrowed to the single-size-class
// shape the ring's fixed-buffer registration call requires.
type Registry struct {
	mu     sync.Mutex
	data   []byte
	size   uint32
	count  uint32
	free   []uint16
	leased map[uint16]bool
}

// Register pins count*size bytes, slices it into count fixed-size buffers,
// and registers the set with ring. It must run before any request
// references a fixed-buffer index, and at most once per ring.
func Register(ring *giouring.Ring, count int, size int) (*Registry, error) {
	if count <= 0 || size <= 0 {
		return nil, myraerr.New(myraerr.CodeFatal, "buffer: count and size must be positive")
	}

	if err := checkLockedMemory(uint64(count) * uint64(size)); err != nil {
		return nil, err
	}

	data, err := syscall.Mmap(-1, 0, count*size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, myraerr.Wrap(myraerr.CodeResource, "buffer: mmap failed", err)
	}

	iovecs := make([]syscall.Iovec, count)
	for i := 0; i < count; i++ {
		iovecs[i].Base = &data[i*size]
		iovecs[i].SetLen(size)
	}

	if err := ring.RegisterBuffers(iovecs); err != nil {
		_ = syscall.Munmap(data)
		return nil, myraerr.Wrap(myraerr.CodeResource, "buffer: kernel refused fixed-buffer registration", err).
			WithContext("count", count).WithContext("size", size)
	}

	r := &Registry{
		data:   data,
		size:   uint32(size),
		count:  uint32(count),
		free:   make([]uint16, count),
		leased: make(map[uint16]bool, count),
	}
	for i := 0; i < count; i++ {
		r.free[i] = uint16(i)
	}
	return r, nil
}

// checkLockedMemory compares the requested byte count against
// RLIMIT_MEMLOCK so a registration failure can carry a specific diagnostic
// rather than a bare EPERM/ENOMEM, per spec.md §5's "must query and respect
// the process's locked-memory limit."
func checkLockedMemory(want uint64) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
		return nil // diagnostic best-effort; the registration call is authoritative
	}
	if rlim.Cur != unix.RLIM_INFINITY && want > rlim.Cur {
		return myraerr.New(myraerr.CodeResource,
			fmt.Sprintf("buffer: requested %d bytes exceeds RLIMIT_MEMLOCK (%d)", want, rlim.Cur))
	}
	return nil
}

// Acquire hands out one free buffer index. Returns ErrResourceExhausted if
// every index is currently leased.
func (r *Registry) Acquire() (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return Lease{}, myraerr.ErrResourceExhausted
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.leased[idx] = true

	start := uint32(idx) * r.size
	return Lease{Index: idx, Bytes: r.data[start : start+r.size]}, nil
}

// Release returns a previously acquired index to the free list. Releasing
// an index not currently leased is a caller error reported as CodeFatal,
// since it indicates a double-free in the driver.
func (r *Registry) Release(idx uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.leased[idx] {
		return myraerr.New(myraerr.CodeFatal, "buffer: release of index not currently leased").
			WithContext("index", idx)
	}
	delete(r.leased, idx)
	r.free = append(r.free, idx)
	return nil
}

// Outstanding reports the number of leases not yet returned. Used by tests
// asserting the "no index leased twice" invariant; the transport's
// shutdown path does not consult it before calling Unregister.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leased)
}

// Unregister releases the backing mmap. The caller must ensure no requests
// still reference fixed-buffer indices from this registry; the ring itself
// should already be closed or have had its buffer table cleared.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	return err
}
