// File: internal/buffer/bufring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package buffer

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
	"github.com/pawelgaczynski/giouring"
)

// BufRing is a kernel-managed provided-buffer pool, per spec.md §4.2: the
// user pre-pushes buffer ids and lengths, the kernel pops one on each
// receive completion and echoes the chosen id in the completion flags.
//
// Grounded directly on the providedBuffers type in the ianic-xnet pack
// example (the only corpus source with a complete, working SetupBufRing /
// BufRingAdd / BufRingAdvance sequence against the real giouring API).
type BufRing struct {
	mu      sync.Mutex
	br      *giouring.BufAndRing
	data    []byte
	groupID uint16
	entries uint32
	bufLen  uint32
	leased  map[uint16]bool
}

// NewBufRing allocates entries buffers of bufLen bytes each and publishes
// them to ring under groupID.
func NewBufRing(ring *giouring.Ring, groupID uint16, entries uint32, bufLen uint32) (*BufRing, error) {
	if entries == 0 || bufLen == 0 {
		return nil, myraerr.New(myraerr.CodeFatal, "bufring: entries and bufLen must be positive")
	}

	size := int(entries * bufLen)
	data, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, myraerr.Wrap(myraerr.CodeResource, "bufring: mmap failed", err)
	}

	br, err := ring.SetupBufRing(entries, groupID, 0)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, myraerr.Wrap(myraerr.CodeResource, "bufring: kernel refused buffer-ring setup", err).
			WithContext("group_id", groupID).WithContext("entries", entries)
	}

	b := &BufRing{
		br:      br,
		data:    data,
		groupID: groupID,
		entries: entries,
		bufLen:  bufLen,
		leased:  make(map[uint16]bool),
	}

	for i := uint32(0); i < entries; i++ {
		b.br.BufRingAdd(
			uintptr(unsafe.Pointer(&b.data[b.bufLen*i])),
			b.bufLen,
			uint16(i),
			giouring.BufRingMask(b.entries),
			int(i),
		)
	}
	b.br.BufRingAdvance(int(b.entries))
	return b, nil
}

// GroupID returns the id submissions must reference (SqeBufferSelect +
// sqe.BufIG) to draw from this ring.
func (b *BufRing) GroupID() uint16 { return b.groupID }

// Take extracts the buffer selected by the kernel for a completion, given
// the completion's result (byte count) and flags. Returns a Fatal error if
// flags does not carry CQEFBuffer, since that indicates a driver bug
// routing a non-buffer-select completion here.
func (b *BufRing) Take(res int32, flags uint32) ([]byte, uint16, error) {
	if flags&giouring.CQEFBuffer == 0 {
		return nil, 0, myraerr.New(myraerr.CodeFatal, "bufring: completion missing buffer-selected flag")
	}
	id := uint16(flags >> giouring.CQEBufferShift)

	b.mu.Lock()
	b.leased[id] = true
	b.mu.Unlock()

	start := uint32(id) * b.bufLen
	n := uint32(res)
	return b.data[start : start+n], id, nil
}

// Return gives a previously taken buffer back to the kernel-managed ring so
// it can be selected again. Per spec.md §4.2, a buffer id is always exactly
// one of: in the ring, leased to user code, or in transit; Return moves it
// from "leased" back to "in the ring."
func (b *BufRing) Return(id uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.leased[id] {
		return myraerr.New(myraerr.CodeFatal, "bufring: return of buffer not currently leased").
			WithContext("id", id)
	}
	delete(b.leased, id)

	start := uint32(id) * b.bufLen
	b.br.BufRingAdd(
		uintptr(unsafe.Pointer(&b.data[start])),
		b.bufLen,
		id,
		giouring.BufRingMask(b.entries),
		0,
	)
	b.br.BufRingAdvance(1)
	return nil
}

// Outstanding reports how many buffers are currently leased to user code
// rather than sitting in the kernel ring.
func (b *BufRing) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.leased)
}

// Close releases the backing mmap. The ring itself must already have had
// this buffer group torn down (or the ring closed outright).
func (b *BufRing) Close() error {
	return syscall.Munmap(b.data)
}
