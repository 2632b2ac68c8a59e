// File: transport/wake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The ring driver's only blocking call is WaitOne (spec.md §5). A command
// pushed onto internal/cmdqueue from another goroutine needs a way to
// interrupt that block promptly rather than wait for the next unrelated
// completion. An eventfd armed with a standing read, re-issued after every
// completion, gives the cross-thread handoff its own completion to wait
// on — the same role a self-pipe plays in classic reactor designs, minus
// the syscall-per-byte overhead.
package transport

import (
	"encoding/binary"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
	"golang.org/x/sys/unix"
)

func newWakeFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return 0, myraerr.Wrap(myraerr.CodeFatal, "transport: eventfd(2) failed", err)
	}
	return fd, nil
}

func (t *Transport) armWake() {
	t.ring.PrepareRead(t.wakeFD, t.wakeBuf, 0, t.onWake)
}

func (t *Transport) onWake(res int32, flags uint32) {
	if t.State() == StateDraining || t.State() == StateClosed {
		return
	}
	t.armWake()
}

// wake writes one counter tick to the eventfd, causing its armed read to
// complete and unblocking a WaitOne the loop thread may be parked in.
func (t *Transport) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = syscall.Write(t.wakeFD, buf[:])
}
