// File: internal/ringdrv/completion.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package ringdrv

import (
	"syscall"

	"github.com/pawelgaczynski/giouring"
	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

// Outcome classifies a completion per spec.md §4.3 ("success / ECANCELED /
// EAGAIN-ENOBUFS / EINTR / other").
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCanceled
	OutcomeTransient
	OutcomeOther
)

// Classify turns a raw completion result into an Outcome and, for non-
// success outcomes, a structured error. res < 0 in the range (-4096, 0)
// encodes a negated errno, per the kernel's io_uring completion
// convention (mirrored from cqeErr in the ianic-xnet pack example).
func Classify(res int32) (Outcome, error) {
	if res >= 0 {
		return OutcomeSuccess, nil
	}
	if res <= -4096 {
		return OutcomeOther, myraerr.New(myraerr.CodeFatal, "ringdrv: malformed completion result")
	}

	errno := syscall.Errno(-res)
	switch errno {
	case syscall.ECANCELED:
		return OutcomeCanceled, myraerr.Wrap(myraerr.CodeTransient, "ringdrv: operation canceled", errno)
	case syscall.EAGAIN, syscall.ENOBUFS, syscall.EINTR: // EWOULDBLOCK == EAGAIN on Linux
		return OutcomeTransient, myraerr.Wrap(myraerr.CodeTransient, "ringdrv: transient completion error", errno)
	case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ENOTCONN, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return OutcomeOther, myraerr.Wrap(myraerr.CodeNetwork, "ringdrv: network completion error", errno)
	default:
		return OutcomeOther, myraerr.Wrap(myraerr.CodeFatal, "ringdrv: unclassified completion error", errno)
	}
}

// HasMore reports whether a completion's flags indicate the multishot
// request that produced it is still armed (IORING_CQE_F_MORE).
func HasMore(flags uint32) bool {
	return flags&giouring.CQEFMore != 0
}

// HasBuffer reports whether a completion selected a provided buffer
// (IORING_CQE_F_BUFFER).
func HasBuffer(flags uint32) bool {
	return flags&giouring.CQEFBuffer != 0
}
