// File: internal/ringdrv/ring.go
// Package ringdrv implements the ring driver described in spec.md §4.3: a
// thin, single-owner wrapper around one io_uring instance that batches
// submissions, reaps completions, and routes them to registered callbacks
// by token.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded mechanically on the Loop type in the ianic-xnet pack example
// (prepare/preparePending/submit/flushCompletions), since
// momentics-hioload-ws's own internal/transport/transport_linux_uring.go
// does not actually drive io_uring — it falls back to syscall.Read/Write
// under an io_uring-shaped API and so cannot serve as the literal
// grounding for ring mechanics.
// SQPOLL option naming follows ehrlich-b-go-iouring/ring.go's WithSQPoll*
// family.
package ringdrv

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
	"github.com/pawelgaczynski/giouring"
)

// Mode selects how the driver submits work and serves receives, per
// spec.md §6's `mode` configuration key.
type Mode int

const (
	// ModeDirect issues io_uring_enter per submission batch. The mode does
	// not itself select the receive path; the transport's BufferRing
	// setting does.
	ModeDirect Mode = iota
	// ModeSQPoll runs a kernel-side polling thread (IORING_SETUP_SQPOLL);
	// the driver must track the need-wakeup flag before calling
	// io_uring_enter (spec.md §4.3/§9).
	ModeSQPoll
	// ModeToken always negotiates provided-buffer ring and multishot
	// support with the kernel. Completions are routed by token in every
	// mode; connections draw receives from a provided-buffer ring only
	// when the transport is configured with a BufferRing, and otherwise
	// use a per-connection receive buffer as in the other modes.
	ModeToken
)

// Options configures a Ring at construction, mirroring the subset of
// spec.md §6's configuration keys the ring driver itself consumes.
type Options struct {
	RingSize     uint32
	Mode         Mode
	SQPollIdleMS uint32
	SQPollCPU    int // -1 means unset
}

const batchSize = 128

// pendingOp is a submission the driver could not place on the SQ
// immediately because it was full; retried on the next flush, per
// spec.md §5: "a submission that cannot be enqueued ... returns WouldBlock
// to the caller, who is expected to pump completions and retry" — the
// driver absorbs that retry internally for its own batching.
type pendingOp func(sqe *giouring.SubmissionQueueEntry)

// Ring owns one io_uring instance and the token table routing its
// completions. It must only ever be driven from the single OS thread that
// created it (spec.md §5: "single-threaded cooperative per ring").
type Ring struct {
	ring    *giouring.Ring
	tokens  *Table
	pending []pendingOp
	mode    Mode
	probe   *Probe
}

// New creates an io_uring instance per opt and negotiates kernel feature
// support. wantBufferRing/wantMultishot should reflect whether the caller
// intends to use buffer-ring mode; for ModeToken both are always true.
func New(opt Options, wantBufferRing, wantMultishot bool) (*Ring, error) {
	if opt.Mode == ModeToken {
		wantBufferRing = true
		wantMultishot = true
	}

	probe, err := Negotiate(wantBufferRing, wantMultishot)
	if err != nil {
		return nil, err
	}

	size := opt.RingSize
	if size == 0 {
		size = 256
	}

	var ring *giouring.Ring
	if opt.Mode == ModeSQPoll {
		params := giouring.IOUringParams{Flags: giouring.SetupSqpoll}
		if opt.SQPollIdleMS > 0 {
			params.SqThreadIdle = opt.SQPollIdleMS
		}
		if opt.SQPollCPU >= 0 {
			params.Flags |= giouring.SetupSqAff
			params.SqThreadCPU = uint32(opt.SQPollCPU)
		}
		ring, err = giouring.CreateRingWithParams(size, &params)
	} else {
		ring, err = giouring.CreateRing(size)
	}
	if err != nil {
		return nil, myraerr.Wrap(myraerr.CodeFatal, "ringdrv: io_uring setup failed", err).
			WithContext("ring_size", size).WithContext("mode", opt.Mode)
	}

	return &Ring{
		ring:   ring,
		tokens: NewTable(),
		mode:   opt.Mode,
		probe:  probe,
	}, nil
}

// Probe returns the negotiated feature set.
func (r *Ring) Probe() *Probe { return r.probe }

// Raw exposes the underlying *giouring.Ring for the buffer subsystem,
// which registers fixed buffers and provided-buffer rings directly
// against the kernel ring rather than through this driver's own
// submission/completion routing.
func (r *Ring) Raw() *giouring.Ring { return r.ring }

// Mode returns the driver's configured submission mode.
func (r *Ring) Mode() Mode { return r.mode }

// Tokens returns the ring-local token table.
func (r *Ring) Tokens() *Table { return r.tokens }

// prepare obtains a free SQE and runs fn against it, queuing fn as pending
// if the SQ is momentarily full. Grounded on Loop.prepare in the ianic-xnet
// example.
func (r *Ring) prepare(fn pendingOp) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		_ = r.submit()
		sqe = r.ring.GetSQE()
	}
	if sqe == nil {
		r.pending = append(r.pending, fn)
		return
	}
	fn(sqe)
}

func (r *Ring) preparePending() {
	n := 0
	for _, op := range r.pending {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		n++
	}
	if n == len(r.pending) {
		r.pending = nil
	} else {
		r.pending = r.pending[n:]
	}
}

// submit flushes queued submissions to the kernel without waiting for any
// completions.
func (r *Ring) submit() error {
	return r.submitAndWait(0)
}

// submitAndWait flushes submissions and blocks until at least waitNr
// completions are available, retrying on transient io_uring_enter errors
// (EINTR, EAGAIN, EBUSY) per spec.md §5's cancellation/retry semantics.
//
// In SQPOLL mode the need_wakeup protocol (spec.md §4.3/§9: the kernel
// poll thread sets IORING_SQ_NEED_WAKEUP in the shared SQ flags when it has
// gone idle, and the caller must pass IORING_ENTER_SQ_WAKEUP on its next
// io_uring_enter) is handled inside SubmitAndWait itself, mirroring
// liburing's io_uring_submit: the wakeup flag lives in kernel/userspace
// shared memory the Ring already inspects on every submit call.
func (r *Ring) submitAndWait(waitNr uint32) error {
	for {
		if len(r.pending) > 0 {
			if _, err := r.ring.SubmitAndWait(0); err == nil {
				r.preparePending()
			}
		}

		_, err := r.ring.SubmitAndWait(waitNr)
		if err == nil {
			return nil
		}
		if errno, ok := err.(syscall.Errno); ok {
			switch errno {
			case syscall.EINTR, syscall.EAGAIN, syscall.EBUSY:
				continue
			}
		}
		return myraerr.Wrap(myraerr.CodeTransient, "ringdrv: io_uring_enter failed", err)
	}
}

// WaitOne submits pending work and blocks for at least one completion,
// then reaps and routes everything currently available. The only blocking
// call in the driver, per spec.md §5.
func (r *Ring) WaitOne() error {
	if err := r.submitAndWait(1); err != nil {
		return err
	}
	r.reap()
	return nil
}

// Poll submits pending work and reaps whatever completions are already
// available without blocking.
func (r *Ring) Poll() error {
	if err := r.submit(); err != nil {
		return err
	}
	r.reap()
	return nil
}

func (r *Ring) reap() {
	var cqes [batchSize]*giouring.CompletionQueueEvent
	for {
		n := r.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:n] {
			tok := Token(cqe.UserData)
			if tok == 0 {
				continue
			}
			cb, ok := r.tokens.Resolve(tok, HasMore(cqe.Flags))
			if ok && cb != nil {
				cb(cqe.Res, cqe.Flags)
			}
		}
		r.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return
		}
	}
}

// PrepareAccept submits an accept (multishot when the negotiated probe and
// requested mode support it) on listenerFD, routing completions to cb.
func (r *Ring) PrepareAccept(listenerFD int, connID uint32, multishot bool, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		if multishot && r.probe.HasMultishot() {
			sqe.PrepareMultishotAccept(listenerFD, 0, 0, 0)
		} else {
			sqe.PrepareAccept(listenerFD, 0, 0, 0)
		}
		tok = r.tokens.Register(OpAccept, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareConnect submits a connect operation. addr/addrLen must remain
// pinned (not moved by the Go GC) until the completion is observed; callers
// should use runtime.Pinner or a heap-escaped sockaddr buffer.
func (r *Ring) PrepareConnect(fd int, addr uintptr, addrLen uint64, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(fd, addr, addrLen)
		tok = r.tokens.Register(OpConnect, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareRead submits a plain read(2)-style request on fd, routed through
// the ring like any other operation. Used for non-socket fds the driver
// still wants multiplexed through completions — notably the wakeup eventfd
// the transport layer arms so a cross-thread cmdqueue push can interrupt a
// blocked WaitOne (spec.md §5: "the only operation that may block is the
// wait for completions call").
func (r *Ring) PrepareRead(fd int, buf []byte, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		tok = r.tokens.Register(OpNop, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareSend submits a send of buf on fd. buf must stay pinned until the
// completion fires.
func (r *Ring) PrepareSend(fd int, buf []byte, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		if len(buf) == 0 {
			sqe.PrepareSend(fd, 0, 0, 0)
		} else {
			sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		}
		tok = r.tokens.Register(OpSend, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareRecvFixed submits a recv into a caller-owned fixed receive buffer
// (spec.md §4.4's direct/polling receive path).
func (r *Ring) PrepareRecvFixed(fd int, buf []byte, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecv(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		tok = r.tokens.Register(OpRecv, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareRecvProvided submits a buffer-less, potentially multishot recv
// that draws from the provided-buffer group bufGroupID (spec.md §4.4's
// buffer-ring receive path).
func (r *Ring) PrepareRecvProvided(fd int, bufGroupID uint16, multishot bool, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		if multishot {
			sqe.PrepareRecvMultishot(fd, 0, 0, 0)
		} else {
			sqe.PrepareRecv(fd, 0, 0, 0)
		}
		sqe.Flags |= giouring.SqeBufferSelect
		sqe.BufIG = bufGroupID
		tok = r.tokens.Register(OpRecv, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareClose submits a close through the ring, per spec.md §4.4: "submits
// a close operation through the ring rather than the direct syscall so the
// kernel can flush pending writes coherently."
func (r *Ring) PrepareClose(fd int, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareClose(fd)
		tok = r.tokens.Register(OpClose, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// PrepareShutdown submits a shutdown(2) through the ring.
func (r *Ring) PrepareShutdown(fd int, how int, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareShutdown(fd, uint32(how))
		tok = r.tokens.Register(OpShutdown, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// CancelToken submits an async-cancel for a previously issued token,
// per spec.md §5's "cancellation is always asynchronous" invariant.
func (r *Ring) CancelToken(target Token, connID uint32, cb Callback) Token {
	var tok Token
	r.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancel(uint64(target), 0)
		tok = r.tokens.Register(OpCancel, connID, cb)
		sqe.UserData = uint64(tok)
	})
	return tok
}

// Close tears down the ring itself. The caller must already have followed
// spec.md §5's shutdown order (stop accepting, drain completions, close
// each connection, deregister buffers) before calling this.
func (r *Ring) Close() {
	r.ring.QueueExit()
}

// SQPollIdle converts an SQPOLL idle timeout given in milliseconds to a
// Duration, for diagnostics. The Ring does not store the configured value;
// the caller passes it in.
func (r *Ring) SQPollIdle(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
