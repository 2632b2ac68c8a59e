// File: transport/fallbackring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// fallbackRing satisfies internal/conn.RingOps the same way internal/ringdrv.Ring
// does, but without a kernel ring underneath: each Prepare call spawns one
// goroutine doing a blocking syscall and hands the result back to the
// owning loop thread through the same cmdqueue/wake path every other
// cross-thread call already uses, so Conn's single-owner-thread invariant
// holds even in degraded mode. Used when feature negotiation fails or the
// process is not running on Linux at all (spec.md §9's supplemental
// fallback).
package transport

import (
	"errors"
	"io"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
)

type fallbackRing struct {
	tbl  *ringdrv.Table
	post func(func())
}

func newFallbackRing(post func(func())) *fallbackRing {
	return &fallbackRing{tbl: ringdrv.NewTable(), post: post}
}

func (r *fallbackRing) Tokens() *ringdrv.Table { return r.tbl }

func fallbackErrno(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	if errors.Is(err, io.EOF) {
		return 0
	}
	return -int32(syscall.EIO)
}

func (r *fallbackRing) complete(tok ringdrv.Token, res int32, flags uint32) {
	r.post(func() {
		if cb, ok := r.tbl.Resolve(tok, false); ok && cb != nil {
			cb(res, flags)
		}
	})
}

func (r *fallbackRing) PrepareSend(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	tok := r.tbl.Register(ringdrv.OpSend, connID, cb)
	go func() {
		n, err := syscall.Write(fd, buf)
		res := int32(n)
		if err != nil {
			res = fallbackErrno(err)
		}
		r.complete(tok, res, 0)
	}()
	return tok
}

func (r *fallbackRing) PrepareRecvFixed(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	tok := r.tbl.Register(ringdrv.OpRecv, connID, cb)
	go func() {
		n, err := syscall.Read(fd, buf)
		res := int32(n)
		if err != nil {
			res = fallbackErrno(err)
		}
		r.complete(tok, res, 0)
	}()
	return tok
}

// PrepareRecvProvided has no analogue without a kernel buffer-ring; the
// fallback transport never enables buffer-ring mode (newConn always picks
// RecvModeFixed when running on a fallbackRing), so this exists only to
// satisfy the RingOps interface and, if ever reached, completes at once
// with a -ENOTSUP result.
func (r *fallbackRing) PrepareRecvProvided(fd int, bufGroupID uint16, multishot bool, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	tok := r.tbl.Register(ringdrv.OpRecv, connID, cb)
	r.complete(tok, -int32(syscall.ENOTSUP), 0)
	return tok
}

func (r *fallbackRing) PrepareClose(fd int, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	tok := r.tbl.Register(ringdrv.OpClose, connID, cb)
	go func() {
		err := syscall.Close(fd)
		res := int32(0)
		if err != nil {
			res = fallbackErrno(err)
		}
		r.complete(tok, res, 0)
	}()
	return tok
}

// acceptLoop blocks on accept(2) against listenerFD until it returns
// EBADF/EINVAL (the listener was closed), handing each result to onAccept
// on the transport's owning loop thread.
func (r *fallbackRing) acceptLoop(listenerFD int, onAccept func(fd int, err error)) {
	go func() {
		for {
			nfd, _, err := syscall.Accept(listenerFD)
			if err != nil {
				r.post(func() { onAccept(0, err) })
				if err == syscall.EBADF || err == syscall.EINVAL {
					return
				}
				continue
			}
			r.post(func() { onAccept(nfd, nil) })
		}
	}()
}

// connect blocks on connect(2) against fd and hands the result to onConnect
// on the transport's owning loop thread.
func (r *fallbackRing) connect(fd int, sa syscall.Sockaddr, onConnect func(err error)) {
	go func() {
		err := syscall.Connect(fd, sa)
		r.post(func() { onConnect(err) })
	}()
}
