// File: transport/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connect mirrors the ianic-xnet pack example's Dial: build a socket,
// submit a ring connect against a pinned sockaddr, and turn the resulting
// completion into a live connection.
package transport

import (
	"sync/atomic"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

type dialResult struct {
	conn *Conn
	err  error
}

// Connect opens a new outbound connection to addr (spec.md §6's connect
// operation), blocking the calling goroutine until the connect completes
// or fails.
func (t *Transport) Connect(addr string) (*Conn, error) {
	if t.State() != StateRunning && t.State() != StateReady {
		return nil, myraerr.New(myraerr.CodeFatal, "transport: not running")
	}

	tcpAddr, domain, err := resolveTCPAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newStreamSocket(domain)
	if err != nil {
		return nil, err
	}

	result := make(chan dialResult, 1)

	finish := func(connErr error) {
		if connErr != nil {
			_ = syscall.Close(fd)
			result <- dialResult{err: connErr}
			return
		}

		id := atomic.AddUint32(&t.nextConnID, 1)
		c := t.newConn(id, fd, addr)

		t.mu.Lock()
		t.conns[id] = c
		t.mu.Unlock()

		c.MarkOpen()
		result <- dialResult{conn: c}
	}

	if t.fallback != nil {
		sa := buildSockaddr(tcpAddr, domain)
		t.fallback.connect(fd, sa, func(err error) {
			var wrapped error
			if err != nil {
				wrapped = myraerr.Wrap(myraerr.CodeNetwork, "transport: fallback connect(2) failed", err)
			}
			finish(wrapped)
		})
		r := <-result
		return r.conn, r.err
	}

	sockAddr, sockLen, unpin := preparePinnedSockaddr(tcpAddr, domain)
	t.runOnLoop(func() {
		cb := func(res int32, flags uint32) {
			unpin()
			outcome, cerr := ringdrv.Classify(res)
			if outcome == ringdrv.OutcomeSuccess {
				finish(nil)
			} else {
				finish(cerr)
			}
		}
		t.ring.PrepareConnect(fd, sockAddr, sockLen, 0, cb)
	})

	r := <-result
	return r.conn, r.err
}
