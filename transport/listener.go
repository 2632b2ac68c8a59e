// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BindAndListen/Accept follow the same multishot-where-available pattern
// the ianic-xnet pack example uses for its own Listen/accept loop, routed
// through this package's token table instead of that example's bespoke
// callback map.
package transport

import (
	"sync/atomic"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

// Listener represents one bound, listening socket. Accept blocks the
// calling goroutine until a connection arrives or the listener is closed.
type Listener struct {
	t    *Transport
	fd   int
	addr string

	multishot bool
	accepted  chan acceptResult
	closed    int32
}

type acceptResult struct {
	conn *Conn
	err  error
}

// BindAndListen opens a listening socket at addr and arms the ring driver
// to accept connections against it (spec.md §6's bind_and_listen
// operation). The listener accepts using multishot accept when the
// negotiated probe supports it, falling back to single-shot rearm
// otherwise.
func (t *Transport) BindAndListen(addr string) (*Listener, error) {
	if t.State() != StateRunning && t.State() != StateReady {
		return nil, myraerr.New(myraerr.CodeFatal, "transport: not running")
	}

	tcpAddr, domain, err := resolveTCPAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := listenSocket(tcpAddr, domain, t.cfg.AcceptBacklog)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		t:        t,
		fd:       fd,
		addr:     addr,
		accepted: make(chan acceptResult, t.cfg.AcceptBacklog),
	}
	if t.fallback == nil {
		l.multishot = t.ring.Probe().HasMultishot()
	}

	t.mu.Lock()
	t.listeners[fd] = l
	t.mu.Unlock()

	if t.fallback != nil {
		t.fallback.acceptLoop(fd, l.onFallbackAccept)
		return l, nil
	}

	t.runOnLoop(func() {
		l.armAccept()
	})
	return l, nil
}

// Addr reports the address the listener was bound to.
func (l *Listener) Addr() string { return l.addr }

func (l *Listener) armAccept() {
	l.t.ring.PrepareAccept(l.fd, 0, l.multishot, l.onAccept)
}

func (l *Listener) onAccept(res int32, flags uint32) {
	if atomic.LoadInt32(&l.closed) != 0 {
		return
	}

	outcome, err := ringdrv.Classify(res)
	switch outcome {
	case ringdrv.OutcomeCanceled:
		return
	case ringdrv.OutcomeTransient:
		if !ringdrv.HasMore(flags) {
			l.armAccept()
		}
		return
	case ringdrv.OutcomeOther:
		l.accepted <- acceptResult{err: err}
		if !ringdrv.HasMore(flags) {
			l.armAccept()
		}
		return
	}

	fd := int(res)
	remote := peerAddrString(fd)
	id := atomic.AddUint32(&l.t.nextConnID, 1)
	c := l.t.newConn(id, fd, remote)

	l.t.mu.Lock()
	l.t.conns[id] = c
	l.t.mu.Unlock()

	c.MarkOpen()
	l.accepted <- acceptResult{conn: c}

	if !ringdrv.HasMore(flags) {
		l.armAccept()
	}
}

// onFallbackAccept plays the same role as onAccept for the degraded
// pure-sockets transport: it runs on the owning loop thread (dispatched
// through fallbackRing.post by acceptLoop) so connection bookkeeping stays
// single-owner even without a ring.
func (l *Listener) onFallbackAccept(fd int, err error) {
	if atomic.LoadInt32(&l.closed) != 0 {
		return
	}
	if err != nil {
		l.accepted <- acceptResult{err: myraerr.Wrap(myraerr.CodeNetwork, "transport: fallback accept(2) failed", err)}
		return
	}

	remote := peerAddrString(fd)
	id := atomic.AddUint32(&l.t.nextConnID, 1)
	c := l.t.newConn(id, fd, remote)

	l.t.mu.Lock()
	l.t.conns[id] = c
	l.t.mu.Unlock()

	c.MarkOpen()
	l.accepted <- acceptResult{conn: c}
}

// Accept blocks until a connection has been accepted or the listener is
// closed, returning myraerr.ErrConnectionClosed in the latter case.
func (l *Listener) Accept() (*Conn, error) {
	r, ok := <-l.accepted
	if !ok {
		return nil, myraerr.ErrConnectionClosed
	}
	return r.conn, r.err
}

// Close stops the listener from accepting further connections and closes
// its listening socket. Already-accepted connections are unaffected.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.t.mu.Lock()
	delete(l.t.listeners, l.fd)
	l.t.mu.Unlock()

	err := syscall.Close(l.fd)
	close(l.accepted)
	if err != nil {
		return myraerr.Wrap(myraerr.CodeNetwork, "transport: close listener failed", err)
	}
	return nil
}
