// File: transport/transport.go
// Package transport is the external-collaborator-facing surface described
// in spec.md §6: bind_and_listen/accept/connect/send/receive/close/shutdown
// over the ring driver, buffer subsystem, connection state machine, and
// framing codec underneath.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on momentics-hioload-ws's facade/hioload.go: one constructor
// taking a Config, one background-owned event loop, explicit Shutdown/Stop
// lifecycle methods — generalized from hioload-ws's WebSocket facade to
// this package's ring-driven connection surface.
package transport

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mvp-express/myra-transport-sub002/internal/affinity"
	"github.com/mvp-express/myra-transport-sub002/internal/buffer"
	"github.com/mvp-express/myra-transport-sub002/internal/cmdqueue"
	"github.com/mvp-express/myra-transport-sub002/internal/conn"
	"github.com/mvp-express/myra-transport-sub002/internal/framing"
	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

// Conn is the public connection handle returned by Accept and Connect.
type Conn = conn.Conn

// State mirrors the ring driver's lifecycle states (spec.md §4.3):
// ready (setup complete) -> running -> draining -> closed. Transitions
// are strictly forward.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateDraining
	StateClosed
)

// Transport owns one ring driver, its buffer subsystem, and every
// connection and listener created against it. Exactly one OS thread — the
// goroutine started by New — ever touches the ring, per spec.md §5's
// single-owner model; every other method hands its request across via
// internal/cmdqueue and waits for the loop thread to act on it.
type Transport struct {
	cfg Config

	ring     *ringdrv.Ring
	ringOps  conn.RingOps
	fallback *fallbackRing

	bufReg  *buffer.Registry
	bufRing *buffer.BufRing
	cmdq    *cmdqueue.Queue

	wakeFD   int
	wakeBuf  []byte
	fbNotify chan struct{}

	mu        sync.Mutex
	conns     map[uint32]*conn.Conn
	listeners map[int]*Listener

	nextConnID uint32
	state      int32 // atomic State

	loopDone chan struct{}
	loopErr  error
}

// New negotiates the kernel features cfg requires and builds a ring, or,
// failing that (missing kernel support, or a non-Linux host), falls back
// to a degraded pure-sockets transport per spec.md §9's supplemental
// fallback path. The returned Transport is immediately usable for
// BindAndListen/Connect from any goroutine.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.normalized()

	t := &Transport{
		cfg:       cfg,
		cmdq:      cmdqueue.New(),
		conns:     make(map[uint32]*conn.Conn),
		listeners: make(map[int]*Listener),
		loopDone:  make(chan struct{}),
	}

	wantBufferRing := cfg.BufferRing != nil
	wantMultishot := cfg.Mode == ModeToken || wantBufferRing

	ring, err := ringdrv.New(ringdrv.Options{
		RingSize:     cfg.RingSize,
		Mode:         cfg.Mode,
		SQPollIdleMS: cfg.SQPollIdleMS,
		SQPollCPU:    cfg.SQPollCPU,
	}, wantBufferRing, wantMultishot)
	if err != nil {
		log.Printf("transport: io_uring unavailable (%v), falling back to a pure-sockets transport", err)
		t.fallback = newFallbackRing(t.postToLoop)
		t.ringOps = t.fallback
		t.fbNotify = make(chan struct{}, 1)
		atomic.StoreInt32(&t.state, int32(StateReady))
		go t.loop()
		return t, nil
	}

	t.ring = ring
	t.ringOps = ring

	if cfg.FixedBuffers != nil {
		reg, err := buffer.Register(ring.Raw(), cfg.FixedBuffers.Count, cfg.FixedBuffers.Size)
		if err != nil {
			ring.Close()
			return nil, err
		}
		t.bufReg = reg
	}

	if cfg.BufferRing != nil {
		br, err := buffer.NewBufRing(ring.Raw(), cfg.BufferRing.GroupID, cfg.BufferRing.Count, cfg.BufferRing.Size)
		if err != nil {
			if t.bufReg != nil {
				_ = t.bufReg.Unregister()
			}
			ring.Close()
			return nil, err
		}
		t.bufRing = br
	}

	wakeFD, err := newWakeFD()
	if err != nil {
		t.teardownResources()
		return nil, err
	}
	t.wakeFD = wakeFD
	t.wakeBuf = make([]byte, 8)

	atomic.StoreInt32(&t.state, int32(StateReady))
	go t.loop()
	return t, nil
}

// postToLoop is the fallback transport's analogue of the eventfd wakeup: it
// queues fn on the shared cmdqueue and pokes fbNotify so a fallbackLoop
// parked on that channel wakes; the loop has no timer of its own and
// would otherwise stay parked.
func (t *Transport) postToLoop(fn func()) {
	t.cmdq.Push(fn)
	select {
	case t.fbNotify <- struct{}{}:
	default:
	}
}

// State reports the driver's current lifecycle state.
func (t *Transport) State() State { return State(atomic.LoadInt32(&t.state)) }

// loop is the single goroutine that ever touches t.ring (or, in degraded
// mode, t.fallback). It pins itself per cfg.Pinning and dispatches to the
// mode-specific wait strategy.
func (t *Transport) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if t.cfg.Pinning != nil && t.cfg.Pinning.ServerCore >= 0 {
		if err := affinity.SetCurrentThread(t.cfg.Pinning.ServerCore); err != nil {
			t.loopErr = err
		}
	}

	if t.fallback != nil {
		t.fallbackLoop()
		return
	}
	t.ringLoop()
}

// ringLoop drains cross-thread commands, then blocks for at least one
// completion, repeating until Shutdown has drained every connection and
// token.
func (t *Transport) ringLoop() {
	t.armWake()
	atomic.StoreInt32(&t.state, int32(StateRunning))
	defer close(t.loopDone)

	for {
		t.cmdq.Drain()

		if t.State() == StateDraining {
			if t.connTokensOutstanding(t.ring.Tokens()) == 0 {
				t.teardownResources()
				atomic.StoreInt32(&t.state, int32(StateClosed))
				return
			}
		}

		if err := t.ring.WaitOne(); err != nil {
			t.loopErr = err
			t.teardownResources()
			atomic.StoreInt32(&t.state, int32(StateClosed))
			return
		}
	}
}

// fallbackLoop plays the same role as ringLoop without a kernel ring to
// block in: it drains the cmdqueue, then parks on fbNotify, which
// postToLoop signals whenever a fallback socket goroutine has a completion
// (or another goroutine has queued a Send/Close/Connect/BindAndListen
// command) ready to run.
func (t *Transport) fallbackLoop() {
	atomic.StoreInt32(&t.state, int32(StateRunning))
	defer close(t.loopDone)

	for {
		t.cmdq.Drain()

		if t.State() == StateDraining {
			if t.connTokensOutstanding(t.fallback.Tokens()) == 0 {
				t.teardownResources()
				atomic.StoreInt32(&t.state, int32(StateClosed))
				return
			}
		}

		<-t.fbNotify
	}
}

// connTokensOutstanding sums OutstandingForConn over every live connection.
// The wake read and every listener's accept registration are permanently
// outstanding tokens carrying connID 0, not a connection id, so summing per
// connection (rather than reading tbl.Outstanding directly) is what lets
// ringLoop/fallbackLoop's drain gate ever actually reach zero.
func (t *Transport) connTokensOutstanding(tbl *ringdrv.Table) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id := range t.conns {
		n += tbl.OutstandingForConn(id)
	}
	return n
}

// teardownResources follows spec.md §5's shutdown order for everything
// still open: buffers first, then the wake fd, then the ring. On the
// Shutdown path it runs once the drain gate above sees no outstanding
// connection token; it also runs without that check when WaitOne fails
// and when New fails after the ring was built.
func (t *Transport) teardownResources() {
	if t.bufRing != nil {
		_ = t.bufRing.Close()
	}
	if t.bufReg != nil {
		_ = t.bufReg.Unregister()
	}
	if t.wakeFD != 0 {
		_ = syscall.Close(t.wakeFD)
	}
	if t.ring != nil {
		t.ring.Close()
	}
}

// runOnLoop hands fn to the owning thread and blocks until it has run,
// waking a parked WaitOne if necessary. Used by every public method that
// must touch ring- or connection-private state.
func (t *Transport) runOnLoop(fn func()) {
	done := make(chan struct{})
	t.cmdq.Push(func() {
		fn()
		close(done)
	})
	if t.fallback != nil {
		select {
		case t.fbNotify <- struct{}{}:
		default:
		}
	} else {
		t.wake()
	}
	select {
	case <-done:
	case <-t.loopDone:
	}
}

func (t *Transport) newConn(id uint32, fd int, remote string) *conn.Conn {
	opt := conn.Options{
		ID:            id,
		FD:            fd,
		Remote:        remote,
		MaxFrame:      t.cfg.MaxFrameBytes,
		WatermarkByte: t.cfg.SendWatermarkBytes,
		FrameBacklog:  t.cfg.ConnFrameBacklog,
	}
	if t.fallback == nil && t.bufRing != nil {
		opt.RecvMode = conn.RecvModeProvided
		opt.BufRing = t.bufRing
		opt.BufGroupID = t.cfg.BufferRing.GroupID
		opt.Multishot = t.ring.Probe().HasMultishot()
	} else {
		opt.RecvMode = conn.RecvModeFixed
		opt.RecvBufSize = t.cfg.RecvBufferSize
	}

	c := conn.New(t.ringOps, opt)
	c.OnClosed(func(id uint32) {
		t.mu.Lock()
		delete(t.conns, id)
		t.mu.Unlock()
	})
	return c
}

// Send frames payload and hands it to conn's send queue on the owning
// thread, returning whatever Conn.Send reports (including
// ResourceExhausted backpressure, per spec.md §4.4's non-blocking API).
func (t *Transport) Send(c *Conn, payload []byte) error {
	var result error
	t.runOnLoop(func() {
		result = c.Send(payload)
	})
	return result
}

// Receive blocks until conn has a complete frame available and copies its
// payload into dest, returning the payload length. Safe to call from any
// goroutine; it never touches ring-private state directly.
func (t *Transport) Receive(c *Conn, dest []byte) (int, error) {
	select {
	case payload, ok := <-c.Frames():
		if !ok {
			return 0, myraerr.ErrConnectionClosed
		}
		return framing.CopyInto(dest, payload)
	case <-c.Done():
		select {
		case payload := <-c.Frames():
			return framing.CopyInto(dest, payload)
		default:
			if err := c.Err(); err != nil {
				return 0, err
			}
			return 0, myraerr.ErrConnectionClosed
		}
	}
}

// Close begins an orderly close of conn (spec.md §4.4) and waits for the
// owning thread to have at least issued it; it does not wait for the
// close completion itself, matching the asynchronous nature of
// cancellation/close spec.md §5 describes.
func (t *Transport) Close(c *Conn) error {
	t.runOnLoop(func() {
		c.RequestClose()
	})
	return nil
}

// Shutdown drains the transport per spec.md §5: stop accepting new
// connections, request close on every open connection, then block until
// the loop thread observes that no live connection has an outstanding
// token (see connTokensOutstanding) and tears the ring down.
func (t *Transport) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&t.state, int32(StateRunning), int32(StateDraining)) {
		if State(atomic.LoadInt32(&t.state)) == StateClosed {
			return nil
		}
	}

	t.runOnLoop(func() {
		t.mu.Lock()
		for _, l := range t.listeners {
			_ = syscall.Close(l.fd)
		}
		for _, c := range t.conns {
			c.RequestClose()
		}
		t.mu.Unlock()
	})

	<-t.loopDone
	return t.loopErr
}
