// File: internal/conn/conn.go
// Package conn implements the connection state machine described in
// spec.md §4.4: one record per established socket, driven entirely by
// completions reaped off the owning ring, never by a blocking read or
// write of its own.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on momentics-hioload-ws's protocol/connection.go WSConnection:
// the same inbox-channel / done-channel / atomic-close shape, generalized
// from a channel-fed blocking transport to ring completions, and from
// WebSocket frames to length-prefixed payloads (internal/framing).
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/mvp-express/myra-transport-sub002/internal/buffer"
	"github.com/mvp-express/myra-transport-sub002/internal/framing"
	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

// State is one of the lifecycle states spec.md §4.4 names. Transitions are
// strictly forward except half-closed-local/remote, which both funnel into
// closing.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RingOps is the slice of *ringdrv.Ring a Conn needs to drive its own
// state machine. Factored out as an interface, grounded on
// momentics-hioload-ws's practice of testing protocol.WSConnection against
// tests/mocks.MockTransport rather than a live transport, so this package's
// tests can drive Conn against a fake ring instead of a real io_uring
// instance.
type RingOps interface {
	PrepareSend(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token
	PrepareRecvFixed(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token
	PrepareRecvProvided(fd int, bufGroupID uint16, multishot bool, connID uint32, cb ringdrv.Callback) ringdrv.Token
	PrepareClose(fd int, connID uint32, cb ringdrv.Callback) ringdrv.Token
	Tokens() *ringdrv.Table
}

// RecvMode selects how a Conn receives bytes off its socket.
type RecvMode int

const (
	// RecvModeFixed reads into a per-connection buffer the Conn owns
	// outright (spec.md §4.4's "direct and polling modes" receive path).
	RecvModeFixed RecvMode = iota
	// RecvModeProvided draws buffers from a kernel-managed provided-buffer
	// ring; submissions carry no buffer of their own.
	RecvModeProvided
)

// Conn is a single connection's state, mutated only by the goroutine that
// owns the ring it was created on (spec.md §5: "single-threaded
// cooperative per ring ... All mutation of connection records ... occurs
// on that thread"). The channels returned by Frames() and Done() are the
// exception: they are safe to read from any goroutine.
type Conn struct {
	id     uint32
	fd     int
	remote string

	ring     RingOps
	decoder  *framing.Decoder
	maxFrame uint32

	recvMode   RecvMode
	recvBuf    []byte
	bufRing    *buffer.BufRing
	bufGroupID uint16
	multishot  bool
	recvToken  ringdrv.Token

	sendQueue   [][]byte
	sendHead    int // bytes of sendQueue[0] already written
	sendInFlight  bool
	bytesQueued uint64
	watermark   uint64

	state int32 // atomic State

	frames chan []byte
	done   chan struct{}
	err    error
	errMu  sync.Mutex

	closeOnce sync.Once
	finalized func(id uint32)
}

// Options configures a new Conn.
type Options struct {
	ID            uint32
	FD            int
	Remote        string
	MaxFrame      uint32
	WatermarkByte uint64
	RecvMode      RecvMode
	RecvBufSize   int
	BufRing       *buffer.BufRing
	BufGroupID    uint16
	Multishot     bool
	// FrameBacklog bounds how many fully decoded frames may sit unread
	// before the receive path stops pumping further decodes. It does not
	// stop the kernel from completing further recvs in provided-buffer
	// mode; it only bounds user-visible backlog.
	FrameBacklog int
}

// New creates a Conn in StateConnecting. The caller transitions it to
// StateOpen once the accept/connect completion that produced fd has been
// observed — New itself does not touch the ring.
func New(ring RingOps, opt Options) *Conn {
	backlog := opt.FrameBacklog
	if backlog <= 0 {
		backlog = 64
	}
	maxFrame := opt.MaxFrame
	if maxFrame == 0 {
		maxFrame = framing.DefaultMaxFrame
	}
	watermark := opt.WatermarkByte
	if watermark == 0 {
		watermark = 1 << 20
	}

	c := &Conn{
		id:         opt.ID,
		fd:         opt.FD,
		remote:     opt.Remote,
		ring:       ring,
		decoder:    framing.NewDecoder(maxFrame),
		maxFrame:   maxFrame,
		recvMode:   opt.RecvMode,
		bufRing:    opt.BufRing,
		bufGroupID: opt.BufGroupID,
		multishot:  opt.Multishot,
		watermark:  watermark,
		frames:     make(chan []byte, backlog),
		done:       make(chan struct{}),
	}
	if opt.RecvMode == RecvModeFixed {
		size := opt.RecvBufSize
		if size <= 0 {
			size = 64 * 1024
		}
		c.recvBuf = make([]byte, size)
	}
	atomic.StoreInt32(&c.state, int32(StateConnecting))
	return c
}

// ID returns the connection's token-sharding identifier.
func (c *Conn) ID() uint32 { return c.id }

// FD returns the underlying socket descriptor.
func (c *Conn) FD() int { return c.fd }

// Remote returns the peer address recorded at accept/connect time.
func (c *Conn) Remote() string { return c.remote }

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// MarkOpen transitions a freshly accepted/connected socket into StateOpen
// and submits its first receive. Must be called from the owning thread.
func (c *Conn) MarkOpen() {
	c.setState(StateOpen)
	c.submitRecv()
}

// OnClosed registers a callback invoked exactly once, from the owning
// thread, once the connection reaches StateClosed AND every token it
// issued has been retired (spec.md §4.4/§9's destruction gate).
func (c *Conn) OnClosed(fn func(id uint32)) { c.finalized = fn }

// --- receive path -----------------------------------------------------

func (c *Conn) submitRecv() {
	if c.recvMode == RecvModeProvided {
		c.recvToken = c.ring.PrepareRecvProvided(c.fd, c.bufGroupID, c.multishot, c.id, c.onRecvCompletion)
		return
	}
	c.recvToken = c.ring.PrepareRecvFixed(c.fd, c.recvBuf, c.id, c.onRecvCompletion)
}

// onRecvCompletion is invoked by the ring driver for every completion
// routed to this connection's outstanding recv token.
func (c *Conn) onRecvCompletion(res int32, flags uint32) {
	outcome, cerr := ringdrv.Classify(res)
	switch outcome {
	case ringdrv.OutcomeTransient:
		if !ringdrv.HasMore(flags) {
			// EAGAIN/ENOBUFS/EINTR with no multishot recv still armed:
			// re-arm the receive right away. Neither the connection nor
			// the ring driver waits for a provided buffer to be returned
			// before re-submitting.
			c.submitRecv()
		}
		return
	case ringdrv.OutcomeCanceled:
		c.finishIfDrained()
		return
	}

	if res == 0 {
		c.onPeerHalfClose()
		return
	}
	if outcome != ringdrv.OutcomeSuccess {
		c.fail(cerr)
		return
	}

	var data []byte
	var bufID uint16
	if c.recvMode == RecvModeProvided {
		var err error
		data, bufID, err = c.bufRing.Take(res, flags)
		if err != nil {
			c.fail(err)
			return
		}
	} else {
		data = c.recvBuf[:res]
	}

	feedErr := c.decoder.Feed(data, func(payload []byte) error {
		select {
		case c.frames <- payload:
			return nil
		case <-c.done:
			return myraerr.ErrConnectionClosed
		}
	})

	if c.recvMode == RecvModeProvided {
		if retErr := c.bufRing.Return(bufID); retErr != nil {
			c.fail(retErr)
			return
		}
	}

	if feedErr != nil {
		c.fail(feedErr)
		return
	}

	if c.recvMode == RecvModeFixed || !ringdrv.HasMore(flags) {
		c.submitRecv()
	}
}

func (c *Conn) onPeerHalfClose() {
	switch c.State() {
	case StateOpen:
		c.setState(StateHalfClosedRemote)
	case StateHalfClosedLocal:
		c.setState(StateClosing)
		c.submitClose()
		return
	}
	// A queued send still drains normally; once it does, Send's completion
	// handler observes half-closed-remote and moves to closing itself.
	if len(c.sendQueue) == 0 && !c.sendInFlight {
		c.setState(StateClosing)
		c.submitClose()
	}
}

// --- send path ----------------------------------------------------------

// Send frames payload and enqueues it for transmission, issuing a send
// immediately if none is in flight. Returns ResourceExhausted if the
// queued byte count would exceed the configured watermark (spec.md §4.4's
// non-blocking backpressure policy). No blocking variant exists: the
// transport API's Send returns this same error to its caller.
func (c *Conn) Send(payload []byte) error {
	if c.State() >= StateClosing {
		return myraerr.ErrConnectionClosed
	}
	if uint32(len(payload)) > c.maxFrame {
		return myraerr.New(myraerr.CodeProtocol, "conn: payload exceeds max_frame_bytes").
			WithContext("length", len(payload)).WithContext("max_frame_bytes", c.maxFrame)
	}
	if c.bytesQueued+uint64(framing.EncodedLen(len(payload))) > c.watermark {
		return myraerr.ErrResourceExhausted
	}

	wire := make([]byte, framing.EncodedLen(len(payload)))
	if err := framing.Encode(wire, payload, c.maxFrame); err != nil {
		return err
	}
	copy(wire[framing.HeaderLen:], payload)

	c.sendQueue = append(c.sendQueue, wire)
	c.bytesQueued += uint64(len(wire))

	if !c.sendInFlight {
		c.flushSend()
	}
	return nil
}

// QueuedBytes reports the send-side backpressure counter.
func (c *Conn) QueuedBytes() uint64 { return c.bytesQueued }

func (c *Conn) flushSend() {
	if len(c.sendQueue) == 0 {
		c.sendInFlight = false
		return
	}
	buf := c.sendQueue[0][c.sendHead:]
	c.sendInFlight = true
	c.ring.PrepareSend(c.fd, buf, c.id, c.onSendCompletion)
}

func (c *Conn) onSendCompletion(res int32, flags uint32) {
	outcome, cerr := ringdrv.Classify(res)
	switch outcome {
	case ringdrv.OutcomeTransient:
		c.flushSend() // re-issue the identical submission
		return
	case ringdrv.OutcomeCanceled:
		c.finishIfDrained()
		return
	}
	if outcome != ringdrv.OutcomeSuccess {
		c.fail(cerr)
		return
	}

	written := int(res)
	head := c.sendQueue[0]
	remaining := len(head) - c.sendHead - written
	if remaining > 0 {
		// Short write: spec.md §4.4 — "not an error." Re-queue the
		// remainder at the head and re-issue.
		c.sendHead += written
		c.flushSend()
		return
	}

	c.bytesQueued -= uint64(len(head))
	c.sendQueue = c.sendQueue[1:]
	c.sendHead = 0

	if len(c.sendQueue) > 0 {
		c.flushSend()
		return
	}
	c.sendInFlight = false

	if c.State() == StateHalfClosedRemote {
		c.setState(StateClosing)
		c.submitClose()
	} else if c.State() == StateHalfClosedLocal {
		// A local close was requested while a send was in flight; now
		// that the queue has drained, move to closing and submit the close.
		c.setState(StateClosing)
		c.submitClose()
	}
}

// --- close path -----------------------------------------------------

// RequestClose begins an orderly shutdown: once any queued sends drain, a
// close is submitted through the ring (spec.md §4.4: "submits a close
// operation through the ring rather than the direct syscall so the kernel
// can flush pending writes coherently").
func (c *Conn) RequestClose() {
	switch c.State() {
	case StateClosing, StateClosed:
		return
	}
	if len(c.sendQueue) == 0 && !c.sendInFlight {
		c.setState(StateClosing)
		c.submitClose()
		return
	}
	c.setState(StateHalfClosedLocal)
}

func (c *Conn) submitClose() {
	c.ring.PrepareClose(c.fd, c.id, c.onCloseCompletion)
}

func (c *Conn) onCloseCompletion(res int32, flags uint32) {
	c.setState(StateClosed)
	c.closeOnce.Do(func() { close(c.done) })
	c.finishIfDrained()
}

// finishIfDrained invokes the registered finalizer once the connection is
// closed and every token it ever issued has retired, per spec.md §9: "A
// connection cannot be safely destroyed while the kernel holds a reference
// to any of its buffers."
func (c *Conn) finishIfDrained() {
	if c.State() != StateClosed {
		return
	}
	if c.ring.Tokens().OutstandingForConn(c.id) > 0 {
		return
	}
	if c.finalized != nil {
		fn := c.finalized
		c.finalized = nil
		fn(c.id)
	}
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.setState(StateClosing)
	c.submitClose()
}

// Err returns the first error that caused this connection to start
// closing, or nil if it closed cleanly.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Frames exposes the channel of fully decoded payloads for the transport
// API's blocking Receive call. Safe to read from any goroutine.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// Done is closed once the close completion has been observed.
func (c *Conn) Done() <-chan struct{} { return c.done }
