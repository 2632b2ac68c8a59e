package conn

import (
	"encoding/binary"
	"testing"

	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
)

// fakeRing is a minimal RingOps double: every Prepare* call records the
// submission and returns a freshly minted token from a real
// *ringdrv.Table, so OutstandingForConn behaves exactly as it would
// against a live ring.
type fakeRing struct {
	tbl       *ringdrv.Table
	sends     [][]byte
	closes    int
	recvCalls int

	lastRecvToken  ringdrv.Token
	lastSendToken  ringdrv.Token
	lastCloseToken ringdrv.Token
}

func newFakeRing() *fakeRing {
	return &fakeRing{tbl: ringdrv.NewTable()}
}

func (f *fakeRing) PrepareSend(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	cp := append([]byte(nil), buf...)
	f.sends = append(f.sends, cp)
	f.lastSendToken = f.tbl.Register(ringdrv.OpSend, connID, cb)
	return f.lastSendToken
}

func (f *fakeRing) PrepareRecvFixed(fd int, buf []byte, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	f.recvCalls++
	f.lastRecvToken = f.tbl.Register(ringdrv.OpRecv, connID, cb)
	return f.lastRecvToken
}

func (f *fakeRing) PrepareRecvProvided(fd int, bufGroupID uint16, multishot bool, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	f.recvCalls++
	f.lastRecvToken = f.tbl.Register(ringdrv.OpRecv, connID, cb)
	return f.lastRecvToken
}

func (f *fakeRing) PrepareClose(fd int, connID uint32, cb ringdrv.Callback) ringdrv.Token {
	f.closes++
	f.lastCloseToken = f.tbl.Register(ringdrv.OpClose, connID, cb)
	return f.lastCloseToken
}

func (f *fakeRing) Tokens() *ringdrv.Table { return f.tbl }

// retireRecv/retireClose mimic the bookkeeping Ring.reap performs before
// invoking a callback (Table.Resolve removes the token first), so tests
// asserting on OutstandingForConn see the same sequence a live ring would
// produce.
func (f *fakeRing) retireRecv()  { f.tbl.Resolve(f.lastRecvToken, false) }
func (f *fakeRing) retireClose() { f.tbl.Resolve(f.lastCloseToken, false) }

func frameOf(payload []byte) []byte {
	wire := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(wire, uint32(len(payload)))
	copy(wire[4:], payload)
	return wire
}

func TestConnOpenIssuesFirstRecv(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed, RecvBufSize: 4096})
	c.MarkOpen()

	if c.State() != StateOpen {
		t.Fatalf("state = %v, want open", c.State())
	}
	if r.recvCalls != 1 {
		t.Fatalf("recvCalls = %d, want 1", r.recvCalls)
	}
}

func TestConnRecvFixedDeliversFrame(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed, RecvBufSize: 4096})
	c.MarkOpen()

	payload := []byte("hello")
	wire := frameOf(payload)
	copy(c.recvBuf, wire)

	c.onRecvCompletion(int32(len(wire)), 0)

	select {
	case got := <-c.Frames():
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	default:
		t.Fatal("expected a decoded frame on Frames()")
	}
	if r.recvCalls != 2 {
		t.Fatalf("recvCalls = %d, want 2 (re-armed)", r.recvCalls)
	}
}

func TestConnPeerHalfCloseWithNoPendingSendClosesImmediately(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed})
	c.MarkOpen()

	c.onRecvCompletion(0, 0) // result == 0 => peer closed

	if c.State() != StateClosing {
		t.Fatalf("state = %v, want closing", c.State())
	}
	if r.closes != 1 {
		t.Fatalf("closes = %d, want 1", r.closes)
	}
}

func TestConnSendShortWriteRequeuesRemainder(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed})
	c.MarkOpen()

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := c.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(r.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(r.sends))
	}
	firstLen := len(r.sends[0])

	// Short write: only half the wire bytes accepted.
	c.onSendCompletion(int32(firstLen/2), 0)

	if len(r.sends) != 2 {
		t.Fatalf("sends after short write = %d, want 2 (re-submitted remainder)", len(r.sends))
	}
	if len(r.sends[1]) != firstLen-firstLen/2 {
		t.Fatalf("remainder length = %d, want %d", len(r.sends[1]), firstLen-firstLen/2)
	}

	// Completing the remainder drains the queue.
	c.onSendCompletion(int32(len(r.sends[1])), 0)
	if c.QueuedBytes() != 0 {
		t.Fatalf("queued bytes = %d, want 0", c.QueuedBytes())
	}
}

func TestConnSendBackpressureWatermark(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed, WatermarkByte: 16})

	if err := c.Send(make([]byte, 8)); err != nil {
		t.Fatalf("first send under watermark: %v", err)
	}
	if err := c.Send(make([]byte, 64)); err == nil {
		t.Fatal("expected ResourceExhausted once watermark is exceeded")
	}
}

func TestConnRequestCloseWaitsForPendingSend(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 1, FD: 5, RecvMode: RecvModeFixed})
	c.MarkOpen()

	if err := c.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c.RequestClose()
	if c.State() != StateHalfClosedLocal {
		t.Fatalf("state = %v, want half-closed-local while send drains", c.State())
	}

	c.onSendCompletion(int32(len(r.sends[0])), 0)
	if r.closes != 1 {
		t.Fatalf("closes = %d, want 1 once the queue drained", r.closes)
	}
}

func TestConnFinalizeWaitsForOutstandingTokens(t *testing.T) {
	r := newFakeRing()
	c := New(r, Options{ID: 7, FD: 5, RecvMode: RecvModeFixed})
	c.MarkOpen() // one outstanding recv token

	finalized := false
	c.OnClosed(func(id uint32) { finalized = true })

	c.RequestClose() // submits close; recv token is still outstanding
	r.retireClose()
	c.onCloseCompletion(0, 0)
	if finalized {
		t.Fatal("must not finalize while the recv token is still outstanding")
	}

	// The recv token resolves (e.g. canceled by the close).
	r.retireRecv()
	c.onRecvCompletion(-125, 0) // -ECANCELED
	if !finalized {
		t.Fatal("expected finalize once the last outstanding token retired")
	}
}
