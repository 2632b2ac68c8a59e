package transport

import (
	"syscall"
	"testing"

	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
)

func TestFallbackRingSendDeliversByteCount(t *testing.T) {
	r, w := pipeFDs(t)
	defer syscall.Close(r)
	defer syscall.Close(w)

	posted := make(chan struct{}, 1)
	fr := newFallbackRing(func(fn func()) {
		fn()
		posted <- struct{}{}
	})

	done := make(chan struct{})
	var gotRes int32
	fr.PrepareSend(w, []byte("hello"), 1, func(res int32, flags uint32) {
		gotRes = res
		close(done)
	})

	<-posted
	<-done
	if gotRes != 5 {
		t.Fatalf("send result = %d, want 5", gotRes)
	}
}

func TestFallbackRingRecvDeliversPayload(t *testing.T) {
	r, w := pipeFDs(t)
	defer syscall.Close(r)
	defer syscall.Close(w)

	posted := make(chan struct{}, 1)
	fr := newFallbackRing(func(fn func()) {
		fn()
		posted <- struct{}{}
	})

	buf := make([]byte, 16)
	done := make(chan struct{})
	var gotRes int32
	fr.PrepareRecvFixed(r, buf, 1, func(res int32, flags uint32) {
		gotRes = res
		close(done)
	})

	if _, err := syscall.Write(w, []byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}

	<-posted
	<-done
	if gotRes != 3 {
		t.Fatalf("recv result = %d, want 3", gotRes)
	}
	if string(buf[:gotRes]) != "abc" {
		t.Fatalf("recv payload = %q, want %q", buf[:gotRes], "abc")
	}
}

func TestFallbackRingRecvProvidedReportsUnsupported(t *testing.T) {
	fr := newFallbackRing(func(fn func()) { fn() })
	done := make(chan struct{})
	var gotRes int32
	fr.PrepareRecvProvided(0, 0, false, 1, func(res int32, flags uint32) {
		gotRes = res
		close(done)
	})
	<-done
	if gotRes >= 0 {
		t.Fatalf("expected a negative-errno result, got %d", gotRes)
	}
}

func TestFallbackRingTokensTracksOutstanding(t *testing.T) {
	fr := newFallbackRing(func(fn func()) {})
	fr.tbl.Register(ringdrv.OpSend, 1, func(int32, uint32) {})
	if got := fr.Tokens().Outstanding(); got != 1 {
		t.Fatalf("Outstanding() = %d, want 1", got)
	}
}

func pipeFDs(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return fds[0], fds[1]
}
