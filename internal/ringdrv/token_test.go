package ringdrv

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	tok := MakeToken(OpSend, 0xABCDEF, 0x11223344)
	if tok.Opcode() != OpSend {
		t.Fatalf("opcode = %v, want OpSend", tok.Opcode())
	}
	if tok.ConnID() != 0xABCDEF {
		t.Fatalf("connID = %x, want ABCDEF", tok.ConnID())
	}
	if tok.Seq() != 0x11223344 {
		t.Fatalf("seq = %x, want 11223344", tok.Seq())
	}
}

func TestTokenConnIDTruncatesTo24Bits(t *testing.T) {
	tok := MakeToken(OpRecv, 0xFFFFFFFF, 1)
	if tok.ConnID() != 0x00FFFFFF {
		t.Fatalf("connID = %x, want FFFFFF (24 bits)", tok.ConnID())
	}
}

func TestTableResolveRetiresSingleShot(t *testing.T) {
	tbl := NewTable()
	called := 0
	tok := tbl.Register(OpRecv, 1, func(res int32, flags uint32) { called++ })

	cb, ok := tbl.Resolve(tok, false)
	if !ok {
		t.Fatal("expected token to resolve")
	}
	cb(10, 0)
	if called != 1 {
		t.Fatalf("callback called %d times, want 1", called)
	}

	if _, ok := tbl.Resolve(tok, false); ok {
		t.Fatal("expected token to be retired after single-shot resolve")
	}
}

func TestTableResolveKeepsMultishot(t *testing.T) {
	tbl := NewTable()
	tok := tbl.Register(OpRecv, 1, func(res int32, flags uint32) {})

	if _, ok := tbl.Resolve(tok, true); !ok {
		t.Fatal("expected first multishot resolve to succeed")
	}
	if _, ok := tbl.Resolve(tok, true); !ok {
		t.Fatal("expected multishot token to remain registered for a second completion")
	}
}

func TestTableOutstandingTracksRegistrations(t *testing.T) {
	tbl := NewTable()
	if tbl.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", tbl.Outstanding())
	}
	t1 := tbl.Register(OpSend, 1, func(int32, uint32) {})
	tbl.Register(OpSend, 2, func(int32, uint32) {})
	if tbl.Outstanding() != 2 {
		t.Fatalf("outstanding = %d, want 2", tbl.Outstanding())
	}
	tbl.Retire(t1)
	if tbl.Outstanding() != 1 {
		t.Fatalf("outstanding after retire = %d, want 1", tbl.Outstanding())
	}
}

func TestClassifySuccess(t *testing.T) {
	outcome, err := Classify(128)
	if outcome != OutcomeSuccess || err != nil {
		t.Fatalf("got (%v, %v), want (OutcomeSuccess, nil)", outcome, err)
	}
}

func TestClassifyCanceled(t *testing.T) {
	outcome, err := Classify(-125) // -ECANCELED
	if outcome != OutcomeCanceled {
		t.Fatalf("outcome = %v, want OutcomeCanceled", outcome)
	}
	if err == nil {
		t.Fatal("expected non-nil error for canceled completion")
	}
}

func TestClassifyTransient(t *testing.T) {
	outcome, _ := Classify(-11) // -EAGAIN
	if outcome != OutcomeTransient {
		t.Fatalf("outcome = %v, want OutcomeTransient", outcome)
	}
}
