package framing

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frameBytes(payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf
}

func TestDecodeSingleFrameWholeChunk(t *testing.T) {
	payload := []byte("hello world")
	d := NewDecoder(DefaultMaxFrame)

	var got [][]byte
	if err := d.Feed(frameBytes(payload), func(p []byte) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], payload) {
		t.Fatalf("got %v, want one frame %q", got, payload)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	wire := frameBytes(payload)
	d := NewDecoder(DefaultMaxFrame)

	var got []byte
	for _, b := range wire {
		if err := d.Feed([]byte{b}, func(p []byte) error {
			got = append([]byte(nil), p...)
			return nil
		}); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestDecodeMultipleFramesInOneChunk(t *testing.T) {
	p1 := []byte("first")
	p2 := []byte("second-frame")
	wire := append(frameBytes(p1), frameBytes(p2)...)

	d := NewDecoder(DefaultMaxFrame)
	var got [][]byte
	if err := d.Feed(wire, func(p []byte) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], p1) || !bytes.Equal(got[1], p2) {
		t.Fatalf("got %v, want [%q %q]", got, p1, p2)
	}
}

func TestDecodeZeroLengthFrameIsError(t *testing.T) {
	wire := frameBytes(nil)
	d := NewDecoder(DefaultMaxFrame)
	err := d.Feed(wire, func(p []byte) error { return nil })
	if err == nil {
		t.Fatal("expected error for zero-length frame")
	}
}

func TestDecodeOversizeFrameIsErrorBeforeAllocation(t *testing.T) {
	header := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(header, 100)
	d := NewDecoder(10) // maxFrame smaller than declared length

	called := false
	err := d.Feed(header, func(p []byte) error { called = true; return nil })
	if err == nil {
		t.Fatal("expected oversize frame error")
	}
	if called {
		t.Fatal("onFrame must not be called for an oversize frame")
	}
}

func TestCopyIntoDestinationTooSmall(t *testing.T) {
	payload := []byte("0123456789")
	dest := make([]byte, 4)
	_, err := CopyInto(dest, payload)
	if err == nil {
		t.Fatal("expected destination-too-small error")
	}
}

func TestCopyIntoSucceeds(t *testing.T) {
	payload := []byte("abcd")
	dest := make([]byte, 8)
	n, err := CopyInto(dest, payload)
	if err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if n != 4 || !bytes.Equal(dest[:n], payload) {
		t.Fatalf("got %q, want %q", dest[:n], payload)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	dst := make([]byte, HeaderLen)
	err := Encode(dst, make([]byte, 100), 10)
	if err == nil {
		t.Fatal("expected encode error for oversize payload")
	}
}

func TestEncodeWritesLengthPrefix(t *testing.T) {
	dst := make([]byte, HeaderLen)
	payload := make([]byte, 42)
	if err := Encode(dst, payload, DefaultMaxFrame); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if binary.BigEndian.Uint32(dst) != 42 {
		t.Fatalf("got length %d, want 42", binary.BigEndian.Uint32(dst))
	}
}
