// File: internal/framing/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package framing

import "github.com/mvp-express/myra-transport-sub002/myraerr"

type decoderState int

const (
	stateExpectingHeader decoderState = iota
	stateExpectingPayload
)

// Decoder is a pure incremental parser over a byte-stream cursor, per
// spec.md §4.5: "State: expecting_header (0-3 bytes buffered),
// expecting_payload (length L decoded, K bytes buffered). ... consume as
// much as possible; emit complete payloads to the user; retain the
// partial tail."
//
// A Decoder is not safe for concurrent use; it belongs to exactly one
// connection's receive path, matching the ring driver's single-owner
// model.
type Decoder struct {
	maxFrame uint32

	state   decoderState
	header  [HeaderLen]byte
	haveHdr int

	length  uint32
	payload []byte
	haveLen int
}

// NewDecoder creates a Decoder enforcing maxFrame as the largest
// acceptable payload length.
func NewDecoder(maxFrame uint32) *Decoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed consumes as much of chunk as forms complete frames, invoking onFrame
// once per complete payload in order. It retains any partial tail
// internally for the next call. Any framing error (zero-length, oversize,
// or a downstream onFrame rejection) is fatal for the decoder: per
// spec.md §4.5, "resynchronization is not supported because stream
// position is ambiguous," so callers must close the connection on error
// and discard the Decoder.
func (d *Decoder) Feed(chunk []byte, onFrame func(payload []byte) error) error {
	for len(chunk) > 0 {
		switch d.state {
		case stateExpectingHeader:
			n := copy(d.header[d.haveHdr:], chunk)
			d.haveHdr += n
			chunk = chunk[n:]
			if d.haveHdr < HeaderLen {
				return nil
			}
			length, err := DecodeHeader(d.header[:], d.maxFrame)
			if err != nil {
				return err
			}
			d.length = length
			d.payload = make([]byte, length)
			d.haveLen = 0
			d.haveHdr = 0
			d.state = stateExpectingPayload

		case stateExpectingPayload:
			n := copy(d.payload[d.haveLen:], chunk)
			d.haveLen += n
			chunk = chunk[n:]
			if d.haveLen < len(d.payload) {
				return nil
			}
			payload := d.payload
			d.payload = nil
			d.state = stateExpectingHeader
			if err := onFrame(payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyInto copies payload into dest, per the transport API's
// `receive(conn, dest) -> length` signature. Returns a "destination too
// small" Protocol error (spec.md §4.5) without copying anything if dest
// cannot hold the frame. Transport.Receive calls it on each payload taken
// from a connection's decoded-frame channel.
func CopyInto(dest, payload []byte) (int, error) {
	if len(dest) < len(payload) {
		return 0, myraerr.New(myraerr.CodeProtocol, "framing: destination too small").
			WithContext("length", len(payload)).WithContext("dest_cap", len(dest))
	}
	return copy(dest, payload), nil
}

// Reset clears any partially buffered frame. Used when a connection is
// discarded after a framing error rather than reused.
func (d *Decoder) Reset() {
	d.state = stateExpectingHeader
	d.haveHdr = 0
	d.haveLen = 0
	d.payload = nil
}
