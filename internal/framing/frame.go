// File: internal/framing/frame.go
// Package framing implements the length-prefixed wire codec described in
// spec.md §4.5: a 4-byte big-endian length prefix followed by the payload,
// no magic number, no version field.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the incremental-parse structure of momentics-hioload-ws's
// protocol/frame_codec.go (DecodeFrameFromBytes/EncodeFrameToBytes), with
// the WebSocket bit-packed header replaced by a plain length prefix.
package framing

import (
	"encoding/binary"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

// HeaderLen is the fixed size of the length prefix.
const HeaderLen = 4

// DefaultMaxFrame is the default value of spec.md §6's `max_frame_bytes`.
const DefaultMaxFrame = 16 * 1024 * 1024

// EncodedLen returns the total wire length of a frame carrying payloadLen
// bytes.
func EncodedLen(payloadLen int) int {
	return HeaderLen + payloadLen
}

// Encode writes the HeaderLen-byte length prefix for payload into dst; it
// does not copy the payload itself. Returns a Protocol error if
// len(payload) exceeds maxFrame or dst is shorter than HeaderLen.
func Encode(dst []byte, payload []byte, maxFrame uint32) error {
	if uint32(len(payload)) > maxFrame {
		return myraerr.New(myraerr.CodeProtocol, "framing: payload exceeds max_frame_bytes").
			WithContext("length", len(payload)).WithContext("max_frame_bytes", maxFrame)
	}
	if len(dst) < HeaderLen {
		return myraerr.New(myraerr.CodeProtocol, "framing: destination too small for header")
	}
	binary.BigEndian.PutUint32(dst, uint32(len(payload)))
	return nil
}

// DecodeHeader reads a 4-byte big-endian length prefix and validates it
// against spec.md §4.5's failure conditions. It does not touch the
// payload; callers check the returned length before allocating or copying
// anything further.
func DecodeHeader(header []byte, maxFrame uint32) (uint32, error) {
	if len(header) < HeaderLen {
		return 0, myraerr.New(myraerr.CodeFatal, "framing: header slice shorter than HeaderLen")
	}
	l := binary.BigEndian.Uint32(header)
	if l == 0 {
		return 0, myraerr.New(myraerr.CodeProtocol, "framing: zero-length frame")
	}
	if l > maxFrame {
		return 0, myraerr.New(myraerr.CodeProtocol, "framing: oversize frame").
			WithContext("length", l).WithContext("max_frame_bytes", maxFrame)
	}
	return l, nil
}
