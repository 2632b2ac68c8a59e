// File: transport/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Config follows the facade.Config / DefaultConfig pattern in
// momentics-hioload-ws's facade/hioload.go: a plain struct with a single
// constructor, every field independently overridable before the config is
// handed to New.
package transport

import (
	"github.com/mvp-express/myra-transport-sub002/internal/framing"
	"github.com/mvp-express/myra-transport-sub002/internal/ringdrv"
)

// Mode selects the ring driver's submission strategy, per spec.md §6's
// `mode` configuration key.
type Mode = ringdrv.Mode

const (
	ModeDirect = ringdrv.ModeDirect
	ModeSQPoll = ringdrv.ModeSQPoll
	ModeToken  = ringdrv.ModeToken
)

// FixedBuffersConfig enables and sizes the fixed buffer registry
// (spec.md §6's `fixed_buffers { count, size }`).
type FixedBuffersConfig struct {
	Count int
	Size  int
}

// BufferRingConfig enables and sizes the provided-buffer ring
// (spec.md §6's `buffer_ring { group_id, count, size }`).
type BufferRingConfig struct {
	GroupID uint16
	Count   uint32
	Size    uint32
}

// PinningConfig carries spec.md §6's `pinning { server_core, client_core }`.
// ServerCore pins the owning event-loop thread (a negative value leaves it
// unpinned). ClientCore is not read anywhere in this package: no thread is
// pinned on its account.
type PinningConfig struct {
	ServerCore int
	ClientCore int
}

// Config collects every option spec.md §6 names as a transport-level
// knob. Zero numeric values are resolved against DefaultConfig's picks by
// New, except SQPollCPU, where 0 names CPU 0. Mode's zero value is already
// ModeDirect, and nil FixedBuffers/BufferRing/Pinning leave those features
// off.
type Config struct {
	RingSize           uint32
	Mode               Mode
	SQPollIdleMS       uint32
	SQPollCPU          int
	FixedBuffers       *FixedBuffersConfig
	BufferRing         *BufferRingConfig
	MaxFrameBytes      uint32
	SendWatermarkBytes uint64
	Pinning            *PinningConfig
	// AcceptBacklog is the listen(2) backlog depth for BindAndListen.
	AcceptBacklog int
	// RecvBufferSize sizes each connection's fixed receive buffer when no
	// BufferRing is configured.
	RecvBufferSize int
	// ConnFrameBacklog bounds how many decoded frames a connection buffers
	// before Receive callers must catch up.
	ConnFrameBacklog int
}

// DefaultConfig returns the baseline configuration: direct submission
// mode, a 256-entry ring, the spec's default max frame and send
// watermark, no fixed buffers or provided-buffer ring, and no CPU
// pinning.
func DefaultConfig() Config {
	return Config{
		RingSize:           256,
		Mode:               ModeDirect,
		SQPollIdleMS:       100,
		SQPollCPU:          -1,
		MaxFrameBytes:      framing.DefaultMaxFrame,
		SendWatermarkBytes: 1 << 20,
		AcceptBacklog:      128,
		RecvBufferSize:     64 * 1024,
		ConnFrameBacklog:   64,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.RingSize == 0 {
		c.RingSize = def.RingSize
	}
	if c.SQPollIdleMS == 0 {
		c.SQPollIdleMS = def.SQPollIdleMS
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.SendWatermarkBytes == 0 {
		c.SendWatermarkBytes = def.SendWatermarkBytes
	}
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = def.AcceptBacklog
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.ConnFrameBacklog == 0 {
		c.ConnFrameBacklog = def.ConnFrameBacklog
	}
	return c
}
