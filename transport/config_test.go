package transport

import "testing"

func TestDefaultConfigValues(t *testing.T) {
	c := DefaultConfig()
	if c.Mode != ModeDirect {
		t.Fatalf("default mode = %v, want ModeDirect", c.Mode)
	}
	if c.SQPollCPU != -1 {
		t.Fatalf("default SQPollCPU = %d, want -1 (unset sentinel)", c.SQPollCPU)
	}
	if c.FixedBuffers != nil || c.BufferRing != nil {
		t.Fatalf("default config should not enable fixed buffers or a buffer ring")
	}
}

func TestNormalizedFillsZeroFields(t *testing.T) {
	c := Config{}.normalized()
	def := DefaultConfig()
	if c.RingSize != def.RingSize {
		t.Fatalf("RingSize = %d, want %d", c.RingSize, def.RingSize)
	}
	if c.MaxFrameBytes != def.MaxFrameBytes {
		t.Fatalf("MaxFrameBytes = %d, want %d", c.MaxFrameBytes, def.MaxFrameBytes)
	}
	if c.SendWatermarkBytes != def.SendWatermarkBytes {
		t.Fatalf("SendWatermarkBytes = %d, want %d", c.SendWatermarkBytes, def.SendWatermarkBytes)
	}
	if c.AcceptBacklog != def.AcceptBacklog {
		t.Fatalf("AcceptBacklog = %d, want %d", c.AcceptBacklog, def.AcceptBacklog)
	}
}

// A zero-valued SQPollCPU is CPU 0, a legitimate pin target, and must not
// be silently rewritten to the -1 unset sentinel by normalization.
func TestNormalizedPreservesExplicitCPUZero(t *testing.T) {
	c := Config{SQPollCPU: 0}.normalized()
	if c.SQPollCPU != 0 {
		t.Fatalf("normalized() overwrote explicit SQPollCPU=0, got %d", c.SQPollCPU)
	}
}

func TestNormalizedLeavesNonZeroFieldsAlone(t *testing.T) {
	c := Config{RingSize: 512, AcceptBacklog: 4}.normalized()
	if c.RingSize != 512 {
		t.Fatalf("RingSize overwritten: %d", c.RingSize)
	}
	if c.AcceptBacklog != 4 {
		t.Fatalf("AcceptBacklog overwritten: %d", c.AcceptBacklog)
	}
}
