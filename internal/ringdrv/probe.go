// File: internal/ringdrv/probe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package ringdrv

import (
	"fmt"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
	"golang.org/x/sys/unix"
)

// requirement names a kernel version floor below which an opcode or ring
// feature this driver depends on is absent.
type requirement struct {
	name          string
	major, minor  int
}

// Required features per spec.md §6: "Requires a Linux kernel providing the
// ring interface with connect, accept, recv, send, close, and async-cancel
// opcodes; buffer-ring and multishot features require newer revisions."
var baseRequirements = []requirement{
	{"io_uring", 5, 1},
	{"IORING_OP_CONNECT/ACCEPT", 5, 5},
	{"IORING_OP_SEND/RECV", 5, 6},
	{"IORING_OP_ASYNC_CANCEL", 5, 5},
}

var bufferRingRequirement = requirement{"IORING_SETUP_BUF_RING (provided buffers)", 5, 19}
var multishotRequirement = requirement{"multishot accept/recv", 5, 19}

// Probe reports the negotiated kernel capability the ring driver was able
// to confirm, per the feature-flags mask named in spec.md §3 ("a ring also
// owns ... a feature-flags mask from setup").
//
// Grounded on the naming conventions of ehrlich-b-go-iouring/probe.go
// (Probe/HasFeature), adapted to a kernel-release comparison since this
// driver's chosen giouring dependency does not expose the raw
// IORING_REGISTER_PROBE result structure ehrlich-b-go-iouring wraps.
type Probe struct {
	major, minor int
	bufferRing   bool
	multishot    bool
}

// Negotiate inspects the running kernel's release string against the
// feature floors this driver needs, and against the caller's requested
// mode (bufferRing, multishot). Returns an UnsupportedFeature error naming
// the first missing requirement.
func Negotiate(wantBufferRing, wantMultishot bool) (*Probe, error) {
	major, minor, err := kernelRelease()
	if err != nil {
		return nil, myraerr.Wrap(myraerr.CodeFatal, "ringdrv: could not determine kernel release", err)
	}

	p := &Probe{major: major, minor: minor}

	for _, req := range baseRequirements {
		if !p.atLeast(req.major, req.minor) {
			return nil, unsupportedFeature(req, major, minor)
		}
	}

	if wantBufferRing {
		if !p.atLeast(bufferRingRequirement.major, bufferRingRequirement.minor) {
			return nil, unsupportedFeature(bufferRingRequirement, major, minor)
		}
		p.bufferRing = true
	}
	if wantMultishot {
		if !p.atLeast(multishotRequirement.major, multishotRequirement.minor) {
			return nil, unsupportedFeature(multishotRequirement, major, minor)
		}
		p.multishot = true
	}
	return p, nil
}

func unsupportedFeature(req requirement, have ...int) error {
	return myraerr.Wrap(myraerr.CodeFatal, "ringdrv: missing required kernel feature", myraerr.ErrUnsupportedFeature).
		WithContext("feature", req.name).
		WithContext("requires", fmt.Sprintf("%d.%d", req.major, req.minor)).
		WithContext("running", fmt.Sprintf("%d.%d", have[0], have[1]))
}

func (p *Probe) atLeast(major, minor int) bool {
	if p.major != major {
		return p.major > major
	}
	return p.minor >= minor
}

// HasBufferRing reports whether provided-buffer mode was negotiated.
func (p *Probe) HasBufferRing() bool { return p.bufferRing }

// HasMultishot reports whether multishot accept/recv was negotiated.
func (p *Probe) HasMultishot() bool { return p.multishot }

func kernelRelease() (major, minor int, err error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, 0, err
	}
	release := charsToString(uts.Release[:])
	_, scanErr := fmt.Sscanf(release, "%d.%d", &major, &minor)
	if scanErr != nil {
		return 0, 0, fmt.Errorf("ringdrv: unparsable kernel release %q: %w", release, scanErr)
	}
	return major, minor, nil
}

func charsToString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
