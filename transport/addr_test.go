package transport

import (
	"syscall"
	"testing"
	"unsafe"
)

func TestHtonsNetworkByteOrder(t *testing.T) {
	// port 0x1234 should encode as 0x3412 in network byte order.
	got := htons(0x1234)
	if got != 0x3412 {
		t.Fatalf("htons(0x1234) = 0x%04x, want 0x3412", got)
	}
}

func TestHtonsWellKnownPort(t *testing.T) {
	if got := htons(80); got != 0x5000 {
		t.Fatalf("htons(80) = 0x%04x, want 0x5000", got)
	}
}

func TestResolveTCPAddrIPv4(t *testing.T) {
	addr, domain, err := resolveTCPAddr("127.0.0.1:9000")
	if err != nil {
		t.Fatalf("resolveTCPAddr: %v", err)
	}
	if domain != syscall.AF_INET {
		t.Fatalf("domain = %d, want AF_INET", domain)
	}
	if addr.Port != 9000 {
		t.Fatalf("port = %d, want 9000", addr.Port)
	}
}

func TestResolveTCPAddrIPv6(t *testing.T) {
	_, domain, err := resolveTCPAddr("[::1]:9000")
	if err != nil {
		t.Fatalf("resolveTCPAddr: %v", err)
	}
	if domain != syscall.AF_INET6 {
		t.Fatalf("domain = %d, want AF_INET6", domain)
	}
}

func TestResolveTCPAddrInvalid(t *testing.T) {
	if _, _, err := resolveTCPAddr("not-an-address"); err == nil {
		t.Fatalf("expected an error resolving a malformed address")
	}
}

func TestPreparePinnedSockaddrIPv4(t *testing.T) {
	addr, _, err := resolveTCPAddr("127.0.0.1:9000")
	if err != nil {
		t.Fatalf("resolveTCPAddr: %v", err)
	}
	ptr, length, unpin := preparePinnedSockaddr(addr, syscall.AF_INET)
	defer unpin()
	if ptr == 0 {
		t.Fatalf("preparePinnedSockaddr returned a nil pointer")
	}
	want := uint64(unsafe.Sizeof(syscall.RawSockaddrInet4{}))
	if length != want {
		t.Fatalf("length = %d, want %d", length, want)
	}
}
