// File: transport/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw socket and sockaddr plumbing the ring driver's connect/accept/listen
// operations need underneath net.Addr. No pack library wraps raw socket
// address construction for io_uring submissions — this is the one place
// in the transport layer that reaches for the standard library's syscall
// package directly, the same way every corpus io_uring wrapper
// (ehrlich-b-go-iouring, the ianic-xnet pack example) does for the same
// reason: io_uring_prep_connect takes a raw struct sockaddr pointer, not a
// net.Addr.
package transport

import (
	"net"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/mvp-express/myra-transport-sub002/myraerr"
)

func resolveTCPAddr(addr string) (*net.TCPAddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, myraerr.Wrap(myraerr.CodeNetwork, "transport: address resolution failed", err)
	}
	domain := syscall.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = syscall.AF_INET6
	}
	return tcpAddr, domain, nil
}

func htons(port int) uint16 {
	return uint16(port>>8) | uint16(port<<8)&0xff00
}

// pinnedSockaddr owns a raw sockaddr struct whose address is handed to the
// kernel across an async boundary; it must not move until the completion
// naming it has been observed.
type pinnedSockaddr struct {
	sa4    syscall.RawSockaddrInet4
	sa6    syscall.RawSockaddrInet6
	pinner runtime.Pinner
}

// preparePinnedSockaddr builds a raw sockaddr for a.domain, pins it so the
// GC cannot relocate it, and returns the pointer/length
// io_uring_prep_connect expects plus the unpin func the caller must run
// once the connect completion arrives.
func preparePinnedSockaddr(a *net.TCPAddr, domain int) (addr uintptr, length uint64, unpin func()) {
	p := &pinnedSockaddr{}
	if domain == syscall.AF_INET {
		p.sa4.Family = syscall.AF_INET
		p.sa4.Port = htons(a.Port)
		copy(p.sa4.Addr[:], a.IP.To4())
		p.pinner.Pin(p)
		return uintptr(unsafe.Pointer(&p.sa4)), uint64(unsafe.Sizeof(p.sa4)), p.pinner.Unpin
	}
	p.sa6.Family = syscall.AF_INET6
	p.sa6.Port = htons(a.Port)
	copy(p.sa6.Addr[:], a.IP.To16())
	p.pinner.Pin(p)
	return uintptr(unsafe.Pointer(&p.sa6)), uint64(unsafe.Sizeof(p.sa6)), p.pinner.Unpin
}

// newStreamSocket creates a blocking TCP socket of the given address
// family; the ring, not the fd's own O_NONBLOCK bit, is what makes
// connect/send/recv on it asynchronous.
func newStreamSocket(domain int) (int, error) {
	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return 0, myraerr.Wrap(myraerr.CodeResource, "transport: socket(2) failed", err)
	}
	return fd, nil
}

// buildSockaddr converts a's IP/port into the syscall.Sockaddr form bind,
// connect (fallback path), and getsockname/getpeername calls expect.
func buildSockaddr(a *net.TCPAddr, domain int) syscall.Sockaddr {
	if domain == syscall.AF_INET {
		sa4 := &syscall.SockaddrInet4{Port: a.Port}
		copy(sa4.Addr[:], a.IP.To4())
		return sa4
	}
	sa6 := &syscall.SockaddrInet6{Port: a.Port}
	copy(sa6.Addr[:], a.IP.To16())
	return sa6
}

// listenSocket creates, binds, and listens on addr, returning the raw
// listener fd the ring driver issues accepts against.
func listenSocket(a *net.TCPAddr, domain int, backlog int) (int, error) {
	fd, err := newStreamSocket(domain)
	if err != nil {
		return 0, err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return 0, myraerr.Wrap(myraerr.CodeResource, "transport: setsockopt SO_REUSEADDR failed", err)
	}

	sa := buildSockaddr(a, domain)
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return 0, myraerr.Wrap(myraerr.CodeNetwork, "transport: bind(2) failed", err).WithContext("addr", a.String())
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return 0, myraerr.Wrap(myraerr.CodeNetwork, "transport: listen(2) failed", err)
	}
	return fd, nil
}

// peerAddrString resolves fd's remote address for a connection accepted
// without an address buffer (PrepareAccept is submitted with addr/addrlen
// nil, since the driver has no use for it beyond logging).
func peerAddrString(fd int) string {
	sa, err := syscall.Getpeername(fd)
	if err != nil {
		return ""
	}
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}).String()
	case *syscall.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}).String()
	default:
		return ""
	}
}
