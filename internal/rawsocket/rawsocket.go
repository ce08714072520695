// Package rawsocket implements the raw ICMPv4/ICMPv6 transport consumed
// by the neighbor-discovery engine (§4.2). It opens a raw socket file
// descriptor with golang.org/x/sys/unix, the same syscall layer the
// teacher's go.mod carries as an indirect dependency and that vminit's
// go.mod (the retrieval pack's in-guest agent stub) pulls in directly.
package rawsocket

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/banksean/vminitd/internal/agenterr"
)

// AllRoutersV6 is the all-routers multicast address used by router
// solicitations.
var AllRoutersV6 = net.ParseIP("ff02::2")

// Socket is a raw ICMP socket. Access is serialized by mu: the
// descriptor is shared but never concurrently used for send and
// receive, matching the §4.2 invariant.
type Socket struct {
	mu     sync.Mutex
	fd     int
	family int
	proto  int
}

// NewICMPv4Socket opens a raw ICMPv4 socket.
func NewICMPv4Socket() (*Socket, error) {
	return newSocket(unix.AF_INET, unix.IPPROTO_ICMP)
}

// NewICMPv6Socket opens a raw ICMPv6 socket, and per §4.2 sets the
// outbound multicast hop limit to 255, which RFC 4861 requires for
// router solicitations.
func NewICMPv6Socket() (*Socket, error) {
	s, err := newSocket(unix.AF_INET6, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255); err != nil {
		unix.Close(s.fd)
		return nil, agenterr.Errno("rawsocket.NewICMPv6Socket", err)
	}
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 255); err != nil {
		unix.Close(s.fd)
		return nil, agenterr.Errno("rawsocket.NewICMPv6Socket", err)
	}
	return s, nil
}

func newSocket(family, proto int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_RAW, proto)
	if err != nil {
		if err == unix.EPERM {
			return nil, agenterr.New(agenterr.Internal, "rawsocket.newSocket", "permission denied opening raw socket")
		}
		return nil, agenterr.Errno("rawsocket.newSocket", err)
	}
	return &Socket{fd: fd, family: family, proto: proto}, nil
}

// SetMulticastIfIndex binds the outbound interface used for multicast
// sends (e.g. router solicitations) to ifIndex.
func (s *Socket) SetMulticastIfIndex(ifIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, ifIndex); err != nil {
			return agenterr.Errno("rawsocket.SetMulticastIfIndex", err)
		}
		return nil
	}
	return agenterr.New(agenterr.Unsupported, "rawsocket.SetMulticastIfIndex", "only ICMPv6 sockets support this option")
}

// Send writes b to dest, returning the byte count written.
func (s *Socket) Send(dest net.IP, scopeID int, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sa unix.Sockaddr
	if s.family == unix.AF_INET6 {
		var addr [16]byte
		copy(addr[:], dest.To16())
		sa = &unix.SockaddrInet6{Addr: addr, ZoneId: uint32(scopeID)}
	} else {
		var addr [4]byte
		copy(addr[:], dest.To4())
		sa = &unix.SockaddrInet4{Addr: addr}
	}
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		return 0, agenterr.Errno("rawsocket.Send", err)
	}
	return len(b), nil
}

// Receive blocks (up to ctx's deadline) for one datagram into buf,
// returning the byte count and source address.
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		remaining := dl.Sub(time.Now())
		if remaining <= 0 {
			return 0, nil, agenterr.New(agenterr.Timeout, "rawsocket.Receive", "deadline exceeded")
		}
		tv := unix.NsecToTimeval(remaining.Nanoseconds())
		if tv.Sec == 0 && tv.Usec == 0 {
			// A zero SO_RCVTIMEO means "no timeout", so round up.
			tv.Usec = 1
		}
		_ = unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	}

	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil, agenterr.New(agenterr.Timeout, "rawsocket.Receive", "deadline exceeded")
		}
		return 0, nil, agenterr.Errno("rawsocket.Receive", err)
	}

	var src net.IP
	switch sa := from.(type) {
	case *unix.SockaddrInet6:
		src = net.IP(sa.Addr[:])
	case *unix.SockaddrInet4:
		src = net.IP(sa.Addr[:])
	}
	return n, src, nil
}

// Close closes the socket. Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd == -1 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		slog.Error("rawsocket.Close", "error", err)
		return agenterr.Errno("rawsocket.Close", err)
	}
	return nil
}
