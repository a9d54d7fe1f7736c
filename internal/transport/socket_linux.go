//go:build linux

package transport

import (
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Socket is the linux Transport backed by non-blocking TCP sockets.
type Socket struct {
	// LocalPort optionally binds the source port (0 = ephemeral).
	LocalPort int
}

// New returns a Socket transport with an ephemeral source port.
func New() (Transport, error) {
	return &Socket{}, nil
}

// NewBound returns a Socket transport whose connections use localPort
// as their source port.
func NewBound(localPort int) (Transport, error) {
	return &Socket{LocalPort: localPort}, nil
}

// Connect creates a non-blocking TCP socket and starts connecting.
func (s *Socket) Connect(addr netip.AddrPort) (int, bool, error) {
	ip := addr.Addr().Unmap()
	family := unix.AF_INET6
	if ip.Is4() {
		family = unix.AF_INET
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1) //nolint:errcheck

	if s.LocalPort > 0 {
		if err := s.bind(fd, family); err != nil {
			unix.Close(fd) //nolint:errcheck
			return -1, false, err
		}
	}

	err = unix.Connect(fd, sockaddr(ip, addr.Port()))
	switch err {
	case nil:
		return fd, true, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return fd, false, nil
	default:
		unix.Close(fd) //nolint:errcheck
		return -1, false, err
	}
}

func (s *Socket) bind(fd, family int) error {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1) //nolint:errcheck
	var sa unix.Sockaddr = &unix.SockaddrInet6{Port: s.LocalPort}
	if family == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: s.LocalPort}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind local port %d: %w", s.LocalPort, err)
	}
	return nil
}

func sockaddr(ip netip.Addr, port uint16) unix.Sockaddr {
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(port), Addr: ip.As4()}
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: ip.As16()}
}

// Finish reads SO_ERROR to learn how an asynchronous connect ended.
func (s *Socket) Finish(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Read performs a single non-blocking read.
func (s *Socket) Read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write performs a single non-blocking write without raising SIGPIPE.
func (s *Socket) Write(fd int, p []byte) (int, error) {
	n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// CloseWrite shuts down the write half of the socket.
func (s *Socket) CloseWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close closes the descriptor.
func (s *Socket) Close(fd int) error {
	return unix.Close(fd)
}
