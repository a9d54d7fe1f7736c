//go:build linux

package eventsource

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 256

// epollSource implements Source with level-triggered epoll(7) and an
// eventfd(2) used for cross-goroutine wakeups.
type epollSource struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	out    []Readiness

	mu     sync.Mutex
	closed bool
}

// New returns the linux epoll Source.
func New() (Source, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd) //nolint:errcheck
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd) //nolint:errcheck
		unix.Close(epfd)   //nolint:errcheck
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return &epollSource{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		out:    make([]Readiness, 0, maxEvents),
	}, nil
}

func toEpoll(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) Interest {
	var in Interest
	if ev&unix.EPOLLIN != 0 {
		in |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		in |= Writable
	}
	if ev&unix.EPOLLERR != 0 {
		in |= Error
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		in |= HangUp
	}
	return in
}

// Register adds fd to the epoll watch list.
func (s *epollSource) Register(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify replaces the interest set for fd.
func (s *epollSource) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Deregister removes fd from the epoll watch list.
func (s *epollSource) Deregister(fd int) error {
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks for readiness.  EINTR is reported as an empty result.
func (s *epollSource) Wait(timeout time.Duration) ([]Readiness, error) {
	n, err := unix.EpollWait(s.epfd, s.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	s.out = s.out[:0]
	for i := 0; i < n; i++ {
		ev := s.events[i]
		if int(ev.Fd) == s.wakefd {
			s.drainWake()
			continue
		}
		s.out = append(s.out, Readiness{FD: int(ev.Fd), Events: fromEpoll(ev.Events)})
	}
	return s.out, nil
}

func (s *epollSource) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake increments the eventfd counter so a blocked Wait returns.
func (s *epollSource) Wake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(s.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close releases the epoll and eventfd descriptors.
func (s *epollSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	err1 := unix.Close(s.wakefd)
	err2 := unix.Close(s.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
