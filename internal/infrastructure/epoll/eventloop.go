package epoll

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samelat/bogeyman/internal/domain"
)

// DefaultInterval is the longest the loop sleeps between handler ticks.
const DefaultInterval = time.Second

type LinuxEventLoop struct {
	epollFD  int
	wakeFD   int
	interval time.Duration
	log      *slog.Logger
	stopped  atomic.Bool
}

func New(log *slog.Logger, interval time.Duration) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd, interval: interval, log: log}, nil
}

// Register watches fd for events. All registrations are edge-triggered.
func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	return l.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

// Modify replaces the watched events and re-arms the edge.
func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	return l.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) ctl(op, fd int, events domain.EventType) error {
	return unix.EpollCtl(l.epollFD, op, fd, &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	})
}

// Run dispatches events until Stop. It closes the loop's descriptors on
// return.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	defer unix.Close(l.wakeFD)
	defer unix.Close(l.epollFD)

	events := make([]unix.EpollEvent, 128)
	timeout := int(l.interval / time.Millisecond)
	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				continue
			}
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				l.log.Error("Error handling event", "fd", fd, "error", err)
			}
		}
		handler.Tick(time.Now())
	}
	return nil
}

// Stop makes Run return after the current iteration.
func (l *LinuxEventLoop) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(l.wakeFD, one[:])
}
