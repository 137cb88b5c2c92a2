package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samelat/bogeyman/internal/domain"
)

// ErrWriteStalled is returned when a peer stops draining its socket.
var ErrWriteStalled = errors.New("write stalled")

// writeStall bounds how long Write waits for a full send buffer to drain.
const writeStall = 10 * time.Second

// DialNonblock starts a TCP connect to ip:port and returns the socket while
// the handshake is still in flight. Completion is signalled by writability.
func DialNonblock(ip net.IP, port int) (int, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("not an ipv4 address: %s", ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ConnectResult reads SO_ERROR after a connecting socket became writable.
func ConnectResult(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

// StatusFromError classifies a connect outcome.
func StatusFromError(err error) int {
	switch {
	case err == nil:
		return domain.StatusSuccess
	case errors.Is(err, unix.ECONNREFUSED):
		return domain.StatusRefused
	case errors.Is(err, unix.ETIMEDOUT):
		return domain.StatusTimeout
	}
	return domain.StatusUnknown
}

// Write sends all of data on a non-blocking socket, polling for
// writability whenever the send buffer is full.
func Write(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
		}
		switch {
		case err == unix.EAGAIN:
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			ready, perr := unix.Poll(fds, int(writeStall/time.Millisecond))
			if perr != nil && perr != unix.EINTR {
				return perr
			}
			if ready == 0 {
				return ErrWriteStalled
			}
		case err == unix.EINTR:
		case err != nil:
			return err
		}
	}
	return nil
}

// Read reads once from a non-blocking socket. It returns (0, nil) when
// nothing is available and io.EOF when the peer closed.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func Close(fd int) error {
	return unix.Close(fd)
}

// Shutdown disables both directions without releasing fd. A write blocked
// on the socket fails instead of waiting for the peer.
func Shutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}
