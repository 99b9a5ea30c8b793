// Package netsock provides the raw TCP socket operations the job server
// drives from its readiness loop. Every descriptor it returns is
// non-blocking and close-on-exec, so none leak into spawned jobs.
package netsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when a non-blocking operation can't make
// progress without waiting.
var ErrWouldBlock = errors.New("operation would block")

// ErrPartialWrite is returned when only part of a write reached the socket.
// The stream is no longer aligned to line boundaries and the connection
// should be dropped.
var ErrPartialWrite = errors.New("partial write")

// Listen creates a listening IPv4 TCP socket bound to host:port. An empty
// host binds every interface.
func Listen(host string, port, backlog int) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, fmt.Errorf("resolve listen address: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

// LocalPort returns the port a socket is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}

	return 0, fmt.Errorf("unexpected socket address %T", sa)
}

// Accept takes one pending connection off the listener and returns it with
// the peer's address. It returns ErrWouldBlock if none is pending.
func Accept(fd int) (int, string, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return -1, "", ErrWouldBlock
			}

			return -1, "", fmt.Errorf("accept: %w", err)
		}

		return nfd, peerString(sa), nil
	}
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}

	return "unknown"
}

// Read reads whatever is available on fd into p. It returns io.EOF once the
// peer has closed and ErrWouldBlock if nothing is available yet.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return 0, ErrWouldBlock
			}

			return 0, fmt.Errorf("read fd %d: %w", fd, err)
		}

		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}

		return n, nil
	}
}

// WriteAll writes p to a connected socket without raising SIGPIPE. Delivery
// is best effort: a peer that isn't draining its receive buffer makes the
// write fail with ErrWouldBlock rather than stall the caller, or with
// ErrPartialWrite if some of p had already been sent.
func WriteAll(fd int, p []byte) error {
	written := 0

	for written < len(p) {
		n, err := unix.SendmsgN(fd, p[written:], nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return blocked(written, len(p))
			}

			return fmt.Errorf("write fd %d: %w", fd, err)
		}

		if n == 0 {
			return blocked(written, len(p))
		}

		written += n
	}

	return nil
}

func blocked(written, total int) error {
	if written == 0 {
		return ErrWouldBlock
	}

	return fmt.Errorf("%w: %d of %d bytes", ErrPartialWrite, written, total)
}

// Close shuts down both directions before releasing fd, so a peer blocked
// in read sees end of stream even if a child process still holds a copy.
func Close(fd int) error {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)

	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}

	return nil
}

// IsExpectedCloseError reports whether err is a normal connection
// termination rather than something worth logging as a failure.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.EPIPE || errno == unix.ECONNRESET
	}

	return false
}
