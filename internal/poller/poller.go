// Package poller wraps poll(2) over a dynamic set of non-blocking file
// descriptors, together with a self-pipe used to interrupt a blocked wait.
package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Kind records what a descriptor in the set belongs to.
type Kind int

const (
	KindListener Kind = iota
	KindClient
	KindJobOutput
	KindWake
)

var kindNames = []string{
	"listener",
	"client",
	"job output",
	"wake",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return kindNames[k]
}

var ErrAlreadyRegistered = errors.New("descriptor already registered")

// Set is the readiness set. It is not safe for concurrent use.
type Set struct {
	fds   []unix.PollFd
	kinds []Kind
	pos   map[int32]int
}

func NewSet() *Set {
	return &Set{pos: make(map[int32]int)}
}

// Add switches fd to non-blocking mode and watches it for input.
func (s *Set) Add(fd int, kind Kind) error {
	if _, ok := s.pos[int32(fd)]; ok {
		return fmt.Errorf("add fd %d: %w", fd, ErrAlreadyRegistered)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set fd %d non-blocking: %w", fd, err)
	}

	s.pos[int32(fd)] = len(s.fds)
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	s.kinds = append(s.kinds, kind)

	return nil
}

// Remove stops watching fd. It doesn't close it.
func (s *Set) Remove(fd int) bool {
	i, ok := s.pos[int32(fd)]
	if !ok {
		return false
	}

	last := len(s.fds) - 1
	if i != last {
		s.fds[i] = s.fds[last]
		s.kinds[i] = s.kinds[last]
		s.pos[s.fds[i].Fd] = i
	}

	s.fds = s.fds[:last]
	s.kinds = s.kinds[:last]
	delete(s.pos, int32(fd))

	return true
}

func (s *Set) Contains(fd int) bool {
	_, ok := s.pos[int32(fd)]
	return ok
}

func (s *Set) Len() int {
	return len(s.fds)
}

// Ready holds the descriptors reported readable by a single Wait.
type Ready map[int]Kind

func (r Ready) Has(fd int) bool {
	_, ok := r[fd]
	return ok
}

// Wait blocks until at least one descriptor is readable or timeout elapses.
// A negative timeout waits indefinitely. Hang-ups and errors count as
// readable, so that the following read observes them. An interrupted wait
// returns an empty Ready.
func (s *Set) Wait(timeout time.Duration) (Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	for i := range s.fds {
		s.fds[i].Revents = 0
	}

	n, err := unix.Poll(s.fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Ready{}, nil
		}

		return nil, fmt.Errorf("poll: %w", err)
	}

	ready := make(Ready, n)

	for i, pfd := range s.fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ready[int(pfd.Fd)] = s.kinds[i]
		}
	}

	return ready, nil
}

// WaitReadable blocks until fd is readable or timeout elapses, retrying if
// interrupted. It reports false on timeout.
func WaitReadable(fd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			return false, nil
		}

		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

		n, err := unix.Poll(pfd, int(remaining.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return false, fmt.Errorf("poll fd %d: %w", fd, err)
		}

		if n > 0 {
			return true, nil
		}

		if remaining.Milliseconds() == 0 {
			return false, nil
		}
	}
}
