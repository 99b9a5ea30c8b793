package poller

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Waker is a self-pipe. Its read end sits in a Set and Wake makes it
// readable, which interrupts a blocked Wait from any goroutine.
type Waker struct {
	r int
	w int

	mu     sync.Mutex
	closed bool
}

func NewWaker() (*Waker, error) {
	var p [2]int

	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}

	return &Waker{r: p[0], w: p[1]}, nil
}

// FD returns the descriptor to register with a Set.
func (w *Waker) FD() int {
	return w.r
}

// Wake is safe to call from any goroutine, any number of times, including
// after Close.
func (w *Waker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	// A full pipe is already readable.
	_, _ = unix.Write(w.w, []byte{0})
}

// Drain empties the pipe so the next Wait blocks again.
func (w *Waker) Drain() {
	var buf [64]byte

	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}
