package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nixpig/jobworker/internal/protocol"
)

// pollInterval bounds how long the relay waits on the job's pipes before
// checking whether the job has exited. The job's descendants can hold the
// pipes open after the job itself is gone.
const pollInterval = 100 * time.Millisecond

// Status is how a job process ended.
type Status struct {
	Code     int
	Signaled bool
	Signal   unix.Signal
}

func (s Status) message(pid int) Message {
	if s.Signaled {
		return Message{Kind: KindSignal, PID: pid, Text: unix.SignalName(s.Signal)}
	}

	return Message{Kind: KindExit, PID: pid, Text: fmt.Sprint(s.Code)}
}

// WaitFunc checks, without blocking, whether the job has ended. It reports
// false while the job is still running.
type WaitFunc func() (Status, bool, error)

// Relay forwards a running job's output to the server. It owns the read
// ends of the job's stdout and stderr pipes and closes them when done.
type Relay struct {
	pid       int
	sources   []*source
	channel   io.Writer
	wait      WaitFunc
	interrupt func() error
	logger    *slog.Logger

	interrupted bool
	broken      bool
}

type source struct {
	fd     int
	kind   Kind
	framer *protocol.Framer
}

type RelayConfig struct {
	PID int

	// Stdout and Stderr are the read ends of the job's output pipes.
	Stdout int
	Stderr int

	Channel   io.Writer
	Wait      WaitFunc
	Interrupt func() error
	Logger    *slog.Logger
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	for _, fd := range []int{cfg.Stdout, cfg.Stderr} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("set output pipe non-blocking: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Relay{
		pid: cfg.PID,
		sources: []*source{
			{fd: cfg.Stdout, kind: KindStdout, framer: protocol.NewLenientFramer()},
			{fd: cfg.Stderr, kind: KindStderr, framer: protocol.NewLenientFramer()},
		},
		channel:   cfg.Channel,
		wait:      cfg.Wait,
		interrupt: cfg.Interrupt,
		logger:    logger,
	}, nil
}

// Run relays output until the job has exited and then sends its terminal
// report. Cancelling ctx interrupts the job but Run still waits for it to
// exit, so the report is always the last thing sent.
func (r *Relay) Run(ctx context.Context) error {
	defer r.closeSources()

	for {
		if ctx.Err() != nil {
			r.interruptOnce("cancelled")
		}

		if err := r.pollOnce(pollInterval); err != nil {
			return err
		}

		status, exited, err := r.wait()
		if err != nil {
			return fmt.Errorf("wait for job %d: %w", r.pid, err)
		}

		if exited {
			r.drain()

			return r.report(status)
		}
	}
}

func (r *Relay) pollOnce(timeout time.Duration) error {
	fds := make([]unix.PollFd, 0, len(r.sources))
	open := make([]*source, 0, len(r.sources))

	for _, s := range r.sources {
		if s.fd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
			open = append(open, s)
		}
	}

	// With nothing left to read this only paces the wait checks.
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}

		return fmt.Errorf("poll job output: %w", err)
	}

	if n == 0 {
		return nil
	}

	for i, s := range open {
		if fds[i].Revents != 0 {
			r.readSource(s)
		}
	}

	return nil
}

// readSource reads what is available from s without blocking and forwards
// each complete line. At end of stream any partial line is forwarded too.
func (r *Relay) readSource(s *source) {
	for {
		room := s.framer.Room()

		n, err := unix.Read(s.fd, room)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			if !errors.Is(err, unix.EAGAIN) {
				r.logger.Warn("read job output", "pid", r.pid, "kind", s.kind, "err", err)
				r.closeSource(s)
			}

			return
		}

		if n == 0 {
			r.closeSource(s)
			return
		}

		s.framer.Commit(n)

		for {
			line, ok, _ := s.framer.Next()
			if !ok {
				break
			}

			r.forward(Message{Kind: s.kind, PID: r.pid, Text: line})
		}
	}
}

// drain collects whatever the job wrote before exiting.
func (r *Relay) drain() {
	for _, s := range r.sources {
		if s.fd >= 0 {
			r.readSource(s)
		}

		if line, ok := s.framer.Flush(); ok {
			r.forward(Message{Kind: s.kind, PID: r.pid, Text: line})
		}
	}
}

func (r *Relay) forward(m Message) {
	if r.broken {
		return
	}

	if err := r.send(m); err != nil {
		r.logger.Warn("relay job output", "pid", r.pid, "err", err)
		r.broken = true
		r.interruptOnce("relay write failed")
	}
}

func (r *Relay) report(status Status) error {
	m := status.message(r.pid)

	r.logger.Debug("job ended", "pid", r.pid, "report", m.Encode())

	if r.broken {
		return fmt.Errorf("relay channel for job %d failed before terminal report", r.pid)
	}

	if err := r.send(m); err != nil {
		return fmt.Errorf("send terminal report for job %d: %w", r.pid, err)
	}

	return nil
}

func (r *Relay) send(m Message) error {
	_, err := io.WriteString(r.channel, m.Encode()+protocol.Terminator)
	return err
}

func (r *Relay) interruptOnce(reason string) {
	if r.interrupted || r.interrupt == nil {
		return
	}

	r.interrupted = true

	r.logger.Debug("interrupting job", "pid", r.pid, "reason", reason)

	if err := r.interrupt(); err != nil {
		r.logger.Warn("interrupt job", "pid", r.pid, "err", err)
	}
}

func (r *Relay) closeSource(s *source) {
	if s.fd < 0 {
		return
	}

	unix.Close(s.fd)
	s.fd = -1
}

func (r *Relay) closeSources() {
	for _, s := range r.sources {
		r.closeSource(s)
	}
}
