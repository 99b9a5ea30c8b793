package jobmanager

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/nixpig/jobworker/internal/jobmanager/output"
	"github.com/nixpig/jobworker/internal/poller"
	"github.com/nixpig/jobworker/internal/protocol"
	"github.com/nixpig/jobworker/internal/registry"
)

const (
	DefaultMaxJobs          = 32
	DefaultHandshakeTimeout = 2 * time.Second
	DefaultReapTimeout      = 2 * time.Second
)

// Readiness is the set of descriptors the caller's event loop waits on.
type Readiness interface {
	Add(fd int, kind poller.Kind) error
	Remove(fd int) bool
}

type Options struct {
	// MaxJobs bounds the number of jobs held at once.
	MaxJobs int

	// HandshakeTimeout bounds the wait for a new supervisor to report the
	// job's pid.
	HandshakeTimeout time.Duration

	// ReapTimeout bounds the wait for a supervisor to exit once its channel is
	// closed, after which the process group is killed.
	ReapTimeout time.Duration

	Logger *slog.Logger
}

// JobInfo is a snapshot of a Job.
type JobInfo struct {
	PID           int
	SupervisorPID int
	Name          string
	State         JobState
	Watchers      int
	StartedAt     time.Time
}

// Manager is responsible for launching and tracking Jobs. It isn't safe for
// concurrent use.
type Manager struct {
	launcher  Launcher
	readiness Readiness
	opts      Options
	logger    *slog.Logger

	jobs  *registry.List[*Job]
	byPID map[int]registry.Handle
}

// NewManager creates a Manager that launches jobs with launcher and
// registers their channels with readiness.
func NewManager(launcher Launcher, readiness Readiness, opts Options) *Manager {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if opts.ReapTimeout <= 0 {
		opts.ReapTimeout = DefaultReapTimeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		launcher:  launcher,
		readiness: readiness,
		opts:      opts,
		logger:    logger,
		jobs:      registry.New[*Job](),
		byPID:     make(map[int]registry.Handle),
	}
}

// Run launches the named job and makes first its first watcher, confirming
// the launch to it. If the confirmation can't be delivered the job is torn
// down again, so no job starts out unwatched.
func (m *Manager) Run(name string, args []string, first Watcher) (*Job, error) {
	if m.jobs.Len() >= m.opts.MaxJobs {
		return nil, ErrTooManyJobs
	}

	if name == "" {
		return nil, ErrNoJobName
	}

	if filepath.Base(name) != name || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobName, name)
	}

	job := newJob(name)

	spawn, err := m.launcher.Launch(name, args)
	if err != nil {
		job.state = JobStateFailed
		return nil, fmt.Errorf("launch job %s: %w", name, err)
	}

	job.supervisor = spawn.Supervisor
	job.channel = spawn.Channel

	if err := job.setState(JobStateAwaitingHandshake); err != nil {
		return nil, err
	}

	pid, err := m.handshake(spawn.Channel)
	if err != nil {
		job.state = JobStateFailed
		m.abandon(job)

		return nil, fmt.Errorf("%w: job %s: %w", ErrHandshake, name, err)
	}

	job.pid = pid
	job.startedAt = time.Now()

	if err := m.readiness.Add(job.channel, poller.KindJobOutput); err != nil {
		job.state = JobStateFailed
		m.abandon(job)

		return nil, fmt.Errorf("register job %d channel: %w", pid, err)
	}

	if err := job.setState(JobStateRunning); err != nil {
		return nil, err
	}

	m.byPID[pid] = m.jobs.Append(job)

	m.logger.Info(
		"job started",
		"name", name,
		"pid", pid,
		"supervisor", job.SupervisorPID(),
	)

	job.toggleWatch(first)

	if err := first.Send(protocol.JobCreated(pid)); err != nil {
		m.logger.Warn("tearing down unwatched job", "pid", pid, "err", err)

		m.interrupt(job)

		if rerr := m.Remove(pid); rerr != nil {
			m.logger.Warn("remove unwatched job", "pid", pid, "err", rerr)
		}

		return nil, fmt.Errorf("%w: %w", ErrNoWatcher, err)
	}

	return job, nil
}

// handshake reads the job pid from a new supervisor's channel, waiting no
// longer than the handshake timeout.
func (m *Manager) handshake(fd int) (int, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	buf := make([]byte, output.HandshakeSize)
	n := 0

	for n < len(buf) {
		ready, err := poller.WaitReadable(fd, time.Until(deadline))
		if err != nil {
			return 0, err
		}

		if !ready {
			return 0, fmt.Errorf("timed out after %s", m.opts.HandshakeTimeout)
		}

		r, err := unix.Read(fd, buf[n:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}

			return 0, err
		}

		if r == 0 {
			return 0, io.ErrUnexpectedEOF
		}

		n += r
	}

	return output.DecodeHandshake(buf)
}

// abandon cleans up after a supervisor that never became a running job.
func (m *Manager) abandon(job *Job) {
	unix.Close(job.channel)
	job.channel = -1

	if err := job.supervisor.Signal(os.Interrupt); err != nil {
		m.logger.Debug("interrupt supervisor", "supervisor", job.SupervisorPID(), "err", err)
	}

	if err := m.reap(job.supervisor); err != nil {
		m.logger.Warn("reap supervisor", "supervisor", job.SupervisorPID(), "err", err)
	}
}

// reap waits for a supervisor to exit, killing its process group if it
// takes longer than the reap timeout.
func (m *Manager) reap(p Process) error {
	done := make(chan error, 1)

	go func() {
		done <- p.Wait()
	}()

	var (
		err      error
		timedOut bool
	)

	select {
	case err = <-done:
	case <-time.After(m.opts.ReapTimeout):
		timedOut = true

		if kerr := p.Kill(); kerr != nil {
			m.logger.Warn("kill supervisor", "supervisor", p.Pid(), "err", kerr)
		}

		err = <-done
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		m.logger.Debug("supervisor exited", "supervisor", p.Pid(), "status", exitErr.ExitCode())
		err = nil
	}

	if timedOut {
		return fmt.Errorf("supervisor %d killed after %s", p.Pid(), m.opts.ReapTimeout)
	}

	return err
}

// Get returns the Job with the given pid or ErrJobNotFound if it doesn't
// exist.
func (m *Manager) Get(pid int) (*Job, error) {
	h, ok := m.byPID[pid]
	if !ok {
		return nil, ErrJobNotFound
	}

	job, ok := m.jobs.Get(h)
	if !ok {
		return nil, ErrJobNotFound
	}

	return job, nil
}

// All iterates the jobs in the order they were started.
func (m *Manager) All() iter.Seq[*Job] {
	return func(yield func(*Job) bool) {
		for _, job := range m.jobs.All() {
			if !yield(job) {
				return
			}
		}
	}
}

func (m *Manager) Len() int {
	return m.jobs.Len()
}

// Jobs returns the pids of all jobs in the order they were started.
func (m *Manager) Jobs() []int {
	pids := make([]int, 0, m.jobs.Len())

	for job := range m.All() {
		pids = append(pids, job.pid)
	}

	return pids
}

// Describe returns a snapshot of every job in the order they were started.
func (m *Manager) Describe() []JobInfo {
	infos := make([]JobInfo, 0, m.jobs.Len())

	for job := range m.All() {
		infos = append(infos, JobInfo{
			PID:           job.pid,
			SupervisorPID: job.SupervisorPID(),
			Name:          job.name,
			State:         job.state,
			Watchers:      job.WatcherCount(),
			StartedAt:     job.startedAt,
		})
	}

	return infos
}

// Kill asks the job process to terminate by sending it an interrupt. The job
// stays registered until its channel reaches end of stream. Killing a job
// that has already exited returns an InvalidStateError.
func (m *Manager) Kill(pid int) error {
	job, err := m.Get(pid)
	if err != nil {
		return err
	}

	if err := job.setState(JobStateStopping); err != nil {
		return err
	}

	if err := unix.Kill(job.pid, unix.SIGINT); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// Gone, though its report hasn't been read yet.
			return NewInvalidStateError(JobStateExited, JobStateStopping)
		}

		return fmt.Errorf("interrupt job %d: %w", pid, err)
	}

	m.logger.Info("job interrupted", "pid", pid)

	return nil
}

// Watch toggles whether w watches the job. It reports whether w is watching
// afterwards.
func (m *Manager) Watch(pid int, w Watcher) (bool, error) {
	job, err := m.Get(pid)
	if err != nil {
		return false, err
	}

	return job.toggleWatch(w), nil
}

// UnwatchAll removes w from every job's watch list.
func (m *Manager) UnwatchAll(w Watcher) int {
	removed := 0

	for job := range m.All() {
		if job.unwatch(w) {
			removed++
		}
	}

	return removed
}

// Pump reads at most one buffer's worth from the job's channel and
// broadcasts each complete line to its watchers. Anything left is picked up
// on a later call, once the channel is reported readable again. It returns
// io.EOF once the supervisor has closed the channel; the caller should then
// Remove the job.
func (m *Manager) Pump(job *Job) error {
	var n int

	for {
		var err error

		n, err = unix.Read(job.channel, job.framer.Room())
		if err == nil {
			break
		}

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		}

		return fmt.Errorf("read job %d channel: %w", job.pid, err)
	}

	if n == 0 {
		return io.EOF
	}

	job.framer.Commit(n)

	for {
		line, ok, err := job.framer.Next()
		if err != nil {
			return fmt.Errorf("job %d channel: %w", job.pid, err)
		}

		if !ok {
			return nil
		}

		m.dispatch(job, line)
	}
}

func (m *Manager) dispatch(job *Job, line string) {
	msg, err := output.ParseMessage(line)
	if err != nil {
		m.logger.Warn("discarding relay line", "pid", job.pid, "err", err)
		return
	}

	if msg.Terminal() {
		if job.report != nil {
			m.logger.Warn("duplicate terminal report", "pid", job.pid)
			return
		}

		job.report = &msg

		if err := job.setState(JobStateExited); err != nil {
			m.logger.Warn("job state", "pid", job.pid, "err", err)
		}

		m.logger.Info("job exited", "pid", job.pid, "report", msg.Text)
	}

	job.broadcast(msg.ClientLine(), m.logger)
}

// Remove takes the job out of the registry, closes its channel and reaps its
// supervisor. A job that hasn't reported its exit is interrupted first.
func (m *Manager) Remove(pid int) error {
	job, err := m.Get(pid)
	if err != nil {
		return err
	}

	m.jobs.Remove(m.byPID[pid])
	delete(m.byPID, pid)

	m.readiness.Remove(job.channel)
	unix.Close(job.channel)
	job.channel = -1

	if job.report == nil {
		m.interrupt(job)
	}

	job.watchers.Clear()

	if err := job.setState(JobStateRemoved); err != nil {
		m.logger.Warn("job state", "pid", pid, "err", err)
	}

	if err := m.reap(job.supervisor); err != nil {
		return fmt.Errorf("remove job %d: %w", pid, err)
	}

	m.logger.Debug("job removed", "pid", pid)

	return nil
}

func (m *Manager) interrupt(job *Job) {
	if err := unix.Kill(job.pid, unix.SIGINT); err != nil && !errors.Is(err, unix.ESRCH) {
		m.logger.Warn("interrupt job", "pid", job.pid, "err", err)
	}
}

// Shutdown interrupts every job and then removes them all, waiting for each
// supervisor in turn and killing any that don't exit in time.
func (m *Manager) Shutdown() error {
	pids := m.Jobs()

	for job := range m.All() {
		if job.report == nil {
			m.interrupt(job)
		}
	}

	var result *multierror.Error

	for _, pid := range pids {
		if err := m.Remove(pid); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
