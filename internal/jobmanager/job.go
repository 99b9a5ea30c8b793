package jobmanager

import (
	"log/slog"
	"time"

	"github.com/nixpig/jobworker/internal/jobmanager/output"
	"github.com/nixpig/jobworker/internal/protocol"
	"github.com/nixpig/jobworker/internal/registry"
)

// Watcher receives the output of the jobs it watches. Watchers are compared
// by identity, so implementations should be pointers.
type Watcher interface {
	Send(line string) error
}

// Job is a program running under a supervisor. Its output arrives on the
// relay channel and is fanned out to its watchers.
type Job struct {
	name      string
	pid       int
	startedAt time.Time
	state     JobState

	supervisor Process
	channel    int
	framer     *protocol.Framer

	watchers *registry.List[Watcher]

	// report is the terminal report, once received.
	report *output.Message
}

func newJob(name string) *Job {
	return &Job{
		name:     name,
		state:    JobStateLaunching,
		channel:  -1,
		framer:   protocol.NewFramerSize(protocol.MaxRelayLength),
		watchers: registry.New[Watcher](),
	}
}

// PID returns the pid of the job process.
func (j *Job) PID() int {
	return j.pid
}

// SupervisorPID returns the pid of the job's supervisor, or 0 before it has
// been spawned.
func (j *Job) SupervisorPID() int {
	if j.supervisor == nil {
		return 0
	}

	return j.supervisor.Pid()
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) State() JobState {
	return j.state
}

// Channel returns the descriptor the job's output arrives on.
func (j *Job) Channel() int {
	return j.channel
}

func (j *Job) StartedAt() time.Time {
	return j.startedAt
}

// Report returns the terminal report if the job has exited.
func (j *Job) Report() (output.Message, bool) {
	if j.report == nil {
		return output.Message{}, false
	}

	return *j.report, true
}

// WatcherCount returns the number of watchers.
func (j *Job) WatcherCount() int {
	return j.watchers.Len()
}

// IsWatchedBy reports whether w is watching the job.
func (j *Job) IsWatchedBy(w Watcher) bool {
	_, _, ok := j.watchers.Find(func(v Watcher) bool { return v == w })
	return ok
}

func (j *Job) setState(to JobState) error {
	if !CanTransition(j.state, to) {
		return NewInvalidStateError(j.state, to)
	}

	j.state = to

	return nil
}

// toggleWatch adds w to the watch list, or removes it if already present.
// It reports whether w is watching afterwards.
func (j *Job) toggleWatch(w Watcher) bool {
	if h, _, ok := j.watchers.Find(func(v Watcher) bool { return v == w }); ok {
		j.watchers.Remove(h)
		return false
	}

	j.watchers.Append(w)

	return true
}

func (j *Job) unwatch(w Watcher) bool {
	h, _, ok := j.watchers.Find(func(v Watcher) bool { return v == w })
	if !ok {
		return false
	}

	j.watchers.Remove(h)

	return true
}

// broadcast sends line to every watcher in watch order. A watcher whose send
// fails is dropped without affecting the others. It returns the number of
// watchers the line was delivered to.
func (j *Job) broadcast(line string, logger *slog.Logger) int {
	delivered := 0

	for h, w := range j.watchers.All() {
		if err := w.Send(line); err != nil {
			logger.Debug("dropping watcher", "pid", j.pid, "err", err)
			j.watchers.Remove(h)
			continue
		}

		delivered++
	}

	return delivered
}
