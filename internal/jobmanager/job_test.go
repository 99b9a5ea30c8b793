package jobmanager

import (
	"errors"
	"log/slog"
	"slices"
	"testing"
)

type testWatcher struct {
	lines []string
	err   error
}

func (w *testWatcher) Send(line string) error {
	if w.err != nil {
		return w.err
	}

	w.lines = append(w.lines, line)

	return nil
}

func TestJob(t *testing.T) {
	t.Parallel()

	t.Run("Test initial state", func(t *testing.T) {
		t.Parallel()

		job := newJob("echoer")

		if job.State() != JobStateLaunching {
			t.Errorf("expected state: got '%s', want '%s'", job.State(), JobStateLaunching)
		}

		if job.Channel() != -1 {
			t.Errorf("expected no channel: got '%d'", job.Channel())
		}

		if job.SupervisorPID() != 0 {
			t.Errorf("expected no supervisor: got '%d'", job.SupervisorPID())
		}

		if _, ok := job.Report(); ok {
			t.Errorf("expected no report")
		}
	})

	t.Run("Test lifecycle transitions", func(t *testing.T) {
		t.Parallel()

		job := newJob("echoer")

		for _, to := range []JobState{
			JobStateAwaitingHandshake,
			JobStateRunning,
			JobStateStopping,
			JobStateStopping,
			JobStateExited,
			JobStateRemoved,
		} {
			if err := job.setState(to); err != nil {
				t.Fatalf("expected transition to '%s': got '%v'", to, err)
			}
		}
	})

	t.Run("Test invalid transition", func(t *testing.T) {
		t.Parallel()

		job := newJob("echoer")

		err := job.setState(JobStateRunning)

		var stateErr InvalidStateError
		if !errors.As(err, &stateErr) {
			t.Fatalf("expected InvalidStateError: got '%v'", err)
		}

		if stateErr.From() != JobStateLaunching {
			t.Errorf("expected from state: got '%s', want '%s'", stateErr.From(), JobStateLaunching)
		}

		if job.State() != JobStateLaunching {
			t.Errorf("expected state unchanged: got '%s'", job.State())
		}
	})

	t.Run("Test exited is final until removed", func(t *testing.T) {
		t.Parallel()

		for _, to := range []JobState{
			JobStateRunning,
			JobStateStopping,
			JobStateExited,
			JobStateFailed,
		} {
			if CanTransition(JobStateExited, to) {
				t.Errorf("expected no transition from Exited to '%s'", to)
			}
		}
	})

	t.Run("Test watch toggle", func(t *testing.T) {
		t.Parallel()

		job := newJob("echoer")
		w := &testWatcher{}

		if !job.toggleWatch(w) {
			t.Errorf("expected to be watching after first toggle")
		}

		if !job.IsWatchedBy(w) {
			t.Errorf("expected watcher to be registered")
		}

		if job.toggleWatch(w) {
			t.Errorf("expected not to be watching after second toggle")
		}

		if job.WatcherCount() != 0 {
			t.Errorf("expected no watchers: got '%d'", job.WatcherCount())
		}

		if job.unwatch(w) {
			t.Errorf("expected unwatch of absent watcher to report false")
		}
	})

	t.Run("Test broadcast drops failing watcher", func(t *testing.T) {
		t.Parallel()

		job := newJob("echoer")

		first := &testWatcher{}
		broken := &testWatcher{err: errors.New("broken pipe")}
		last := &testWatcher{}

		job.toggleWatch(first)
		job.toggleWatch(broken)
		job.toggleWatch(last)

		logger := slog.New(slog.DiscardHandler)

		if got := job.broadcast("one", logger); got != 2 {
			t.Errorf("expected deliveries: got '%d', want '2'", got)
		}

		if got := job.broadcast("two", logger); got != 2 {
			t.Errorf("expected deliveries: got '%d', want '2'", got)
		}

		for _, w := range []*testWatcher{first, last} {
			if !slices.Equal(w.lines, []string{"one", "two"}) {
				t.Errorf("expected lines in order: got '%q'", w.lines)
			}
		}

		if job.IsWatchedBy(broken) {
			t.Errorf("expected failing watcher to be dropped")
		}
	})

	t.Run("Test state names", func(t *testing.T) {
		t.Parallel()

		if got := JobState(999).String(); got != "Unknown" {
			t.Errorf("expected unknown state: got '%s'", got)
		}

		if got := JobStateAwaitingHandshake.String(); got != "AwaitingHandshake" {
			t.Errorf("expected state name: got '%s'", got)
		}
	})
}
