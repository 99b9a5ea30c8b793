package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrTooManyJobs    = errors.New("too many jobs")
	ErrNoJobName      = errors.New("no job name")
	ErrInvalidJobName = errors.New("invalid job name")
	ErrHandshake      = errors.New("supervisor handshake failed")
	ErrNoWatcher      = errors.New("could not add first watcher")
)

// InvalidStateError is returned when attempting an invalid Job state
// transition.
type InvalidStateError struct {
	from JobState
	to   JobState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

// From returns the state the job was in.
func (e InvalidStateError) From() JobState {
	return e.from
}

func NewInvalidStateError(from, to JobState) InvalidStateError {
	return InvalidStateError{from, to}
}
