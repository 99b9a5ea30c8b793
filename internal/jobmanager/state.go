package jobmanager

type JobState int

const (
	// JobStateUnknown indicates the state of the job is unknown. It's used as
	// the zero value for functions that return a (possibly absent) JobState.
	JobStateUnknown JobState = iota

	// JobStateLaunching indicates the supervisor process is being spawned.
	JobStateLaunching

	// JobStateAwaitingHandshake indicates the supervisor has been spawned and
	// the server is waiting for it to report the pid of the job process.
	JobStateAwaitingHandshake

	// JobStateRunning indicates the job process is running and its output is
	// being relayed. The job can be killed and watched.
	JobStateRunning

	// JobStateStopping indicates the job process has been sent an interrupt
	// but hasn't yet reported that it exited.
	JobStateStopping

	// JobStateExited indicates the supervisor has reported how the job process
	// ended. Output may still be in flight until the channel closes.
	JobStateExited

	// JobStateRemoved indicates the job has been taken out of the registry and
	// its resources released.
	JobStateRemoved

	// JobStateFailed indicates the job couldn't be started, e.g. the supervisor
	// failed to spawn or never completed the handshake.
	JobStateFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the JobState
// values.
var jobStates = []string{
	"Unknown",
	"Launching",
	"AwaitingHandshake",
	"Running",
	"Stopping",
	"Exited",
	"Removed",
	"Failed",
}

// String implements the Stringer interface for JobState and returns a string
// representation of the JobState by using the int value to index into a slice.
func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStates) {
		return jobStates[0]
	}

	return jobStates[s]
}

// transitions lists the states each state may move to.
var transitions = map[JobState][]JobState{
	JobStateLaunching:         {JobStateAwaitingHandshake, JobStateFailed},
	JobStateAwaitingHandshake: {JobStateRunning, JobStateFailed},
	JobStateRunning:           {JobStateStopping, JobStateExited, JobStateRemoved},
	JobStateStopping:          {JobStateStopping, JobStateExited, JobStateRemoved},
	JobStateExited:            {JobStateRemoved},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}
