// Package jobmanager launches and tracks jobs: programs run from a jobs
// directory, each under its own supervisor process.
//
// A Manager owns the Job registry. Running a job spawns a supervisor which
// starts the job process, reports its pid back over a private channel and
// then relays the job's output lines and a final exit report on that same
// channel. The Manager reads those channels when the caller's readiness loop
// reports them readable and fans each line out to the job's watchers.
//
// A Manager isn't safe for concurrent use. It's driven entirely from the
// server's single event loop.
package jobmanager
