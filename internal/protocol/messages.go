package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Messages sent by the server. None of them include the Terminator.
const (
	MsgConnectionAccepted = "[SERVER] Connection accepted"
	MsgWelcome            = `[SERVER] Type "commands" to view valid commands`
	MsgNoJobs             = "[SERVER] No currently running jobs"
	MsgTooManyJobs        = "[SERVER] MAXJOBS exceeded"
	MsgJobNameRequired    = "[SERVER] Job name required"
	MsgLineTooLong        = "[SERVER] Line too long"
	MsgShutdown           = "[SERVER] Shutting down"
)

var help = []struct {
	usage string
	desc  string
}{
	{"jobs", "list the currently running jobs"},
	{"joblist", "list the currently running jobs with their details"},
	{"run [jobname] [args]", `run a new job "jobname" with arguments (0+ args)`},
	{"watch [pid]", "watch (or stop watching) the output of the job with pid"},
	{"kill [pid]", "kill the job with pid"},
	{"exit", "close your connection with the server"},
}

// Help returns the command listing sent in reply to "commands".
func Help() []string {
	lines := make([]string, 0, len(help))

	for _, h := range help {
		lines = append(lines, fmt.Sprintf("[SERVER] %-22s%s", h.usage+":", h.desc))
	}

	return lines
}

func JobList(pids []int) string {
	var b strings.Builder

	b.WriteString("[SERVER] Jobs:")

	for _, pid := range pids {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(pid))
	}

	return b.String()
}

func JobDetail(pid, supervisorPid int, state string, watchers int) string {
	return fmt.Sprintf(
		"[SERVER] Job %d (supervisor %d): %s, %d watching",
		pid,
		supervisorPid,
		state,
		watchers,
	)
}

func JobCreated(pid int) string {
	return fmt.Sprintf("[SERVER] Job %d created", pid)
}

func CouldNotRun(name string) string {
	return fmt.Sprintf("[SERVER] Could not run job %s", name)
}

// CouldNotDo reports an unexpected failure of action, e.g. "kill job", on
// the job with pid.
func CouldNotDo(action string, pid int) string {
	return fmt.Sprintf("[SERVER] Could not %s %d", action, pid)
}

func JobNotFound(pid int) string {
	return fmt.Sprintf("[SERVER] Job %d not found", pid)
}

func JobInterrupted(pid int) string {
	return fmt.Sprintf("[SERVER] Sent interrupt to job %d", pid)
}

func JobAlreadyExited(pid int) string {
	return fmt.Sprintf("[SERVER] Job %d has already exited", pid)
}

func WatchingJob(pid int) string {
	return fmt.Sprintf("[SERVER] Watching job %d", pid)
}

func NotWatchingJob(pid int) string {
	return fmt.Sprintf("[SERVER] No longer watching job %d", pid)
}

// CouldNotExecute reports a command whose validity couldn't be determined.
// Nothing was executed.
func CouldNotExecute(line string) string {
	return "[SERVER] Could not execute command: " + line
}

func InvalidCommand(line string) string {
	return "[SERVER] Invalid command: " + line
}

func ClientCommand(fd int, line string) string {
	return fmt.Sprintf("[CLIENT %d] %s", fd, line)
}

func ClientClosed(fd int) string {
	return fmt.Sprintf("[CLIENT %d] Connection closed", fd)
}

func JobStdout(pid int, line string) string {
	return fmt.Sprintf("[JOB %d] %s", pid, line)
}

func JobStderr(pid int, line string) string {
	return fmt.Sprintf("*(JOB %d)* %s", pid, line)
}

func JobExited(pid, status int) string {
	return fmt.Sprintf("[JOB %d] Exited with status %d", pid, status)
}

func JobSignalled(pid int) string {
	return fmt.Sprintf("[JOB %d] Exited due to signal", pid)
}
