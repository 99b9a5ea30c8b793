package jobmanager

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SupervisorCommand is the hidden sub-command of the server binary that
// runs the supervisor role.
const SupervisorCommand = "_supervise"

// Process is a spawned supervisor.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error

	// Kill forcibly ends the supervisor together with the job it started.
	Kill() error

	// Wait blocks until the supervisor exits and releases its resources.
	Wait() error
}

// Spawn is a freshly launched supervisor and the read end of its relay
// channel.
type Spawn struct {
	Supervisor Process
	Channel    int
}

// Launcher spawns supervisors.
type Launcher interface {
	Launch(name string, args []string) (*Spawn, error)
}

// ProcessLauncher launches supervisors by re-executing a binary, usually the
// server itself, with SupervisorCommand. The write end of the relay channel
// is passed as fd 3.
type ProcessLauncher struct {
	Executable string
	JobsDir    string

	// Stderr receives the supervisor's diagnostics. Nil discards them.
	Stderr io.Writer
}

func (l *ProcessLauncher) Launch(name string, args []string) (*Spawn, error) {
	var p [2]int

	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create relay channel: %w", err)
	}

	w := os.NewFile(uintptr(p[1]), "relay")

	argv := append(
		[]string{SupervisorCommand, "--jobs-dir", l.JobsDir, "--", name},
		args...,
	)

	cmd := exec.Command(l.Executable, argv...)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stderr = l.Stderr
	// Own process group, so the job and supervisor can be killed together and
	// a terminal interrupt aimed at the server doesn't reach them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Start()

	w.Close()

	if err != nil {
		unix.Close(p[0])
		return nil, fmt.Errorf("start supervisor: %w", err)
	}

	return &Spawn{Supervisor: &supervisorProcess{cmd: cmd}, Channel: p[0]}, nil
}

type supervisorProcess struct {
	cmd *exec.Cmd
}

func (p *supervisorProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *supervisorProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *supervisorProcess) Kill() error {
	// The supervisor leads its process group.
	if err := unix.Kill(-p.Pid(), unix.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}

	return nil
}

func (p *supervisorProcess) Wait() error {
	return p.cmd.Wait()
}
