package output

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// HandshakeSize is the length of the handshake, the job's pid in native
// byte order, that a supervisor writes before anything else.
const HandshakeSize = 4

// EncodeHandshake returns the handshake for pid.
func EncodeHandshake(pid int) []byte {
	return binary.NativeEndian.AppendUint32(nil, uint32(pid))
}

// DecodeHandshake returns the pid carried by a handshake.
func DecodeHandshake(b []byte) (int, error) {
	if len(b) != HandshakeSize {
		return 0, fmt.Errorf("handshake is %d bytes, want %d", len(b), HandshakeSize)
	}

	pid := int(binary.NativeEndian.Uint32(b))
	if pid <= 0 {
		return 0, fmt.Errorf("handshake carries invalid pid %d", pid)
	}

	return pid, nil
}

type SuperviseConfig struct {
	// JobsDir is the directory job executables are looked up in.
	JobsDir string
	Name    string
	Args    []string

	// Channel is the write end of the relay channel to the server.
	Channel *os.File
	Logger  *slog.Logger
}

// Supervise runs the job and relays its output on cfg.Channel until it
// exits. The job's pid is sent first, as the handshake.
func Supervise(ctx context.Context, cfg SuperviseConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	defer cfg.Channel.Close()

	// The channel arrives without close-on-exec. Neither the job nor anything
	// it starts may hold it, or the server can't see end of stream when the
	// supervisor exits.
	unix.CloseOnExec(int(cfg.Channel.Fd()))

	if filepath.Base(cfg.Name) != cfg.Name {
		return fmt.Errorf("invalid job name %q", cfg.Name)
	}

	var stdout, stderr [2]int

	if err := unix.Pipe2(stdout[:], unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := unix.Pipe2(stderr[:], unix.O_CLOEXEC); err != nil {
		unix.Close(stdout[0])
		unix.Close(stdout[1])
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	stdoutW := os.NewFile(uintptr(stdout[1]), "job-stdout")
	stderrW := os.NewFile(uintptr(stderr[1]), "job-stderr")

	cmd := &exec.Cmd{
		Path:   filepath.Join(cfg.JobsDir, cfg.Name),
		Args:   append([]string{cfg.Name}, cfg.Args...),
		Stdout: stdoutW,
		Stderr: stderrW,
	}

	err := cmd.Start()

	// The job holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	if err != nil {
		unix.Close(stdout[0])
		unix.Close(stderr[0])
		return fmt.Errorf("start job %s: %w", cfg.Name, err)
	}

	pid := cmd.Process.Pid

	logger.Debug("job started", "name", cfg.Name, "pid", pid)

	relay, err := NewRelay(RelayConfig{
		PID:     pid,
		Stdout:  stdout[0],
		Stderr:  stderr[0],
		Channel: cfg.Channel,
		Wait:    waitPID(pid),
		Interrupt: func() error {
			return unix.Kill(pid, unix.SIGINT)
		},
		Logger: logger,
	})
	if err != nil {
		unix.Close(stdout[0])
		unix.Close(stderr[0])
		unix.Kill(pid, unix.SIGKILL)
		waitBlocking(pid)
		return err
	}

	if _, err := cfg.Channel.Write(EncodeHandshake(pid)); err != nil {
		// Nobody is listening, so there's no point running the job.
		unix.Kill(pid, unix.SIGKILL)
		waitBlocking(pid)
		relay.closeSources()
		return fmt.Errorf("send handshake: %w", err)
	}

	return relay.Run(ctx)
}

// waitPID returns a WaitFunc that reaps pid once it has exited or been
// killed by a signal. exec.Cmd.Wait is never used, so reaping is entirely
// down to this.
func waitPID(pid int) WaitFunc {
	return func() (Status, bool, error) {
		for {
			var ws unix.WaitStatus

			wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}

				return Status{}, false, err
			}

			if wpid == 0 {
				return Status{}, false, nil
			}

			switch {
			case ws.Exited():
				return Status{Code: ws.ExitStatus()}, true, nil
			case ws.Signaled():
				return Status{Signaled: true, Signal: ws.Signal()}, true, nil
			}

			// Stopped or continued; still running.
			return Status{}, false, nil
		}
	}
}

func waitBlocking(pid int) {
	var ws unix.WaitStatus

	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}
