package output_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/nixpig/jobworker/internal/jobmanager/output"
	"github.com/nixpig/jobworker/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeJob struct {
	stdout [2]int
	stderr [2]int

	exited       atomic.Bool
	status       output.Status
	interrupts   atomic.Int32
	exitOnSigint bool
	closed       bool
}

func newFakeJob(t *testing.T) *fakeJob {
	t.Helper()

	j := &fakeJob{}

	if err := unix.Pipe2(j.stdout[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if err := unix.Pipe2(j.stderr[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(j.closeWriters)

	return j
}

// closeWriters plays the job closing its end of the output pipes.
func (j *fakeJob) closeWriters() {
	if j.closed {
		return
	}

	j.closed = true

	unix.Close(j.stdout[1])
	unix.Close(j.stderr[1])
}

func (j *fakeJob) write(t *testing.T, fd int, s string) {
	t.Helper()

	if _, err := unix.Write(fd, []byte(s)); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
}

func (j *fakeJob) wait() (output.Status, bool, error) {
	return j.status, j.exited.Load(), nil
}

func (j *fakeJob) interrupt() error {
	j.interrupts.Add(1)

	if j.exitOnSigint {
		j.status = output.Status{Signaled: true, Signal: unix.SIGINT}
		j.exited.Store(true)
	}

	return nil
}

func (j *fakeJob) relay(t *testing.T, channel *bytes.Buffer) *output.Relay {
	t.Helper()

	r, err := output.NewRelay(output.RelayConfig{
		PID:       99,
		Stdout:    j.stdout[0],
		Stderr:    j.stderr[0],
		Channel:   channel,
		Wait:      j.wait,
		Interrupt: j.interrupt,
	})
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return r
}

func relayed(t *testing.T, channel *bytes.Buffer) []output.Message {
	t.Helper()

	var msgs []output.Message

	for line := range strings.SplitSeq(strings.TrimSuffix(channel.String(), protocol.Terminator), protocol.Terminator) {
		m, err := output.ParseMessage(line)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		msgs = append(msgs, m)
	}

	return msgs
}

func texts(msgs []output.Message, kind output.Kind) []string {
	var got []string

	for _, m := range msgs {
		if m.Kind == kind {
			got = append(got, m.Text)
		}
	}

	return got
}

func TestRelay(t *testing.T) {
	t.Parallel()

	t.Run("Test output then exit report", func(t *testing.T) {
		t.Parallel()

		j := newFakeJob(t)
		j.write(t, j.stdout[1], "one\ntwo\r\n")
		j.write(t, j.stderr[1], "oops\n")
		j.write(t, j.stdout[1], "three")
		j.status = output.Status{Code: 3}
		j.exited.Store(true)

		var channel bytes.Buffer

		if err := j.relay(t, &channel).Run(context.Background()); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		msgs := relayed(t, &channel)

		if got := texts(msgs, output.KindStdout); !slices.Equal(got, []string{"one", "two", "three"}) {
			t.Errorf("expected stdout in order: got '%q'", got)
		}

		if got := texts(msgs, output.KindStderr); !slices.Equal(got, []string{"oops"}) {
			t.Errorf("expected stderr: got '%q'", got)
		}

		last := msgs[len(msgs)-1]
		if last.Kind != output.KindExit || last.Text != "3" || last.PID != 99 {
			t.Errorf("expected exit report last: got '%+v'", last)
		}

		for _, m := range msgs[:len(msgs)-1] {
			if m.Terminal() {
				t.Errorf("expected exactly one terminal report: got '%+v'", m)
			}
		}
	})

	t.Run("Test cancel interrupts job", func(t *testing.T) {
		t.Parallel()

		j := newFakeJob(t)
		j.exitOnSigint = true
		j.write(t, j.stdout[1], "bye\n")
		j.closeWriters()

		var channel bytes.Buffer

		r := j.relay(t, &channel)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := r.Run(ctx); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		msgs := relayed(t, &channel)

		if got := texts(msgs, output.KindStdout); !slices.Equal(got, []string{"bye"}) {
			t.Errorf("expected stdout: got '%q'", got)
		}

		last := msgs[len(msgs)-1]
		if last.Kind != output.KindSignal || last.Text != "SIGINT" {
			t.Errorf("expected signal report last: got '%+v'", last)
		}

		if j.interrupts.Load() != 1 {
			t.Errorf("expected single interrupt: got '%d'", j.interrupts.Load())
		}
	})

	t.Run("Test write failure interrupts job", func(t *testing.T) {
		t.Parallel()

		j := newFakeJob(t)
		j.exitOnSigint = true
		j.write(t, j.stdout[1], "a\nb\nc\n")

		r, err := output.NewRelay(output.RelayConfig{
			PID:       99,
			Stdout:    j.stdout[0],
			Stderr:    j.stderr[0],
			Channel:   failingWriter{},
			Wait:      j.wait,
			Interrupt: j.interrupt,
		})
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := r.Run(context.Background()); err == nil {
			t.Errorf("expected to receive error")
		}

		if j.interrupts.Load() != 1 {
			t.Errorf("expected single interrupt: got '%d'", j.interrupts.Load())
		}
	})
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken channel")
}

func TestSupervise(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	script := "#!/bin/sh\necho \"hello $1\"\necho oops >&2\nexit 3\n"
	if err := os.WriteFile(filepath.Join(dir, "echoer"), []byte(script), 0o755); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Run("Test handshake then output", func(t *testing.T) {
		t.Parallel()

		pr, pw, err := os.Pipe()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer pr.Close()

		if err := output.Supervise(context.Background(), output.SuperviseConfig{
			JobsDir: dir,
			Name:    "echoer",
			Args:    []string{"world"},
			Channel: pw,
		}); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		var data bytes.Buffer
		if _, err := data.ReadFrom(pr); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		raw := data.Bytes()
		if len(raw) < output.HandshakeSize {
			t.Fatalf("expected handshake: got '%d' bytes", len(raw))
		}

		pid, err := output.DecodeHandshake(raw[:output.HandshakeSize])
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		var rest bytes.Buffer
		rest.Write(raw[output.HandshakeSize:])

		msgs := relayed(t, &rest)

		if got := texts(msgs, output.KindStdout); !slices.Equal(got, []string{"hello world"}) {
			t.Errorf("expected stdout: got '%q'", got)
		}

		if got := texts(msgs, output.KindStderr); !slices.Equal(got, []string{"oops"}) {
			t.Errorf("expected stderr: got '%q'", got)
		}

		want := output.Message{Kind: output.KindExit, PID: pid, Text: "3"}
		if last := msgs[len(msgs)-1]; last != want {
			t.Errorf("expected exit report: got '%+v', want '%+v'", last, want)
		}
	})

	t.Run("Test missing job", func(t *testing.T) {
		t.Parallel()

		pr, pw, err := os.Pipe()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer pr.Close()

		if err := output.Supervise(context.Background(), output.SuperviseConfig{
			JobsDir: dir,
			Name:    "missing",
			Channel: pw,
		}); err == nil {
			t.Errorf("expected to receive error")
		}

		var data bytes.Buffer
		data.ReadFrom(pr)

		if data.Len() != 0 {
			t.Errorf("expected no handshake: got '%d' bytes", data.Len())
		}
	})

	t.Run("Test path in job name", func(t *testing.T) {
		t.Parallel()

		pr, pw, err := os.Pipe()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}
		defer pr.Close()

		if err := output.Supervise(context.Background(), output.SuperviseConfig{
			JobsDir: dir,
			Name:    "../echoer",
			Channel: pw,
		}); err == nil {
			t.Errorf("expected to receive error")
		}
	})
}
