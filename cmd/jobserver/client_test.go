package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/nixpig/jobworker/internal/netsock"
	"github.com/nixpig/jobworker/internal/serverlog"
)

func TestClientSend(t *testing.T) {
	t.Parallel()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	transcript, err := serverlog.Open(afero.NewMemMapFs(), "server.log", nil)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { transcript.Close() })

	c := newClient(fds[0], "test", transcript)

	if err := c.Send("[SERVER] Jobs: 1"); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if c.broken {
		t.Fatalf("expected client not to be broken after a whole line")
	}

	// Nobody reads the other end, so only part of this fits.
	if err := c.Send(strings.Repeat("x", 4<<20)); !errors.Is(err, netsock.ErrPartialWrite) {
		t.Fatalf("expected ErrPartialWrite: got '%v'", err)
	}

	if !c.broken {
		t.Errorf("expected client to be marked broken")
	}

	if err := c.Send("[SERVER] No currently running jobs"); !errors.Is(err, errClientClosed) {
		t.Errorf("expected errClientClosed after a partial line: got '%v'", err)
	}
}
