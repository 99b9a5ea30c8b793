package main

import (
	"errors"

	"github.com/google/uuid"

	"github.com/nixpig/jobworker/internal/netsock"
	"github.com/nixpig/jobworker/internal/protocol"
	"github.com/nixpig/jobworker/internal/registry"
	"github.com/nixpig/jobworker/internal/serverlog"
)

var errClientClosed = errors.New("client connection closed")

// client is a connected client. It is also a watcher of the jobs it
// watches.
type client struct {
	id     uuid.UUID
	fd     int
	peer   string
	handle registry.Handle
	framer *protocol.Framer
	closed bool

	// broken is set once a line reached the client only in part. Nothing
	// more is sent and the server drops the client at the end of the tick.
	broken bool

	transcript *serverlog.Log
}

func newClient(fd int, peer string, transcript *serverlog.Log) *client {
	return &client{
		id:         uuid.New(),
		fd:         fd,
		peer:       peer,
		framer:     protocol.NewFramer(),
		transcript: transcript,
	}
}

// Send writes a single line to the client and records it in the server log.
// Delivery is best effort: a client that can't take the line right away
// gets an error rather than holding up the server.
func (c *client) Send(line string) error {
	if c.closed || c.broken {
		return errClientClosed
	}

	// NOTE: The server log is informational, a failure to record a line
	// shouldn't stop it reaching the client.
	_ = c.transcript.Message(line)

	err := netsock.WriteAll(c.fd, []byte(line+protocol.Terminator))
	if errors.Is(err, netsock.ErrPartialWrite) {
		c.broken = true
	}

	return err
}
