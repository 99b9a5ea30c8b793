package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/nixpig/jobworker/internal/protocol"
)

// replyBufferSize bounds a single line from the server. Relayed job output
// can be longer than a command line once the job prefix is added.
const replyBufferSize = 4096

var errServerClosed = errors.New("server closed the connection")

// session is a connection to a job server.
type session struct {
	conn   net.Conn
	framer *protocol.Framer
}

func dial(addr string) (*session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	return &session{
		conn:   conn,
		framer: protocol.NewFramerSize(replyBufferSize),
	}, nil
}

// readLine returns the next line from the server with its terminator
// removed.
func (s *session) readLine() (string, error) {
	for {
		line, ok, err := s.framer.Next()
		if err != nil {
			return "", err
		}

		if ok {
			return line, nil
		}

		n, err := s.conn.Read(s.framer.Room())
		if n > 0 {
			s.framer.Commit(n)
			continue
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errServerClosed
			}

			return "", err
		}
	}
}

func (s *session) send(line string) error {
	if _, err := io.WriteString(s.conn, line+protocol.Terminator); err != nil {
		return fmt.Errorf("send command: %w", err)
	}

	return nil
}

// greet consumes the greeting the server sends on connect.
func (s *session) greet() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}

	if line != protocol.MsgConnectionAccepted {
		return serverError(line)
	}

	if _, err := s.readLine(); err != nil {
		return err
	}

	return nil
}

// closeWrite tells the server nothing more is coming, while still letting
// its replies through.
func (s *session) closeWrite() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}

	return nil
}

func (s *session) close() error {
	return s.conn.Close()
}

// serverError turns a server reply into an error for the user.
func serverError(line string) error {
	return errors.New(strings.TrimPrefix(line, "[SERVER] "))
}
