// Package output implements the supervisor side of a job: it runs the job
// process, frames its stdout and stderr into lines and relays them, followed
// by exactly one terminal status report, over a single channel to the
// server.
package output

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nixpig/jobworker/internal/protocol"
)

// Kind identifies what a relayed Message carries.
type Kind int

const (
	KindStdout Kind = iota
	KindStderr
	KindExit
	KindSignal
)

// NOTE: These tags go over the relay channel, so they must stay in sync with
// the Kind values above.
var kindTags = []string{
	"out",
	"err",
	"exit",
	"signal",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindTags) {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return kindTags[k]
}

var ErrMalformedMessage = errors.New("malformed relay message")

// Message is a single unit relayed from a supervisor to the server.
//
// For KindStdout and KindStderr, Text is a line of output. For KindExit it is
// the decimal exit status and for KindSignal the name of the signal.
type Message struct {
	Kind Kind
	PID  int
	Text string
}

// Terminal reports whether m is the final report for a job.
func (m Message) Terminal() bool {
	return m.Kind == KindExit || m.Kind == KindSignal
}

// Encode renders m as a relay line, without the terminator. The tag and pid
// come first so output containing anything at all can't be mistaken for a
// status report.
func (m Message) Encode() string {
	return fmt.Sprintf("%s %d %s", m.Kind, m.PID, m.Text)
}

// ClientLine renders m as sent to watching clients.
func (m Message) ClientLine() string {
	switch m.Kind {
	case KindStdout:
		return protocol.JobStdout(m.PID, m.Text)
	case KindStderr:
		return protocol.JobStderr(m.PID, m.Text)
	case KindExit:
		status, err := strconv.Atoi(m.Text)
		if err != nil {
			status = -1
		}

		return protocol.JobExited(m.PID, status)
	case KindSignal:
		return protocol.JobSignalled(m.PID)
	}

	return m.Text
}

// ParseMessage parses a relay line produced by Encode.
func ParseMessage(line string) (Message, error) {
	tag, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrMalformedMessage, line)
	}

	kind := Kind(-1)

	for i, t := range kindTags {
		if t == tag {
			kind = Kind(i)
			break
		}
	}

	if kind < 0 {
		return Message{}, fmt.Errorf("%w: unknown tag %q", ErrMalformedMessage, tag)
	}

	pidStr, text, _ := strings.Cut(rest, " ")

	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return Message{}, fmt.Errorf("%w: bad pid %q", ErrMalformedMessage, pidStr)
	}

	if kind == KindExit {
		if _, err := strconv.Atoi(text); err != nil {
			return Message{}, fmt.Errorf("%w: bad exit status %q", ErrMalformedMessage, text)
		}
	}

	return Message{Kind: kind, PID: pid, Text: text}, nil
}
