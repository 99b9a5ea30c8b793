// Package serverlog writes the job server's persistent transcript: every
// message sent to a client, every command received, and the activation
// banners bracketing each run of the server. Entries are appended to a file
// and mirrored to a second writer, typically stdout.
package serverlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const separator = "=========================================================="

// Log is the transcript. It is safe for concurrent use, although the server
// only writes to it from its event loop.
type Log struct {
	mu   sync.Mutex
	file afero.File
	out  io.Writer
	now  func() time.Time
}

// Open opens path for appending on fs, creating it if necessary. A nil out
// disables mirroring.
func Open(fs afero.Fs, path string, out io.Writer) (*Log, error) {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open server log %s: %w", path, err)
	}

	if out == nil {
		out = io.Discard
	}

	return &Log{file: f, out: out, now: time.Now}, nil
}

// Message records a single line.
func (l *Log) Message(line string) error {
	return l.write(line + "\n")
}

// Startup records the activation banner.
func (l *Log) Startup() error {
	return l.banner("Activated")
}

// Shutdown records the de-activation banner.
func (l *Log) Shutdown() error {
	return l.banner("De-activated")
}

func (l *Log) banner(event string) error {
	var b strings.Builder

	fmt.Fprintln(&b, separator)
	fmt.Fprintf(&b, "[SERVER] %s: %s\n", event, l.now().Format(time.ANSIC))
	fmt.Fprintln(&b, separator)

	return l.write(b.String())
}

func (l *Log) write(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The mirror is informational; the file is the record.
	_, _ = io.WriteString(l.out, s)

	if _, err := io.WriteString(l.file, s); err != nil {
		return fmt.Errorf("write server log: %w", err)
	}

	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close server log: %w", err)
	}

	return nil
}
