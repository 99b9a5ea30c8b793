package protocol

import (
	"bytes"
	"errors"
)

const (
	// MaxLineLength is the maximum length of a line, including its terminator.
	MaxLineLength = 256

	// MaxRelayLength bounds lines on a job's relay channel. It leaves room for
	// the message tag and pid in front of a full-length line of job output.
	MaxRelayLength = MaxLineLength + 32

	// Terminator ends every line on the wire.
	Terminator = "\r\n"
)

var ErrLineTooLong = errors.New("line exceeds maximum length")

// FindNetworkNewline returns the offset immediately following the first
// "\r\n" in buf, or -1 if buf doesn't contain one.
func FindNetworkNewline(buf []byte) int {
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i + 2
		}
	}

	return -1
}

// findNewline returns the offset immediately following the first '\n' in buf
// and the length of the line without its terminator (and any '\r' before it),
// or -1 if buf doesn't contain one.
func findNewline(buf []byte) (int, int) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return -1, -1
	}

	end := i
	if end > 0 && buf[end-1] == '\r' {
		end--
	}

	return i + 1, end
}

// Framer accumulates bytes in a fixed-capacity buffer and splits them into
// lines. It is not safe for concurrent use.
//
// A strict Framer only recognises "\r\n" and fails with ErrLineTooLong when
// the buffer fills up without one. A lenient Framer also accepts a bare "\n"
// and hands back a full buffer as a line rather than failing, which suits
// the output of arbitrary programs.
type Framer struct {
	buf     []byte
	n       int
	lenient bool
}

// NewFramer creates a strict Framer bounded to MaxLineLength.
func NewFramer() *Framer {
	return NewFramerSize(MaxLineLength)
}

// NewFramerSize creates a strict Framer bounded to size bytes.
func NewFramerSize(size int) *Framer {
	return &Framer{buf: make([]byte, size)}
}

// NewLenientFramer creates a lenient Framer bounded to MaxLineLength.
func NewLenientFramer() *Framer {
	return &Framer{buf: make([]byte, MaxLineLength), lenient: true}
}

// Room returns the unused tail of the buffer. Read directly into it and call
// Commit with the number of bytes read.
func (f *Framer) Room() []byte {
	return f.buf[f.n:]
}

// Commit marks n bytes of Room as filled.
func (f *Framer) Commit(n int) {
	f.n += min(n, len(f.buf)-f.n)
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return f.n
}

// Next returns the next complete line with its terminator removed and shifts
// the residual bytes to the front of the buffer. ok is false if no complete
// line is buffered yet and more bytes must be read.
func (f *Framer) Next() (line string, ok bool, err error) {
	var consumed, end int

	if f.lenient {
		consumed, end = findNewline(f.buf[:f.n])
	} else {
		consumed = FindNetworkNewline(f.buf[:f.n])
		end = consumed - len(Terminator)
	}

	if consumed < 0 {
		if f.n < len(f.buf) {
			return "", false, nil
		}

		if !f.lenient {
			return "", false, ErrLineTooLong
		}

		consumed, end = f.n, f.n
	}

	line = string(f.buf[:end])

	f.n = copy(f.buf, f.buf[consumed:f.n])

	return line, true, nil
}

// Flush returns whatever is buffered as a final, unterminated line, e.g. when
// the source has reached end of stream.
func (f *Framer) Flush() (string, bool) {
	if f.n == 0 {
		return "", false
	}

	line := string(f.buf[:f.n])
	f.n = 0

	return line, true
}

// Feed writes p through the Framer and calls emit for every complete line,
// in order. It stops at the first error from emit or from framing.
func (f *Framer) Feed(p []byte, emit func(line string) error) error {
	for len(p) > 0 {
		c := copy(f.buf[f.n:], p)
		f.n += c
		p = p[c:]

		for {
			line, ok, err := f.Next()
			if err != nil {
				return err
			}

			if !ok {
				break
			}

			if err := emit(line); err != nil {
				return err
			}
		}
	}

	return nil
}
