// Package protocol implements the line-oriented wire protocol spoken between
// the job server and its clients.
//
// Every message is a single line terminated by a network newline ("\r\n") and
// no longer than MaxLineLength bytes. A Framer turns raw, possibly partial,
// non-blocking reads into complete lines, and a Parser validates each line
// against the ordered table of supported commands.
package protocol
