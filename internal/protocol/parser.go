package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrPatternEngine = errors.New("command pattern engine failure")
	ErrNoJobName     = errors.New("no job name")
	ErrNoPID         = errors.New("no pid")
)

// Command identifies which entry of the command table a line matched.
type Command int

const (
	CommandCommands Command = iota
	CommandJobs
	CommandRun
	CommandKill
	CommandWatch
	CommandExit
	CommandJobList

	// CommandInvalid is returned when no pattern matched.
	CommandInvalid Command = -1

	// CommandInternalError is returned when the pattern engine failed and the
	// validity of the line is unknown.
	CommandInternalError Command = -2
)

// NOTE: Kept in sync with the Command values above and with DefaultPatterns.
var commandNames = []string{
	"commands",
	"jobs",
	"run",
	"kill",
	"watch",
	"exit",
	"joblist",
}

func (c Command) String() string {
	switch {
	case c == CommandInvalid:
		return "invalid"
	case c == CommandInternalError:
		return "internal error"
	case int(c) < 0 || int(c) >= len(commandNames):
		return fmt.Sprintf("command(%d)", int(c))
	}

	return commandNames[c]
}

// DefaultPatterns is the ordered command table. The index of a pattern is
// its Command value; the first match wins.
var DefaultPatterns = []string{
	`^commands$`,
	`^jobs$`,
	`^run (.+)$`,
	`^kill ([0-9]+)$`,
	`^watch ([0-9]+)$`,
	`^exit$`,
	`^joblist$`,
}

// Parser validates lines against an ordered table of patterns. Patterns are
// compiled on first use. It is not safe for concurrent use.
type Parser struct {
	patterns []string
	compiled []*regexp.Regexp
	err      error
}

// NewParser creates a Parser over the given patterns, or DefaultPatterns if
// none are given.
func NewParser(patterns ...string) *Parser {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	return &Parser{patterns: patterns}
}

func (p *Parser) compile() error {
	if p.compiled != nil || p.err != nil {
		return p.err
	}

	compiled := make([]*regexp.Regexp, 0, len(p.patterns))

	for _, pattern := range p.patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			p.err = fmt.Errorf("%w: compile %q: %w", ErrPatternEngine, pattern, err)
			return p.err
		}

		compiled = append(compiled, re)
	}

	p.compiled = compiled

	return nil
}

// Match returns the Command of the first pattern matching line. It returns
// CommandInvalid if nothing matches, or CommandInternalError together with an
// error wrapping ErrPatternEngine if the table can't be evaluated.
func (p *Parser) Match(line string) (Command, error) {
	if err := p.compile(); err != nil {
		return CommandInternalError, err
	}

	for i, re := range p.compiled {
		if re.MatchString(line) {
			return Command(i), nil
		}
	}

	return CommandInvalid, nil
}

// ParseRun splits a "run" line into the job name and its arguments.
func ParseRun(line string) (string, []string, error) {
	rest, ok := strings.CutPrefix(line, "run")
	if !ok {
		return "", nil, ErrNoJobName
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, ErrNoJobName
	}

	return fields[0], fields[1:], nil
}

// ParsePID returns the pid argument of a "kill" or "watch" line.
func ParsePID(line string) (int, error) {
	_, arg, ok := strings.Cut(line, " ")
	if !ok || arg == "" {
		return 0, ErrNoPID
	}

	pid, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("parse pid %q: %w", arg, err)
	}

	return pid, nil
}
