package main

import (
	"errors"

	"github.com/nixpig/jobworker/internal/jobmanager"
	"github.com/nixpig/jobworker/internal/protocol"
)

// execute runs a single command line from c. It reports false if c should
// be disconnected.
func (s *server) execute(c *client, line string) bool {
	cmd, err := s.parser.Match(line)

	switch cmd {
	case protocol.CommandInternalError:
		s.logger.Error("match command", "client", c.id, "line", line, "err", err)
		return s.reply(c, protocol.CouldNotExecute(line))

	case protocol.CommandInvalid:
		return s.reply(c, protocol.InvalidCommand(line), protocol.MsgWelcome)

	case protocol.CommandCommands:
		return s.reply(c, protocol.Help()...)

	case protocol.CommandJobs:
		pids := s.manager.Jobs()
		if len(pids) == 0 {
			return s.reply(c, protocol.MsgNoJobs)
		}

		return s.reply(c, protocol.JobList(pids))

	case protocol.CommandJobList:
		infos := s.manager.Describe()
		if len(infos) == 0 {
			return s.reply(c, protocol.MsgNoJobs)
		}

		lines := make([]string, 0, len(infos))
		for _, info := range infos {
			lines = append(lines, protocol.JobDetail(
				info.PID,
				info.SupervisorPID,
				info.State.String(),
				info.Watchers,
			))
		}

		return s.reply(c, lines...)

	case protocol.CommandRun:
		return s.run(c, line)

	case protocol.CommandKill:
		pid, err := protocol.ParsePID(line)
		if err != nil {
			return s.reply(c, protocol.InvalidCommand(line), protocol.MsgWelcome)
		}

		if err := s.manager.Kill(pid); err != nil {
			return s.reply(c, s.mapError(c, "kill job", pid, "", err))
		}

		return s.reply(c, protocol.JobInterrupted(pid))

	case protocol.CommandWatch:
		pid, err := protocol.ParsePID(line)
		if err != nil {
			return s.reply(c, protocol.InvalidCommand(line), protocol.MsgWelcome)
		}

		watching, err := s.manager.Watch(pid, c)
		if err != nil {
			return s.reply(c, s.mapError(c, "watch job", pid, "", err))
		}

		if watching {
			return s.reply(c, protocol.WatchingJob(pid))
		}

		return s.reply(c, protocol.NotWatchingJob(pid))

	case protocol.CommandExit:
		return false
	}

	s.logger.Error("unhandled command", "client", c.id, "command", cmd)

	return true
}

func (s *server) run(c *client, line string) bool {
	name, args, err := protocol.ParseRun(line)
	if err != nil {
		return s.reply(c, protocol.MsgJobNameRequired)
	}

	// On success the job confirms its creation to c, its first watcher.
	if _, err := s.manager.Run(name, args, c); err != nil {
		if errors.Is(err, jobmanager.ErrNoWatcher) {
			return false
		}

		return s.reply(c, s.mapError(c, "run job", 0, name, err))
	}

	return true
}

// mapError translates jobmanager errors to replies.
func (s *server) mapError(c *client, logMsg string, pid int, name string, err error) string {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		s.logger.Debug(logMsg, "client", c.id, "pid", pid, "err", err)
		return protocol.JobNotFound(pid)

	case errors.As(err, new(jobmanager.InvalidStateError)):
		s.logger.Debug(logMsg, "client", c.id, "pid", pid, "err", err)
		return protocol.JobAlreadyExited(pid)

	case errors.Is(err, jobmanager.ErrTooManyJobs):
		s.logger.Warn(logMsg, "client", c.id, "err", err)
		return protocol.MsgTooManyJobs

	case errors.Is(err, jobmanager.ErrNoJobName):
		return protocol.MsgJobNameRequired

	case name != "":
		s.logger.Error(logMsg, "client", c.id, "name", name, "err", err)
		return protocol.CouldNotRun(name)

	default:
		s.logger.Error(logMsg, "client", c.id, "pid", pid, "err", err)
		return protocol.CouldNotDo(logMsg, pid)
	}
}
