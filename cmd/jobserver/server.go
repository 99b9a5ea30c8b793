package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/nixpig/jobworker/internal/jobmanager"
	"github.com/nixpig/jobworker/internal/netsock"
	"github.com/nixpig/jobworker/internal/poller"
	"github.com/nixpig/jobworker/internal/protocol"
	"github.com/nixpig/jobworker/internal/registry"
	"github.com/nixpig/jobworker/internal/serverlog"
)

const msgCouldNotAccept = "[SERVER] Could not accept client"

// server owns every client connection and job channel and services them from
// a single readiness loop. None of its state is touched from any other
// goroutine.
type server struct {
	cfg        *config
	logger     *slog.Logger
	transcript *serverlog.Log

	set      *poller.Set
	waker    *poller.Waker
	listener int

	clients *registry.List[*client]
	manager *jobmanager.Manager
	parser  *protocol.Parser
}

func newServer(
	cfg *config,
	logger *slog.Logger,
	transcript *serverlog.Log,
	launcher jobmanager.Launcher,
) (*server, error) {
	listener, err := netsock.Listen(cfg.host, cfg.port, cfg.backlog)
	if err != nil {
		return nil, err
	}

	waker, err := poller.NewWaker()
	if err != nil {
		netsock.Close(listener)
		return nil, err
	}

	set := poller.NewSet()

	for fd, kind := range map[int]poller.Kind{
		listener:   poller.KindListener,
		waker.FD(): poller.KindWake,
	} {
		if err := set.Add(fd, kind); err != nil {
			netsock.Close(listener)
			waker.Close()
			return nil, err
		}
	}

	s := &server{
		cfg:        cfg,
		logger:     logger,
		transcript: transcript,
		set:        set,
		waker:      waker,
		listener:   listener,
		clients:    registry.New[*client](),
		parser:     protocol.NewParser(),
	}

	s.manager = jobmanager.NewManager(launcher, set, jobmanager.Options{
		MaxJobs:          cfg.maxJobs,
		HandshakeTimeout: cfg.handshakeTimeout,
		ReapTimeout:      cfg.shutdownTimeout,
		Logger:           logger,
	})

	return s, nil
}

// port returns the port the server is listening on.
func (s *server) port() (int, error) {
	return netsock.LocalPort(s.listener)
}

// serve runs the event loop until ctx is cancelled, then shuts down.
func (s *server) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.waker.Wake)
	defer stop()

	if err := s.transcript.Startup(); err != nil {
		s.logger.Warn("write server log", "err", err)
	}

	port, _ := s.port()
	s.logger.Info("server listening", "host", s.cfg.host, "port", port)

	for {
		ready, err := s.set.Wait(-1)
		if err != nil {
			stop()
			return errors.Join(err, s.shutdown())
		}

		if ctx.Err() != nil {
			stop()
			return s.shutdown()
		}

		if ready.Has(s.waker.FD()) {
			s.waker.Drain()
		}

		if ready.Has(s.listener) {
			s.acceptClients()
		}

		for _, c := range s.clients.All() {
			if ready.Has(c.fd) {
				s.serviceClient(c)
			}
		}

		for job := range s.manager.All() {
			if ready.Has(job.Channel()) {
				s.serviceJob(job)
			}
		}

		s.dropBrokenClients()
	}
}

// dropBrokenClients disconnects clients left holding half a line.
func (s *server) dropBrokenClients() {
	for _, c := range s.clients.All() {
		if c.broken {
			s.logger.Info("client fell behind", "client", c.id)
			s.removeClient(c)
		}
	}
}

// acceptClients accepts every pending connection.
func (s *server) acceptClients() {
	for {
		fd, peer, err := netsock.Accept(s.listener)
		if err != nil {
			if !errors.Is(err, netsock.ErrWouldBlock) {
				s.logger.Warn("accept client", "err", err)
				s.logMessage(msgCouldNotAccept)
			}

			return
		}

		c := newClient(fd, peer, s.transcript)

		if err := s.set.Add(fd, poller.KindClient); err != nil {
			s.logger.Warn("register client", "peer", peer, "err", err)
			s.logMessage(msgCouldNotAccept)
			netsock.Close(fd)

			continue
		}

		c.handle = s.clients.Append(c)

		s.logger.Info("client connected", "client", c.id, "peer", peer, "fd", fd)

		if !s.reply(c, protocol.MsgConnectionAccepted, protocol.MsgWelcome) {
			s.removeClient(c)
		}
	}
}

// serviceClient reads what the client has sent and executes every complete
// command in order.
func (s *server) serviceClient(c *client) {
	n, err := netsock.Read(c.fd, c.framer.Room())
	if err != nil {
		if errors.Is(err, netsock.ErrWouldBlock) {
			return
		}

		if !netsock.IsExpectedCloseError(err) {
			s.logger.Warn("read from client", "client", c.id, "err", err)
		}

		s.removeClient(c)

		return
	}

	c.framer.Commit(n)

	for {
		line, ok, err := c.framer.Next()
		if err != nil {
			s.logger.Info("client line too long", "client", c.id)
			s.reply(c, protocol.MsgLineTooLong)
			s.removeClient(c)

			return
		}

		if !ok {
			return
		}

		s.logMessage(protocol.ClientCommand(c.fd, line))

		if !s.execute(c, line) {
			s.removeClient(c)
			return
		}
	}
}

func (s *server) serviceJob(job *jobmanager.Job) {
	err := s.manager.Pump(job)
	if err == nil {
		return
	}

	if !errors.Is(err, io.EOF) {
		s.logger.Warn("read job channel", "pid", job.PID(), "err", err)
	}

	if err := s.manager.Remove(job.PID()); err != nil {
		s.logger.Warn("remove job", "pid", job.PID(), "err", err)
	}
}

// reply sends lines to c in order. It reports false if c couldn't take them.
func (s *server) reply(c *client, lines ...string) bool {
	for _, line := range lines {
		if err := c.Send(line); err != nil {
			if !netsock.IsExpectedCloseError(err) {
				s.logger.Debug("send to client", "client", c.id, "err", err)
			}

			return false
		}
	}

	return true
}

// removeClient disconnects c and takes it off every job's watch list.
func (s *server) removeClient(c *client) {
	if _, ok := s.clients.Remove(c.handle); !ok {
		return
	}

	s.set.Remove(c.fd)
	s.manager.UnwatchAll(c)

	c.closed = true

	if err := netsock.Close(c.fd); err != nil {
		s.logger.Warn("close client", "client", c.id, "err", err)
	}

	s.logMessage(protocol.ClientClosed(c.fd))

	s.logger.Info(
		"client disconnected",
		"client", c.id,
		"peer", c.peer,
		"remaining", s.clients.Len(),
	)
}

func (s *server) logMessage(line string) {
	if err := s.transcript.Message(line); err != nil {
		s.logger.Warn("write server log", "err", err)
	}
}

// shutdown tells every client the server is going away, stops every job and
// releases every descriptor.
func (s *server) shutdown() error {
	s.logger.Info("shutting down", "clients", s.clients.Len(), "jobs", s.manager.Len())

	var result *multierror.Error

	for _, c := range s.clients.All() {
		s.reply(c, protocol.MsgShutdown)
	}

	if err := s.manager.Shutdown(); err != nil {
		result = multierror.Append(result, fmt.Errorf("shut down jobs: %w", err))
	}

	for _, c := range s.clients.All() {
		s.removeClient(c)
	}

	s.set.Remove(s.listener)

	if err := netsock.Close(s.listener); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.waker.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.transcript.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
