package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/nixpig/jobworker/internal/protocol"
)

// TODO: Inject version at build time.
const version = "0.0.1"

type config struct {
	serverHostname string
	serverPort     string
}

type cli struct {
	sess *session

	// in is where interactive commands are read from.
	in io.Reader
}

func newCLI() *cli {
	return &cli{in: os.Stdin}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "jobctl",
		Short:        "CLI for interacting with a job server",
		Long:         "Without a sub-command, jobctl passes lines typed on stdin to the server and prints its replies.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dial(net.JoinHostPort(cfg.serverHostname, cfg.serverPort))
			if err != nil {
				return err
			}

			c.sess = sess

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.sess == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			if err := c.sess.close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.interactive(cmd.Context(), cmd.OutOrStdout())
		},
	}

	command.AddCommand(
		c.runCmd(),
		c.killCmd(),
		c.watchCmd(),
		c.jobsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.serverHostname,
		"server-hostname",
		"localhost",
		"Server hostname",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverPort,
		"server-port",
		"50000",
		"Server port",
	)

	return command
}

// interactive copies lines from stdin to the server and replies from the
// server to out until either side finishes.
func (c *cli) interactive(ctx context.Context, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			line, err := c.sess.readLine()
			if err != nil {
				return err
			}

			fmt.Fprintln(out, line)
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return c.sess.close()
	})

	// NOTE: Reads from stdin can't be cancelled, so this isn't part of the
	// group. It's abandoned if the server goes away first.
	go func() {
		prompt := false
		if f, ok := c.in.(*os.File); ok {
			prompt = term.IsTerminal(int(f.Fd()))
		}

		scanner := bufio.NewScanner(c.in)

		for {
			if prompt {
				fmt.Fprint(out, "> ")
			}

			if !scanner.Scan() {
				break
			}

			line := scanner.Text()

			if err := c.sess.send(line); err != nil {
				return
			}

			if line == "exit" {
				break
			}
		}

		c.sess.closeWrite()
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, errServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (c *cli) runCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "run [flags] JOB_NAME [JOB_ARGS]",
		Short:   "Run a job and print its output until it exits",
		Example: "  jobctl run echoer hello",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.sess.greet(); err != nil {
				return err
			}

			if err := c.sess.send("run " + strings.Join(args, " ")); err != nil {
				return err
			}

			line, err := c.sess.readLine()
			if err != nil {
				return err
			}

			var pid int
			if _, err := fmt.Sscanf(line, "[SERVER] Job %d created", &pid); err != nil {
				return serverError(line)
			}

			fmt.Fprintln(cmd.ErrOrStderr(), line)

			return c.follow(cmd.OutOrStdout(), cmd.ErrOrStderr(), pid)
		},
	}

	// Stop parsing args after first position so that flags passed to the job
	// are not interpreted by the jobctl CLI and are passed as-is.
	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) killCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "kill [flags] PID",
		Short:   "Interrupt a running job",
		Example: "  jobctl kill 4242",
		Args:    pidArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := parsePID(args[0])

			return c.oneShot(cmd.OutOrStdout(), "kill "+strconv.Itoa(pid), protocol.JobInterrupted(pid))
		},
	}

	return command
}

func (c *cli) watchCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "watch [flags] PID",
		Short:   "Print the output of a running job until it exits",
		Example: "  jobctl watch 4242",
		Args:    pidArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, _ := parsePID(args[0])

			if err := c.sess.greet(); err != nil {
				return err
			}

			if err := c.sess.send("watch " + strconv.Itoa(pid)); err != nil {
				return err
			}

			line, err := c.sess.readLine()
			if err != nil {
				return err
			}

			if line != protocol.WatchingJob(pid) {
				return serverError(line)
			}

			return c.follow(cmd.OutOrStdout(), cmd.ErrOrStderr(), pid)
		},
	}

	return command
}

func (c *cli) jobsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "jobs",
		Short:   "List running jobs",
		Example: "  jobctl jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.sess.greet(); err != nil {
				return err
			}

			if err := c.sess.send("jobs"); err != nil {
				return err
			}

			line, err := c.sess.readLine()
			if err != nil {
				return err
			}

			if line == protocol.MsgNoJobs {
				return nil
			}

			pids, ok := strings.CutPrefix(line, "[SERVER] Jobs:")
			if !ok {
				return serverError(line)
			}

			for _, pid := range strings.Fields(pids) {
				fmt.Fprintln(cmd.OutOrStdout(), pid)
			}

			return nil
		},
	}

	return command
}

// oneShot sends a command and checks its single line reply.
func (c *cli) oneShot(out io.Writer, command, want string) error {
	if err := c.sess.greet(); err != nil {
		return err
	}

	if err := c.sess.send(command); err != nil {
		return err
	}

	line, err := c.sess.readLine()
	if err != nil {
		return err
	}

	if line != want {
		return serverError(line)
	}

	fmt.Fprintln(out, line)

	return nil
}

// follow prints job output until the job's exit report.
func (c *cli) follow(out, errOut io.Writer, pid int) error {
	stdout := fmt.Sprintf("[JOB %d] ", pid)
	stderr := fmt.Sprintf("*(JOB %d)* ", pid)

	for {
		line, err := c.sess.readLine()
		if err != nil {
			return err
		}

		switch {
		case line == protocol.JobSignalled(pid):
			return errors.New("job exited due to signal")

		case strings.HasPrefix(line, stdout+"Exited with status "):
			var status int
			fmt.Sscanf(line, "[JOB %d] Exited with status %d", &pid, &status)

			if status != 0 {
				return fmt.Errorf("job exited with status %d", status)
			}

			return nil

		case strings.HasPrefix(line, stdout):
			fmt.Fprintln(out, strings.TrimPrefix(line, stdout))

		case strings.HasPrefix(line, stderr):
			fmt.Fprintln(errOut, strings.TrimPrefix(line, stderr))
		}
	}
}

// pidArg validates the pid before a connection is made.
func pidArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return err
	}

	_, err := parsePID(args[0])

	return err
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}

	return pid, nil
}
