package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/nixpig/jobworker/internal/jobmanager"
	"github.com/nixpig/jobworker/internal/jobmanager/output"
)

// relayChannelFD is where the launcher passes the write end of the relay
// channel.
const relayChannelFD = 3

func superviseCmd() *cobra.Command {
	var (
		jobsDir string
		debug   bool
	)

	c := &cobra.Command{
		Use:          jobmanager.SupervisorCommand + " -- name [args...]",
		Short:        "Run a single job and relay its output to the server",
		Hidden:       true,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := unix.FcntlInt(relayChannelFD, unix.F_GETFD, 0); err != nil {
				return errors.New("relay channel not open, supervisor must be started by the server")
			}

			channel := os.NewFile(relayChannelFD, "relay")

			logger := newLogger(debug).With("supervisor", os.Getpid())

			// Caught rather than ignored, so the job starts with default
			// dispositions.
			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()

			err := output.Supervise(ctx, output.SuperviseConfig{
				JobsDir: jobsDir,
				Name:    args[0],
				Args:    args[1:],
				Channel: channel,
				Logger:  logger,
			})
			if err != nil {
				logger.Error("supervise job", "name", args[0], "err", err)
			}

			return err
		},
	}

	c.Flags().StringVar(&jobsDir, "jobs-dir", "jobs", "Directory containing runnable jobs")
	c.Flags().BoolVar(&debug, "debug", false, "Enable debug logs")

	// Everything after the job name belongs to the job.
	c.Flags().SetInterspersed(false)

	return c
}
