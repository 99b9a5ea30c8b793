package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nixpig/jobworker/internal/jobmanager"
	"github.com/nixpig/jobworker/internal/serverlog"
)

func rootCmd() *cobra.Command {
	cfg := &config{}

	c := &cobra.Command{
		Use:          "jobserver",
		Short:        "Line-based TCP server for running and watching jobs",
		Example:      "jobserver --port 50000 --jobs-dir ./jobs",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			files := afero.NewOsFs()

			if err := cfg.load(cmd.Flags(), files, os.LookupEnv); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()

			return runServer(ctx, cfg, newLogger(cfg.debug), files)
		},
	}

	cfg.addFlags(c.Flags())

	c.AddCommand(superviseCmd())

	return c
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func runServer(
	ctx context.Context,
	cfg *config,
	logger *slog.Logger,
	files afero.Fs,
) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find server executable: %w", err)
	}

	jobsDir, err := filepath.Abs(cfg.jobsDir)
	if err != nil {
		return fmt.Errorf("resolve jobs dir: %w", err)
	}

	transcript, err := serverlog.Open(files, cfg.logPath, os.Stdout)
	if err != nil {
		return err
	}
	defer transcript.Close()

	launcher := &jobmanager.ProcessLauncher{
		Executable: exe,
		JobsDir:    jobsDir,
		Stderr:     os.Stderr,
	}

	s, err := newServer(cfg, logger, transcript, launcher)
	if err != nil {
		return err
	}

	return s.serve(ctx)
}
