// Command taskqueue operates a task queue from the shell.
//
// Subcommands:
//
//	migrate   apply pending schema migrations and exit
//	enqueue   create a job
//	work      run a worker pool executing shell handlers
//	length    count uncompleted jobs
//	progress  report the jobs of a group
//	cleanup   delete old completed or exhausted jobs
//
// The storage backend is chosen with TASKQUEUE_BACKEND (sqlite, postgres or
// redis); see internal/config for every variable.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhpenta/taskqueue/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "taskqueue",
		Short: "Persistent multi-worker task queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		enqueueCmd(),
		workCmd(),
		lengthCmd(),
		progressCmd(),
		cleanupCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the configured logger as default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
