package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/worker"
)

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := migrate(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			logger.Info("migrations applied", "backend", cfg.Backend)
			return nil
		},
	}
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		group     string
		reference string
		notBefore string
	)
	cmd := &cobra.Command{
		Use:   "enqueue TYPE [DATA|-]",
		Short: "Create a job; DATA '-' reads the payload from stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 2 {
				if args[1] == "-" {
					if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				} else {
					data = []byte(args[1])
				}
			}

			queue, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			opts := []taskqueue.CreateOption{
				taskqueue.WithGroup(group),
				taskqueue.WithReference(reference),
			}
			if notBefore != "" {
				opts = append(opts, taskqueue.WithNotBeforeExpr(notBefore))
			}

			id, err := queue.CreateJob(cmd.Context(), args[0], data, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "group tag")
	cmd.Flags().StringVar(&reference, "reference", "", "free-text label shown in progress reports")
	cmd.Flags().StringVar(&notBefore, "not-before", "", `earliest start, e.g. "+ 1 Min", "-90s" or "2009-07-01 12:00:00"`)
	return cmd
}

// ── work ──────────────────────────────────────────────────────────────────────

func workCmd() *cobra.Command {
	var (
		handlers []string
		policy   taskqueue.Policy
		group    string
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run a worker pool executing shell handlers",
		Long: "Each --handler TYPE=COMMAND runs COMMAND through sh for jobs of TYPE,\n" +
			"with the job data on stdin. A non-zero exit marks the job failed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if len(handlers) == 0 {
				return fmt.Errorf("at least one --handler is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			queue, closeQueue, err := openQueue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			pool := worker.New(queue,
				worker.WithGroup(group),
				worker.WithConcurrency(cfg.WorkerConcurrency),
				worker.WithPollInterval(cfg.WorkerPollInterval),
				worker.WithSweepInterval(cfg.WorkerSweepInterval),
				worker.WithLogger(logger),
			)
			for _, spec := range handlers {
				jobType, command, err := parseHandlerSpec(spec)
				if err != nil {
					return err
				}
				pool.Register(jobType, shellHandler(command), policy)
			}

			if once {
				n := 0
				for pool.RunOnce(ctx) {
					n++
				}
				logger.Info("queue drained", "jobs", n)
				return nil
			}
			return pool.Start(ctx)
		},
	}
	cmd.Flags().StringArrayVar(&handlers, "handler", nil, "TYPE=COMMAND, repeatable")
	cmd.Flags().DurationVar(&policy.Timeout, "timeout", 0, "claim timeout per job (0 uses TASKQUEUE_DEFAULT_TIMEOUT)")
	cmd.Flags().IntVar(&policy.Retries, "retries", 0, "attempts before a job is given up (0 uses TASKQUEUE_DEFAULT_RETRIES)")
	cmd.Flags().DurationVar(&policy.Rate, "rate", 0, "minimum spacing between two jobs of the same type")
	cmd.Flags().StringVar(&group, "group", "", "only run jobs of this group")
	cmd.Flags().BoolVar(&once, "once", false, "process available jobs, then exit")
	return cmd
}

// ── length ────────────────────────────────────────────────────────────────────

func lengthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "length [TYPE]",
		Short: "Count uncompleted jobs, optionally of one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			queue, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			jobType := ""
			if len(args) == 1 {
				jobType = args[0]
			}
			n, err := queue.Length(cmd.Context(), jobType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

// ── progress ──────────────────────────────────────────────────────────────────

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress GROUP",
		Short: "Report every job of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			queue, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()

			entries, err := queue.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeProgress(cmd.OutOrStdout(), entries)
		},
	}
}

func writeProgress(w io.Writer, entries []taskqueue.ProgressEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFAILED\tREFERENCE\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.ID, e.Status, e.Failed, e.Reference, e.FailureMessage)
	}
	return tw.Flush()
}

// ── cleanup ───────────────────────────────────────────────────────────────────

func cleanupCmd() *cobra.Command {
	var (
		olderThan time.Duration
		exhausted []string
		policy    taskqueue.Policy
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed jobs and, optionally, exhausted jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			queue, closeQueue, err := openQueue(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQueue()
			ctx := cmd.Context()

			n, err := queue.CleanupCompletedJobs(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			logger.Info("deleted completed jobs", "count", n, "older_than", olderThan)

			if len(exhausted) > 0 {
				caps := make(taskqueue.Capabilities, len(exhausted))
				for _, jobType := range exhausted {
					caps[jobType] = policy
				}
				n, err := queue.PurgeExhaustedJobs(ctx, caps)
				if err != nil {
					return err
				}
				logger.Info("deleted exhausted jobs", "count", n, "job_types", exhausted)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "minimum age of completed jobs to delete")
	cmd.Flags().StringArrayVar(&exhausted, "exhausted", nil, "also delete jobs of TYPE that used up their retries, repeatable")
	cmd.Flags().DurationVar(&policy.Timeout, "timeout", 0, "claim timeout used to judge exhausted jobs")
	cmd.Flags().IntVar(&policy.Retries, "retries", 0, "retry budget used to judge exhausted jobs")
	return cmd
}
