package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"data-refinery/internal/batch"
	"data-refinery/internal/config"
	"data-refinery/internal/dispatch"
	"data-refinery/internal/foreman"
	"data-refinery/internal/ratelimit"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

type deps struct {
	cfg     config.Config
	log     *slog.Logger
	foreman *foreman.Foreman
	close   func()
}

func setup(ctx context.Context) (*deps, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger().With(slog.String("component", "foreman"))

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queue, err := batch.New(ctx, cfg, rdb)
	if err != nil {
		rdb.Close()
		st.Close()
		return nil, fmt.Errorf("init queue client: %w", err)
	}

	limiter := ratelimit.NewTokenBucket(rdb, ratelimit.DefaultKey, cfg.SubmitRateCapacity, cfg.SubmitRateRefill)
	d := dispatch.New(st, queue, limiter, cfg.JobDefinitionPrefix, log)
	return &deps{
		cfg:     cfg,
		log:     log,
		foreman: foreman.New(st, queue, d, foreman.SettingsFromConfig(cfg), log),
		close: func() {
			rdb.Close()
			st.Close()
		},
	}, nil
}

// procedure wraps one foreman procedure as a single-pass subcommand.
func procedure(use, short string, fn func(*foreman.Foreman, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			return fn(d.foreman, cmd.Context())
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Reconcile the job tables with the batch queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run every procedure on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			metrics := &http.Server{Addr: d.cfg.MetricsAddr, Handler: telemetry.Handler()}
			go func() {
				if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.log.Warn("metrics server stopped", slog.Any("error", err))
				}
			}()
			defer metrics.Close()

			err = d.foreman.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	listAbandoned := &cobra.Command{
		Use:   "list_abandoned",
		Short: "Print failed jobs that reached the retry ceiling as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			jobs, err := d.foreman.ListAbandoned(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, j := range jobs {
				if err := enc.Encode(j); err != nil {
					return err
				}
			}
			return nil
		},
	}

	root.AddCommand(
		run,
		procedure("create_missing_processor_jobs", "Create processor jobs missing after successful downloads",
			(*foreman.Foreman).CreateMissingProcessorJobs),
		procedure("requeue_missing_handles", "Dispatch jobs that were never given a queue handle",
			(*foreman.Foreman).RequeueMissingHandles),
		procedure("reconcile_statuses", "Fail jobs the queue reports as failed, finished or lost",
			(*foreman.Foreman).ReconcileStatuses),
		procedure("retry_timed_out_jobs", "Fail and terminate jobs running past their maximum run time",
			(*foreman.Foreman).RetryTimedOutJobs),
		procedure("retry_failed_jobs", "Create retry rows for failed jobs below the retry ceiling",
			(*foreman.Foreman).RetryFailedJobs),
		procedure("run_once", "Run every procedure once", (*foreman.Foreman).RunOnce),
		listAbandoned,
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
