package main

import (
	"context"
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
	"data-refinery/internal/downloader"
	"data-refinery/internal/ratelimit"
	"data-refinery/internal/storage"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
	"data-refinery/internal/worker"
)

type deps struct {
	cfg        config.Config
	log        *slog.Logger
	rdb        *redis.Client
	downloader *downloader.Downloader
	close      func()
}

func setup(ctx context.Context) (*deps, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger().With(slog.String("component", "worker"))

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	closeAll := func() {
		rdb.Close()
		st.Close()
	}

	queue, err := batch.New(ctx, cfg, rdb)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init queue client: %w", err)
	}
	opts := downloader.Options{
		RootDir: cfg.LocalRootDir,
		Timeout: cfg.DownloadTimeout,
		Logger:  log,
	}
	archive, err := storage.NewS3Archive(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init raw archive: %w", err)
	}
	if archive != nil {
		opts.Archiver = archive
	}

	limiter := ratelimit.NewTokenBucket(rdb, ratelimit.DefaultKey, cfg.SubmitRateCapacity, cfg.SubmitRateRefill)
	d := dispatch.New(st, queue, limiter, cfg.JobDefinitionPrefix, log)
	return &deps{
		cfg:        cfg,
		log:        log,
		rdb:        rdb,
		downloader: downloader.New(st, d, opts),
		close:      closeAll,
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Run downloader jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	download := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Run one downloader job; the queue starts this inside its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			return d.downloader.Run(cmd.Context(), args[0])
		},
	}

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Lease submissions from the local Redis queue and run them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			if d.cfg.QueueBackend != config.QueueBackendRedis {
				return fmt.Errorf("poll needs QUEUE_BACKEND=%s, got %q", config.QueueBackendRedis, d.cfg.QueueBackend)
			}

			metrics := &http.Server{Addr: d.cfg.MetricsAddr, Handler: telemetry.Handler()}
			go func() {
				if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					d.log.Warn("metrics server stopped", slog.Any("error", err))
				}
			}()
			defer metrics.Close()

			poller := worker.NewPoller(batch.NewRedis(d.rdb, d.cfg.LeaseTimeout), d.cfg.WorkerPollIdle, d.cfg.WorkerPollMax, d.log)
			poller.RegisterHandler("download", worker.RunJobHandler(d.downloader))

			d.log.Info("worker polling", slog.Duration("lease_timeout", d.cfg.LeaseTimeout))
			err = poller.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	root.AddCommand(download, poll)
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
