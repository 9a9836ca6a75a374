// Package foreman repairs divergence between the job table and the queue.
// Every procedure is idempotent and safe to run concurrently with itself and
// the others; state changes go through the store's compare-and-set updates.
package foreman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"data-refinery/internal/batch"
	"data-refinery/internal/config"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

// Dispatcher submits jobs to the queue.
type Dispatcher interface {
	DispatchDownloaderJob(ctx context.Context, job models.DownloaderJob) error
	DispatchProcessorJob(ctx context.Context, job models.ProcessorJob) error
}

// Settings are the foreman's thresholds, usually taken from config.Config.
type Settings struct {
	MaxRetries               int
	MaxOutstandingPerRAMTier int
	MissingHandleGrace       time.Duration
	LostJobThreshold         time.Duration
	DownloaderMaxRunTime     time.Duration
	ProcessorMaxRunTime      time.Duration
	MissingJobLookback       time.Duration
	Interval                 time.Duration
	BatchSize                int
}

// SettingsFromConfig copies the foreman keys out of cfg.
func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		MaxRetries:               cfg.MaxRetries,
		MaxOutstandingPerRAMTier: cfg.MaxOutstandingPerRAMTier,
		MissingHandleGrace:       cfg.MissingHandleGrace,
		LostJobThreshold:         cfg.LostJobThreshold,
		DownloaderMaxRunTime:     cfg.DownloaderMaxRunTime,
		ProcessorMaxRunTime:      cfg.ProcessorMaxRunTime,
		MissingJobLookback:       cfg.MissingJobLookback,
		Interval:                 cfg.ForemanInterval,
		BatchSize:                cfg.ForemanBatchSize,
	}
}

// Foreman runs the reconciliation procedures.
type Foreman struct {
	store      store.JobStore
	queue      batch.Client
	dispatcher Dispatcher
	settings   Settings
	log        *slog.Logger
	now        func() time.Time
}

// New builds a Foreman.
func New(st store.JobStore, queue batch.Client, d Dispatcher, s Settings, log *slog.Logger) *Foreman {
	if log == nil {
		log = slog.Default()
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1000
	}
	if s.Interval <= 0 {
		s.Interval = 2 * time.Minute
	}
	return &Foreman{
		store:      st,
		queue:      queue,
		dispatcher: d,
		settings:   s,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var kinds = []models.JobKind{models.KindDownloader, models.KindProcessor}

// unit is a downloader or processor job seen through its shared lifecycle.
type unit struct {
	kind       models.JobKind
	job        models.Job
	jobType    string
	maxRunTime time.Duration
	downloader models.DownloaderJob
	processor  models.ProcessorJob
}

func (f *Foreman) downloaderUnit(j models.DownloaderJob) unit {
	return unit{
		kind:       models.KindDownloader,
		job:        j.Job,
		jobType:    string(j.DownloaderTask),
		maxRunTime: j.DownloaderTask.MaxRunTime(f.settings.DownloaderMaxRunTime),
		downloader: j,
	}
}

func (f *Foreman) processorUnit(j models.ProcessorJob) unit {
	return unit{
		kind:       models.KindProcessor,
		job:        j.Job,
		jobType:    string(j.PipelineApplied),
		maxRunTime: j.PipelineApplied.MaxRunTime(f.settings.ProcessorMaxRunTime),
		processor:  j,
	}
}

func (f *Foreman) list(ctx context.Context, kind models.JobKind, filter store.JobFilter) ([]unit, error) {
	if filter.Limit == 0 {
		filter.Limit = f.settings.BatchSize
	}
	var out []unit
	switch kind {
	case models.KindDownloader:
		jobs, err := f.store.ListDownloaderJobs(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			out = append(out, f.downloaderUnit(j))
		}
	case models.KindProcessor:
		jobs, err := f.store.ListProcessorJobs(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			out = append(out, f.processorUnit(j))
		}
	default:
		return nil, fmt.Errorf("job kind %q has no lifecycle table", kind)
	}
	return out, nil
}

// pages calls fn with successive oldest-first pages of BatchSize rows
// matching filter, continuing past the last row of each page, until a short
// page. An error from fn, errStopPass included, ends the walk and is returned.
func (f *Foreman) pages(ctx context.Context, kind models.JobKind, filter store.JobFilter, fn func([]unit) error) error {
	filter.Limit = f.settings.BatchSize
	filter.Offset = 0
	filter.NewestFirst = false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		units, err := f.list(ctx, kind, filter)
		if err != nil {
			return err
		}
		if len(units) > 0 {
			if err := fn(units); err != nil {
				return err
			}
		}
		if len(units) < filter.Limit {
			return nil
		}
		filter.After = store.CursorOf(units[len(units)-1].job)
	}
}

func (f *Foreman) load(ctx context.Context, kind models.JobKind, id string) (unit, error) {
	switch kind {
	case models.KindDownloader:
		j, err := f.store.GetDownloaderJob(ctx, id)
		if err != nil {
			return unit{}, err
		}
		return f.downloaderUnit(j), nil
	case models.KindProcessor:
		j, err := f.store.GetProcessorJob(ctx, id)
		if err != nil {
			return unit{}, err
		}
		return f.processorUnit(j), nil
	}
	return unit{}, fmt.Errorf("job kind %q has no lifecycle table", kind)
}

func (f *Foreman) dispatch(ctx context.Context, u unit) error {
	if u.kind == models.KindDownloader {
		return f.dispatcher.DispatchDownloaderJob(ctx, u.downloader)
	}
	return f.dispatcher.DispatchProcessorJob(ctx, u.processor)
}

// fail records a failure outcome. It reports false when the job was already
// resolved by someone else.
func (f *Foreman) fail(ctx context.Context, u unit, reason, event string) (bool, error) {
	won, err := f.store.SetJobOutcome(ctx, u.kind, u.job.ID, false, reason)
	if err != nil || !won {
		return false, err
	}
	if err := f.store.EndJob(ctx, u.kind, u.job.ID); err != nil {
		f.log.Warn("recording end time failed", slog.String("job_id", u.job.ID), slog.Any("error", err))
	}
	if _, err := f.store.AppendEvent(ctx, u.kind, u.job.ID, event, reason); err != nil {
		f.log.Warn("recording event failed", slog.String("job_id", u.job.ID), slog.Any("error", err))
	}
	telemetry.JobsFailed.WithLabelValues(string(u.kind), event).Inc()
	f.log.Info("job marked failed",
		slog.String("kind", string(u.kind)), slog.String("job_id", u.job.ID), slog.String("reason", reason))
	return true, nil
}

// perKind runs fn for downloader and processor jobs concurrently.
func perKind(fn func(models.JobKind) error) error {
	var g errgroup.Group
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error { return fn(kind) })
	}
	return g.Wait()
}

type procedure struct {
	name string
	run  func(context.Context) error
}

func (f *Foreman) record(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		f.log.Error("foreman procedure failed", slog.String("procedure", name), slog.Any("error", err))
	}
	telemetry.ForemanPasses.WithLabelValues(name, outcome).Inc()
}

// runAll runs procs concurrently and joins their errors. A failing procedure
// does not cancel the others.
func (f *Foreman) runAll(ctx context.Context, procs ...procedure) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range procs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.run(ctx)
			f.record(p.name, err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RunOnce runs every procedure once. Status repairs run first so the
// admission gate counts only work that is still outstanding.
func (f *Foreman) RunOnce(ctx context.Context) error {
	repairErr := f.runAll(ctx,
		procedure{"reconcile_statuses", f.ReconcileStatuses},
		procedure{"retry_timed_out_jobs", f.RetryTimedOutJobs},
	)

	gate, err := f.newAdmission(ctx)
	if err != nil {
		f.record("admission", err)
		return errors.Join(repairErr, fmt.Errorf("admission: %w", err))
	}

	scheduleErr := f.runAll(ctx,
		procedure{"retry_failed_jobs", func(ctx context.Context) error { return f.retryFailedJobs(ctx, gate) }},
		procedure{"requeue_missing_handles", func(ctx context.Context) error { return f.requeueMissingHandles(ctx, gate) }},
		procedure{"create_missing_processor_jobs", func(ctx context.Context) error { return f.createMissingProcessorJobs(ctx, gate) }},
	)
	return errors.Join(repairErr, scheduleErr)
}

// Run calls RunOnce every interval until ctx is cancelled.
func (f *Foreman) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.settings.Interval)
	defer ticker.Stop()

	f.log.Info("foreman started", slog.Duration("interval", f.settings.Interval),
		slog.Int("max_retries", f.settings.MaxRetries),
		slog.Int("max_outstanding_per_ram_tier", f.settings.MaxOutstandingPerRAMTier))
	for {
		if err := f.RunOnce(ctx); err != nil {
			f.log.Warn("foreman pass finished with errors", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
