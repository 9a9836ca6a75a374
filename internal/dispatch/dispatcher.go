// Package dispatch submits jobs to the queue and records the returned handle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"data-refinery/internal/batch"
	"data-refinery/internal/models"
	"data-refinery/internal/telemetry"
)

// ErrThrottled means the submission rate limit was hit; the job is unchanged.
var ErrThrottled = errors.New("dispatch throttled")

// DispatchError wraps a failed submission. The job row is not modified, so
// the foreman's missing-handle pass will dispatch it again.
type DispatchError struct {
	Kind  models.JobKind
	JobID string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s job %s: %v", e.Kind, e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Store is the part of the job store the dispatcher writes.
type Store interface {
	SetBatchJobID(ctx context.Context, kind models.JobKind, id, handle string) (bool, error)
	AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) (bool, error)
}

// Limiter hands out submission tokens.
type Limiter interface {
	Take(ctx context.Context) (bool, error)
}

// Dispatcher submits unresolved jobs that have no handle yet.
type Dispatcher struct {
	store   Store
	queue   batch.Client
	limiter Limiter
	prefix  string
	log     *slog.Logger
}

// New builds a Dispatcher. limiter may be nil.
func New(st Store, queue batch.Client, limiter Limiter, prefix string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: st, queue: queue, limiter: limiter, prefix: prefix, log: log}
}

// DispatchDownloaderJob submits job under the definition for its task.
func (d *Dispatcher) DispatchDownloaderJob(ctx context.Context, job models.DownloaderJob) error {
	return d.dispatch(ctx, models.KindDownloader, string(job.DownloaderTask), []string{"download", job.ID}, job.Job)
}

// DispatchProcessorJob submits job under the definition for its pipeline.
func (d *Dispatcher) DispatchProcessorJob(ctx context.Context, job models.ProcessorJob) error {
	return d.dispatch(ctx, models.KindProcessor, string(job.PipelineApplied), []string{"process", job.ID}, job.Job)
}

func (d *Dispatcher) dispatch(ctx context.Context, kind models.JobKind, jobType string, command []string, job models.Job) error {
	log := d.log.With(slog.String("kind", string(kind)), slog.String("job_id", job.ID))
	if !job.Unresolved() || job.Handle() != "" {
		log.Debug("skipping dispatch", slog.String("state", string(job.State())))
		return nil
	}

	if d.limiter != nil {
		ok, err := d.limiter.Take(ctx)
		switch {
		case err != nil:
			log.Warn("rate limiter unavailable, submitting anyway", slog.Any("error", err))
		case !ok:
			telemetry.DispatchThrottled.WithLabelValues(string(kind)).Inc()
			return ErrThrottled
		}
	}

	in := batch.SubmitInput{
		JobDefinition: models.JobDefinitionName(d.prefix, jobType, job.RAMAmount),
		JobName:       models.JobName(d.prefix, jobType, job.ID, job.RAMAmount),
		RAMAmount:     job.RAMAmount,
		JobID:         job.ID,
		Command:       command,
	}
	handle, err := d.queue.Submit(ctx, in)
	if err != nil {
		telemetry.DispatchFailures.WithLabelValues(string(kind)).Inc()
		log.Error("queue submission failed", slog.String("job_definition", in.JobDefinition), slog.Any("error", err))
		return &DispatchError{Kind: kind, JobID: job.ID, Err: err}
	}

	won, err := d.store.SetBatchJobID(ctx, kind, job.ID, handle)
	if err != nil || !won {
		if err != nil {
			log.Error("recording queue handle failed", slog.String("handle", handle), slog.Any("error", err))
		} else {
			telemetry.DispatchRaceLost.WithLabelValues(string(kind)).Inc()
			log.Info("job already dispatched or resolved, terminating duplicate submission", slog.String("handle", handle))
		}
		if terr := d.queue.Terminate(ctx, handle, "duplicate submission"); terr != nil {
			log.Warn("terminating duplicate submission failed", slog.String("handle", handle), slog.Any("error", terr))
		}
		if err != nil {
			return &DispatchError{Kind: kind, JobID: job.ID, Err: err}
		}
		return nil
	}

	if _, err := d.store.AppendEvent(ctx, kind, job.ID, models.EventDispatched, handle); err != nil {
		log.Warn("recording dispatch event failed", slog.Any("error", err))
	}
	telemetry.JobsDispatched.WithLabelValues(string(kind)).Inc()
	log.Info("job dispatched", slog.String("handle", handle), slog.String("job_definition", in.JobDefinition))
	return nil
}
