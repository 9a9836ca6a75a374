package foreman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"data-refinery/internal/dispatch"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

// AbandonedJob is a failed job whose retry chain reached the ceiling.
type AbandonedJob struct {
	Kind    models.JobKind `json:"kind"`
	JobType string         `json:"job_type"`
	models.Job
}

// RetryFailedJobs creates one retry row per failed job below the retry
// ceiling and dispatches it. Jobs at the ceiling are surfaced as abandoned.
func (f *Foreman) RetryFailedJobs(ctx context.Context) error {
	gate, err := f.newAdmission(ctx)
	if err != nil {
		return err
	}
	return f.retryFailedJobs(ctx, gate)
}

func (f *Foreman) retryFailedJobs(ctx context.Context, gate *admission) error {
	return perKind(func(kind models.JobKind) error {
		if err := f.retryKind(ctx, gate, kind); err != nil {
			return err
		}
		return f.surfaceAbandoned(ctx, kind)
	})
}

func (f *Foreman) retryKind(ctx context.Context, gate *admission, kind models.JobKind) error {
	if f.settings.MaxRetries == 0 {
		return nil
	}
	filter := store.JobFilter{
		Success:      store.SuccessFalse,
		Retried:      models.Bool(false),
		RetriesBelow: f.settings.MaxRetries,
	}
	err := f.pages(ctx, kind, filter, func(units []unit) error { return f.retryPage(ctx, gate, kind, units) })
	if err != nil && !errors.Is(err, errStopPass) {
		return fmt.Errorf("retry failed %s jobs: %w", kind, err)
	}
	return nil
}

func (f *Foreman) retryPage(ctx context.Context, gate *admission, kind models.JobKind, units []unit) error {
	for _, u := range units {
		// A full tier defers the retry itself, so no undispatched row is left behind.
		if !gate.admit(kind, u.job.RAMAmount) {
			continue
		}
		newID, created, err := f.store.RetryJob(ctx, kind, u.job.ID, f.settings.MaxRetries)
		if err != nil {
			gate.release(u.job.RAMAmount)
			return fmt.Errorf("retry %s job %s: %w", kind, u.job.ID, err)
		}
		if !created {
			gate.release(u.job.RAMAmount)
			continue
		}
		telemetry.JobsRetried.WithLabelValues(string(kind)).Inc()
		if _, err := f.store.AppendEvent(ctx, kind, u.job.ID, models.EventRetried, newID); err != nil {
			f.log.Warn("recording retry event failed", slog.String("job_id", u.job.ID), slog.Any("error", err))
		}
		f.log.Info("retrying failed job", slog.String("kind", string(kind)),
			slog.String("job_id", u.job.ID), slog.String("retry_id", newID), slog.Int("num_retries", u.job.NumRetries+1))

		retry, err := f.load(ctx, kind, newID)
		if err == nil {
			err = f.dispatch(ctx, retry)
		}
		if err != nil {
			gate.release(u.job.RAMAmount)
			if errors.Is(err, dispatch.ErrThrottled) {
				return errStopPass
			}
			f.log.Warn("dispatching retry failed, missing-handle pass will retry",
				slog.String("retry_id", newID), slog.Any("error", err))
		}
	}
	return nil
}

func (f *Foreman) abandoned(ctx context.Context, kind models.JobKind) ([]unit, error) {
	var out []unit
	filter := store.JobFilter{
		Success:       store.SuccessFalse,
		Retried:       models.Bool(false),
		MinNumRetries: f.settings.MaxRetries,
	}
	err := f.pages(ctx, kind, filter, func(units []unit) error {
		out = append(out, units...)
		return nil
	})
	return out, err
}

// surfaceAbandoned logs each abandoned job once and refreshes the gauge.
func (f *Foreman) surfaceAbandoned(ctx context.Context, kind models.JobKind) error {
	units, err := f.abandoned(ctx, kind)
	if err != nil {
		return fmt.Errorf("list abandoned %s jobs: %w", kind, err)
	}
	telemetry.JobsAbandoned.WithLabelValues(string(kind)).Set(float64(len(units)))
	for _, u := range units {
		first, err := f.store.AppendEvent(ctx, kind, u.job.ID, models.EventAbandoned, reasonOf(u.job))
		if err != nil {
			return fmt.Errorf("record abandoned %s job %s: %w", kind, u.job.ID, err)
		}
		if first {
			f.log.Error("job abandoned after reaching the retry ceiling, needs manual intervention",
				slog.String("kind", string(kind)), slog.String("job_id", u.job.ID),
				slog.String("job_type", u.jobType), slog.Int("num_retries", u.job.NumRetries),
				slog.String("failure_reason", reasonOf(u.job)))
		}
	}
	return nil
}

// ListAbandoned returns failed jobs at the retry ceiling for operators.
func (f *Foreman) ListAbandoned(ctx context.Context) ([]AbandonedJob, error) {
	var out []AbandonedJob
	for _, kind := range kinds {
		units, err := f.abandoned(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list abandoned %s jobs: %w", kind, err)
		}
		for _, u := range units {
			out = append(out, AbandonedJob{Kind: kind, JobType: u.jobType, Job: u.job})
		}
	}
	return out, nil
}

func reasonOf(j models.Job) string {
	if j.FailureReason == nil {
		return ""
	}
	return *j.FailureReason
}
