package foreman

import (
	"context"
	"fmt"
	"log/slog"

	"data-refinery/internal/batch"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

// ReconcileStatuses compares unresolved dispatched jobs with the queue's view
// of them and fails the ones the queue reports failed, finished without an
// outcome, or no longer knows about.
func (f *Foreman) ReconcileStatuses(ctx context.Context) error {
	return perKind(func(kind models.JobKind) error { return f.reconcileKind(ctx, kind) })
}

func (f *Foreman) reconcileKind(ctx context.Context, kind models.JobKind) error {
	filter := store.JobFilter{Success: store.SuccessNull, HasHandle: models.Bool(true)}
	err := f.pages(ctx, kind, filter, func(units []unit) error { return f.reconcilePage(ctx, kind, units) })
	if err != nil {
		return fmt.Errorf("reconcile dispatched %s jobs: %w", kind, err)
	}
	return nil
}

// reconcilePage describes one page of dispatched jobs in a single chunked call.
func (f *Foreman) reconcilePage(ctx context.Context, kind models.JobKind, units []unit) error {
	handles := make([]string, 0, len(units))
	for _, u := range units {
		handles = append(handles, u.job.Handle())
	}
	statuses, err := f.queue.DescribeStatuses(ctx, handles)
	if err != nil {
		telemetry.DescribeErrors.WithLabelValues("foreman").Inc()
		return fmt.Errorf("describe %d %s jobs: %w", len(handles), kind, err)
	}

	now := f.now()
	for _, u := range units {
		status, known := statuses[u.job.Handle()]
		var reason string
		switch {
		case known && status == batch.StatusFailed:
			reason = models.ReasonRemoteFailed
		case known && status == batch.StatusSucceeded:
			reason = models.ReasonRemoteNoOutcome
		case known && status.Queued():
			continue
		default:
			since := u.job.LastModified
			if u.job.DispatchedAt != nil {
				since = *u.job.DispatchedAt
			}
			if now.Sub(since) < f.settings.LostJobThreshold {
				continue
			}
			reason = models.ReasonRemoteLost
		}
		if _, err := f.fail(ctx, u, reason, models.EventFailed); err != nil {
			return fmt.Errorf("fail %s job %s: %w", kind, u.job.ID, err)
		}
	}
	return nil
}

// RetryTimedOutJobs fails started jobs that ran past their limit and then
// asks the queue to terminate them. The local outcome does not wait for the
// terminate call.
func (f *Foreman) RetryTimedOutJobs(ctx context.Context) error {
	return perKind(func(kind models.JobKind) error { return f.timeoutKind(ctx, kind) })
}

func (f *Foreman) timeoutKind(ctx context.Context, kind models.JobKind) error {
	def := f.settings.ProcessorMaxRunTime
	if kind == models.KindDownloader {
		def = f.settings.DownloaderMaxRunTime
	}
	now := f.now()
	filter := store.JobFilter{
		Success:       store.SuccessNull,
		StartedBefore: now.Add(-models.ShortestMaxRunTime(kind, def)),
	}
	return f.pages(ctx, kind, filter, func(units []unit) error {
		for _, u := range units {
			if u.job.StartTime == nil || now.Sub(*u.job.StartTime) <= u.maxRunTime {
				continue
			}
			won, err := f.fail(ctx, u, models.ReasonTimedOut, models.EventTimedOut)
			if err != nil {
				return fmt.Errorf("time out %s job %s: %w", kind, u.job.ID, err)
			}
			if !won || u.job.Handle() == "" {
				continue
			}
			if err := f.queue.Terminate(ctx, u.job.Handle(), models.ReasonTimedOut); err != nil {
				f.log.Warn("terminating timed out job failed",
					slog.String("job_id", u.job.ID), slog.String("handle", u.job.Handle()), slog.Any("error", err))
			}
		}
		return nil
	})
}
