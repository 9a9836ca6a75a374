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

// errStopPass ends a dispatching procedure early; the rest waits for the next pass.
var errStopPass = errors.New("stop pass")

// admitAndDispatch dispatches u if its RAM tier has room. It returns
// errStopPass when the submission rate limit is hit.
func (f *Foreman) admitAndDispatch(ctx context.Context, gate *admission, u unit) error {
	if !gate.admit(u.kind, u.job.RAMAmount) {
		f.log.Debug("RAM tier full, deferring dispatch",
			slog.String("job_id", u.job.ID), slog.Int("ram_amount", u.job.RAMAmount))
		return nil
	}
	err := f.dispatch(ctx, u)
	if err == nil {
		return nil
	}
	gate.release(u.job.RAMAmount)
	if errors.Is(err, dispatch.ErrThrottled) {
		return errStopPass
	}
	f.log.Warn("dispatch failed, will retry next pass", slog.String("job_id", u.job.ID), slog.Any("error", err))
	return nil
}

// RequeueMissingHandles dispatches jobs that were created but never received
// a queue handle within the grace period.
func (f *Foreman) RequeueMissingHandles(ctx context.Context) error {
	gate, err := f.newAdmission(ctx)
	if err != nil {
		return err
	}
	return f.requeueMissingHandles(ctx, gate)
}

func (f *Foreman) requeueMissingHandles(ctx context.Context, gate *admission) error {
	cutoff := f.now().Add(-f.settings.MissingHandleGrace)
	filter := store.JobFilter{
		Success:       store.SuccessNull,
		HasHandle:     models.Bool(false),
		Started:       models.Bool(false),
		CreatedBefore: cutoff,
	}
	return perKind(func(kind models.JobKind) error {
		err := f.pages(ctx, kind, filter, func(units []unit) error {
			for _, u := range units {
				if err := f.admitAndDispatch(ctx, gate, u); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopPass) {
			return fmt.Errorf("requeue undispatched %s jobs: %w", kind, err)
		}
		return nil
	})
}

// CreateMissingProcessorJobs creates and dispatches the processor jobs a
// successful download should have fanned out to but did not.
func (f *Foreman) CreateMissingProcessorJobs(ctx context.Context) error {
	gate, err := f.newAdmission(ctx)
	if err != nil {
		return err
	}
	return f.createMissingProcessorJobs(ctx, gate)
}

func (f *Foreman) createMissingProcessorJobs(ctx context.Context, gate *admission) error {
	filter := store.JobFilter{
		Success:    store.SuccessTrue,
		EndedAfter: f.now().Add(-f.settings.MissingJobLookback),
	}
	err := f.pages(ctx, models.KindDownloader, filter, func(units []unit) error {
		for _, u := range units {
			if err := f.fillFanOut(ctx, gate, u.downloader); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPass) {
		return err
	}
	return nil
}

func (f *Foreman) fillFanOut(ctx context.Context, gate *admission, dj models.DownloaderJob) error {
	log := f.log.With(slog.String("downloader_job_id", dj.ID))
	rule, err := models.FanOutRuleFor(dj.DownloaderTask)
	if err != nil {
		log.Warn("no fan-out rule for downloader job", slog.Any("error", err))
		return nil
	}
	existing, err := f.store.PipelinesForDownloaderJob(ctx, dj.ID)
	if err != nil {
		return fmt.Errorf("pipelines for downloader job %s: %w", dj.ID, err)
	}
	have := make(map[models.Pipeline]bool, len(existing))
	for _, p := range existing {
		have[p] = true
	}

	var primary []models.OriginalFile
	for _, v := range rule.Variants {
		if have[v.Pipeline] {
			continue
		}
		if primary == nil {
			if primary, err = f.store.FilesForDownloaderJob(ctx, dj.ID); err != nil {
				return fmt.Errorf("files for downloader job %s: %w", dj.ID, err)
			}
		}
		fileIDs, ok := f.variantFiles(ctx, log, v, primary)
		if !ok {
			continue
		}
		if !gate.admit(models.KindProcessor, v.RAMAmount) {
			continue
		}
		pj, created, err := f.store.CreateProcessorJob(ctx, store.CreateProcessorJobParams{
			DownloaderJobID: dj.ID,
			Pipeline:        v.Pipeline,
			RAMAmount:       v.RAMAmount,
			FileIDs:         fileIDs,
		})
		if err != nil {
			gate.release(v.RAMAmount)
			return fmt.Errorf("create %s job for downloader job %s: %w", v.Pipeline, dj.ID, err)
		}
		if !created {
			gate.release(v.RAMAmount)
			continue
		}
		telemetry.JobsCreated.WithLabelValues("foreman").Inc()
		log.Info("created missing processor job", slog.String("processor_job_id", pj.ID), slog.String("pipeline", string(v.Pipeline)))

		if err := f.dispatcher.DispatchProcessorJob(ctx, pj); err != nil {
			gate.release(v.RAMAmount)
			if errors.Is(err, dispatch.ErrThrottled) {
				return errStopPass
			}
			log.Warn("dispatch failed, missing-handle pass will retry", slog.String("processor_job_id", pj.ID), slog.Any("error", err))
		}
	}
	return nil
}

// variantFiles returns the file ids a variant's processor job needs, or false
// when the download has not produced all of them.
func (f *Foreman) variantFiles(ctx context.Context, log *slog.Logger, v models.Variant, primary []models.OriginalFile) ([]string, bool) {
	ids := make([]string, 0, len(primary))
	for _, file := range primary {
		if !file.IsDownloaded {
			log.Warn("downloaded job has files not marked downloaded, skipping", slog.String("file_id", file.ID))
			return nil, false
		}
		ids = append(ids, file.ID)
	}
	if len(ids) == 0 {
		log.Warn("downloader job has no files, skipping")
		return nil, false
	}
	if !v.Derived {
		return ids, true
	}
	derived, err := f.store.DerivedFiles(ctx, ids, v.Name)
	if err != nil {
		log.Warn("loading derived files failed", slog.String("variant", v.Name), slog.Any("error", err))
		return nil, false
	}
	if len(derived) != len(ids) {
		log.Warn("derived copies missing, skipping variant",
			slog.String("variant", v.Name), slog.Int("want", len(ids)), slog.Int("have", len(derived)))
		return nil, false
	}
	out := make([]string, 0, len(derived))
	for _, d := range derived {
		out = append(out, d.ID)
	}
	return out, true
}
