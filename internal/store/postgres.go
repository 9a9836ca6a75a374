package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"data-refinery/internal/models"
)

// Store wraps pgxpool for the job table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func tableFor(kind models.JobKind) (string, error) {
	switch kind {
	case models.KindDownloader:
		return "downloader_jobs", nil
	case models.KindProcessor:
		return "processor_jobs", nil
	}
	return "", fmt.Errorf("job kind %q has no lifecycle table", kind)
}

func assocFor(kind models.JobKind) (table, column string) {
	if kind == models.KindDownloader {
		return "downloaderjob_originalfile", "downloader_job_id"
	}
	return "processorjob_originalfile", "processor_job_id"
}

const jobColumns = `id, success, failure_reason, batch_job_id, dispatched_at, ram_amount, num_retries,
	retried, retried_from_id, start_time, end_time, created_at, last_modified`

// jobScan holds nullable columns until they are copied into a models.Job.
type jobScan struct {
	success       pgtype.Bool
	failureReason pgtype.Text
	batchJobID    pgtype.Text
	dispatchedAt  pgtype.Timestamptz
	retriedFrom   pgtype.Text
	startTime     pgtype.Timestamptz
	endTime       pgtype.Timestamptz
}

func (js *jobScan) dest(j *models.Job) []any {
	return []any{&j.ID, &js.success, &js.failureReason, &js.batchJobID, &js.dispatchedAt, &j.RAMAmount,
		&j.NumRetries, &j.Retried, &js.retriedFrom, &js.startTime, &js.endTime, &j.CreatedAt, &j.LastModified}
}

func (js *jobScan) apply(j *models.Job) {
	j.Success = boolPtr(js.success)
	j.FailureReason = textPtr(js.failureReason)
	j.BatchJobID = textPtr(js.batchJobID)
	j.DispatchedAt = timePtr(js.dispatchedAt)
	j.RetriedFromID = textPtr(js.retriedFrom)
	j.StartTime = timePtr(js.startTime)
	j.EndTime = timePtr(js.endTime)
}

func scanDownloaderJob(row pgx.Row) (models.DownloaderJob, error) {
	var job models.DownloaderJob
	var js jobScan
	dest := append(js.dest(&job.Job), &job.DownloaderTask)
	if err := row.Scan(dest...); err != nil {
		return models.DownloaderJob{}, err
	}
	js.apply(&job.Job)
	return job, nil
}

func scanProcessorJob(row pgx.Row) (models.ProcessorJob, error) {
	var job models.ProcessorJob
	var js jobScan
	var dlj pgtype.Text
	dest := append(js.dest(&job.Job), &job.PipelineApplied, &dlj)
	if err := row.Scan(dest...); err != nil {
		return models.ProcessorJob{}, err
	}
	js.apply(&job.Job)
	job.DownloaderJobID = textPtr(dlj)
	return job, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

// CreateSurveyJob inserts a survey job row. Survey jobs are normally written
// by the survey subsystem; this exists for seeding and tests.
func (s *Store) CreateSurveyJob(ctx context.Context, sourceType string, ram int) (models.SurveyJob, error) {
	id := NewID()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO survey_jobs (id, source_type, ram_amount, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $4)
	`, id, sourceType, ram, now)
	if err != nil {
		return models.SurveyJob{}, fmt.Errorf("insert survey job: %w", err)
	}
	return models.SurveyJob{ID: id, SourceType: sourceType, RAMAmount: ram, CreatedAt: now, LastModified: now}, nil
}

const surveyColumns = `id, source_type, success, batch_job_id, batch_job_queue, ram_amount, start_time, end_time, created_at, last_modified`

func scanSurveyJob(row pgx.Row) (models.SurveyJob, error) {
	var job models.SurveyJob
	var success pgtype.Bool
	var handle, queue pgtype.Text
	var start, end pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.SourceType, &success, &handle, &queue, &job.RAMAmount, &start, &end, &job.CreatedAt, &job.LastModified); err != nil {
		return models.SurveyJob{}, err
	}
	job.Success = boolPtr(success)
	job.BatchJobID = textPtr(handle)
	job.BatchJobQueue = textPtr(queue)
	job.StartTime = timePtr(start)
	job.EndTime = timePtr(end)
	return job, nil
}

// GetSurveyJob fetches a survey job by id.
func (s *Store) GetSurveyJob(ctx context.Context, id string) (models.SurveyJob, error) {
	job, err := scanSurveyJob(s.pool.QueryRow(ctx, `SELECT `+surveyColumns+` FROM survey_jobs WHERE id = $1`, id))
	if err != nil {
		return models.SurveyJob{}, notFound(err, "survey job", id)
	}
	return job, nil
}

// ListSurveyJobs lists survey jobs; only Success and paging apply.
func (s *Store) ListSurveyJobs(ctx context.Context, f JobFilter) ([]models.SurveyJob, error) {
	where, args := JobFilter{Success: f.Success}.where(nil)
	page, args := f.page(args)
	rows, err := s.pool.Query(ctx, `SELECT `+surveyColumns+` FROM survey_jobs`+where+page, args...)
	if err != nil {
		return nil, fmt.Errorf("list survey jobs: %w", err)
	}
	defer rows.Close()
	var out []models.SurveyJob
	for rows.Next() {
		job, err := scanSurveyJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan survey job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// CreateOriginalFile inserts a file row and returns it with its id.
func (s *Store) CreateOriginalFile(ctx context.Context, f models.OriginalFile) (models.OriginalFile, error) {
	if f.ID == "" {
		f.ID = NewID()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.LastModified = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO original_files (id, source_url, source_filename, filename, absolute_file_path, size_in_bytes, sha1,
			is_downloaded, is_archive, has_raw, derived_from_id, variant, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, f.ID, f.SourceURL, f.SourceFilename, f.Filename, f.AbsoluteFilePath, f.Size, f.SHA1,
		f.IsDownloaded, f.IsArchive, f.HasRaw, f.DerivedFromID, f.Variant, now)
	if err != nil {
		return models.OriginalFile{}, fmt.Errorf("insert original file: %w", err)
	}
	return f, nil
}

// MarkOriginalFileDownloaded commits the local path and content metadata of f.
func (s *Store) MarkOriginalFileDownloaded(ctx context.Context, f models.OriginalFile) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE original_files
		SET is_downloaded = TRUE, filename = $2, absolute_file_path = $3, size_in_bytes = $4, sha1 = $5,
			has_raw = $6, last_modified = NOW()
		WHERE id = $1
	`, f.ID, f.Filename, f.AbsoluteFilePath, f.Size, f.SHA1, f.HasRaw)
	if err != nil {
		return fmt.Errorf("update original file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("original file %s: %w", f.ID, ErrNotFound)
	}
	return nil
}

const fileColumns = `f.id, f.source_url, f.source_filename, f.filename, f.absolute_file_path, f.size_in_bytes, f.sha1,
	f.is_downloaded, f.is_archive, f.has_raw, f.derived_from_id, f.variant, f.created_at, f.last_modified`

func (s *Store) queryFiles(ctx context.Context, sql string, args ...any) ([]models.OriginalFile, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query original files: %w", err)
	}
	defer rows.Close()
	var out []models.OriginalFile
	for rows.Next() {
		var f models.OriginalFile
		var derived pgtype.Text
		if err := rows.Scan(&f.ID, &f.SourceURL, &f.SourceFilename, &f.Filename, &f.AbsoluteFilePath, &f.Size, &f.SHA1,
			&f.IsDownloaded, &f.IsArchive, &f.HasRaw, &derived, &f.Variant, &f.CreatedAt, &f.LastModified); err != nil {
			return nil, fmt.Errorf("scan original file: %w", err)
		}
		f.DerivedFromID = textPtr(derived)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FilesForDownloaderJob returns the files associated with a downloader job.
func (s *Store) FilesForDownloaderJob(ctx context.Context, jobID string) ([]models.OriginalFile, error) {
	return s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM original_files f
		JOIN downloaderjob_originalfile a ON a.original_file_id = f.id
		WHERE a.downloader_job_id = $1 ORDER BY f.source_filename, f.id
	`, jobID)
}

// FilesForProcessorJob returns the files associated with a processor job.
func (s *Store) FilesForProcessorJob(ctx context.Context, jobID string) ([]models.OriginalFile, error) {
	return s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM original_files f
		JOIN processorjob_originalfile a ON a.original_file_id = f.id
		WHERE a.processor_job_id = $1 ORDER BY f.source_filename, f.id
	`, jobID)
}

// DerivedFiles returns copies of sourceIDs created for variant.
func (s *Store) DerivedFiles(ctx context.Context, sourceIDs []string, variant string) ([]models.OriginalFile, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	return s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM original_files f
		WHERE f.derived_from_id = ANY($1) AND f.variant = $2 ORDER BY f.source_filename, f.id
	`, sourceIDs, variant)
}

func insertAssocs(ctx context.Context, tx pgx.Tx, kind models.JobKind, jobID string, fileIDs []string) error {
	table, column := assocFor(kind)
	for _, fid := range fileIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO `+table+` (`+column+`, original_file_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, jobID, fid); err != nil {
			return fmt.Errorf("associate file %s: %w", fid, err)
		}
	}
	return nil
}

// CreateDownloaderJob inserts a downloader job and its file associations.
func (s *Store) CreateDownloaderJob(ctx context.Context, p CreateDownloaderJobParams) (models.DownloaderJob, error) {
	if p.RAMAmount == 0 {
		p.RAMAmount = 1024
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.DownloaderJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := NewID()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO downloader_jobs (id, downloader_task, ram_amount, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $4)
	`, id, p.Task, p.RAMAmount, now)
	if err != nil {
		return models.DownloaderJob{}, fmt.Errorf("insert downloader job: %w", err)
	}
	if err := insertAssocs(ctx, tx, models.KindDownloader, id, p.FileIDs); err != nil {
		return models.DownloaderJob{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DownloaderJob{}, fmt.Errorf("commit: %w", err)
	}
	return models.DownloaderJob{
		Job:            models.Job{ID: id, RAMAmount: p.RAMAmount, CreatedAt: now, LastModified: now},
		DownloaderTask: p.Task,
	}, nil
}

// CreateProcessorJob inserts a root processor job for a downloader job's
// pipeline. If one already exists the existing row is returned with
// created=false, so concurrent fan-out creates at most one job per pipeline.
func (s *Store) CreateProcessorJob(ctx context.Context, p CreateProcessorJobParams) (models.ProcessorJob, bool, error) {
	if p.RAMAmount == 0 {
		p.RAMAmount = 2048
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProcessorJob{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := NewID()
	now := time.Now().UTC()
	var dlj *string
	if p.DownloaderJobID != "" {
		dlj = &p.DownloaderJobID
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO processor_jobs (id, pipeline_applied, downloader_job_id, ram_amount, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (downloader_job_id, pipeline_applied)
			WHERE retried_from_id IS NULL AND downloader_job_id IS NOT NULL
		DO NOTHING
	`, id, p.Pipeline, dlj, p.RAMAmount, now)
	if err != nil {
		return models.ProcessorJob{}, false, fmt.Errorf("insert processor job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return models.ProcessorJob{}, false, fmt.Errorf("rollback after conflict: %w", err)
		}
		existing, err := scanProcessorJob(s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+`, pipeline_applied, downloader_job_id FROM processor_jobs
			WHERE downloader_job_id = $1 AND pipeline_applied = $2 AND retried_from_id IS NULL
		`, p.DownloaderJobID, p.Pipeline))
		if err != nil {
			return models.ProcessorJob{}, false, notFound(err, "processor job for downloader job", p.DownloaderJobID)
		}
		return existing, false, nil
	}
	if err := insertAssocs(ctx, tx, models.KindProcessor, id, p.FileIDs); err != nil {
		return models.ProcessorJob{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ProcessorJob{}, false, fmt.Errorf("commit: %w", err)
	}
	return models.ProcessorJob{
		Job:             models.Job{ID: id, RAMAmount: p.RAMAmount, CreatedAt: now, LastModified: now},
		PipelineApplied: p.Pipeline,
		DownloaderJobID: dlj,
	}, true, nil
}

// GetDownloaderJob fetches a downloader job by id.
func (s *Store) GetDownloaderJob(ctx context.Context, id string) (models.DownloaderJob, error) {
	job, err := scanDownloaderJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+`, downloader_task FROM downloader_jobs WHERE id = $1`, id))
	if err != nil {
		return models.DownloaderJob{}, notFound(err, "downloader job", id)
	}
	return job, nil
}

// GetProcessorJob fetches a processor job by id.
func (s *Store) GetProcessorJob(ctx context.Context, id string) (models.ProcessorJob, error) {
	job, err := scanProcessorJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+`, pipeline_applied, downloader_job_id FROM processor_jobs WHERE id = $1`, id))
	if err != nil {
		return models.ProcessorJob{}, notFound(err, "processor job", id)
	}
	return job, nil
}

// ListDownloaderJobs lists downloader jobs matching f.
func (s *Store) ListDownloaderJobs(ctx context.Context, f JobFilter) ([]models.DownloaderJob, error) {
	where, args := f.where(nil)
	page, args := f.page(args)
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+`, downloader_task FROM downloader_jobs`+where+page, args...)
	if err != nil {
		return nil, fmt.Errorf("list downloader jobs: %w", err)
	}
	defer rows.Close()
	var out []models.DownloaderJob
	for rows.Next() {
		job, err := scanDownloaderJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan downloader job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListProcessorJobs lists processor jobs matching f.
func (s *Store) ListProcessorJobs(ctx context.Context, f JobFilter) ([]models.ProcessorJob, error) {
	where, args := f.where(nil)
	page, args := f.page(args)
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+`, pipeline_applied, downloader_job_id FROM processor_jobs`+where+page, args...)
	if err != nil {
		return nil, fmt.Errorf("list processor jobs: %w", err)
	}
	defer rows.Close()
	var out []models.ProcessorJob
	for rows.Next() {
		job, err := scanProcessorJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processor job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PipelinesForDownloaderJob returns the pipelines that already have a
// processor job for the downloader job.
func (s *Store) PipelinesForDownloaderJob(ctx context.Context, id string) ([]models.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT pipeline_applied FROM processor_jobs WHERE downloader_job_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer rows.Close()
	var out []models.Pipeline
	for rows.Next() {
		var p models.Pipeline
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StartJob records the start timestamp. It returns false when the job is
// already started or resolved, so a duplicate remote run backs off.
func (s *Store) StartJob(ctx context.Context, kind models.JobKind, id string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET start_time = NOW(), last_modified = NOW()
		WHERE id = $1 AND success IS NULL AND start_time IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("start %s job: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetJobOutcome writes success exactly once; it returns false when the job
// was already resolved.
func (s *Store) SetJobOutcome(ctx context.Context, kind models.JobKind, id string, success bool, reason string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var failure *string
	if reason != "" {
		failure = &reason
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET success = $2, failure_reason = $3, last_modified = NOW()
		WHERE id = $1 AND success IS NULL
	`, id, success, failure)
	if err != nil {
		return false, fmt.Errorf("set %s job outcome: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EndJob records the end timestamp once.
func (s *Store) EndJob(ctx context.Context, kind models.JobKind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE `+table+` SET end_time = NOW(), last_modified = NOW()
		WHERE id = $1 AND end_time IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("end %s job: %w", kind, err)
	}
	return nil
}

// SetBatchJobID records the external handle on an undispatched, unresolved
// job. It returns false if another dispatcher got there first.
func (s *Store) SetBatchJobID(ctx context.Context, kind models.JobKind, id, handle string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET batch_job_id = $2, dispatched_at = NOW(), last_modified = NOW()
		WHERE id = $1 AND batch_job_id IS NULL AND success IS NULL
	`, id, handle)
	if err != nil {
		return false, fmt.Errorf("set %s batch job id: %w", kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetryJob creates the retry row for a failed job. The retried flag flips in
// the same transaction as the insert, so concurrent callers create at most one
// retry; the loser gets created=false. Jobs at maxRetries are not retried.
func (s *Store) RetryJob(ctx context.Context, kind models.JobKind, id string, maxRetries int) (string, bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", false, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE `+table+` SET retried = TRUE, last_modified = NOW()
		WHERE id = $1 AND success = FALSE AND retried = FALSE AND num_retries < $2
	`, id, maxRetries)
	if err != nil {
		return "", false, fmt.Errorf("claim %s job retry: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}

	newID := NewID()
	switch kind {
	case models.KindDownloader:
		_, err = tx.Exec(ctx, `
			INSERT INTO downloader_jobs (id, downloader_task, ram_amount, num_retries, retried_from_id, created_at, last_modified)
			SELECT $2, downloader_task, ram_amount, num_retries + 1, id, NOW(), NOW() FROM downloader_jobs WHERE id = $1
		`, id, newID)
	default:
		_, err = tx.Exec(ctx, `
			INSERT INTO processor_jobs (id, pipeline_applied, downloader_job_id, ram_amount, num_retries, retried_from_id, created_at, last_modified)
			SELECT $2, pipeline_applied, downloader_job_id, ram_amount, num_retries + 1, id, NOW(), NOW() FROM processor_jobs WHERE id = $1
		`, id, newID)
	}
	if err != nil {
		return "", false, fmt.Errorf("insert %s retry: %w", kind, err)
	}

	assoc, column := assocFor(kind)
	if _, err := tx.Exec(ctx, `
		INSERT INTO `+assoc+` (`+column+`, original_file_id)
		SELECT $2, original_file_id FROM `+assoc+` WHERE `+column+` = $1
	`, id, newID); err != nil {
		return "", false, fmt.Errorf("copy %s file associations: %w", kind, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return newID, true, nil
}

// CountOutstandingByRAM counts dispatched, unresolved jobs per RAM tier.
func (s *Store) CountOutstandingByRAM(ctx context.Context, kind models.JobKind) (map[int]int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ram_amount, COUNT(*) FROM `+table+`
		WHERE success IS NULL AND batch_job_id IS NOT NULL GROUP BY ram_amount
	`)
	if err != nil {
		return nil, fmt.Errorf("count outstanding %s jobs: %w", kind, err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var ram, n int
		if err := rows.Scan(&ram, &n); err != nil {
			return nil, fmt.Errorf("scan outstanding count: %w", err)
		}
		out[ram] = n
	}
	return out, rows.Err()
}

// AppendEvent adds an audit row. It returns false when a unique event (such
// as abandoned) was already recorded for the job.
func (s *Store) AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (kind, job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT DO NOTHING
	`, kind, jobID, event, detail)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Events returns the audit trail of a job, oldest first.
func (s *Store) Events(ctx context.Context, kind models.JobKind, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, job_id, event, detail, ts FROM job_events WHERE kind = $1 AND job_id = $2 ORDER BY id
	`, kind, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.Kind, &e.JobID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func boolPtr(b pgtype.Bool) *bool {
	if b.Valid {
		return &b.Bool
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		tm := t.Time
		return &tm
	}
	return nil
}

// Truncate empties every job table. Intended for test databases only.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE job_events, processorjob_originalfile, downloaderjob_originalfile,
			processor_jobs, downloader_jobs, original_files, survey_jobs
	`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
