package models

import (
	"time"
)

// JobKind names the job tables that share the lifecycle columns.
type JobKind string

const (
	KindSurvey     JobKind = "survey"
	KindDownloader JobKind = "downloader"
	KindProcessor  JobKind = "processor"
)

// JobState is derived from success and the external handle; it is never stored.
type JobState string

const (
	StateCreated    JobState = "created"
	StateDispatched JobState = "dispatched"
	StateSucceeded  JobState = "succeeded"
	StateFailed     JobState = "failed"
)

// Failure reasons written by the reconciliation loop.
const (
	ReasonRemoteFailed    = "Batch reported the job as FAILED"
	ReasonRemoteNoOutcome = "Batch reported success but no outcome was recorded"
	ReasonRemoteLost      = "Job disappeared from Batch"
	ReasonTimedOut        = "Timed out"
)

// Job holds the lifecycle columns shared by downloader and processor jobs.
type Job struct {
	ID            string     `json:"id"`
	Success       *bool      `json:"success"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	BatchJobID    *string    `json:"batch_job_id,omitempty"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	RAMAmount     int        `json:"ram_amount"`
	NumRetries    int        `json:"num_retries"`
	Retried       bool       `json:"retried"`
	RetriedFromID *string    `json:"retried_from_id,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastModified  time.Time  `json:"last_modified"`
}

// State derives CREATED/DISPATCHED/SUCCEEDED/FAILED.
func (j Job) State() JobState {
	switch {
	case j.Success != nil && *j.Success:
		return StateSucceeded
	case j.Success != nil:
		return StateFailed
	case j.BatchJobID != nil && *j.BatchJobID != "":
		return StateDispatched
	default:
		return StateCreated
	}
}

// Unresolved reports whether success has not been written yet.
func (j Job) Unresolved() bool {
	return j.Success == nil
}

// Abandoned is a failed job whose retry chain reached the ceiling.
func (j Job) Abandoned(maxRetries int) bool {
	return j.State() == StateFailed && j.NumRetries >= maxRetries
}

// Handle returns the external queue handle or "".
func (j Job) Handle() string {
	if j.BatchJobID == nil {
		return ""
	}
	return *j.BatchJobID
}

// DownloaderJob transfers one or more original files to local storage.
type DownloaderJob struct {
	Job
	DownloaderTask DownloaderTask `json:"downloader_task"`
}

// ProcessorJob runs a pipeline over downloaded files.
type ProcessorJob struct {
	Job
	PipelineApplied Pipeline `json:"pipeline_applied"`
	DownloaderJobID *string  `json:"downloader_job_id,omitempty"`
}

// SurveyJob is created by the survey subsystem; this core only reads it.
type SurveyJob struct {
	ID            string     `json:"id"`
	SourceType    string     `json:"source_type"`
	Success       *bool      `json:"success"`
	BatchJobID    *string    `json:"batch_job_id,omitempty"`
	BatchJobQueue *string    `json:"batch_job_queue,omitempty"`
	RAMAmount     int        `json:"ram_amount"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastModified  time.Time  `json:"last_modified"`
}

// JobEvent is an append-only audit row.
type JobEvent struct {
	Kind     JobKind   `json:"kind"`
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Audit event names.
const (
	EventDispatched = "dispatched"
	EventFailed     = "failed"
	EventRetried    = "retried"
	EventTimedOut   = "timed_out"
	EventAbandoned  = "abandoned"
	EventSucceeded  = "succeeded"
)

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }
