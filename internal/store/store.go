package store

import (
	"context"

	"github.com/google/uuid"

	"data-refinery/internal/models"
)

// NewID returns a time-ordered (v7) row id, so ids sort in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// JobStore is the job table contract. Store (Postgres) and memstore.Memory
// implement it with the same compare-and-set semantics; consumers declare the
// narrower subsets they need.
type JobStore interface {
	CreateSurveyJob(ctx context.Context, sourceType string, ram int) (models.SurveyJob, error)
	GetSurveyJob(ctx context.Context, id string) (models.SurveyJob, error)
	ListSurveyJobs(ctx context.Context, f JobFilter) ([]models.SurveyJob, error)

	CreateOriginalFile(ctx context.Context, f models.OriginalFile) (models.OriginalFile, error)
	MarkOriginalFileDownloaded(ctx context.Context, f models.OriginalFile) error
	FilesForDownloaderJob(ctx context.Context, jobID string) ([]models.OriginalFile, error)
	FilesForProcessorJob(ctx context.Context, jobID string) ([]models.OriginalFile, error)
	DerivedFiles(ctx context.Context, sourceIDs []string, variant string) ([]models.OriginalFile, error)

	CreateDownloaderJob(ctx context.Context, p CreateDownloaderJobParams) (models.DownloaderJob, error)
	CreateProcessorJob(ctx context.Context, p CreateProcessorJobParams) (models.ProcessorJob, bool, error)
	GetDownloaderJob(ctx context.Context, id string) (models.DownloaderJob, error)
	GetProcessorJob(ctx context.Context, id string) (models.ProcessorJob, error)
	ListDownloaderJobs(ctx context.Context, f JobFilter) ([]models.DownloaderJob, error)
	ListProcessorJobs(ctx context.Context, f JobFilter) ([]models.ProcessorJob, error)
	PipelinesForDownloaderJob(ctx context.Context, id string) ([]models.Pipeline, error)

	StartJob(ctx context.Context, kind models.JobKind, id string) (bool, error)
	SetJobOutcome(ctx context.Context, kind models.JobKind, id string, success bool, reason string) (bool, error)
	EndJob(ctx context.Context, kind models.JobKind, id string) error
	SetBatchJobID(ctx context.Context, kind models.JobKind, id, handle string) (bool, error)
	RetryJob(ctx context.Context, kind models.JobKind, id string, maxRetries int) (string, bool, error)
	CountOutstandingByRAM(ctx context.Context, kind models.JobKind) (map[int]int, error)

	AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) (bool, error)
	Events(ctx context.Context, kind models.JobKind, jobID string) ([]models.JobEvent, error)
}

var _ JobStore = (*Store)(nil)
