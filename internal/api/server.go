package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"data-refinery/internal/batch"
	"data-refinery/internal/foreman"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

const maxPageSize = 1000

// Reader is the read side of the job store the API serves.
type Reader interface {
	GetSurveyJob(ctx context.Context, id string) (models.SurveyJob, error)
	ListSurveyJobs(ctx context.Context, f store.JobFilter) ([]models.SurveyJob, error)
	GetDownloaderJob(ctx context.Context, id string) (models.DownloaderJob, error)
	ListDownloaderJobs(ctx context.Context, f store.JobFilter) ([]models.DownloaderJob, error)
	GetProcessorJob(ctx context.Context, id string) (models.ProcessorJob, error)
	ListProcessorJobs(ctx context.Context, f store.JobFilter) ([]models.ProcessorJob, error)
	FilesForDownloaderJob(ctx context.Context, jobID string) ([]models.OriginalFile, error)
	FilesForProcessorJob(ctx context.Context, jobID string) ([]models.OriginalFile, error)
}

// AbandonedLister reports failed jobs at the retry ceiling.
type AbandonedLister interface {
	ListAbandoned(ctx context.Context) ([]foreman.AbandonedJob, error)
}

// Server wires HTTP handlers for the read-only monitoring API.
type Server struct {
	store     Reader
	queue     batch.Client
	abandoned AbandonedLister
	pageSize  int
	log       *slog.Logger
}

// New constructs the API server.
func New(st Reader, q batch.Client, abandoned AbandonedLister, pageSize int, log *slog.Logger) *Server {
	if pageSize <= 0 {
		pageSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, queue: q, abandoned: abandoned, pageSize: pageSize, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/survey", s.handleListSurveyJobs)
		r.Get("/survey/{id}", s.handleGetSurveyJob)
		r.Get("/downloader", s.handleListDownloaderJobs)
		r.Get("/downloader/{id}", s.handleGetDownloaderJob)
		r.Get("/processor", s.handleListProcessorJobs)
		r.Get("/processor/{id}", s.handleGetProcessorJob)
		r.Get("/abandoned", s.handleAbandoned)
	})
	return r
}

type surveyJobView struct {
	models.SurveyJob
	IsQueued bool `json:"is_queued"`
}

type downloaderJobView struct {
	models.DownloaderJob
	IsQueued      bool                  `json:"is_queued"`
	OriginalFiles []models.OriginalFile `json:"original_files,omitempty"`
}

type processorJobView struct {
	models.ProcessorJob
	IsQueued      bool                  `json:"is_queued"`
	OriginalFiles []models.OriginalFile `json:"original_files,omitempty"`
}

type listResponse[T any] struct {
	Results []T `json:"results"`
	Limit   int `json:"limit"`
	Offset  int `json:"offset"`
}

// queued describes handles in one chunked call and returns those in a
// non-terminal state. A describe failure marks nothing queued.
func (s *Server) queued(ctx context.Context, handles []string) map[string]bool {
	out := make(map[string]bool, len(handles))
	var nonEmpty []string
	for _, h := range handles {
		if h != "" {
			nonEmpty = append(nonEmpty, h)
		}
	}
	if len(nonEmpty) == 0 || s.queue == nil {
		return out
	}
	statuses, err := s.queue.DescribeStatuses(ctx, nonEmpty)
	if err != nil {
		telemetry.DescribeErrors.WithLabelValues("api").Inc()
		s.log.Warn("describing jobs for is_queued failed, reporting them as not queued",
			slog.Int("handles", len(nonEmpty)), slog.Any("error", err))
		return out
	}
	for h, status := range statuses {
		out[h] = status.Queued()
	}
	return out
}

func (s *Server) filter(r *http.Request) (store.JobFilter, error) {
	q := r.URL.Query()
	f := store.JobFilter{Limit: s.pageSize, NewestFirst: true}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	success, err := store.ParseSuccessFilter(q.Get("success"))
	if err != nil {
		return f, err
	}
	f.Success = success
	return f, nil
}

func (s *Server) handleListSurveyJobs(w http.ResponseWriter, r *http.Request) {
	f, err := s.filter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListSurveyJobs(r.Context(), f)
	if err != nil {
		s.serverError(w, "list survey jobs", err)
		return
	}
	handles := make([]string, 0, len(jobs))
	for _, j := range jobs {
		handles = append(handles, deref(j.BatchJobID))
	}
	queued := s.queued(r.Context(), handles)
	views := make([]surveyJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, surveyJobView{SurveyJob: j, IsQueued: queued[deref(j.BatchJobID)]})
	}
	writeJSON(w, http.StatusOK, listResponse[surveyJobView]{Results: views, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetSurveyJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetSurveyJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "survey job", err)
		return
	}
	handle := deref(job.BatchJobID)
	writeJSON(w, http.StatusOK, surveyJobView{SurveyJob: job, IsQueued: s.queued(r.Context(), []string{handle})[handle]})
}

func (s *Server) handleListDownloaderJobs(w http.ResponseWriter, r *http.Request) {
	f, err := s.filter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListDownloaderJobs(r.Context(), f)
	if err != nil {
		s.serverError(w, "list downloader jobs", err)
		return
	}
	handles := make([]string, 0, len(jobs))
	for _, j := range jobs {
		handles = append(handles, j.Handle())
	}
	queued := s.queued(r.Context(), handles)
	views := make([]downloaderJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, downloaderJobView{DownloaderJob: j, IsQueued: queued[j.Handle()]})
	}
	writeJSON(w, http.StatusOK, listResponse[downloaderJobView]{Results: views, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetDownloaderJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetDownloaderJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "downloader job", err)
		return
	}
	files, err := s.store.FilesForDownloaderJob(r.Context(), job.ID)
	if err != nil {
		s.serverError(w, "files for downloader job", err)
		return
	}
	writeJSON(w, http.StatusOK, downloaderJobView{
		DownloaderJob: job,
		IsQueued:      s.queued(r.Context(), []string{job.Handle()})[job.Handle()],
		OriginalFiles: files,
	})
}

func (s *Server) handleListProcessorJobs(w http.ResponseWriter, r *http.Request) {
	f, err := s.filter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListProcessorJobs(r.Context(), f)
	if err != nil {
		s.serverError(w, "list processor jobs", err)
		return
	}
	handles := make([]string, 0, len(jobs))
	for _, j := range jobs {
		handles = append(handles, j.Handle())
	}
	queued := s.queued(r.Context(), handles)
	views := make([]processorJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, processorJobView{ProcessorJob: j, IsQueued: queued[j.Handle()]})
	}
	writeJSON(w, http.StatusOK, listResponse[processorJobView]{Results: views, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleGetProcessorJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetProcessorJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lookupError(w, "processor job", err)
		return
	}
	files, err := s.store.FilesForProcessorJob(r.Context(), job.ID)
	if err != nil {
		s.serverError(w, "files for processor job", err)
		return
	}
	writeJSON(w, http.StatusOK, processorJobView{
		ProcessorJob:  job,
		IsQueued:      s.queued(r.Context(), []string{job.Handle()})[job.Handle()],
		OriginalFiles: files,
	})
}

func (s *Server) handleAbandoned(w http.ResponseWriter, r *http.Request) {
	if s.abandoned == nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": []foreman.AbandonedJob{}})
		return
	}
	jobs, err := s.abandoned.ListAbandoned(r.Context())
	if err != nil {
		s.serverError(w, "list abandoned jobs", err)
		return
	}
	if jobs == nil {
		jobs = []foreman.AbandonedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": jobs})
}

func (s *Server) lookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, what+" not found", http.StatusNotFound)
		return
	}
	s.serverError(w, "get "+what, err)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error("api request failed", slog.String("op", op), slog.Any("error", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
