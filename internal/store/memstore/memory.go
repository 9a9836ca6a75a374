// Package memstore keeps the job table in process memory. It mirrors the
// Postgres store's compare-and-set semantics and backs unit tests and local
// dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"data-refinery/internal/models"
	"data-refinery/internal/store"
)

// Memory is an in-memory store.JobStore.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	surveys     map[string]*models.SurveyJob
	files       map[string]*models.OriginalFile
	downloaders map[string]*models.DownloaderJob
	processors  map[string]*models.ProcessorJob
	assocs      map[models.JobKind]map[string][]string
	events      []models.JobEvent
}

var _ store.JobStore = (*Memory)(nil)

// New returns an empty store using the wall clock.
func New() *Memory {
	return &Memory{
		now:         func() time.Time { return time.Now().UTC() },
		surveys:     make(map[string]*models.SurveyJob),
		files:       make(map[string]*models.OriginalFile),
		downloaders: make(map[string]*models.DownloaderJob),
		processors:  make(map[string]*models.ProcessorJob),
		assocs: map[models.JobKind]map[string][]string{
			models.KindDownloader: {},
			models.KindProcessor:  {},
		},
	}
}

// SetClock replaces the clock used for timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// UpdateJob lets tests edit lifecycle columns directly, e.g. to backdate a job.
func (m *Memory) UpdateJob(kind models.JobKind, id string, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return err
	}
	fn(j)
	return nil
}

func (m *Memory) lifecycle(kind models.JobKind, id string) (*models.Job, error) {
	switch kind {
	case models.KindDownloader:
		if j, ok := m.downloaders[id]; ok {
			return &j.Job, nil
		}
	case models.KindProcessor:
		if j, ok := m.processors[id]; ok {
			return &j.Job, nil
		}
	default:
		return nil, fmt.Errorf("job kind %q has no lifecycle table", kind)
	}
	return nil, fmt.Errorf("%s job %s: %w", kind, id, store.ErrNotFound)
}

func (m *Memory) CreateSurveyJob(_ context.Context, sourceType string, ram int) (models.SurveyJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	job := &models.SurveyJob{ID: store.NewID(), SourceType: sourceType, RAMAmount: ram, CreatedAt: now, LastModified: now}
	m.surveys[job.ID] = job
	return *job, nil
}

// UpdateSurveyJob lets the survey side of tests record handles and outcomes.
func (m *Memory) UpdateSurveyJob(id string, fn func(*models.SurveyJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.surveys[id]
	if !ok {
		return fmt.Errorf("survey job %s: %w", id, store.ErrNotFound)
	}
	fn(j)
	return nil
}

func (m *Memory) GetSurveyJob(_ context.Context, id string) (models.SurveyJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.surveys[id]
	if !ok {
		return models.SurveyJob{}, fmt.Errorf("survey job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

func (m *Memory) ListSurveyJobs(_ context.Context, f store.JobFilter) ([]models.SurveyJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SurveyJob
	for _, j := range m.surveys {
		if (store.JobFilter{Success: f.Success}).Matches(models.Job{Success: j.Success}) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.less(out[a].CreatedAt, out[a].ID, out[b].CreatedAt, out[b].ID, f.NewestFirst) })
	return paginate(out, f), nil
}

func (m *Memory) less(ta time.Time, ia string, tb time.Time, ib string, newestFirst bool) bool {
	before := ta.Before(tb) || (ta.Equal(tb) && ia < ib)
	if newestFirst {
		return !before
	}
	return before
}

func paginate[T any](items []T, f store.JobFilter) []T {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}

func (m *Memory) CreateOriginalFile(_ context.Context, f models.OriginalFile) (models.OriginalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = store.NewID()
	}
	if _, exists := m.files[f.ID]; exists {
		return models.OriginalFile{}, fmt.Errorf("insert original file: duplicate id %s", f.ID)
	}
	now := m.now()
	f.CreatedAt, f.LastModified = now, now
	stored := f
	m.files[f.ID] = &stored
	return f, nil
}

func (m *Memory) MarkOriginalFileDownloaded(_ context.Context, f models.OriginalFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.files[f.ID]
	if !ok {
		return fmt.Errorf("original file %s: %w", f.ID, store.ErrNotFound)
	}
	cur.IsDownloaded = true
	cur.Filename = f.Filename
	cur.AbsoluteFilePath = f.AbsoluteFilePath
	cur.Size = f.Size
	cur.SHA1 = f.SHA1
	cur.HasRaw = f.HasRaw
	cur.LastModified = m.now()
	return nil
}

// File returns a stored file by id.
func (m *Memory) File(id string) (models.OriginalFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return models.OriginalFile{}, false
	}
	return *f, true
}

// Files returns every stored file.
func (m *Memory) Files() []models.OriginalFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OriginalFile, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, *f)
	}
	sortFiles(out)
	return out
}

func sortFiles(files []models.OriginalFile) {
	sort.Slice(files, func(a, b int) bool {
		if files[a].SourceFilename != files[b].SourceFilename {
			return files[a].SourceFilename < files[b].SourceFilename
		}
		return files[a].ID < files[b].ID
	})
}

func (m *Memory) filesFor(kind models.JobKind, jobID string) []models.OriginalFile {
	var out []models.OriginalFile
	for _, fid := range m.assocs[kind][jobID] {
		if f, ok := m.files[fid]; ok {
			out = append(out, *f)
		}
	}
	sortFiles(out)
	return out
}

func (m *Memory) FilesForDownloaderJob(_ context.Context, jobID string) ([]models.OriginalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesFor(models.KindDownloader, jobID), nil
}

func (m *Memory) FilesForProcessorJob(_ context.Context, jobID string) ([]models.OriginalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesFor(models.KindProcessor, jobID), nil
}

func (m *Memory) DerivedFiles(_ context.Context, sourceIDs []string, variant string) ([]models.OriginalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		want[id] = true
	}
	var out []models.OriginalFile
	for _, f := range m.files {
		if f.DerivedFromID != nil && want[*f.DerivedFromID] && f.Variant == variant {
			out = append(out, *f)
		}
	}
	sortFiles(out)
	return out, nil
}

func (m *Memory) associate(kind models.JobKind, jobID string, fileIDs []string) error {
	for _, fid := range fileIDs {
		if _, ok := m.files[fid]; !ok {
			return fmt.Errorf("associate file %s: %w", fid, store.ErrNotFound)
		}
	}
	seen := make(map[string]bool)
	var ids []string
	for _, fid := range fileIDs {
		if !seen[fid] {
			seen[fid] = true
			ids = append(ids, fid)
		}
	}
	m.assocs[kind][jobID] = ids
	return nil
}

func (m *Memory) CreateDownloaderJob(_ context.Context, p store.CreateDownloaderJobParams) (models.DownloaderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.RAMAmount == 0 {
		p.RAMAmount = 1024
	}
	now := m.now()
	job := &models.DownloaderJob{
		Job:            models.Job{ID: store.NewID(), RAMAmount: p.RAMAmount, CreatedAt: now, LastModified: now},
		DownloaderTask: p.Task,
	}
	if err := m.associate(models.KindDownloader, job.ID, p.FileIDs); err != nil {
		return models.DownloaderJob{}, err
	}
	m.downloaders[job.ID] = job
	return *job, nil
}

func (m *Memory) CreateProcessorJob(_ context.Context, p store.CreateProcessorJobParams) (models.ProcessorJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.RAMAmount == 0 {
		p.RAMAmount = 2048
	}
	if p.DownloaderJobID != "" {
		for _, existing := range m.processors {
			if existing.RetriedFromID == nil && existing.DownloaderJobID != nil &&
				*existing.DownloaderJobID == p.DownloaderJobID && existing.PipelineApplied == p.Pipeline {
				return *existing, false, nil
			}
		}
	}
	now := m.now()
	job := &models.ProcessorJob{
		Job:             models.Job{ID: store.NewID(), RAMAmount: p.RAMAmount, CreatedAt: now, LastModified: now},
		PipelineApplied: p.Pipeline,
	}
	if p.DownloaderJobID != "" {
		job.DownloaderJobID = models.String(p.DownloaderJobID)
	}
	if err := m.associate(models.KindProcessor, job.ID, p.FileIDs); err != nil {
		return models.ProcessorJob{}, false, err
	}
	m.processors[job.ID] = job
	return *job, true, nil
}

func (m *Memory) GetDownloaderJob(_ context.Context, id string) (models.DownloaderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.downloaders[id]
	if !ok {
		return models.DownloaderJob{}, fmt.Errorf("downloader job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

func (m *Memory) GetProcessorJob(_ context.Context, id string) (models.ProcessorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.processors[id]
	if !ok {
		return models.ProcessorJob{}, fmt.Errorf("processor job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

func (m *Memory) ListDownloaderJobs(_ context.Context, f store.JobFilter) ([]models.DownloaderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DownloaderJob
	for _, j := range m.downloaders {
		if f.Matches(j.Job) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.less(out[a].CreatedAt, out[a].ID, out[b].CreatedAt, out[b].ID, f.NewestFirst) })
	return paginate(out, f), nil
}

func (m *Memory) ListProcessorJobs(_ context.Context, f store.JobFilter) ([]models.ProcessorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProcessorJob
	for _, j := range m.processors {
		if f.Matches(j.Job) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.less(out[a].CreatedAt, out[a].ID, out[b].CreatedAt, out[b].ID, f.NewestFirst) })
	return paginate(out, f), nil
}

func (m *Memory) PipelinesForDownloaderJob(_ context.Context, id string) ([]models.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[models.Pipeline]bool)
	var out []models.Pipeline
	for _, j := range m.processors {
		if j.DownloaderJobID != nil && *j.DownloaderJobID == id && !seen[j.PipelineApplied] {
			seen[j.PipelineApplied] = true
			out = append(out, j.PipelineApplied)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func (m *Memory) StartJob(_ context.Context, kind models.JobKind, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return false, err
	}
	if j.Success != nil || j.StartTime != nil {
		return false, nil
	}
	now := m.now()
	j.StartTime = &now
	j.LastModified = now
	return true, nil
}

func (m *Memory) SetJobOutcome(_ context.Context, kind models.JobKind, id string, success bool, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return false, err
	}
	if j.Success != nil {
		return false, nil
	}
	j.Success = models.Bool(success)
	j.FailureReason = nil
	if reason != "" {
		j.FailureReason = models.String(reason)
	}
	j.LastModified = m.now()
	return true, nil
}

func (m *Memory) EndJob(_ context.Context, kind models.JobKind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return err
	}
	if j.EndTime == nil {
		now := m.now()
		j.EndTime = &now
		j.LastModified = now
	}
	return nil
}

func (m *Memory) SetBatchJobID(_ context.Context, kind models.JobKind, id, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return false, err
	}
	if j.BatchJobID != nil || j.Success != nil {
		return false, nil
	}
	for _, other := range m.allJobs() {
		if other.Handle() == handle {
			return false, fmt.Errorf("set %s batch job id: handle %s already recorded", kind, handle)
		}
	}
	now := m.now()
	j.BatchJobID = models.String(handle)
	j.DispatchedAt = &now
	j.LastModified = now
	return true, nil
}

func (m *Memory) allJobs() []*models.Job {
	out := make([]*models.Job, 0, len(m.downloaders)+len(m.processors))
	for _, j := range m.downloaders {
		out = append(out, &j.Job)
	}
	for _, j := range m.processors {
		out = append(out, &j.Job)
	}
	return out
}

func (m *Memory) RetryJob(_ context.Context, kind models.JobKind, id string, maxRetries int) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.lifecycle(kind, id)
	if err != nil {
		return "", false, err
	}
	if j.Success == nil || *j.Success || j.Retried || j.NumRetries >= maxRetries {
		return "", false, nil
	}
	now := m.now()
	j.Retried = true
	j.LastModified = now

	retry := models.Job{
		ID:            store.NewID(),
		RAMAmount:     j.RAMAmount,
		NumRetries:    j.NumRetries + 1,
		RetriedFromID: models.String(id),
		CreatedAt:     now,
		LastModified:  now,
	}
	switch kind {
	case models.KindDownloader:
		m.downloaders[retry.ID] = &models.DownloaderJob{Job: retry, DownloaderTask: m.downloaders[id].DownloaderTask}
	default:
		orig := m.processors[id]
		m.processors[retry.ID] = &models.ProcessorJob{Job: retry, PipelineApplied: orig.PipelineApplied, DownloaderJobID: orig.DownloaderJobID}
	}
	m.assocs[kind][retry.ID] = append([]string(nil), m.assocs[kind][id]...)
	return retry.ID, true, nil
}

func (m *Memory) CountOutstandingByRAM(_ context.Context, kind models.JobKind) (map[int]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int)
	count := func(j models.Job) {
		if j.Success == nil && j.Handle() != "" {
			out[j.RAMAmount]++
		}
	}
	switch kind {
	case models.KindDownloader:
		for _, j := range m.downloaders {
			count(j.Job)
		}
	case models.KindProcessor:
		for _, j := range m.processors {
			count(j.Job)
		}
	default:
		return nil, fmt.Errorf("job kind %q has no lifecycle table", kind)
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, kind models.JobKind, jobID, event, detail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event == models.EventAbandoned {
		for _, e := range m.events {
			if e.Kind == kind && e.JobID == jobID && e.Event == event {
				return false, nil
			}
		}
	}
	m.events = append(m.events, models.JobEvent{Kind: kind, JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return true, nil
}

func (m *Memory) Events(_ context.Context, kind models.JobKind, jobID string) ([]models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobEvent
	for _, e := range m.events {
		if e.Kind == kind && e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}
