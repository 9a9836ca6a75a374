package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/batch"
	"data-refinery/internal/batch/batchtest"
	"data-refinery/internal/dispatch"
	"data-refinery/internal/foreman"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/store/memstore"
)

type jobRow struct {
	ID         string  `json:"id"`
	BatchJobID *string `json:"batch_job_id"`
	IsQueued   bool    `json:"is_queued"`
}

type listBody struct {
	Results []jobRow `json:"results"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

type stubAbandoned struct {
	jobs []foreman.AbandonedJob
	err  error
}

func (s stubAbandoned) ListAbandoned(context.Context) ([]foreman.AbandonedJob, error) {
	return s.jobs, s.err
}

func newTestServer(t *testing.T) (*memstore.Memory, *batchtest.Fake, *dispatch.Dispatcher, http.Handler) {
	t.Helper()
	st := memstore.New()
	q := batchtest.New()
	d := dispatch.New(st, q, nil, "", nil)
	return st, q, d, New(st, q, nil, 50, nil).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) listBody {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body listBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestProcessorListDerivesIsQueued(t *testing.T) {
	ctx := context.Background()
	st, q, d, h := newTestServer(t)

	running, _, err := st.CreateProcessorJob(ctx, store.CreateProcessorJobParams{Pipeline: models.PipelineSalmon})
	require.NoError(t, err)
	require.NoError(t, d.DispatchProcessorJob(ctx, running))
	running, err = st.GetProcessorJob(ctx, running.ID)
	require.NoError(t, err)
	q.SetStatus(running.Handle(), batch.StatusRunning)

	finished, _, err := st.CreateProcessorJob(ctx, store.CreateProcessorJobParams{Pipeline: models.PipelineSalmon})
	require.NoError(t, err)
	require.NoError(t, d.DispatchProcessorJob(ctx, finished))
	finished, err = st.GetProcessorJob(ctx, finished.ID)
	require.NoError(t, err)
	q.SetStatus(finished.Handle(), batch.StatusSucceeded)

	pending, _, err := st.CreateProcessorJob(ctx, store.CreateProcessorJobParams{Pipeline: models.PipelineSalmon})
	require.NoError(t, err)

	body := decodeList(t, get(t, h, "/jobs/processor"))
	require.Len(t, body.Results, 3)
	assert.Equal(t, 50, body.Limit)

	queued := map[string]bool{}
	for _, r := range body.Results {
		queued[r.ID] = r.IsQueued
	}
	assert.True(t, queued[running.ID])
	assert.False(t, queued[finished.ID])
	assert.False(t, queued[pending.ID])
	require.Len(t, q.DescribeCalls(), 1, "one describe per page")
	assert.Len(t, q.DescribeCalls()[0], 2)
}

func TestDescribeFailureReportsNotQueued(t *testing.T) {
	ctx := context.Background()
	st, q, d, h := newTestServer(t)

	job, err := st.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA})
	require.NoError(t, err)
	require.NoError(t, d.DispatchDownloaderJob(ctx, job))
	job, err = st.GetDownloaderJob(ctx, job.ID)
	require.NoError(t, err)
	q.SetStatus(job.Handle(), batch.StatusRunning)
	q.DescribeErr = errors.New("throttled")

	body := decodeList(t, get(t, h, "/jobs/downloader"))
	require.Len(t, body.Results, 1)
	assert.False(t, body.Results[0].IsQueued)

	rr := get(t, h, "/jobs/downloader/"+job.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var row jobRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &row))
	assert.Equal(t, job.ID, row.ID)
	assert.False(t, row.IsQueued)
}

func TestSurveyJobDetail(t *testing.T) {
	ctx := context.Background()
	st, q, _, h := newTestServer(t)

	job, err := st.CreateSurveyJob(ctx, "SRA", 1024)
	require.NoError(t, err)
	require.NoError(t, st.UpdateSurveyJob(job.ID, func(j *models.SurveyJob) {
		j.BatchJobID = models.String("survey-1")
	}))
	q.SetStatus("survey-1", batch.StatusRunnable)

	rr := get(t, h, "/jobs/survey/"+job.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var row jobRow
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &row))
	assert.True(t, row.IsQueued)
	require.NotNil(t, row.BatchJobID)
	assert.Equal(t, "survey-1", *row.BatchJobID)

	body := decodeList(t, get(t, h, "/jobs/survey?success=null"))
	require.Len(t, body.Results, 1)
	assert.True(t, body.Results[0].IsQueued)
}

func TestDownloaderDetailIncludesFiles(t *testing.T) {
	ctx := context.Background()
	st, _, _, h := newTestServer(t)

	f, err := st.CreateOriginalFile(ctx, models.OriginalFile{SourceFilename: "SRR1.sra", Filename: "SRR1.sra"})
	require.NoError(t, err)
	job, err := st.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA, FileIDs: []string{f.ID}})
	require.NoError(t, err)

	rr := get(t, h, "/jobs/downloader/"+job.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		ID            string                `json:"id"`
		IsQueued      bool                  `json:"is_queued"`
		OriginalFiles []models.OriginalFile `json:"original_files"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body.IsQueued)
	require.Len(t, body.OriginalFiles, 1)
	assert.Equal(t, f.ID, body.OriginalFiles[0].ID)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	st, _, _, h := newTestServer(t)

	for i := 0; i < 3; i++ {
		_, _, err := st.CreateProcessorJob(ctx, store.CreateProcessorJobParams{Pipeline: models.PipelineSalmon})
		require.NoError(t, err)
	}
	done, _, err := st.CreateProcessorJob(ctx, store.CreateProcessorJobParams{Pipeline: models.PipelineSalmon})
	require.NoError(t, err)
	_, err = st.SetJobOutcome(ctx, models.KindProcessor, done.ID, true, "")
	require.NoError(t, err)

	body := decodeList(t, get(t, h, "/jobs/processor?success=true"))
	require.Len(t, body.Results, 1)
	assert.Equal(t, done.ID, body.Results[0].ID)

	body = decodeList(t, get(t, h, "/jobs/processor?success=null&limit=2&offset=1"))
	assert.Len(t, body.Results, 2)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, 1, body.Offset)

	for _, bad := range []string{"?success=maybe", "?limit=0", "?limit=x", "?offset=-1"} {
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/jobs/processor"+bad).Code, bad)
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	_, _, _, h := newTestServer(t)
	for _, path := range []string{"/jobs/survey/nope", "/jobs/downloader/nope", "/jobs/processor/nope"} {
		assert.Equal(t, http.StatusNotFound, get(t, h, path).Code, path)
	}
}

func TestAbandonedEndpoint(t *testing.T) {
	st := memstore.New()
	q := batchtest.New()

	h := New(st, q, nil, 0, nil).Router()
	rr := get(t, h, "/jobs/abandoned")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"results":[]}`, rr.Body.String())

	lister := stubAbandoned{jobs: []foreman.AbandonedJob{{
		Kind:    models.KindProcessor,
		JobType: string(models.PipelineSalmon),
		Job:     models.Job{ID: "p-1", NumRetries: 3, FailureReason: models.String("out of memory")},
	}}}
	rr = get(t, New(st, q, lister, 0, nil).Router(), "/jobs/abandoned")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Results []struct {
			ID         string `json:"id"`
			NumRetries int    `json:"num_retries"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.Equal(t, "p-1", body.Results[0].ID)
	assert.Equal(t, 3, body.Results[0].NumRetries)

	rr = get(t, New(st, q, stubAbandoned{err: errors.New("db down")}, 0, nil).Router(), "/jobs/abandoned")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHealthz(t *testing.T) {
	_, _, _, h := newTestServer(t)
	rr := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
}
