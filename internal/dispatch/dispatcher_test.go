package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/batch/batchtest"
	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/store/memstore"
)

type denyLimiter struct{ err error }

func (d denyLimiter) Take(context.Context) (bool, error) { return false, d.err }

func newProcessorJob(t *testing.T, st *memstore.Memory) models.ProcessorJob {
	t.Helper()
	job, _, err := st.CreateProcessorJob(context.Background(), store.CreateProcessorJobParams{
		Pipeline:  models.PipelineSalmon,
		RAMAmount: 8192,
	})
	require.NoError(t, err)
	return job
}

func TestDispatchRecordsHandle(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, nil, "dev_", nil)

	job := newProcessorJob(t, st)
	require.NoError(t, d.DispatchProcessorJob(ctx, job))

	got, err := st.GetProcessorJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDispatched, got.State())
	assert.NotNil(t, got.DispatchedAt)

	subs := q.Submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "dev_SALMON_8192", subs[0].JobDefinition)
	assert.Equal(t, "dev_SALMON_"+job.ID+"_8192", subs[0].JobName)
	assert.Equal(t, []string{"process", job.ID}, subs[0].Command)

	events, err := st.Events(ctx, models.KindProcessor, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDispatched, events[0].Event)
	assert.Equal(t, got.Handle(), events[0].Detail)
}

func TestDispatchDownloaderUsesTaskDefinition(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, nil, "", nil)

	job, err := st.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskTranscriptomeIndex})
	require.NoError(t, err)
	require.NoError(t, d.DispatchDownloaderJob(ctx, job))

	subs := q.Submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "TRANSCRIPTOME_INDEX_1024", subs[0].JobDefinition)
	assert.Equal(t, []string{"download", job.ID}, subs[0].Command)
}

func TestDispatchSubmitFailureLeavesRow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	q.SubmitErr = errors.New("queue unavailable")
	d := New(st, q, nil, "", nil)

	job := newProcessorJob(t, st)
	err := d.DispatchProcessorJob(ctx, job)

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, job.ID, dispatchErr.JobID)

	got, err := st.GetProcessorJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, got.State())
	assert.Nil(t, got.Success)
}

func TestDispatchSkipsResolvedOrDispatched(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, nil, "", nil)

	job := newProcessorJob(t, st)
	job.BatchJobID = models.String("existing")
	require.NoError(t, d.DispatchProcessorJob(ctx, job))

	job.BatchJobID = nil
	job.Success = models.Bool(false)
	require.NoError(t, d.DispatchProcessorJob(ctx, job))

	assert.Empty(t, q.Submitted())
}

func TestDispatchThrottled(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, denyLimiter{}, "", nil)

	job := newProcessorJob(t, st)
	require.ErrorIs(t, d.DispatchProcessorJob(ctx, job), ErrThrottled)
	assert.Empty(t, q.Submitted())
}

func TestDispatchLimiterErrorFailsOpen(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, denyLimiter{err: errors.New("redis down")}, "", nil)

	job := newProcessorJob(t, st)
	require.NoError(t, d.DispatchProcessorJob(ctx, job))
	assert.Len(t, q.Submitted(), 1)
}

func TestConcurrentDispatchKeepsOneHandle(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := batchtest.New()
	d := New(st, q, nil, "", nil)

	job := newProcessorJob(t, st)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.DispatchProcessorJob(ctx, job))
		}()
	}
	wg.Wait()

	got, err := st.GetProcessorJob(ctx, job.ID)
	require.NoError(t, err)
	subs := q.Submitted()
	require.Len(t, subs, 4)
	terminated := q.Terminated()
	assert.Len(t, terminated, 3)
	_, kept := terminated[got.Handle()]
	assert.False(t, kept, "the recorded handle is never terminated")
}
