package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/models"
	"data-refinery/internal/store"
	"data-refinery/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.JobStore { return New() })
}

func TestListOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	m := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		m.SetClock(func() time.Time { return at })
		job, err := m.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	oldest, err := m.ListDownloaderJobs(ctx, store.JobFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, ids[0], oldest[0].ID)
	assert.Equal(t, ids[1], oldest[1].ID)

	newest, err := m.ListDownloaderJobs(ctx, store.JobFilter{NewestFirst: true, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, ids[2], newest[0].ID)
	assert.Equal(t, ids[1], newest[1].ID)

	before, err := m.ListDownloaderJobs(ctx, store.JobFilter{CreatedBefore: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, before, 2)
}

func TestHandleNeverReused(t *testing.T) {
	ctx := context.Background()
	m := New()
	a, err := m.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA})
	require.NoError(t, err)
	b, err := m.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA})
	require.NoError(t, err)

	_, err = m.SetBatchJobID(ctx, models.KindDownloader, a.ID, "same")
	require.NoError(t, err)
	_, err = m.SetBatchJobID(ctx, models.KindDownloader, b.ID, "same")
	assert.Error(t, err)
}
