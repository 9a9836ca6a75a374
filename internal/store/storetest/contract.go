// Package storetest holds the behavior every store.JobStore must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/models"
	"data-refinery/internal/store"
)

// Run exercises s against the job table contract. newStore must return an
// empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.JobStore) {
	t.Run("OutcomeWrittenOnce", func(t *testing.T) { testOutcomeWrittenOnce(t, newStore(t)) })
	t.Run("StartOnce", func(t *testing.T) { testStartOnce(t, newStore(t)) })
	t.Run("HandleCompareAndSet", func(t *testing.T) { testHandleCompareAndSet(t, newStore(t)) })
	t.Run("RootProcessorJobUnique", func(t *testing.T) { testRootProcessorJobUnique(t, newStore(t)) })
	t.Run("RetryCopiesAssociations", func(t *testing.T) { testRetryCopiesAssociations(t, newStore(t)) })
	t.Run("ConcurrentRetryCreatesOneRow", func(t *testing.T) { testConcurrentRetry(t, newStore(t)) })
	t.Run("RetryCeiling", func(t *testing.T) { testRetryCeiling(t, newStore(t)) })
	t.Run("OutstandingByRAM", func(t *testing.T) { testOutstandingByRAM(t, newStore(t)) })
	t.Run("AbandonedEventOnce", func(t *testing.T) { testAbandonedEventOnce(t, newStore(t)) })
	t.Run("DerivedFiles", func(t *testing.T) { testDerivedFiles(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("CursorPaging", func(t *testing.T) { testCursorPaging(t, newStore(t)) })
}

func seedDownloaderJob(t *testing.T, s store.JobStore, names ...string) (models.DownloaderJob, []models.OriginalFile) {
	t.Helper()
	ctx := context.Background()
	var files []models.OriginalFile
	var ids []string
	for _, name := range names {
		f, err := s.CreateOriginalFile(ctx, models.OriginalFile{
			SourceURL:      "ftp://ftp.ensembl.org/pub/" + name,
			SourceFilename: name,
			IsArchive:      true,
		})
		require.NoError(t, err)
		files = append(files, f)
		ids = append(ids, f.ID)
	}
	job, err := s.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{
		Task:      models.TaskTranscriptomeIndex,
		RAMAmount: 1024,
		FileIDs:   ids,
	})
	require.NoError(t, err)
	return job, files
}

func testOutcomeWrittenOnce(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, _ := seedDownloaderJob(t, s, "Homo_sapiens.GRCh38.cdna.all.fa.gz")

	ok, err := s.SetJobOutcome(ctx, models.KindDownloader, job.ID, false, "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetJobOutcome(ctx, models.KindDownloader, job.ID, true, "")
	require.NoError(t, err)
	assert.False(t, ok, "success must not be written twice")

	got, err := s.GetDownloaderJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "boom", *got.FailureReason)
}

func testStartOnce(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, _ := seedDownloaderJob(t, s, "Mus_musculus.GRCm38.cdna.all.fa.gz")

	ok, err := s.StartJob(ctx, models.KindDownloader, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.StartJob(ctx, models.KindDownloader, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.EndJob(ctx, models.KindDownloader, job.ID))
	got, err := s.GetDownloaderJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.StartTime)
	assert.NotNil(t, got.EndTime)
}

func testHandleCompareAndSet(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, _ := seedDownloaderJob(t, s, "Danio_rerio.GRCz11.cdna.all.fa.gz")

	ok, err := s.SetBatchJobID(ctx, models.KindDownloader, job.ID, "handle-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetBatchJobID(ctx, models.KindDownloader, job.ID, "handle-2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetDownloaderJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle-1", got.Handle())
	assert.NotNil(t, got.DispatchedAt)
	assert.Equal(t, models.StateDispatched, got.State())
}

func testRootProcessorJobUnique(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	dlj, files := seedDownloaderJob(t, s, "Homo_sapiens.GRCh38.cdna.all.fa.gz")
	params := store.CreateProcessorJobParams{
		DownloaderJobID: dlj.ID,
		Pipeline:        models.PipelineTranscriptomeIndexLong,
		RAMAmount:       4096,
		FileIDs:         []string{files[0].ID},
	}
	first, created, err := s.CreateProcessorJob(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateProcessorJob(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	pipelines, err := s.PipelinesForDownloaderJob(ctx, dlj.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Pipeline{models.PipelineTranscriptomeIndexLong}, pipelines)

	linked, err := s.FilesForProcessorJob(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, files[0].ID, linked[0].ID)
}

func testRetryCopiesAssociations(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, files := seedDownloaderJob(t, s, "a.fa.gz", "b.gtf.gz")
	_, err := s.SetJobOutcome(ctx, models.KindDownloader, job.ID, false, "nope")
	require.NoError(t, err)

	newID, created, err := s.RetryJob(ctx, models.KindDownloader, job.ID, 3)
	require.NoError(t, err)
	require.True(t, created)

	retry, err := s.GetDownloaderJob(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.NumRetries)
	require.NotNil(t, retry.RetriedFromID)
	assert.Equal(t, job.ID, *retry.RetriedFromID)
	assert.Nil(t, retry.Success)
	assert.Equal(t, models.TaskTranscriptomeIndex, retry.DownloaderTask)

	linked, err := s.FilesForDownloaderJob(ctx, newID)
	require.NoError(t, err)
	assert.Len(t, linked, len(files))

	orig, err := s.GetDownloaderJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, orig.Retried)

	_, created, err = s.RetryJob(ctx, models.KindDownloader, job.ID, 3)
	require.NoError(t, err)
	assert.False(t, created)
}

func testConcurrentRetry(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, _ := seedDownloaderJob(t, s, "c.fa.gz")
	_, err := s.SetJobOutcome(ctx, models.KindDownloader, job.ID, false, "nope")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.RetryJob(ctx, models.KindDownloader, job.ID, 3)
			assert.NoError(t, err)
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	createdCount := 0
	for c := range results {
		if c {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	all, err := s.ListDownloaderJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	retries := 0
	for _, j := range all {
		if j.RetriedFromID != nil && *j.RetriedFromID == job.ID {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func testRetryCeiling(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	const ceiling = 2
	job, _ := seedDownloaderJob(t, s, "d.fa.gz")
	current := job.ID
	retries := 0
	for i := 0; i < ceiling+3; i++ {
		_, err := s.SetJobOutcome(ctx, models.KindDownloader, current, false, "fail")
		require.NoError(t, err)
		next, created, err := s.RetryJob(ctx, models.KindDownloader, current, ceiling)
		require.NoError(t, err)
		if !created {
			break
		}
		retries++
		current = next
	}
	assert.Equal(t, ceiling, retries)

	last, err := s.GetDownloaderJob(ctx, current)
	require.NoError(t, err)
	assert.True(t, last.Abandoned(ceiling))
}

func testOutstandingByRAM(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	a, _ := seedDownloaderJob(t, s, "e.fa.gz")
	b, _ := seedDownloaderJob(t, s, "f.fa.gz")
	seedDownloaderJob(t, s, "g.fa.gz")

	_, err := s.SetBatchJobID(ctx, models.KindDownloader, a.ID, "h-a")
	require.NoError(t, err)
	_, err = s.SetBatchJobID(ctx, models.KindDownloader, b.ID, "h-b")
	require.NoError(t, err)
	_, err = s.SetJobOutcome(ctx, models.KindDownloader, b.ID, true, "")
	require.NoError(t, err)

	counts, err := s.CountOutstandingByRAM(ctx, models.KindDownloader)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1024: 1}, counts)
}

func testAbandonedEventOnce(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	job, _ := seedDownloaderJob(t, s, "h.fa.gz")

	first, err := s.AppendEvent(ctx, models.KindDownloader, job.ID, models.EventAbandoned, "ceiling")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.AppendEvent(ctx, models.KindDownloader, job.ID, models.EventAbandoned, "ceiling")
	require.NoError(t, err)
	assert.False(t, again)

	_, err = s.AppendEvent(ctx, models.KindDownloader, job.ID, models.EventFailed, "x")
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, models.KindDownloader, job.ID, models.EventFailed, "y")
	require.NoError(t, err)

	events, err := s.Events(ctx, models.KindDownloader, job.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func testDerivedFiles(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	_, files := seedDownloaderJob(t, s, "Homo_sapiens.GRCh38.cdna.all.fa.gz")
	src := files[0]
	src.AbsoluteFilePath = "/data/Homo_sapiens_long/" + src.SourceFilename
	src.Filename = src.SourceFilename
	src.Size = 10
	src.SHA1 = "abc"
	src.HasRaw = true
	require.NoError(t, s.MarkOriginalFileDownloaded(ctx, src))

	_, err := s.CreateOriginalFile(ctx, models.OriginalFile{
		SourceURL:      src.SourceURL,
		SourceFilename: src.SourceFilename,
		IsDownloaded:   true,
		DerivedFromID:  models.String(src.ID),
		Variant:        "short",
	})
	require.NoError(t, err)

	derived, err := s.DerivedFiles(ctx, []string{src.ID}, "short")
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.True(t, derived[0].IsDownloaded)

	none, err := s.DerivedFiles(ctx, []string{src.ID}, "long")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNotFound(t *testing.T, s store.JobStore) {
	_, err := s.GetDownloaderJob(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testCursorPaging(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	want := make(map[string]bool)
	for i := 0; i < 5; i++ {
		job, err := s.CreateDownloaderJob(ctx, store.CreateDownloaderJobParams{Task: models.TaskSRA})
		require.NoError(t, err)
		want[job.ID] = true
	}

	seen := make(map[string]bool)
	var after *store.Cursor
	pages := 0
	for {
		page, err := s.ListDownloaderJobs(ctx, store.JobFilter{Limit: 2, After: after})
		require.NoError(t, err)
		for _, j := range page {
			assert.False(t, seen[j.ID], "job %s listed twice", j.ID)
			seen[j.ID] = true
		}
		pages++
		if len(page) < 2 {
			break
		}
		after = store.CursorOf(page[len(page)-1].Job)
	}
	assert.Equal(t, want, seen)
	assert.Equal(t, 3, pages)

	newest, err := s.ListDownloaderJobs(ctx, store.JobFilter{NewestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	rest, err := s.ListDownloaderJobs(ctx, store.JobFilter{NewestFirst: true, After: store.CursorOf(newest[0].Job)})
	require.NoError(t, err)
	assert.Len(t, rest, 4)
	for _, j := range rest {
		assert.NotEqual(t, newest[0].ID, j.ID)
	}
}
