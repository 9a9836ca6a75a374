package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"data-refinery/internal/models"
)

func TestJobFilterWhere(t *testing.T) {
	yes := true
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := JobFilter{Success: SuccessNull, HasHandle: &yes, CreatedBefore: cutoff, Limit: 10}

	where, args := f.where(nil)
	page, args := f.page(args)

	assert.Equal(t, " WHERE success IS NULL AND batch_job_id IS NOT NULL AND created_at < $1", where)
	assert.Equal(t, " ORDER BY created_at ASC, id ASC LIMIT $2", page)
	assert.Equal(t, []any{cutoff, 10}, args)
}

func TestJobFilterMatches(t *testing.T) {
	no := false
	started := time.Now().Add(-time.Hour)
	job := models.Job{Success: models.Bool(false), StartTime: &started, NumRetries: 2}

	assert.True(t, JobFilter{Success: SuccessFalse, Retried: &no, MinNumRetries: 2}.Matches(job))
	assert.False(t, JobFilter{Success: SuccessNull}.Matches(job))
	assert.True(t, JobFilter{StartedBefore: time.Now()}.Matches(job))
	assert.False(t, JobFilter{MinNumRetries: 3}.Matches(job))
}

func TestJobFilterCursor(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	after := &Cursor{CreatedAt: at, ID: "b"}

	where, args := JobFilter{Success: SuccessNull, After: after}.where(nil)
	assert.Equal(t, " WHERE success IS NULL AND (created_at, id) > ($1, $2)", where)
	assert.Equal(t, []any{at, "b"}, args)

	where, _ = JobFilter{After: after, NewestFirst: true}.where(nil)
	assert.Equal(t, " WHERE (created_at, id) < ($1, $2)", where)

	f := JobFilter{After: after}
	assert.False(t, f.Matches(models.Job{ID: "a", CreatedAt: at}))
	assert.False(t, f.Matches(models.Job{ID: "b", CreatedAt: at}))
	assert.True(t, f.Matches(models.Job{ID: "c", CreatedAt: at}))
	assert.True(t, f.Matches(models.Job{ID: "a", CreatedAt: at.Add(time.Second)}))

	f.NewestFirst = true
	assert.True(t, f.Matches(models.Job{ID: "a", CreatedAt: at}))
	assert.False(t, f.Matches(models.Job{ID: "c", CreatedAt: at}))
}
