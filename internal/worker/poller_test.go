package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-refinery/internal/batch"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b40 := backoffWithJitter(base, max, 40)
	if b40 < max/2 || b40 > max {
		t.Fatalf("backoff not capped: %s", b40)
	}
}

func newQueue(t *testing.T) *batch.Redis {
	t.Helper()
	return newQueueWithLease(t, time.Minute)
}

func newQueueWithLease(t *testing.T, lease time.Duration) *batch.Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return batch.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), lease)
}

type recordingRunner struct {
	ids []string
	err error
}

func (r *recordingRunner) Run(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return r.err
}

func status(t *testing.T, q *batch.Redis, handle string) batch.Status {
	t.Helper()
	got, err := q.DescribeStatuses(context.Background(), []string{handle})
	require.NoError(t, err)
	return got[handle]
}

func TestPollerRunsRegisteredHandler(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	runner := &recordingRunner{}
	p := NewPoller(q, time.Millisecond, time.Millisecond, nil)
	p.RegisterHandler("download", RunJobHandler(runner))

	handle, err := q.Submit(ctx, batch.SubmitInput{JobDefinition: "SRA_1024", JobID: "j1", Command: []string{"download", "j1"}})
	require.NoError(t, err)

	ran, err := p.pollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"j1"}, runner.ids)
	assert.Equal(t, batch.StatusSucceeded, status(t, q, handle))

	ran, err = p.pollOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestPollerReportsHandlerFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	p := NewPoller(q, time.Millisecond, time.Millisecond, nil)
	p.RegisterHandler("download", RunJobHandler(&recordingRunner{err: errors.New("transfer failed")}))

	handle, err := q.Submit(ctx, batch.SubmitInput{JobDefinition: "SRA_1024", JobID: "j2", Command: []string{"download", "j2"}})
	require.NoError(t, err)

	_, err = p.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, status(t, q, handle))
}

func TestPollerFailsUnregisteredCommand(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	p := NewPoller(q, time.Millisecond, time.Millisecond, nil)

	handle, err := q.Submit(ctx, batch.SubmitInput{JobDefinition: "SALMON_8192", JobID: "p1", Command: []string{"process", "p1"}})
	require.NoError(t, err)

	_, err = p.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, status(t, q, handle))
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	p := NewPoller(q, time.Millisecond, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
}

func TestPollerHeartbeatKeepsLongHandlerLeased(t *testing.T) {
	ctx := context.Background()
	q := newQueueWithLease(t, 200*time.Millisecond)
	p := NewPoller(q, time.Millisecond, time.Millisecond, nil)

	var reaped []string
	p.RegisterHandler("download", func(ctx context.Context, lease batch.Lease) error {
		time.Sleep(500 * time.Millisecond)
		var err error
		reaped, err = q.ExpireLeases(ctx, time.Now(), 10)
		return err
	})

	handle, err := q.Submit(ctx, batch.SubmitInput{JobDefinition: "SRA_1024", JobID: "j3", Command: []string{"download", "j3"}})
	require.NoError(t, err)

	ran, err := p.pollOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, reaped, "lease outlived its original deadline")
	assert.Equal(t, batch.StatusSucceeded, status(t, q, handle))
}
