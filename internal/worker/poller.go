package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"data-refinery/internal/batch"
	"data-refinery/internal/telemetry"
)

// Handler runs one leased submission.
type Handler func(ctx context.Context, lease batch.Lease) error

// LeaseQueue is the local queue a Poller drains.
type LeaseQueue interface {
	Lease(ctx context.Context) (*batch.Lease, error)
	Complete(ctx context.Context, handle string, succeeded bool) error
	ExpireLeases(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	ExtendLease(ctx context.Context, handle string, extension time.Duration) error
	LeaseTimeout() time.Duration
}

// Poller leases submissions from the Redis queue and runs them in-process,
// standing in for the remote compute environment during local development.
type Poller struct {
	queue    LeaseQueue
	handlers map[string]Handler
	idle     time.Duration
	maxIdle  time.Duration
	log      *slog.Logger
}

// NewPoller builds a Poller that backs off between idle polls from idle up
// to maxIdle.
func NewPoller(q LeaseQueue, idle, maxIdle time.Duration, log *slog.Logger) *Poller {
	if idle <= 0 {
		idle = time.Second
	}
	if maxIdle < idle {
		maxIdle = idle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{queue: q, handlers: make(map[string]Handler), idle: idle, maxIdle: maxIdle, log: log}
}

// RegisterHandler binds a handler to a container command such as "download".
func (p *Poller) RegisterHandler(command string, handler Handler) {
	if command == "" || handler == nil {
		return
	}
	p.handlers[command] = handler
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	idlePolls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ran, err := p.pollOnce(ctx)
		if err != nil {
			p.log.Warn("poll failed", slog.Any("error", err))
		}
		if ran {
			idlePolls = 0
			continue
		}
		idlePolls++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffWithJitter(p.idle, p.maxIdle, idlePolls)):
		}
	}
}

// pollOnce runs at most one submission and reports whether it ran one.
func (p *Poller) pollOnce(ctx context.Context) (bool, error) {
	if expired, err := p.queue.ExpireLeases(ctx, time.Now(), 100); err != nil {
		p.log.Warn("expiring leases failed", slog.Any("error", err))
	} else if len(expired) > 0 {
		p.log.Warn("leases expired, reported as failed", slog.Any("handles", expired))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.LocalQueueDepth.Set(float64(depth))
	}

	lease, err := p.queue.Lease(ctx)
	if err != nil || lease == nil {
		return false, err
	}

	log := p.log.With(slog.String("handle", lease.Handle), slog.String("job_id", lease.JobID),
		slog.String("job_definition", lease.JobDefinition))
	stop := p.heartbeat(ctx, lease.Handle, log)
	runErr := p.run(ctx, *lease)
	stop()
	if runErr != nil {
		log.Error("submission failed", slog.Any("error", runErr))
	} else {
		log.Info("submission succeeded")
	}
	if err := p.queue.Complete(context.WithoutCancel(ctx), lease.Handle, runErr == nil); err != nil {
		return true, fmt.Errorf("complete %s: %w", lease.Handle, err)
	}
	return true, nil
}

// heartbeat extends the lease every half lease timeout until the returned
// stop func is called, so a long handler is not reaped as lost.
func (p *Poller) heartbeat(ctx context.Context, handle string, log *slog.Logger) func() {
	timeout := p.queue.LeaseTimeout()
	if timeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, handle, timeout); err != nil && ctx.Err() == nil {
					log.Warn("extending lease failed", slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Poller) run(ctx context.Context, lease batch.Lease) error {
	if len(lease.Command) == 0 {
		return fmt.Errorf("submission %s has no command", lease.Handle)
	}
	handler, ok := p.handlers[lease.Command[0]]
	if !ok {
		return fmt.Errorf("no handler registered for command %q", lease.Command[0])
	}
	return handler(ctx, lease)
}

// JobRunner runs a job by id, e.g. *downloader.Downloader.
type JobRunner interface {
	Run(ctx context.Context, id string) error
}

// RunJobHandler adapts a JobRunner to a Handler keyed on the lease's job id.
func RunJobHandler(r JobRunner) Handler {
	return func(ctx context.Context, lease batch.Lease) error {
		return r.Run(ctx, lease.JobID)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
