package batch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"data-refinery/internal/config"
)

// New selects the queue backend named by QUEUE_BACKEND. rdb is only used by
// the redis backend.
func New(ctx context.Context, cfg config.Config, rdb *redis.Client) (Client, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendBatch:
		return NewAWS(ctx, cfg.AWSRegion, cfg.BatchJobQueue, cfg.BatchCallTimeout)
	case config.QueueBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("queue backend %q needs a redis client", cfg.QueueBackend)
		}
		return NewRedis(rdb, cfg.LeaseTimeout), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
