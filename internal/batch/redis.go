package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is one submission handed to a local worker.
type Lease struct {
	Handle        string   `json:"handle"`
	JobDefinition string   `json:"job_definition"`
	JobName       string   `json:"job_name"`
	RAMAmount     int      `json:"ram_amount"`
	JobID         string   `json:"job_id"`
	Command       []string `json:"command"`
}

// Redis is a local stand-in for the remote queue. Submissions wait on a
// per-definition ready list, leased handles sit in an inflight sorted set
// scored by lease deadline, and every handle's status lives in one hash.
type Redis struct {
	client       *redis.Client
	statusKey    string
	inflightKey  string
	definitions  string
	specPrefix   string
	leaseTimeout time.Duration
}

// NewRedis builds the local queue backend on an existing client.
func NewRedis(client *redis.Client, leaseTimeout time.Duration) *Redis {
	if leaseTimeout == 0 {
		leaseTimeout = 10 * time.Minute
	}
	return &Redis{
		client:       client,
		statusKey:    "batch:status",
		inflightKey:  "batch:inflight",
		definitions:  "batch:definitions",
		specPrefix:   "batch:spec:",
		leaseTimeout: leaseTimeout,
	}
}

func (q *Redis) readyKey(definition string) string {
	return fmt.Sprintf("batch:ready:%s", definition)
}

func (q *Redis) specKey(handle string) string {
	return q.specPrefix + handle
}

func (q *Redis) Submit(ctx context.Context, in SubmitInput) (string, error) {
	handle := uuid.NewString()
	body, err := json.Marshal(Lease{
		Handle:        handle,
		JobDefinition: in.JobDefinition,
		JobName:       in.JobName,
		RAMAmount:     in.RAMAmount,
		JobID:         in.JobID,
		Command:       in.Command,
	})
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.specKey(handle), body, 0)
	pipe.HSet(ctx, q.statusKey, handle, StatusSubmitted.String())
	pipe.SAdd(ctx, q.definitions, in.JobDefinition)
	pipe.RPush(ctx, q.readyKey(in.JobDefinition), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit %s: %w", in.JobName, err)
	}
	return handle, nil
}

func (q *Redis) DescribeStatuses(ctx context.Context, handles []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(handles))
	for _, chunk := range Chunk(handles, MaxDescribeHandles) {
		vals, err := q.client.HMGet(ctx, q.statusKey, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("describe %d jobs: %w", len(chunk), err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			statuses[chunk[i]] = ParseStatus(s)
		}
	}
	return statuses, nil
}

// Terminate marks a handle FAILED and pulls it from its ready list if it has
// not been leased yet. Unknown handles are ignored.
func (q *Redis) Terminate(ctx context.Context, handle, reason string) error {
	body, err := q.client.Get(ctx, q.specKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate %s: %w", handle, err)
	}
	var lease Lease
	if err := json.Unmarshal(body, &lease); err != nil {
		return fmt.Errorf("decode submission %s: %w", handle, err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey(lease.JobDefinition), 0, handle)
	pipe.ZRem(ctx, q.inflightKey, handle)
	pipe.HSet(ctx, q.statusKey, handle, StatusFailed.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("terminate %s (%s): %w", handle, reason, err)
	}
	return nil
}

// Lease pops the next submission from any ready list, marks it RUNNING and
// tracks it as inflight. It returns nil when nothing is ready.
func (q *Redis) Lease(ctx context.Context) (*Lease, error) {
	defs, err := q.client.SMembers(ctx, q.definitions).Result()
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(defs)+2)
	for _, d := range defs {
		keys = append(keys, q.readyKey(d))
	}
	keys = append(keys, q.inflightKey, q.statusKey)

	deadline := time.Now().Add(q.leaseTimeout).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, keys, deadline, StatusRunning.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	handle, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from lease script: %T", res)
	}
	body, err := q.client.Get(ctx, q.specKey(handle)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", handle, err)
	}
	var lease Lease
	if err := json.Unmarshal(body, &lease); err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", handle, err)
	}
	return &lease, nil
}

// LeaseTimeout is how long a lease lives without being extended.
func (q *Redis) LeaseTimeout() time.Duration {
	return q.leaseTimeout
}

// ExtendLease pushes the lease deadline of an inflight handle forward. A
// handle that already expired or completed is left alone.
func (q *Redis) ExtendLease(ctx context.Context, handle string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: handle,
	}).Err()
}

// Complete records the terminal status of a leased handle.
func (q *Redis) Complete(ctx context.Context, handle string, succeeded bool) error {
	status := StatusFailed
	if succeeded {
		status = StatusSucceeded
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, handle)
	pipe.HSet(ctx, q.statusKey, handle, status.String())
	_, err := pipe.Exec(ctx)
	return err
}

// ExpireLeases marks handles whose lease deadline passed as FAILED, the way
// a crashed container surfaces on the remote queue. It returns the handles.
func (q *Redis) ExpireLeases(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HSet(ctx, q.statusKey, id, StatusFailed.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the total length of all ready lists.
func (q *Redis) ReadyDepth(ctx context.Context) (int64, error) {
	defs, err := q.client.SMembers(ctx, q.definitions).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(defs))
	for _, d := range defs {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(d)))
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var leaseScript = redis.NewScript(`
local status = KEYS[#KEYS]
local inflight = KEYS[#KEYS-1]
for i=1,#KEYS-2 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    redis.call('HSET', status, job, ARGV[2])
    return job
  end
end
return nil
`)
