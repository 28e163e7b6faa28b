package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "jobs:"
	defaultDedupTTL   = 24 * time.Hour
	defaultVisibility = 5 * time.Minute
	failedListLimit   = 1000
	promoteBatch      = 100
)

type failedJob struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// promoteScript moves delayed jobs whose time has come onto the pending list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call("ZREM", KEYS[1], raw)
	redis.call("LPUSH", KEYS[2], raw)
end
return #due
`)

// reclaimScript puts an in-flight job whose lease expired back on the pending
// list. A job that was settled in the meantime only loses its stale lease.
var reclaimScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call("RPUSH", KEYS[2], ARGV[1])
end
redis.call("ZREM", KEYS[3], ARGV[1])
return removed
`)

// Redis is a list-backed queue. Pending jobs live in <prefix>pending, jobs
// being handled in <prefix>processing with their lease deadlines in
// <prefix>leases, jobs waiting out a retry backoff in <prefix>delayed, dedup
// markers in <prefix>dedup:<name>:<id> and exhausted jobs in <prefix>failed.
//
// A dequeued job stays in the processing list until it is settled, so a
// worker that dies mid-job leaves it behind for Recover to hand out again.
type Redis struct {
	client     *redis.Client
	prefix     string
	dedupTTL   time.Duration
	visibility time.Duration
}

// NewRedis constructs a queue on the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:     client,
		prefix:     defaultKeyPrefix,
		dedupTTL:   defaultDedupTTL,
		visibility: defaultVisibility,
	}
}

func (r *Redis) pendingKey() string { return r.prefix + "pending" }

func (r *Redis) processingKey() string { return r.prefix + "processing" }

func (r *Redis) leasesKey() string { return r.prefix + "leases" }

func (r *Redis) delayedKey() string { return r.prefix + "delayed" }

func (r *Redis) failedKey() string { return r.prefix + "failed" }

func (r *Redis) dedupKey(job Job) string { return r.prefix + "dedup:" + job.dedupKey() }

func (r *Redis) Enqueue(ctx context.Context, job Job) (bool, error) {
	job = prepare(job, time.Now().UTC())
	encoded, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	accepted, err := r.client.SetNX(ctx, r.dedupKey(job), job.EnqueuedAt.Unix(), r.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve job %s: %w", job.dedupKey(), err)
	}
	if !accepted {
		return false, nil
	}
	if err := r.client.LPush(ctx, r.pendingKey(), encoded).Err(); err != nil {
		_ = r.client.Del(ctx, r.dedupKey(job)).Err()
		return false, fmt.Errorf("push job %s: %w", job.dedupKey(), err)
	}
	return true, nil
}

func (r *Redis) Dequeue(ctx context.Context, wait time.Duration) (Job, bool, error) {
	now := time.Now()
	if err := promoteScript.Run(ctx, r.client, []string{r.delayedKey(), r.pendingKey()},
		scoreOf(now), promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return Job{}, false, fmt.Errorf("promote delayed jobs: %w", err)
	}

	raw, err := r.client.BLMove(ctx, r.pendingKey(), r.processingKey(), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	lease := redis.Z{Score: float64(time.Now().Add(r.visibility).UnixMilli()), Member: raw}
	if err := r.client.ZAdd(ctx, r.leasesKey(), lease).Err(); err != nil {
		return Job{}, false, fmt.Errorf("lease job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_, _ = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, r.processingKey(), 1, raw)
			pipe.ZRem(ctx, r.leasesKey(), raw)
			pipe.LPush(ctx, r.failedKey(), raw)
			return nil
		})
		return Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	job.raw = raw
	return job, true, nil
}

// settle removes the in-flight copy of job together with whatever fn queues.
func (r *Redis) settle(ctx context.Context, job Job, fn func(pipe redis.Pipeliner)) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if job.raw != "" {
			pipe.LRem(ctx, r.processingKey(), 1, job.raw)
			pipe.ZRem(ctx, r.leasesKey(), job.raw)
		}
		fn(pipe)
		return nil
	})
	return err
}

func (r *Redis) Ack(ctx context.Context, job Job) error {
	return r.settle(ctx, job, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, r.dedupKey(job))
	})
}

func (r *Redis) Retry(ctx context.Context, job Job, delay time.Duration) error {
	job.NotBefore = time.Now().UTC().Add(delay)
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return r.settle(ctx, job, func(pipe redis.Pipeliner) {
		if delay <= 0 {
			pipe.LPush(ctx, r.pendingKey(), encoded)
			return
		}
		pipe.ZAdd(ctx, r.delayedKey(), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: encoded})
	})
}

func (r *Redis) Fail(ctx context.Context, job Job, reason string) error {
	encoded, err := json.Marshal(failedJob{Job: job, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode failed job: %w", err)
	}
	return r.settle(ctx, job, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, r.failedKey(), encoded)
		pipe.LTrim(ctx, r.failedKey(), 0, failedListLimit-1)
		pipe.Del(ctx, r.dedupKey(job))
	})
}

// Recover requeues in-flight jobs whose lease expired, which happens when the
// worker handling them died. Processing entries without a lease are the
// remains of a worker that stopped between taking a job and leasing it; they
// get a fresh lease and are reclaimed on a later pass if nobody settles them.
func (r *Redis) Recover(ctx context.Context) (int, error) {
	expired, err := r.client.ZRangeByScore(ctx, r.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: scoreOf(time.Now()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	requeued := 0
	keys := []string{r.processingKey(), r.pendingKey(), r.leasesKey()}
	for _, raw := range expired {
		n, err := reclaimScript.Run(ctx, r.client, keys, raw).Int()
		if err != nil {
			return requeued, fmt.Errorf("reclaim job: %w", err)
		}
		requeued += n
	}

	inflight, err := r.client.LRange(ctx, r.processingKey(), 0, -1).Result()
	if err != nil {
		return requeued, fmt.Errorf("list in-flight jobs: %w", err)
	}
	if len(inflight) == 0 {
		return requeued, nil
	}
	deadline := float64(time.Now().Add(r.visibility).UnixMilli())
	leases := make([]redis.Z, 0, len(inflight))
	for _, raw := range inflight {
		leases = append(leases, redis.Z{Score: deadline, Member: raw})
	}
	if err := r.client.ZAddNX(ctx, r.leasesKey(), leases...).Err(); err != nil {
		return requeued, fmt.Errorf("lease in-flight jobs: %w", err)
	}
	return requeued, nil
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
