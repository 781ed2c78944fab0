// Package queue is the ordered intake of newly submitted jobs, backed by a
// Redis list. Submissions LPUSH job ids; worker slots BRPOP them, so jobs
// come off the queue in submission order.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
)

type Redis struct {
	rdb *redis.Client
	key string
}

func New(rdb *redis.Client, key string) *Redis {
	return &Redis{rdb: rdb, key: key}
}

// Enqueue makes a job id visible to the pool. The record must already be
// durably stored; enqueueing never blocks on rendering.
func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.key, jobID).Err()
}

// Pop blocks up to timeout for the next job id. Returns "" with a nil error
// when the queue stayed empty.
func (q *Redis) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len reports the current queue depth.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Remove drops a job id from the queue, used when a queued job is deleted
// before a slot claims it.
func (q *Redis) Remove(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, q.key, 0, jobID).Err()
}

// Restore re-enqueues queued jobs the list has lost track of (Redis flushed,
// process crashed between store write and LPUSH). Run once at worker startup
// before slots begin popping, so no queued job is stranded across a restart.
// Restored ids are appended at the pop end, oldest last, so they are claimed
// before anything submitted since.
func (q *Redis) Restore(ctx context.Context, store jobstore.Store) (int, error) {
	listed, err := q.rdb.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	present := make(map[string]struct{}, len(listed))
	for _, id := range listed {
		present[id] = struct{}{}
	}

	queued, err := store.List(ctx, jobstore.ListFilter{Status: job.StatusQueued})
	if err != nil {
		return 0, err
	}

	restored := 0
	// queued is oldest-first; RPUSH newest-first so the oldest ends up
	// closest to the BRPOP end.
	for i := len(queued) - 1; i >= 0; i-- {
		j := queued[i]
		if _, ok := present[j.ID]; ok {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key, j.ID).Err(); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
