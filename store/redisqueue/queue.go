/*
Package redisqueue provides a Redis-backed purchasing.Scheduler.

PURPOSE:
  Holds queue_for_later operations outside the primary database, so that
  deferred retries survive a database outage (the usual reason they were
  deferred in the first place).

LAYOUT:
  <key>      sorted set, member = operation ID, score = scheduled time (unix ms)
  <key>:ops  hash, field = operation ID, value = JSON-encoded operation

  Enqueue and Complete touch both keys in one MULTI/EXEC pipeline.

LOCKING:
  Locker wraps bsm/redislock so that only one runner instance drains the
  queue at a time when several servers share a Redis.

SEE ALSO:
  - purchasing/store.go: Scheduler interface
  - api/runner.go: consumer of Due/Complete
*/
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/warp/procurement-engine/purchasing"
)

// DefaultKey is the sorted-set key used when none is configured.
const DefaultKey = "procurement:deferred"

type Queue struct {
	client redis.Cmdable
	key    string
	opsKey string
}

var _ purchasing.Scheduler = (*Queue)(nil)

func New(client redis.Cmdable, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: client, key: key, opsKey: key + ":ops"}
}

// Enqueue stores op and schedules it.
func (q *Queue) Enqueue(ctx context.Context, op purchasing.DeferredOperation) (string, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encode deferred operation: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.opsKey, op.ID, string(body))
		pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(op.ScheduledFor.UnixMilli()), Member: op.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: enqueue %s: %v", purchasing.ErrScheduler, op.ID, err)
	}
	return op.ID, nil
}

// Due returns up to limit operations scheduled at or before now, earliest
// first. An ID without a stored body is skipped.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]purchasing.DeferredOperation, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := q.client.ZRangeByScore(ctx, q.key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: due: %v", purchasing.ErrScheduler, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.client.HMGet(ctx, q.opsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load operations: %v", purchasing.ErrScheduler, err)
	}
	out := make([]purchasing.DeferredOperation, 0, len(bodies))
	for i, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var op purchasing.DeferredOperation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, fmt.Errorf("decode deferred operation %s: %w", ids[i], err)
		}
		out = append(out, op)
	}
	return out, nil
}

// Complete removes a finished operation.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key, id)
		pipe.HDel(ctx, q.opsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: complete %s: %v", purchasing.ErrScheduler, id, err)
	}
	return nil
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker hands out short-lived exclusive locks.
type Locker struct {
	client *redislock.Client
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: redislock.New(client)}
}

// TryLock obtains key for ttl. ok is false when another holder has it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: obtain lock %s: %v", purchasing.ErrScheduler, key, err)
	}
	return lock.Release, true, nil
}
