/*
runner.go - Background runner for deferred operations

PURPOSE:
  Drains the deferred-operation queue that recovery fills with
  queue_for_later work, replaying each operation through the receiving
  service.

DESIGN:
  - Explicit Start/Stop lifecycle owned by the caller (cmd/server)
  - RunOnce does one pass and is what `procurement run-deferred` calls
  - A failed replay goes through the recovery orchestrator with the
    operation's attempt number. Recovery may queue a new operation
    itself; a retry decision is re-queued here after RetryAfter
  - The processed operation is completed once its follow-up, if any, is
    queued. A follow-up that cannot be queued leaves the original due
  - With a Locker, only the instance holding the lock drains the queue

CONFIGURATION:
  - Interval:  How often to poll (default: 1 minute)
  - BatchSize: Max operations per pass (default: 50)

SEE ALSO:
  - purchasing/recovery.go: queue_for_later
  - store/redisqueue: Redis scheduler and Locker
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/warp/procurement-engine/purchasing"
)

const runnerLockKey = "procurement:runner"

// Locker grants a short-lived exclusive lock. ok is false when someone
// else holds it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

type RunnerDeps struct {
	Service   *purchasing.ReceivingService
	Scheduler purchasing.Scheduler
	Locker    Locker

	Interval    time.Duration
	BatchSize   int
	Logger      zerolog.Logger
	Clock       func() time.Time
	IDGenerator func() string
}

// RunStats counts what one pass did.
type RunStats struct {
	Processed int
	Succeeded int
	Retried   int
	Recovered int
	Deferred  int
	Manual    int
	Skipped   bool
}

func (s RunStats) String() string {
	return fmt.Sprintf("processed=%d succeeded=%d retried=%d recovered=%d deferred=%d manual=%d",
		s.Processed, s.Succeeded, s.Retried, s.Recovered, s.Deferred, s.Manual)
}

type DeferredRunner struct {
	service   *purchasing.ReceivingService
	scheduler purchasing.Scheduler
	locker    Locker
	interval  time.Duration
	batch     int
	log       zerolog.Logger
	clock     func() time.Time
	newID     func() string

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewDeferredRunner(deps RunnerDeps) *DeferredRunner {
	r := &DeferredRunner{
		service:   deps.Service,
		scheduler: deps.Scheduler,
		locker:    deps.Locker,
		interval:  deps.Interval,
		batch:     deps.BatchSize,
		log:       deps.Logger.With().Str("component", "runner").Logger(),
		clock:     deps.Clock,
		newID:     deps.IDGenerator,
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.batch <= 0 {
		r.batch = 50
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return ulid.Make().String() }
	}
	return r
}

// Start begins polling in the background. Calling Start twice is a no-op.
func (r *DeferredRunner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.interval)
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(r.ticker, r.stop)

	r.log.Info().Dur("interval", r.interval).Msg("deferred runner started")
}

// Stop halts polling and waits for an in-flight pass to finish.
func (r *DeferredRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.wg.Wait()
	r.ticker = nil
	r.log.Info().Msg("deferred runner stopped")
}

func (r *DeferredRunner) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	r.tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (r *DeferredRunner) tick(ctx context.Context) {
	stats, err := r.RunOnce(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("deferred pass failed")
		return
	}
	if stats.Processed > 0 {
		r.log.Info().Str("stats", stats.String()).Msg("deferred pass complete")
	}
}

// RunOnce processes up to one batch of due operations.
func (r *DeferredRunner) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, runnerLockKey, 2*r.interval)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Skipped = true
			r.log.Debug().Msg("another runner holds the lock")
			return stats, nil
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				r.log.Warn().Err(err).Msg("release runner lock")
			}
		}()
	}

	ops, err := r.scheduler.Due(ctx, r.clock(), r.batch)
	if err != nil {
		return stats, fmt.Errorf("load due operations: %w", err)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Processed++
		r.process(ctx, op, &stats)
	}
	return stats, nil
}

func (r *DeferredRunner) process(ctx context.Context, op purchasing.DeferredOperation, stats *RunStats) {
	log := r.log.With().Str("op_id", op.ID).Str("operation", string(op.OperationType)).
		Str("order_id", op.Payload.OrderID).Int("attempt", op.Attempt).Logger()

	res, err := r.service.Replay(ctx, op)
	if err != nil && res == nil {
		// Failed before the service's own recovery ran.
		handled := r.service.Recovery().HandleFailure(ctx, err, purchasing.RecoveryContext{
			OperationType: op.OperationType,
			Attempt:       op.Attempt,
			Actor:         op.Payload.Actor,
		}, op.Payload)
		res = &handled
	}

	switch {
	case err == nil:
		stats.Succeeded++
		log.Info().Msg("deferred operation replayed")
	case res.Deferred != nil:
		stats.Deferred++
		log.Warn().Err(err).Str("next_id", res.Deferred.ID).Time("scheduled_for", res.Deferred.ScheduledFor).Msg("deferred again")
	case res.Action == purchasing.ActionRetry && res.Success:
		if !r.requeue(ctx, op, res, log) {
			return
		}
		stats.Retried++
	case res.Success:
		stats.Recovered++
		log.Info().Str("action", string(res.Action)).Msg(res.Message)
	default:
		stats.Manual++
		log.Error().Err(err).Str("action", string(res.Action)).Bool("critical", res.Critical).Msg("deferred operation needs manual intervention")
	}

	if cerr := r.scheduler.Complete(ctx, op.ID); cerr != nil {
		log.Error().Err(cerr).Msg("complete deferred operation")
	}
}

// requeue schedules the next attempt and reports whether it was stored.
func (r *DeferredRunner) requeue(ctx context.Context, op purchasing.DeferredOperation, res *purchasing.RecoveryResult, log zerolog.Logger) bool {
	now := r.clock()
	next := purchasing.DeferredOperation{
		ID:            r.newID(),
		OperationType: op.OperationType,
		Payload:       op.Payload,
		ScheduledFor:  now.Add(res.RetryAfter),
		Attempt:       res.Attempt + 1,
		ErrorCode:     res.ErrorCode,
		CreatedAt:     now,
	}
	if _, err := r.scheduler.Enqueue(ctx, next); err != nil {
		log.Error().Err(err).Msg("requeue failed, operation left in queue")
		return false
	}
	log.Info().Str("next_id", next.ID).Dur("retry_after", res.RetryAfter).Msg("deferred operation requeued")
	return true
}
