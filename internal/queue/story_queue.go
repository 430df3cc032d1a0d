package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"storyforge/internal/models"
)

// Options tunes queue behavior. Zero values fall back to defaults.
type Options struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// StoryQueue is a durable, priority-ordered, at-least-once delivery channel
// for story generation jobs, backed by Redis.
//
// Layout: a ready ZSET whose score packs (priority desc, enqueue seq asc) so
// ZRANGE 0 0 always yields the highest-priority, earliest-enqueued job; a
// delayed ZSET scored by eligibility time; an active ZSET scored by lease
// deadline; completed/failed ZSETs scored by finish time for bounded purging.
// Per-job metadata lives in a hash keyed by the queue-internal job id.
type StoryQueue struct {
	client            *redis.Client
	readyKey          string
	delayedKey        string
	activeKey         string
	completedKey      string
	failedKey         string
	pausedKey         string
	seqKey            string
	metaPrefix        string
	maxAttempts       int
	visibilityTimeout time.Duration
	backoffBase       time.Duration
	backoffMax        time.Duration
}

// priorityStride separates priority tiers in the packed ready score. Sequence
// numbers stay below it, so FIFO order within a tier is preserved exactly.
const priorityStride = float64(1e12)

// New builds a queue on an existing Redis client.
func New(client *redis.Client, opts Options) *StoryQueue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	return &StoryQueue{
		client:            client,
		readyKey:          "story:ready",
		delayedKey:        "story:delayed",
		activeKey:         "story:active",
		completedKey:      "story:completed",
		failedKey:         "story:failed",
		pausedKey:         "story:paused",
		seqKey:            "story:seq",
		metaPrefix:        "story:job:",
		maxAttempts:       opts.MaxAttempts,
		visibilityTimeout: opts.VisibilityTimeout,
		backoffBase:       opts.BackoffBase,
		backoffMax:        opts.BackoffMax,
	}
}

func (q *StoryQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// readyScore packs priority and enqueue sequence into one sortable score.
// Higher priority sorts first; within a tier, lower sequence sorts first.
func readyScore(priority int, seq int64) float64 {
	return -float64(priority)*priorityStride + float64(seq)
}

// Enqueue persists the job and makes it eligible for leasing after delay
// (immediately when delay is zero). It never waits for processing.
func (q *StoryQueue) Enqueue(ctx context.Context, job models.StoryJob, delay time.Duration) (models.JobHandle, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("marshal job payload: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("next sequence: %w", err)
	}

	id := uuid.NewString()
	state := models.JobWaiting
	if delay > 0 {
		state = models.JobDelayed
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id),
		"payload", payload,
		"priority", job.Priority,
		"seq", seq,
		"attempts", 0,
		"max_attempts", q.maxAttempts,
		"state", state,
		"enqueued_at", time.Now().UnixMilli(),
	)
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(job.Priority, seq), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobHandle{}, fmt.Errorf("enqueue job: %w", err)
	}
	return models.JobHandle{ID: id, State: state, Priority: job.Priority}, nil
}

// Lease atomically claims the best ready job for one worker and starts its
// visibility window. It returns nil when the queue is paused or empty.
func (q *StoryQueue) Lease(ctx context.Context) (*models.LeasedJob, error) {
	for {
		deadline := time.Now().Add(q.visibilityTimeout).UnixMilli()
		res, err := leaseScript.Run(ctx, q.client,
			[]string{q.readyKey, q.activeKey, q.pausedKey},
			deadline, q.metaPrefix,
		).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
		id, ok := res.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected type from lease script: %T", res)
		}

		meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read job meta: %w", err)
		}
		if meta["payload"] == "" {
			// Stale zset entry with no backing meta (cancelled or purged).
			// Drop it and take the next candidate.
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.activeKey, id)
			pipe.Del(ctx, q.metaKey(id))
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("drop stale job %s: %w", id, err)
			}
			continue
		}
		var job models.StoryJob
		if err := json.Unmarshal([]byte(meta["payload"]), &job); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
		attempts, _ := strconv.Atoi(meta["attempts"])
		maxAttempts, _ := strconv.Atoi(meta["max_attempts"])
		if maxAttempts == 0 {
			maxAttempts = q.maxAttempts
		}
		return &models.LeasedJob{
			ID:          id,
			Job:         job,
			Attempts:    attempts,
			MaxAttempts: maxAttempts,
			LeasedAt:    time.Now(),
		}, nil
	}
}

// ExtendLease pushes the visibility deadline forward for an active job.
func (q *StoryQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.activeKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack marks an active job completed. Acknowledging a job that is no longer
// active (already completed, reclaimed, or removed) is a no-op.
func (q *StoryQueue) Ack(ctx context.Context, jobID string) error {
	err := ackScript.Run(ctx, q.client,
		[]string{q.activeKey, q.completedKey},
		jobID, time.Now().UnixMilli(), q.metaPrefix,
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Fail reports a transient failure for an active job. While attempts remain
// the job is re-queued through the delayed set with exponential backoff;
// otherwise it lands in failed. Returns true when a retry was scheduled.
func (q *StoryQueue) Fail(ctx context.Context, jobID string, jobErr error) (bool, error) {
	return q.fail(ctx, jobID, jobErr, false)
}

// FailPermanent moves an active job straight to failed regardless of its
// remaining attempt budget. Used for deterministic errors that retrying
// cannot fix, like a deleted child profile.
func (q *StoryQueue) FailPermanent(ctx context.Context, jobID string, jobErr error) error {
	_, err := q.fail(ctx, jobID, jobErr, true)
	return err
}

func (q *StoryQueue) fail(ctx context.Context, jobID string, jobErr error, permanent bool) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	attempts, err := q.client.HGet(ctx, q.metaKey(jobID), "attempts").Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("read attempts: %w", err)
	}
	retryAt := time.Now().Add(q.backoff(attempts)).UnixMilli()

	perm := "0"
	if permanent {
		perm = "1"
	}
	res, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey, q.delayedKey, q.failedKey},
		jobID, time.Now().UnixMilli(), retryAt, q.metaPrefix, msg, perm,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("fail: %w", err)
	}
	// -1: job was not active (lease lost), 0: terminal, >0: retry scheduled.
	return res > 0, nil
}

// backoff computes the delay before the next attempt: base * 2^attemptsMade,
// capped, with jitter in the upper half to spread retry bursts.
func (q *StoryQueue) backoff(attemptsMade int) time.Duration {
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	wait := time.Duration(float64(q.backoffBase) * math.Pow(2, float64(attemptsMade)))
	if wait > q.backoffMax {
		wait = q.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// Cancel removes a job that has not been leased yet. Returns false for
// active or terminal jobs; in-flight work cannot be interrupted.
func (q *StoryQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{q.readyKey, q.delayedKey},
		jobID, q.metaPrefix,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	return res == 1, nil
}

// PromoteDue moves delayed jobs whose eligibility time has passed back into
// the ready set, preserving their original priority rank. Returns how many
// were promoted.
func (q *StoryQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		moved, err := q.requeue(ctx, q.delayedKey, id)
		if err != nil {
			return promoted, fmt.Errorf("promote %s: %w", id, err)
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// ReclaimExpired re-offers active jobs whose lease deadline has passed.
// The crashed holder's eventual Ack or Fail becomes a no-op.
func (q *StoryQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan active: %w", err)
	}
	var requeued []string
	for _, id := range ids {
		moved, err := q.requeue(ctx, q.activeKey, id)
		if err != nil {
			return requeued, fmt.Errorf("reclaim %s: %w", id, err)
		}
		if moved {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

// requeue moves one job from a source zset back into ready, atomically. The
// scan that produced the id is not transactional with this move: a Cancel,
// Ack, or Fail may have committed in between, so the script re-checks set
// membership and meta existence and refuses to resurrect a removed job.
func (q *StoryQueue) requeue(ctx context.Context, fromKey, jobID string) (bool, error) {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{fromKey, q.readyKey},
		jobID, q.metaPrefix, priorityStride,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ErrStateNotTerminal rejects purge requests for states still in flight.
var ErrStateNotTerminal = errors.New("only terminal job states can be purged")

// PurgedJob carries what remains of a purged terminal job, for archival.
type PurgedJob struct {
	ID         string          `json:"id"`
	State      string          `json:"state"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

// PurgeOld removes terminal jobs older than the retention window, bounded by
// limit per call. Returns the removed jobs so callers can archive them.
func (q *StoryQueue) PurgeOld(ctx context.Context, olderThan time.Duration, state string, limit int64) ([]PurgedJob, error) {
	var key string
	switch state {
	case models.JobCompleted:
		key = q.completedKey
	case models.JobFailed:
		key = q.failedKey
	default:
		return nil, fmt.Errorf("purge: state %q: %w", state, ErrStateNotTerminal)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", state, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	purged := make([]PurgedJob, 0, len(ids))
	for _, id := range ids {
		meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
		if err != nil {
			return purged, fmt.Errorf("read meta for %s: %w", id, err)
		}
		attempts, _ := strconv.Atoi(meta["attempts"])
		finishedMs, _ := strconv.ParseInt(meta["finished_at"], 10, 64)
		purged = append(purged, PurgedJob{
			ID:         id,
			State:      state,
			Payload:    json.RawMessage(meta["payload"]),
			Attempts:   attempts,
			Error:      meta["error"],
			FinishedAt: time.UnixMilli(finishedMs),
		})
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, q.metaKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("purge %s: %w", id, err)
		}
	}
	return purged, nil
}

// JobSnapshot is a point-in-time view of a job for inspection.
type JobSnapshot struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Job      models.StoryJob `json:"job"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// GetJob returns the current snapshot of a job, or nil if unknown.
func (q *StoryQueue) GetJob(ctx context.Context, jobID string) (*JobSnapshot, error) {
	meta, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	snap := &JobSnapshot{ID: jobID, State: meta["state"], Error: meta["error"]}
	snap.Attempts, _ = strconv.Atoi(meta["attempts"])
	if err := json.Unmarshal([]byte(meta["payload"]), &snap.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return snap, nil
}

// Stats counts jobs per state.
func (q *StoryQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	active := pipe.ZCard(ctx, q.activeKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	failed := pipe.ZCard(ctx, q.failedKey)
	paused := pipe.Exists(ctx, q.pausedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("stats: %w", err)
	}
	return models.QueueStats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		IsPaused:  paused.Val() == 1,
	}, nil
}

// Pause stops new leases from being granted. In-flight jobs run to completion.
func (q *StoryQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey, "1", 0).Err()
}

// Resume restores leasing.
func (q *StoryQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey).Err()
}

// IsPaused reports whether leasing is currently suspended.
func (q *StoryQueue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var leaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return nil
end
local popped = redis.call('ZRANGE', KEYS[1], 0, 0)
if #popped == 0 then
  return nil
end
local id = popped[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', ARGV[2]..id, 'state', 'active')
return id
`)

var ackScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', ARGV[3]..ARGV[1], 'state', 'completed', 'finished_at', ARGV[2])
return 1
`)

var failScript = redis.NewScript(`
local meta = ARGV[4]..ARGV[1]
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return -1
end
local attempts = redis.call('HINCRBY', meta, 'attempts', 1)
local max = tonumber(redis.call('HGET', meta, 'max_attempts'))
redis.call('HSET', meta, 'error', ARGV[5])
if ARGV[6] == '1' or attempts >= max then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
  redis.call('HSET', meta, 'state', 'failed', 'finished_at', ARGV[2])
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', meta, 'state', 'delayed')
return attempts
`)

var requeueScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
local meta = ARGV[2]..ARGV[1]
if redis.call('EXISTS', meta) == 0 then
  return 0
end
local priority = tonumber(redis.call('HGET', meta, 'priority')) or 0
local seq = tonumber(redis.call('HGET', meta, 'seq')) or 0
redis.call('ZADD', KEYS[2], -priority * tonumber(ARGV[3]) + seq, ARGV[1])
redis.call('HSET', meta, 'state', 'waiting')
return 1
`)

var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('DEL', ARGV[2]..ARGV[1])
return 1
`)
