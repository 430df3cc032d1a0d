package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/models"
)

func newTestQueue(t *testing.T) (*StoryQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Options{
		MaxAttempts:       3,
		VisibilityTimeout: 30 * time.Second,
		BackoffBase:       2 * time.Second,
		BackoffMax:        30 * time.Second,
	})
	return q, mr
}

func testJob(requestID string, priority int) models.StoryJob {
	return models.StoryJob{
		RequestID:  requestID,
		UserID:     1,
		ChildID:    5,
		TemplateID: 1,
		Priority:   priority,
	}
}

func TestEnqueueLeaseRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)
	assert.Equal(t, models.JobWaiting, handle.State)

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, handle.ID, leased.ID)
	assert.Equal(t, "req-1", leased.Job.RequestID)
	assert.Equal(t, int64(5), leased.Job.ChildID)
	assert.Equal(t, 0, leased.Attempts)
	assert.Equal(t, 3, leased.MaxAttempts)

	// Lease is exclusive: nothing else to hand out.
	second, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, testJob("req-a", 0), 0)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, testJob("req-b", 5), 0)
	require.NoError(t, err)

	// B enqueued later but with higher priority leases first.
	first, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, b.ID, first.ID)

	second, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, a.ID, second.ID)
}

func TestFIFOWithinPriorityTier(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, testJob("req-a", 0), 0)
	require.NoError(t, err)
	c, err := q.Enqueue(ctx, testJob("req-c", 0), 0)
	require.NoError(t, err)

	first, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, first.ID)

	second, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, c.ID, second.ID)
}

func TestAckCompletesAndIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, q.Ack(ctx, leased.ID))

	snap, err := q.GetJob(ctx, handle.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.JobCompleted, snap.State)

	// Second ack and ack of an unknown id are no-ops, not errors.
	require.NoError(t, q.Ack(ctx, leased.ID))
	require.NoError(t, q.Ack(ctx, "no-such-job"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)

	jobErr := errors.New("producer exploded")
	for attempt := 1; attempt < 3; attempt++ {
		leased, err := q.Lease(ctx)
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d should lease", attempt)

		retried, err := q.Fail(ctx, leased.ID, jobErr)
		require.NoError(t, err)
		assert.True(t, retried, "attempt %d should schedule a retry", attempt)

		snap, err := q.GetJob(ctx, handle.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobDelayed, snap.State)
		assert.Equal(t, attempt, snap.Attempts)

		// Force the backoff window to elapse.
		promoted, err := q.PromoteDue(ctx, time.Now().Add(time.Hour), 100)
		require.NoError(t, err)
		assert.Equal(t, 1, promoted)
	}

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 2, leased.Attempts)

	retried, err := q.Fail(ctx, leased.ID, jobErr)
	require.NoError(t, err)
	assert.False(t, retried, "final attempt should land in failed")

	snap, err := q.GetJob(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, snap.State)
	assert.Equal(t, "producer exploded", snap.Error)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestFailPermanentSkipsRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, q.FailPermanent(ctx, leased.ID, errors.New("child profile deleted")))

	snap, err := q.GetJob(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, snap.State)

	next, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancelOnlyBeforeLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	waiting, err := q.Enqueue(ctx, testJob("req-w", 0), 0)
	require.NoError(t, err)
	delayed, err := q.Enqueue(ctx, testJob("req-d", 0), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.JobDelayed, delayed.State)

	ok, err := q.Cancel(ctx, waiting.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Cancel(ctx, delayed.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelled jobs never lease.
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased)

	// An active job cannot be cancelled.
	active, err := q.Enqueue(ctx, testJob("req-a", 0), 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx)
	require.NoError(t, err)
	ok, err = q.Cancel(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Nor can a terminal one.
	require.NoError(t, q.Ack(ctx, active.ID))
	ok, err = q.Cancel(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteDueDoesNotResurrectCancelledJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 2), time.Hour)
	require.NoError(t, err)

	// A cancel may commit between the delayed-set scan and the per-id move.
	// Recreate that half-state: the id still sits in the scan's snapshot of
	// the delayed set, but the meta hash is gone.
	ok, err := q.Cancel(ctx, handle.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: 0, Member: handle.ID}).Err())

	promoted, err := q.PromoteDue(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	ready, err := q.client.ZCard(ctx, q.readyKey).Result()
	require.NoError(t, err)
	assert.Zero(t, ready, "cancelled job must not reappear in ready")

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased)
}

func TestLeaseDropsStaleReadyEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// A ready entry whose meta is gone: no payload to run, nothing to lease.
	require.NoError(t, q.client.ZAdd(ctx, q.readyKey, redis.Z{Score: -1e12, Member: "ghost"}).Err())
	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, handle.ID, leased.ID)

	// The stale entry was dropped, not left stranded in the active set.
	err = q.client.ZScore(ctx, q.activeKey, "ghost").Err()
	assert.ErrorIs(t, err, redis.Nil, "ghost must not sit in the active set")
	exists, err := q.client.Exists(ctx, q.metaKey("ghost")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestReclaimExpiredDropsEntryWithoutMeta(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// An active entry whose meta hash is gone has nothing left to run.
	// Reclaim must drop it instead of cycling it back through ready.
	require.NoError(t, q.client.ZAdd(ctx, q.activeKey, redis.Z{Score: 0, Member: "ghost"}).Err())

	reclaimed, err := q.ReclaimExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Active)
}

func TestPauseBlocksLeasing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased, "paused queue must not grant leases")

	require.NoError(t, q.Resume(ctx))
	leased, err = q.Lease(ctx)
	require.NoError(t, err)
	assert.NotNil(t, leased)
}

func TestDelayedEnqueuePromotesWhenDue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 2), time.Minute)
	require.NoError(t, err)

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased, "delayed job must not lease before eligibility")

	promoted, err := q.PromoteDue(ctx, time.Now().Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	leased, err = q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, handle.ID, leased.ID)
}

func TestReclaimExpiredLeases(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)
	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// Simulate the visibility timeout elapsing.
	reclaimed, err := q.ReclaimExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, handle.ID, reclaimed[0])

	// The crashed holder's late ack is absorbed.
	require.NoError(t, q.Ack(ctx, leased.ID))

	again, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, handle.ID, again.ID)
}

func TestPurgeOldRespectsRetentionAndLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, testJob("req", 0), 0)
		require.NoError(t, err)
		leased, err := q.Lease(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, leased.ID))
	}

	// Nothing is old enough yet.
	purged, err := q.PurgeOld(ctx, time.Hour, models.JobCompleted, 10)
	require.NoError(t, err)
	assert.Empty(t, purged)

	// With a zero retention window everything qualifies, bounded by limit.
	purged, err = q.PurgeOld(ctx, -time.Second, models.JobCompleted, 2)
	require.NoError(t, err)
	assert.Len(t, purged, 2)
	for _, job := range purged {
		assert.Equal(t, models.JobCompleted, job.State)
		assert.NotEmpty(t, job.Payload)
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)

	_, err = q.PurgeOld(ctx, time.Hour, models.JobWaiting, 10)
	assert.ErrorIs(t, err, ErrStateNotTerminal)
}

func TestStatsCountsPerState(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob("req-1", 0), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testJob("req-2", 0), time.Hour)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testJob("req-3", 1), 0)
	require.NoError(t, err)

	leased, err := q.Lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.False(t, stats.IsPaused)
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	q, _ := newTestQueue(t)

	for i := 0; i < 20; i++ {
		b0 := q.backoff(0)
		assert.GreaterOrEqual(t, b0, time.Second)
		assert.LessOrEqual(t, b0, 2*time.Second)

		b2 := q.backoff(2)
		assert.GreaterOrEqual(t, b2, 4*time.Second)
		assert.LessOrEqual(t, b2, 8*time.Second)

		b10 := q.backoff(10)
		assert.LessOrEqual(t, b10, 30*time.Second, "backoff must cap")
	}
}
