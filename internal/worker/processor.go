package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/generator"
	"storyforge/internal/models"
	"storyforge/internal/queue"
	"storyforge/internal/telemetry"
)

// Queue is the job channel the processor consumes from and reports to.
type Queue interface {
	Lease(ctx context.Context) (*models.LeasedJob, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, jobErr error) (bool, error)
	FailPermanent(ctx context.Context, jobID string, jobErr error) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	PurgeOld(ctx context.Context, olderThan time.Duration, state string, limit int64) ([]queue.PurgedJob, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Store is the tracker and entity persistence the processor needs.
type Store interface {
	FindActiveUser(ctx context.Context, userID int64) (models.User, error)
	FindActiveChild(ctx context.Context, childID, userID int64) (models.Child, error)
	FindActiveTemplate(ctx context.Context, templateID int64) (models.StoryTemplate, error)
	MarkStoryProcessing(ctx context.Context, requestID string) error
	CompleteStory(ctx context.Context, requestID, title string, content []byte) (bool, error)
	MarkStoryFailed(ctx context.Context, requestID string, content []byte) error
}

// Producer generates the story text. Assumed fast and safe to re-invoke.
type Producer func(tmpl models.StoryTemplate, child models.Child) (generator.GeneratedStory, error)

// Archiver receives purged terminal jobs before they are dropped.
type Archiver interface {
	Archive(ctx context.Context, jobs []queue.PurgedJob) error
}

// Processor runs a fixed number of concurrent lease-execute-report slots plus
// one housekeeping loop (delayed-job promotion, lease reclaim, retention
// purge). Instances are independent; construct one per pool and stop it by
// cancelling the context passed to Run.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    Store
	produce  Producer
	archiver Archiver
	logger   *slog.Logger
}

// New wires a processor. archiver may be nil.
func New(cfg config.Config, q Queue, st Store, produce Producer, archiver Archiver, logger *slog.Logger) *Processor {
	if produce == nil {
		produce = generator.Generate
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		produce:  produce,
		archiver: archiver,
		logger:   logger.With("component", "worker"),
	}
}

// Run blocks until ctx is cancelled. Slots share nothing but the queue and
// the store; exclusivity per job comes from the queue's atomic lease.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slotLoop(ctx, slot)
		}(i)
	}

	p.logger.Info("worker pool started",
		"concurrency", concurrency,
		"visibility_timeout", p.cfg.VisibilityTimeout,
		"max_attempts", p.cfg.MaxAttempts)

	wg.Wait()
	return ctx.Err()
}

func (p *Processor) slotLoop(ctx context.Context, slot int) {
	logger := p.logger.With("slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leased, err := p.queue.Lease(ctx)
		if err != nil {
			logger.Error("lease failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if leased == nil {
			p.sleep(ctx)
			continue
		}
		p.processOne(ctx, leased, logger)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

// processOne drives one leased job to Ack, Fail, or FailPermanent. No path
// lets an error escape past the queue bookkeeping.
func (p *Processor) processOne(ctx context.Context, leased *models.LeasedJob, logger *slog.Logger) {
	start := time.Now()
	job := leased.Job
	logger = logger.With("job_id", leased.ID, "request_id", job.RequestID, "attempt", leased.Attempts+1)
	logger.Info("processing story generation",
		"user_id", job.UserID, "child_id", job.ChildID, "template_id", job.TemplateID)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Advisory for pollers; queue correctness does not depend on it.
	if err := p.store.MarkStoryProcessing(ctx, job.RequestID); err != nil {
		logger.Warn("mark processing failed, continuing", "error", err)
	}

	// Re-validate at execution time: entities may have been deactivated since
	// submission. These failures are deterministic, so retrying is pointless.
	tmpl, child, err := p.validate(ctx, job)
	if err != nil {
		logger.Warn("validation failed, failing permanently", "error", err)
		p.recordFailure(ctx, leased, err, logger)
		if ferr := p.queue.FailPermanent(ctx, leased.ID, err); ferr != nil {
			logger.Error("fail permanent reported with error", "error", ferr)
		}
		telemetry.WorkerFailures.Inc()
		return
	}

	generated, err := p.generate(ctx, tmpl, child)
	if err == nil {
		err = p.persistCompleted(ctx, leased, generated, time.Since(start))
	}
	if err != nil {
		p.recordFailure(ctx, leased, err, logger)
		retried, ferr := p.queue.Fail(ctx, leased.ID, err)
		if ferr != nil {
			logger.Error("report failure", "error", ferr)
			return
		}
		if retried {
			logger.Warn("transient failure, retry scheduled", "error", err)
			telemetry.WorkerRetries.Inc()
		} else {
			logger.Error("attempts exhausted, job failed", "error", err)
			telemetry.WorkerFailures.Inc()
		}
		return
	}

	if err := p.queue.Ack(ctx, leased.ID); err != nil {
		logger.Error("ack failed", "error", err)
		return
	}
	elapsed := time.Since(start)
	telemetry.WorkerSuccess.Inc()
	telemetry.ProcessingSeconds.Observe(elapsed.Seconds())
	logger.Info("story generated", "title", generated.Title, "elapsed", elapsed)
}

func (p *Processor) validate(ctx context.Context, job models.StoryJob) (models.StoryTemplate, models.Child, error) {
	if _, err := p.store.FindActiveUser(ctx, job.UserID); err != nil {
		return models.StoryTemplate{}, models.Child{}, err
	}
	child, err := p.store.FindActiveChild(ctx, job.ChildID, job.UserID)
	if err != nil {
		return models.StoryTemplate{}, models.Child{}, err
	}
	tmpl, err := p.store.FindActiveTemplate(ctx, job.TemplateID)
	if err != nil {
		return models.StoryTemplate{}, models.Child{}, err
	}
	return tmpl, child, nil
}

// generate invokes the content producer under the configured timeout. The
// producer itself is synchronous; a timeout counts as a transient failure.
func (p *Processor) generate(ctx context.Context, tmpl models.StoryTemplate, child models.Child) (generator.GeneratedStory, error) {
	timeout := p.cfg.ProducerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		story generator.GeneratedStory
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		story, err := p.produce(tmpl, child)
		ch <- result{story, err}
	}()

	select {
	case <-ctx.Done():
		return generator.GeneratedStory{}, fmt.Errorf("content producer: %w", ctx.Err())
	case r := <-ch:
		return r.story, r.err
	}
}

// persistCompleted upserts the final tracker state keyed by request id.
// Redelivery after a crash between persist and ack finds the row already
// completed and changes nothing.
func (p *Processor) persistCompleted(ctx context.Context, leased *models.LeasedJob, generated generator.GeneratedStory, elapsed time.Duration) error {
	content, err := json.Marshal(models.CompletedContent{
		Title:            generated.Title,
		Body:             generated.Body,
		Placeholders:     generated.Placeholders,
		RequestID:        leased.Job.RequestID,
		JobID:            leased.ID,
		ProcessingTimeMs: elapsed.Milliseconds(),
		ProcessedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal completed content: %w", err)
	}
	applied, err := p.store.CompleteStory(ctx, leased.Job.RequestID, generated.Title, content)
	if err != nil {
		return fmt.Errorf("persist completed story: %w", err)
	}
	if !applied {
		p.logger.Info("story already completed, redelivery absorbed", "request_id", leased.Job.RequestID)
	}
	return nil
}

// recordFailure mirrors the failure onto the tracker row, best-effort. A
// retry re-advances the row to processing when it is leased again.
func (p *Processor) recordFailure(ctx context.Context, leased *models.LeasedJob, jobErr error, logger *slog.Logger) {
	content, err := json.Marshal(models.FailedContent{
		Error:     jobErr.Error(),
		RequestID: leased.Job.RequestID,
		JobID:     leased.ID,
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		logger.Error("marshal failed content", "error", err)
		return
	}
	if err := p.store.MarkStoryFailed(ctx, leased.Job.RequestID, content); err != nil {
		logger.Warn("mark story failed", "error", err)
	}
}

// housekeeping promotes due delayed jobs, reclaims expired leases, refreshes
// gauges, and enforces retention on a slower cadence.
func (p *Processor) housekeeping(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	purgeInterval := p.cfg.PurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = 10 * time.Minute
	}
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := p.queue.PromoteDue(ctx, now, 100); err != nil {
				p.logger.Error("promote delayed jobs", "error", err)
			}
			reclaimed, err := p.queue.ReclaimExpired(ctx, now, 100)
			if err != nil {
				p.logger.Error("reclaim expired leases", "error", err)
			} else if len(reclaimed) > 0 {
				p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
			}
			p.refreshGauges(ctx)
		case <-purgeTicker.C:
			p.enforceRetention(ctx)
		}
	}
}

// refreshGauges publishes queue depth. The in-flight gauge is owned by the
// per-job Inc/Dec in processOne and is left alone here.
func (p *Processor) refreshGauges(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepthGauge.Set(float64(stats.Waiting))
}

// enforceRetention purges terminal jobs past their retention windows in
// bounded batches, handing each batch to the archiver first.
func (p *Processor) enforceRetention(ctx context.Context) {
	batch := int64(p.cfg.PurgeBatchSize)
	if batch <= 0 {
		batch = 100
	}
	for state, retention := range map[string]time.Duration{
		models.JobCompleted: p.cfg.CompletedRetention,
		models.JobFailed:    p.cfg.FailedRetention,
	} {
		if retention <= 0 {
			continue
		}
		purged, err := p.queue.PurgeOld(ctx, retention, state, batch)
		if err != nil {
			p.logger.Error("purge terminal jobs", "state", state, "error", err)
			continue
		}
		if len(purged) == 0 {
			continue
		}
		if p.archiver != nil {
			if err := p.archiver.Archive(ctx, purged); err != nil {
				p.logger.Error("archive purged jobs", "state", state, "error", err)
			}
		}
		telemetry.PurgeCounter.Add(float64(len(purged)))
		p.logger.Info("purged terminal jobs", "state", state, "count", len(purged))
	}
}
