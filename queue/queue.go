package queue

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
)

// Config holds the queue's retry knobs. Defaults match production; env
// overrides exist for every value.
type Config struct {
	FailCeiling int           // attempts at/above this count as failed and stop auto-retry
	StaleAfter  time.Duration // jobs older than this count as old in stats
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
}

func DefaultConfig() Config {
	return Config{
		FailCeiling: 3,
		StaleAfter:  time.Hour,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		BatchSize:   50,
	}
}

func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("QUEUE_FAIL_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FailCeiling = n
		}
	}
	if v := os.Getenv("QUEUE_STALE_AFTER_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StaleAfter = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BaseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	return cfg
}

// Queue is the durable FIFO-with-delay job store. Retry scheduling is just a
// job whose available_at moved forward; there is no separate scheduler state.
type Queue struct {
	store storage.Store
	cfg   Config
}

func New(store storage.Store, cfg Config) *Queue {
	return &Queue{store: store, cfg: cfg}
}

func (q *Queue) Config() Config {
	return q.cfg
}

func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload) (int, error) {
	return q.EnqueueAt(ctx, kind, payload, time.Now().UTC())
}

func (q *Queue) EnqueueAt(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload, availableAt time.Time) (int, error) {
	raw, err := payload.Marshal()
	if err != nil {
		return 0, err
	}
	job := models.DeliveryJob{
		Kind:        kind,
		Payload:     raw,
		AvailableAt: availableAt,
	}
	return q.store.EnqueueJob(ctx, &job)
}

// ListPending returns due jobs, oldest-due-first. Jobs at the failure ceiling
// are not listed: they would otherwise occupy batch slots on every pass and
// starve deliverable jobs.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	return q.store.ListPendingJobs(ctx, time.Now().UTC(), q.cfg.FailCeiling, limit)
}

func (q *Queue) IncrementAttempts(ctx context.Context, id int) error {
	return q.store.IncrementJobAttempts(ctx, id)
}

func (q *Queue) ResetAttempts(ctx context.Context, id int) error {
	return q.store.ResetJobAttempts(ctx, id)
}

func (q *Queue) ScheduleRetry(ctx context.Context, id int, delay time.Duration) error {
	return q.store.ScheduleJobRetry(ctx, id, time.Now().UTC().Add(delay))
}

// Delete cancels a job. A job already picked up finishes its current pass.
func (q *Queue) Delete(ctx context.Context, id int) (bool, error) {
	return q.store.DeleteJob(ctx, id)
}

func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.store.JobStats(ctx, q.cfg.FailCeiling, q.cfg.StaleAfter)
}

// RetryAllFailed resets every job at or above the failure ceiling. Operator
// action only; automatic retries go through ScheduleRetry with backoff.
func (q *Queue) RetryAllFailed(ctx context.Context) (int64, error) {
	return q.store.RetryAllFailedJobs(ctx, q.cfg.FailCeiling)
}
