package storage

import (
	"context"
	"time"

	"github.com/mmdatafocus/dte_backend/models"
)

// Store is the durable state behind the allocator, the queue and the ledger.
// Two implementations exist: the MySQL-backed store used in deployments and an
// in-memory store used as an explicit test double. Which one a component talks
// to is decided at construction time, never through a runtime flag.
type Store interface {
	// ranges
	InsertRange(ctx context.Context, r *models.NumericRange) (int, error)
	UpdateRange(ctx context.Context, r *models.NumericRange) (bool, error)
	DeleteRange(ctx context.Context, id int) (bool, error)
	GetRange(ctx context.Context, id int) (*models.NumericRange, error)
	ListRangesByType(ctx context.Context, docType models.DocumentType, env models.Environment) ([]models.NumericRange, error)
	RangeOverlaps(ctx context.Context, docType models.DocumentType, start, end int64, excludeId int, env models.Environment) (bool, error)
	FindRangeContaining(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (*models.NumericRange, error)
	StoreRangeCredential(ctx context.Context, id int, blob []byte, filename string) error

	// watermark
	GetWatermark(ctx context.Context, docType models.DocumentType, env models.Environment) (int64, error)
	// AdvanceWatermark moves the watermark from `from` to `to` atomically.
	// Returns false when the stored value no longer equals `from`.
	AdvanceWatermark(ctx context.Context, docType models.DocumentType, env models.Environment, from, to int64) (bool, error)

	// jobs
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) (int, error)
	GetJob(ctx context.Context, id int) (*models.DeliveryJob, error)
	// ListPendingJobs returns due jobs below the attempt ceiling; jobs at or
	// above it stay put for the operator and surface through JobStats only.
	ListPendingJobs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.DeliveryJob, error)
	IncrementJobAttempts(ctx context.Context, id int) error
	ResetJobAttempts(ctx context.Context, id int) error
	ScheduleJobRetry(ctx context.Context, id int, availableAt time.Time) error
	DeleteJob(ctx context.Context, id int) (bool, error)
	JobStats(ctx context.Context, failCeiling int, staleAfter time.Duration) (*models.QueueStats, error)
	RetryAllFailedJobs(ctx context.Context, failCeiling int) (int64, error)

	// ledger
	AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (int, error)
	// FirstTrackIdForDocument returns the earliest concrete track id recorded
	// for the (type, folio) pair, or "" when none exists yet.
	FirstTrackIdForDocument(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (string, error)
	QueryLedger(ctx context.Context, q models.LedgerQuery) (*models.LedgerPage, error)
	PendingTrackIds(ctx context.Context, limit int, env models.Environment) ([]string, error)
	LedgerHealth(ctx context.Context, env models.Environment) (*models.LedgerHealth, error)
}
