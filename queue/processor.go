package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/dte_backend/folio"
	"github.com/mmdatafocus/dte_backend/ledger"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/transport"
	"github.com/mmdatafocus/dte_backend/utils"
	"github.com/sirupsen/logrus"
)

const drainLockTTL = 2 * time.Minute

// errAlreadyDelivered marks a payload whose folio a prior partial run already
// consumed: the job must be discarded without resubmitting.
var errAlreadyDelivered = errors.New("folio already consumed by an earlier run")

// errUnauthorizedFolio marks a payload whose folio sits outside every
// authorized range. Terminal.
var errUnauthorizedFolio = errors.New("folio outside any authorized range")

// Processor drains due jobs and delivers them. One processor instance drains a
// given environment at a time; when a redislock client is configured the drain
// lease enforces that across replicas, otherwise single-worker deployment is
// assumed.
type Processor struct {
	queue     *Queue
	store     storage.Store
	allocator *folio.Allocator
	ledger    *ledger.Ledger
	client    transport.Client
	locker    *redislock.Client
	logger    *logrus.Logger
	workerID  string
	Interval  time.Duration
}

func NewProcessor(q *Queue, store storage.Store, allocator *folio.Allocator, lg *ledger.Ledger, client transport.Client, locker *redislock.Client, logger *logrus.Logger) *Processor {
	return &Processor{
		queue:     q,
		store:     store,
		allocator: allocator,
		ledger:    lg,
		client:    client,
		locker:    locker,
		logger:    logger,
		workerID:  "processor-" + uuid.NewString(),
		Interval:  30 * time.Second,
	}
}

// Run drains the queue on a fixed interval until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := p.ProcessOnce(ctx); err != nil && p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"worker": p.workerID,
			}).Error("queue drain failed: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// ProcessOnce drains one batch of due jobs. Returns how many jobs reached a
// terminal outcome (delivered or discarded) during the pass.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	if p.locker != nil {
		lock, err := p.locker.Obtain(ctx, "delivery-queue:"+string(p.allocator.Environment()), drainLockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				return 0, nil
			}
			return 0, err
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	jobs, err := p.queue.ListPending(ctx, p.queue.Config().BatchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if p.processJob(ctx, job) {
			done++
		}
	}
	return done, nil
}

// processJob runs one delivery pass. Returns true when the job reached a
// terminal outcome and was removed.
func (p *Processor) processJob(ctx context.Context, job models.DeliveryJob) bool {
	payload, err := job.DecodePayload()
	if err != nil {
		p.logJob(job, "undecodable payload, discarding: "+err.Error())
		_, _ = p.queue.Delete(ctx, job.ID)
		return true
	}
	if payload.Environment != p.allocator.Environment() {
		// belongs to another environment's processor
		return false
	}

	trackId, err := p.deliver(ctx, job.Kind, payload)
	if err == nil {
		_, _ = p.queue.Delete(ctx, job.ID)
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{
				"worker":   p.workerID,
				"job_id":   job.ID,
				"track_id": trackId.Value,
				"kind":     job.Kind,
			}).Info("job delivered")
		}
		return true
	}

	switch {
	case errors.Is(err, errAlreadyDelivered):
		_, _ = p.queue.Delete(ctx, job.ID)
		p.logJob(job, "job discarded: "+err.Error())
		return true
	case isTerminal(err):
		_, _ = p.queue.Delete(ctx, job.ID)
		p.logJob(job, "job discarded after terminal failure: "+err.Error())
		return true
	}

	cfg := p.queue.Config()
	if job.Attempts < cfg.FailCeiling {
		_ = p.queue.IncrementAttempts(ctx, job.ID)
		_ = p.queue.ScheduleRetry(ctx, job.ID, RetryDelay(job.Attempts+1, cfg))
		p.logJob(job, "delivery failed, retry scheduled: "+err.Error())
	}
	return false
}

// deliver performs one submission: credential lookup, pre-send duplicate
// guard, the network call, and on success the ledger row plus folio consume.
// No allocator state is held while the call is in flight.
func (p *Processor) deliver(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload) (models.TrackID, error) {
	meta := ledger.Meta{DocumentType: payload.DocumentType, Folio: payload.Folio}

	var credential []byte
	if payload.Folio > 0 {
		r, err := p.store.FindRangeContaining(ctx, payload.DocumentType, payload.Folio, payload.Environment)
		if err != nil {
			return models.TrackID{}, err
		}
		if r == nil {
			_, _ = p.ledger.Append(ctx, models.TrackID{}, models.LedgerStatusError,
				errUnauthorizedFolio.Error(), payload.Environment, meta)
			return models.TrackID{}, errUnauthorizedFolio
		}
		credential = r.Credential

		last, err := p.store.GetWatermark(ctx, payload.DocumentType, payload.Environment)
		if err == nil && payload.Folio <= last {
			// a prior run delivered this folio and crashed before deleting the
			// job; resubmitting would double-send
			_, _ = p.ledger.Append(ctx, models.TrackID{}, models.LedgerStatusInfo,
				errAlreadyDelivered.Error(), payload.Environment, meta)
			return models.TrackID{}, errAlreadyDelivered
		}
	}

	trackId, err := p.client.Send(ctx, kind, payload, credential)
	if err != nil {
		_, _ = p.ledger.Append(ctx, models.TrackID{}, models.LedgerStatusError, err.Error(), payload.Environment, meta)
		return models.TrackID{}, err
	}

	if _, err := p.ledger.Append(ctx, trackId, models.LedgerStatusSent, "", payload.Environment, meta); err != nil && p.logger != nil {
		p.logger.Warn("ledger append failed after send: " + err.Error())
	}

	if payload.Folio > 0 {
		err := p.allocator.Consume(ctx, folio.Reservation{
			DocumentType: payload.DocumentType,
			Environment:  payload.Environment,
			Folio:        payload.Folio,
		})
		var stale *utils.StaleAllocationError
		if err != nil && !errors.As(err, &stale) && p.logger != nil {
			// stale here means a concurrent consume won; anything else is real
			p.logger.Warn("folio consume failed: " + err.Error())
		}
	}
	return trackId, nil
}

// Submit tries a synchronous delivery and falls back to enqueueing when the
// failure is retryable. Terminal failures are not queued: the ledger row
// already carries the outcome.
func (p *Processor) Submit(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload) (models.TrackID, error) {
	trackId, err := p.deliver(ctx, kind, payload)
	if err == nil {
		return trackId, nil
	}
	if errors.Is(err, errAlreadyDelivered) {
		return models.TrackID{}, nil
	}
	if isTerminal(err) {
		return models.TrackID{}, err
	}

	id, qerr := p.queue.Enqueue(ctx, kind, payload)
	if qerr != nil {
		return models.TrackID{}, qerr
	}
	_, _ = p.ledger.Append(ctx, models.TrackID{}, models.LedgerStatusQueued,
		"queued for background delivery", payload.Environment,
		ledger.Meta{DocumentType: payload.DocumentType, Folio: payload.Folio})
	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{"job_id": id, "kind": kind}).Info("submission queued")
	}
	return models.TrackID{}, nil
}

func isTerminal(err error) bool {
	var rejection *transport.RejectionError
	if errors.As(err, &rejection) {
		return true
	}
	return errors.Is(err, errUnauthorizedFolio)
}

func (p *Processor) logJob(job models.DeliveryJob, msg string) {
	if p.logger == nil {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"worker":   p.workerID,
		"job_id":   job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempts,
	}).Warn(msg)
}
