package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/utils"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. It exists as the explicit test
// double for GormStore and mirrors its semantics, including the watermark
// compare-and-swap.
type MemoryStore struct {
	mu sync.Mutex

	ranges     map[int]models.NumericRange
	nextRange  int
	watermarks map[watermarkKey]int64
	jobs       map[int]models.DeliveryJob
	nextJob    int
	ledger     []models.LedgerEntry
	nextLedger int
}

type watermarkKey struct {
	docType models.DocumentType
	env     models.Environment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ranges:     make(map[int]models.NumericRange),
		nextRange:  1,
		watermarks: make(map[watermarkKey]int64),
		jobs:       make(map[int]models.DeliveryJob),
		nextJob:    1,
		nextLedger: 1,
	}
}

/* ranges */

func (s *MemoryStore) InsertRange(ctx context.Context, r *models.NumericRange) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r.ID = s.nextRange
	s.nextRange++
	r.CreatedAt = now
	r.UpdatedAt = now
	s.ranges[r.ID] = *r
	return r.ID, nil
}

func (s *MemoryStore) UpdateRange(ctx context.Context, r *models.NumericRange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.ranges[r.ID]
	if !ok {
		return false, nil
	}
	existing.DocumentType = r.DocumentType
	existing.Environment = r.Environment
	existing.Start = r.Start
	existing.End = r.End
	existing.UpdatedAt = time.Now().UTC()
	s.ranges[r.ID] = existing
	return true, nil
}

func (s *MemoryStore) DeleteRange(ctx context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ranges[id]; !ok {
		return false, nil
	}
	delete(s.ranges, id)
	return true, nil
}

func (s *MemoryStore) GetRange(ctx context.Context, id int) (*models.NumericRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranges[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListRangesByType(ctx context.Context, docType models.DocumentType, env models.Environment) ([]models.NumericRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ranges []models.NumericRange
	for _, r := range s.ranges {
		if r.DocumentType == docType && r.Environment == env {
			ranges = append(ranges, r)
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start != ranges[j].Start {
			return ranges[i].Start < ranges[j].Start
		}
		return ranges[i].End < ranges[j].End
	})
	return ranges, nil
}

func (s *MemoryStore) RangeOverlaps(ctx context.Context, docType models.DocumentType, start, end int64, excludeId int, env models.Environment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ranges {
		if r.ID == excludeId {
			continue
		}
		if r.DocumentType == docType && r.Environment == env && r.Overlaps(start, end) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) FindRangeContaining(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (*models.NumericRange, error) {
	ranges, _ := s.ListRangesByType(ctx, docType, env)
	for _, r := range ranges {
		if r.Contains(folio) {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) StoreRangeCredential(ctx context.Context, id int, blob []byte, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranges[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	r.Credential = blob
	r.CredentialFile = filename
	r.UpdatedAt = time.Now().UTC()
	s.ranges[id] = r
	return nil
}

/* watermark */

func (s *MemoryStore) GetWatermark(ctx context.Context, docType models.DocumentType, env models.Environment) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[watermarkKey{docType, env}], nil
}

func (s *MemoryStore) AdvanceWatermark(ctx context.Context, docType models.DocumentType, env models.Environment, from, to int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watermarkKey{docType, env}
	if s.watermarks[key] != from {
		return false, nil
	}
	s.watermarks[key] = to
	return true, nil
}

/* jobs */

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *models.DeliveryJob) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	job.ID = s.nextJob
	s.nextJob++
	job.CreatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	s.jobs[job.ID] = *job
	return job.ID, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id int) (*models.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &job, nil
}

func (s *MemoryStore) ListPendingJobs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.DeliveryJob
	for _, job := range s.jobs {
		if job.Attempts < maxAttempts && !job.AvailableAt.After(now) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].AvailableAt.Equal(jobs[j].AvailableAt) {
			return jobs[i].AvailableAt.Before(jobs[j].AvailableAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) IncrementJobAttempts(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Attempts++
		s.jobs[id] = job
	}
	return nil
}

func (s *MemoryStore) ResetJobAttempts(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Attempts = 0
		s.jobs[id] = job
	}
	return nil
}

func (s *MemoryStore) ScheduleJobRetry(ctx context.Context, id int, availableAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.AvailableAt = availableAt
		s.jobs[id] = job
	}
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) JobStats(ctx context.Context, failCeiling int, staleAfter time.Duration) (*models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stats := &models.QueueStats{}
	var attemptSum int64
	for _, job := range s.jobs {
		stats.Total++
		attemptSum += int64(job.Attempts)
		if !job.AvailableAt.After(now) {
			stats.Pending++
		}
		if job.Attempts >= failCeiling {
			stats.Failed++
		}
		if job.CreatedAt.Before(now.Add(-staleAfter)) {
			stats.OldJobs++
		}
	}
	if stats.Total > 0 {
		stats.AvgAttempts = decimal.NewFromInt(attemptSum).
			Div(decimal.NewFromInt(stats.Total)).Round(2)
	}
	return stats, nil
}

func (s *MemoryStore) RetryAllFailedJobs(ctx context.Context, failCeiling int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var count int64
	for id, job := range s.jobs {
		if job.Attempts >= failCeiling {
			job.Attempts = 0
			job.AvailableAt = now
			s.jobs[id] = job
			count++
		}
	}
	return count, nil
}

/* ledger */

func (s *MemoryStore) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextLedger
	s.nextLedger++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.ledger = append(s.ledger, *e)
	return e.ID, nil
}

func (s *MemoryStore) FirstTrackIdForDocument(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ledger {
		if e.DocumentType == docType && e.Folio == folio && e.Environment == env && e.TrackId != "" {
			return e.CanonicalTrackId(), nil
		}
	}
	return "", nil
}

func (s *MemoryStore) QueryLedger(ctx context.Context, q models.LedgerQuery) (*models.LedgerPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.LedgerEntry
	for _, e := range s.ledger {
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.Environment != "" && e.Environment != q.Environment {
			continue
		}
		if q.DocumentType != 0 && e.DocumentType != q.DocumentType {
			continue
		}
		if q.DateFrom != nil && e.CreatedAt.Before(*q.DateFrom) {
			continue
		}
		if q.DateTo != nil && e.CreatedAt.After(*q.DateTo) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit < 1 {
		limit = 20
	}
	total := int64(len(matched))
	pages := int(math.Ceil(float64(total) / float64(limit)))

	offset := (page - 1) * limit
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return &models.LedgerPage{Rows: matched[offset:end], Total: total, Page: page, Pages: pages}, nil
}

func (s *MemoryStore) PendingTrackIds(ctx context.Context, limit int, env models.Environment) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit < 1 {
		limit = 50
	}
	lastStatus := make(map[string]models.LedgerStatus)
	var order []string
	for _, e := range s.ledger {
		if e.TrackId == "" {
			continue
		}
		if env != "" && e.Environment != env {
			continue
		}
		id := e.CanonicalTrackId()
		if _, seen := lastStatus[id]; !seen {
			order = append(order, id)
		}
		lastStatus[id] = e.Status
	}
	var pending []string
	for _, id := range order {
		if st := lastStatus[id]; st == models.LedgerStatusQueued || st == models.LedgerStatusSent {
			pending = append(pending, id)
			if len(pending) >= limit {
				break
			}
		}
	}
	return pending, nil
}

func (s *MemoryStore) LedgerHealth(ctx context.Context, env models.Environment) (*models.LedgerHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := time.Now().UTC().Add(-24 * time.Hour)

	all := make(map[string]bool)
	errored := make(map[string]bool)
	delivered := make(map[string]bool)
	errorTexts := make(map[string]int)
	queuedAt := make(map[string]time.Time)
	sentAt := make(map[string]time.Time)

	for _, e := range s.ledger {
		if env != "" && e.Environment != env {
			continue
		}
		id := healthIdentity(e)
		// queued/sent latency pairs keyed by document: the queued row predates
		// the track id the send will earn
		if e.DocumentType != 0 && e.Folio > 0 {
			pair := fmt.Sprintf("%d:%d", e.DocumentType, e.Folio)
			switch e.Status {
			case models.LedgerStatusQueued:
				if _, ok := queuedAt[pair]; !ok {
					queuedAt[pair] = e.CreatedAt
				}
			case models.LedgerStatusSent:
				if _, ok := sentAt[pair]; !ok {
					sentAt[pair] = e.CreatedAt
				}
			}
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		all[id] = true
		switch e.Status {
		case models.LedgerStatusError:
			errored[id] = true
			errorTexts[e.RawResponse]++
		case models.LedgerStatusSent, models.LedgerStatusAccepted:
			delivered[id] = true
		}
	}

	health := &models.LedgerHealth{
		TotalLast24h:  int64(len(all)),
		ErrorsLast24h: int64(len(errored)),
	}
	if len(all) > 0 {
		health.SuccessRate = decimal.NewFromInt(int64(len(delivered))).
			Div(decimal.NewFromInt(int64(len(all)))).Round(4)
	}

	top, topCount := "", 0
	for text, count := range errorTexts {
		if count > topCount || (count == topCount && strings.Compare(text, top) < 0) {
			top, topCount = text, count
		}
	}
	health.MostCommonError = top

	var totalMinutes float64
	var pairs int
	for id, q := range queuedAt {
		if sent, ok := sentAt[id]; ok && sent.After(q) {
			totalMinutes += sent.Sub(q).Minutes()
			pairs++
		}
	}
	if pairs > 0 {
		health.AvgQueueMinutes = decimal.NewFromFloat(totalMinutes / float64(pairs)).Round(2)
	}
	return health, nil
}

// healthIdentity names the submission a ledger row belongs to. Track id when
// one exists, the document reference for trackless rows (failed sends never
// earned an id), the row itself as a last resort.
func healthIdentity(e models.LedgerEntry) string {
	if id := e.CanonicalTrackId(); id != "" {
		return id
	}
	if e.DocumentType != 0 && e.Folio > 0 {
		return fmt.Sprintf("doc:%d:%d", e.DocumentType, e.Folio)
	}
	return fmt.Sprintf("row:%d", e.ID)
}
