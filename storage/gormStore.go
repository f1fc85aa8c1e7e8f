package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rangeCacheLifespan = time.Hour

// GormStore is the MySQL-backed Store. The redis client is optional: when nil,
// range-list reads always hit the database.
type GormStore struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *logrus.Logger
}

func NewGormStore(db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) *GormStore {
	return &GormStore{db: db, rdb: rdb, logger: logger}
}

/* ranges */

func (s *GormStore) InsertRange(ctx context.Context, r *models.NumericRange) (int, error) {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return 0, err
	}
	s.dropRangeCache(ctx, r.DocumentType, r.Environment)
	return r.ID, nil
}

func (s *GormStore) UpdateRange(ctx context.Context, r *models.NumericRange) (bool, error) {
	existing, err := s.GetRange(ctx, r.ID)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	result := s.db.WithContext(ctx).Model(&models.NumericRange{}).
		Where("id = ?", r.ID).
		Updates(map[string]interface{}{
			"document_type": r.DocumentType,
			"environment":   r.Environment,
			"start":         r.Start,
			"end":           r.End,
		})
	if result.Error != nil {
		return false, result.Error
	}
	// an update can move the range to another (type, environment) pair; the old
	// pair's cached list must not keep serving it
	s.dropRangeCache(ctx, existing.DocumentType, existing.Environment)
	s.dropRangeCache(ctx, r.DocumentType, r.Environment)
	return result.RowsAffected > 0, nil
}

func (s *GormStore) DeleteRange(ctx context.Context, id int) (bool, error) {
	existing, err := s.GetRange(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	result := s.db.WithContext(ctx).Delete(&models.NumericRange{}, id)
	if result.Error != nil {
		return false, result.Error
	}
	s.dropRangeCache(ctx, existing.DocumentType, existing.Environment)
	return result.RowsAffected > 0, nil
}

func (s *GormStore) GetRange(ctx context.Context, id int) (*models.NumericRange, error) {
	var r models.NumericRange
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *GormStore) ListRangesByType(ctx context.Context, docType models.DocumentType, env models.Environment) ([]models.NumericRange, error) {
	if ranges, ok := s.rangesFromCache(ctx, docType, env); ok {
		return ranges, nil
	}
	var ranges []models.NumericRange
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND environment = ?", docType, env).
		Order("`start` ASC, `end` ASC").
		Find(&ranges).Error
	if err != nil {
		return nil, err
	}
	s.storeRangeCache(ctx, docType, env, ranges)
	return ranges, nil
}

func (s *GormStore) RangeOverlaps(ctx context.Context, docType models.DocumentType, start, end int64, excludeId int, env models.Environment) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.NumericRange{}).
		Where("document_type = ? AND environment = ?", docType, env).
		Where("`start` < ? AND `end` > ?", end, start)
	if excludeId > 0 {
		q = q.Where("id <> ?", excludeId)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) FindRangeContaining(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (*models.NumericRange, error) {
	var r models.NumericRange
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND environment = ?", docType, env).
		Where("`start` <= ? AND `end` > ?", folio, folio).
		Order("`start` ASC").
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *GormStore) StoreRangeCredential(ctx context.Context, id int, blob []byte, filename string) error {
	existing, err := s.GetRange(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Model(&models.NumericRange{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"credential":      blob,
			"credential_file": filename,
		}).Error
	if err != nil {
		return err
	}
	s.dropRangeCache(ctx, existing.DocumentType, existing.Environment)
	return nil
}

/* range cache */

func rangeCacheKey(docType models.DocumentType, env models.Environment) string {
	return fmt.Sprintf("NumericRanges:%d:%s", docType, env)
}

func (s *GormStore) rangesFromCache(ctx context.Context, docType models.DocumentType, env models.Environment) ([]models.NumericRange, bool) {
	if s.rdb == nil {
		return nil, false
	}
	val, err := s.rdb.Get(ctx, rangeCacheKey(docType, env)).Result()
	if err != nil {
		return nil, false
	}
	var ranges []models.NumericRange
	if err := json.Unmarshal([]byte(val), &ranges); err != nil {
		return nil, false
	}
	return ranges, true
}

func (s *GormStore) storeRangeCache(ctx context.Context, docType models.DocumentType, env models.Environment, ranges []models.NumericRange) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(ranges)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, rangeCacheKey(docType, env), data, rangeCacheLifespan).Err(); err != nil && s.logger != nil {
		s.logger.WithFields(logrus.Fields{"key": rangeCacheKey(docType, env)}).Warn("range cache write failed: " + err.Error())
	}
}

func (s *GormStore) dropRangeCache(ctx context.Context, docType models.DocumentType, env models.Environment) {
	if s.rdb == nil {
		return
	}
	_ = s.rdb.Del(ctx, rangeCacheKey(docType, env)).Err()
}

/* watermark */

func (s *GormStore) GetWatermark(ctx context.Context, docType models.DocumentType, env models.Environment) (int64, error) {
	var wm models.FolioWatermark
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND environment = ?", docType, env).
		First(&wm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return wm.LastFolio, nil
}

func (s *GormStore) AdvanceWatermark(ctx context.Context, docType models.DocumentType, env models.Environment, from, to int64) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.FolioWatermark{}).
		Where("document_type = ? AND environment = ? AND last_folio = ?", docType, env, from).
		Update("last_folio", to)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	if from != 0 {
		return false, nil
	}
	// first consume for this pair: create the row, losing the race is a stale consume
	wm := models.FolioWatermark{DocumentType: docType, Environment: env, LastFolio: to}
	create := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&wm)
	if create.Error != nil {
		return false, create.Error
	}
	return create.RowsAffected > 0, nil
}

/* jobs */

func (s *GormStore) EnqueueJob(ctx context.Context, job *models.DeliveryJob) (int, error) {
	if job.AvailableAt.IsZero() {
		job.AvailableAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (s *GormStore) GetJob(ctx context.Context, id int) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *GormStore) ListPendingJobs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.DeliveryJob, error) {
	var jobs []models.DeliveryJob
	err := s.db.WithContext(ctx).
		Where("available_at <= ? AND attempts < ?", now, maxAttempts).
		Order("available_at ASC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) IncrementJobAttempts(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

func (s *GormStore) ResetJobAttempts(ctx context.Context, id int) error {
	return s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ?", id).
		Update("attempts", 0).Error
}

func (s *GormStore) ScheduleJobRetry(ctx context.Context, id int, availableAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("id = ?", id).
		Update("available_at", availableAt).Error
}

func (s *GormStore) DeleteJob(ctx context.Context, id int) (bool, error) {
	result := s.db.WithContext(ctx).Delete(&models.DeliveryJob{}, id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) JobStats(ctx context.Context, failCeiling int, staleAfter time.Duration) (*models.QueueStats, error) {
	now := time.Now().UTC()
	stats := &models.QueueStats{}

	db := s.db.WithContext(ctx).Model(&models.DeliveryJob{})
	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("available_at <= ?", now).Count(&stats.Pending).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("attempts >= ?", failCeiling).Count(&stats.Failed).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("created_at < ?", now.Add(-staleAfter)).Count(&stats.OldJobs).Error; err != nil {
		return nil, err
	}
	var avg float64
	if err := s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Select("COALESCE(AVG(attempts), 0)").Scan(&avg).Error; err != nil {
		return nil, err
	}
	stats.AvgAttempts = decimal.NewFromFloat(avg).Round(2)
	return stats, nil
}

func (s *GormStore) RetryAllFailedJobs(ctx context.Context, failCeiling int) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.DeliveryJob{}).
		Where("attempts >= ?", failCeiling).
		Updates(map[string]interface{}{
			"attempts":     0,
			"available_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

/* ledger */

func (s *GormStore) AppendLedgerEntry(ctx context.Context, e *models.LedgerEntry) (int, error) {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (s *GormStore) FirstTrackIdForDocument(ctx context.Context, docType models.DocumentType, folio int64, env models.Environment) (string, error) {
	var e models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND folio = ? AND environment = ?", docType, folio, env).
		Where("track_id <> ''").
		Order("id ASC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return e.CanonicalTrackId(), nil
}

func (s *GormStore) QueryLedger(ctx context.Context, q models.LedgerQuery) (*models.LedgerPage, error) {
	db := s.db.WithContext(ctx).Model(&models.LedgerEntry{})
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.Environment != "" {
		db = db.Where("environment = ?", q.Environment)
	}
	if q.DocumentType != 0 {
		db = db.Where("document_type = ?", q.DocumentType)
	}
	if q.DateFrom != nil {
		db = db.Where("created_at >= ?", q.DateFrom)
	}
	if q.DateTo != nil {
		db = db.Where("created_at <= ?", q.DateTo)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, err
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit < 1 {
		limit = 20
	}

	var rows []models.LedgerEntry
	err := db.Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	pages := int(math.Ceil(float64(total) / float64(limit)))
	return &models.LedgerPage{Rows: rows, Total: total, Page: page, Pages: pages}, nil
}

func (s *GormStore) PendingTrackIds(ctx context.Context, limit int, env models.Environment) ([]string, error) {
	if limit < 1 {
		limit = 50
	}
	// latest status per lineage must still be in flight; the latest row is the
	// one with the highest id
	var trackIds []string
	query := `
		SELECT t.track_id FROM (
			SELECT COALESCE(NULLIF(lineage_id, ''), track_id) AS track_id,
			       MAX(id) AS last_id
			FROM ledger_entries
			WHERE track_id <> ''` + envFilterSQL(env) + `
			GROUP BY COALESCE(NULLIF(lineage_id, ''), track_id)
		) t
		JOIN ledger_entries e ON e.id = t.last_id
		WHERE e.status IN ('queued', 'sent')
		LIMIT ?`
	args := []interface{}{limit}
	if env != "" {
		args = []interface{}{string(env), limit}
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&trackIds).Error; err != nil {
		return nil, err
	}
	return trackIds, nil
}

func envFilterSQL(env models.Environment) string {
	if env == "" {
		return ""
	}
	return " AND environment = ?"
}

func (s *GormStore) LedgerHealth(ctx context.Context, env models.Environment) (*models.LedgerHealth, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	health := &models.LedgerHealth{}

	base := func() *gorm.DB {
		db := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
			Where("created_at >= ?", since)
		if env != "" {
			db = db.Where("environment = ?", env)
		}
		return db
	}

	// submission identity: track id when one exists, the document reference for
	// trackless rows (failed sends never earned an id), the row as a last resort
	canonical := `COUNT(DISTINCT CASE
		WHEN COALESCE(NULLIF(lineage_id, ''), track_id) <> '' THEN COALESCE(NULLIF(lineage_id, ''), track_id)
		WHEN document_type <> 0 AND folio > 0 THEN CONCAT('doc:', document_type, ':', folio)
		ELSE CONCAT('row:', id) END)`

	if err := base().Select(canonical).Scan(&health.TotalLast24h).Error; err != nil {
		return nil, err
	}
	if err := base().Where("status = ?", models.LedgerStatusError).
		Select(canonical).Scan(&health.ErrorsLast24h).Error; err != nil {
		return nil, err
	}
	var delivered int64
	if err := base().Where("status IN ?", []models.LedgerStatus{models.LedgerStatusSent, models.LedgerStatusAccepted}).
		Select(canonical).Scan(&delivered).Error; err != nil {
		return nil, err
	}
	if health.TotalLast24h > 0 {
		health.SuccessRate = decimal.NewFromInt(delivered).
			Div(decimal.NewFromInt(health.TotalLast24h)).Round(4)
	}

	var topError string
	err := base().Where("status = ?", models.LedgerStatusError).
		Select("raw_response").
		Group("raw_response").
		Order("COUNT(*) DESC").
		Limit(1).
		Scan(&topError).Error
	if err != nil {
		return nil, err
	}
	health.MostCommonError = topError

	// latency pairs join on the document: the queued row predates the track id
	// the send will earn
	var avgMinutes float64
	query := `
		SELECT COALESCE(AVG(TIMESTAMPDIFF(MINUTE, q.created_at, s.created_at)), 0)
		FROM ledger_entries q
		JOIN ledger_entries s
		  ON s.document_type = q.document_type AND s.folio = q.folio AND s.environment = q.environment
		WHERE q.status = 'queued' AND s.status = 'sent'
		  AND q.document_type <> 0 AND q.folio > 0
		  AND q.created_at >= ?`
	args := []interface{}{since}
	if env != "" {
		query += " AND q.environment = ?"
		args = append(args, string(env))
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&avgMinutes).Error; err != nil {
		return nil, err
	}
	health.AvgQueueMinutes = decimal.NewFromFloat(avgMinutes).Round(2)

	return health, nil
}
