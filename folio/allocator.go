package folio

import (
	"context"
	"sync"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/utils"
	"github.com/sirupsen/logrus"
)

// Reservation is the token handed out by Next and required by Consume. A
// reservation is a peek, not a commitment: the watermark does not move until
// the delivery is confirmed and Consume succeeds.
type Reservation struct {
	DocumentType models.DocumentType `json:"document_type"`
	Environment  models.Environment  `json:"environment"`
	Folio        int64               `json:"folio"`
}

// Allocator hands out the next usable folio per document type and advances the
// watermark on confirmed delivery. One allocator instance serves one
// environment; mutation per (type, environment) is serialized through the
// store's compare-and-swap.
type Allocator struct {
	store  storage.Store
	env    models.Environment
	logger *logrus.Logger

	mu     sync.Mutex
	manual map[models.DocumentType]*manualCursor
}

type manualCursor struct {
	folios []int64
	pos    int
}

func NewAllocator(store storage.Store, env models.Environment, logger *logrus.Logger) *Allocator {
	return &Allocator{
		store:  store,
		env:    env,
		logger: logger,
		manual: make(map[models.DocumentType]*manualCursor),
	}
}

// Next returns the next usable folio as a reservation. Repeated calls without
// an intervening Consume return the same folio: the watermark only moves on
// consume, so a failed delivery simply retries the same number without gaps.
func (a *Allocator) Next(ctx context.Context, docType models.DocumentType) (Reservation, error) {
	a.mu.Lock()
	cursor, manualMode := a.manual[docType]
	if manualMode {
		defer a.mu.Unlock()
		for cursor.pos < len(cursor.folios) {
			folio := cursor.folios[cursor.pos]
			authorized, err := a.store.FindRangeContaining(ctx, docType, folio, a.env)
			if err != nil {
				return Reservation{}, err
			}
			if authorized != nil {
				return a.reservation(docType, folio), nil
			}
			// authorization was revoked after the list was loaded
			cursor.pos++
		}
		return Reservation{}, &utils.ExhaustedError{DocumentType: int(docType), Environment: string(a.env)}
	}
	a.mu.Unlock()

	folio, err := a.nextAutomatic(ctx, docType)
	if err != nil {
		return Reservation{}, err
	}
	return a.reservation(docType, folio), nil
}

func (a *Allocator) nextAutomatic(ctx context.Context, docType models.DocumentType) (int64, error) {
	last, err := a.store.GetWatermark(ctx, docType, a.env)
	if err != nil {
		return 0, err
	}
	ranges, err := a.store.ListRangesByType(ctx, docType, a.env)
	if err != nil {
		return 0, err
	}
	for _, r := range ranges {
		candidate := r.Start
		if last+1 > candidate {
			candidate = last + 1
		}
		if candidate < r.End {
			return candidate, nil
		}
	}
	return 0, &utils.ExhaustedError{DocumentType: int(docType), Environment: string(a.env)}
}

// Consume marks the reserved folio as delivered and advances the watermark.
// Returns StaleAllocationError when another consume already moved past the
// reservation; the caller must treat that as "already delivered" and never
// resubmit the same number.
func (a *Allocator) Consume(ctx context.Context, res Reservation) error {
	if res.Folio <= 0 {
		return utils.NewValidationError("cannot consume folio %d", res.Folio)
	}
	if res.Environment != a.env {
		return utils.NewValidationError("reservation environment %s does not match allocator environment %s", res.Environment, a.env)
	}

	a.mu.Lock()
	cursor, manualMode := a.manual[res.DocumentType]
	if manualMode {
		defer a.mu.Unlock()
		if cursor.pos >= len(cursor.folios) || cursor.folios[cursor.pos] != res.Folio {
			return &utils.StaleAllocationError{DocumentType: int(res.DocumentType), Folio: res.Folio}
		}
		cursor.pos++
		return nil
	}
	a.mu.Unlock()

	last, err := a.store.GetWatermark(ctx, res.DocumentType, a.env)
	if err != nil {
		return err
	}
	if res.Folio <= last {
		return &utils.StaleAllocationError{DocumentType: int(res.DocumentType), Folio: res.Folio, Watermark: last}
	}

	expected, err := a.nextAutomatic(ctx, res.DocumentType)
	if err != nil {
		return err
	}
	if res.Folio != expected {
		// ahead of the sequence: consuming it would leave a gap
		return utils.NewValidationError("folio %d is not the next allocatable number (expected %d)", res.Folio, expected)
	}

	advanced, err := a.store.AdvanceWatermark(ctx, res.DocumentType, a.env, last, res.Folio)
	if err != nil {
		return err
	}
	if !advanced {
		current, _ := a.store.GetWatermark(ctx, res.DocumentType, a.env)
		return &utils.StaleAllocationError{DocumentType: int(res.DocumentType), Folio: res.Folio, Watermark: current}
	}
	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"document_type": res.DocumentType,
			"environment":   a.env,
			"folio":         res.Folio,
		}).Info("folio consumed")
	}
	return nil
}

// SetManualFolios switches the document type to manual allocation. Numbers
// outside any authorized range are dropped, duplicates collapse to the first
// occurrence, order is preserved. Returns how many folios were kept.
func (a *Allocator) SetManualFolios(ctx context.Context, docType models.DocumentType, folios []int64) (int, error) {
	seen := make(map[int64]bool)
	kept := make([]int64, 0, len(folios))
	for _, folio := range folios {
		if folio <= 0 || seen[folio] {
			continue
		}
		authorized, err := a.store.FindRangeContaining(ctx, docType, folio, a.env)
		if err != nil {
			return 0, err
		}
		if authorized == nil {
			continue
		}
		seen[folio] = true
		kept = append(kept, folio)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.manual[docType] = &manualCursor{folios: kept}
	return len(kept), nil
}

// ClearManualFolios returns the document type to automatic allocation.
func (a *Allocator) ClearManualFolios(docType models.DocumentType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.manual, docType)
}

// VerifyAuthorized confirms the folio still sits inside an authorized range.
// Run against engine-prepared documents before trusting their folio.
func (a *Allocator) VerifyAuthorized(ctx context.Context, docType models.DocumentType, folio int64) (bool, error) {
	r, err := a.store.FindRangeContaining(ctx, docType, folio, a.env)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

func (a *Allocator) Environment() models.Environment {
	return a.env
}

func (a *Allocator) reservation(docType models.DocumentType, folio int64) Reservation {
	return Reservation{DocumentType: docType, Environment: a.env, Folio: folio}
}
