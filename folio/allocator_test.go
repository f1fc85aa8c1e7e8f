package folio_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/dte_backend/folio"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/mmdatafocus/dte_backend/utils"
)

func seedRange(t *testing.T, store *storage.MemoryStore, docType models.DocumentType, start, end int64) {
	t.Helper()
	_, err := store.InsertRange(context.Background(), &models.NumericRange{
		DocumentType: docType,
		Environment:  models.EnvironmentCertification,
		Start:        start,
		End:          end,
	})
	if err != nil {
		t.Fatalf("InsertRange: %v", err)
	}
}

func TestAllocator_NextConsumeSequence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 100, 150)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	res, err := a.Next(ctx, models.DocumentTypeReceipt)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.Folio != 100 {
		t.Fatalf("expected first folio 100, got %d", res.Folio)
	}

	if err := a.Consume(ctx, res); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	wm, _ := store.GetWatermark(ctx, models.DocumentTypeReceipt, models.EnvironmentCertification)
	if wm != 100 {
		t.Fatalf("expected watermark 100, got %d", wm)
	}

	res, err = a.Next(ctx, models.DocumentTypeReceipt)
	if err != nil {
		t.Fatalf("Next after consume: %v", err)
	}
	if res.Folio != 101 {
		t.Fatalf("expected folio 101 after consume, got %d", res.Folio)
	}
}

func TestAllocator_IdempotentPeek(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeInvoice, 1, 10)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	first, err := a.Next(ctx, models.DocumentTypeInvoice)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := a.Next(ctx, models.DocumentTypeInvoice)
	if err != nil {
		t.Fatalf("Next again: %v", err)
	}
	if first.Folio != second.Folio {
		t.Fatalf("peek not idempotent: %d then %d", first.Folio, second.Folio)
	}
}

func TestAllocator_StaleConsumeRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 100, 150)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	res, _ := a.Next(ctx, models.DocumentTypeReceipt)
	if err := a.Consume(ctx, res); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	err := a.Consume(ctx, res)
	var stale *utils.StaleAllocationError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleAllocationError, got %v", err)
	}
}

func TestAllocator_NoDoubleAllocationAcrossRanges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 10, 13)
	seedRange(t, store, models.DocumentTypeReceipt, 20, 22)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	var consumed []int64
	for {
		res, err := a.Next(ctx, models.DocumentTypeReceipt)
		if err != nil {
			var exhausted *utils.ExhaustedError
			if errors.As(err, &exhausted) {
				break
			}
			t.Fatalf("Next: %v", err)
		}
		if err := a.Consume(ctx, res); err != nil {
			t.Fatalf("Consume %d: %v", res.Folio, err)
		}
		consumed = append(consumed, res.Folio)
		if len(consumed) > 10 {
			t.Fatal("allocator did not exhaust")
		}
	}

	want := []int64{10, 11, 12, 20, 21}
	if len(consumed) != len(want) {
		t.Fatalf("consumed %v, want %v", consumed, want)
	}
	for i, f := range want {
		if consumed[i] != f {
			t.Fatalf("consumed %v, want %v", consumed, want)
		}
	}
}

func TestAllocator_ExhaustedIsTyped(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	_, err := a.Next(ctx, models.DocumentTypeReceipt)
	var exhausted *utils.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError with no ranges, got %v", err)
	}
}

func TestAllocator_GapConsumeRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 100, 150)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	err := a.Consume(ctx, folio.Reservation{
		DocumentType: models.DocumentTypeReceipt,
		Environment:  models.EnvironmentCertification,
		Folio:        105,
	})
	var validation *utils.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for gap consume, got %v", err)
	}
}

func TestAllocator_ManualMode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 100, 105)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	// 103 duplicated, 999 unauthorized: both collapse away
	kept, err := a.SetManualFolios(ctx, models.DocumentTypeReceipt, []int64{103, 101, 103, 999})
	if err != nil {
		t.Fatalf("SetManualFolios: %v", err)
	}
	if kept != 2 {
		t.Fatalf("expected 2 folios kept, got %d", kept)
	}

	res, err := a.Next(ctx, models.DocumentTypeReceipt)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.Folio != 103 {
		t.Fatalf("expected manual folio 103, got %d", res.Folio)
	}

	// peek stays on 103 until consumed
	again, _ := a.Next(ctx, models.DocumentTypeReceipt)
	if again.Folio != 103 {
		t.Fatalf("manual peek not idempotent: got %d", again.Folio)
	}

	if err := a.Consume(ctx, res); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	res, err = a.Next(ctx, models.DocumentTypeReceipt)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if res.Folio != 101 {
		t.Fatalf("expected manual folio 101, got %d", res.Folio)
	}
	if err := a.Consume(ctx, res); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	_, err = a.Next(ctx, models.DocumentTypeReceipt)
	var exhausted *utils.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError after manual list drained, got %v", err)
	}

	// back to automatic
	a.ClearManualFolios(models.DocumentTypeReceipt)
	res, err = a.Next(ctx, models.DocumentTypeReceipt)
	if err != nil {
		t.Fatalf("Next after clearing manual mode: %v", err)
	}
	if res.Folio != 100 {
		t.Fatalf("expected automatic folio 100, got %d", res.Folio)
	}
}

func TestAllocator_VerifyAuthorized(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedRange(t, store, models.DocumentTypeReceipt, 100, 150)

	a := folio.NewAllocator(store, models.EnvironmentCertification, nil)

	ok, err := a.VerifyAuthorized(ctx, models.DocumentTypeReceipt, 149)
	if err != nil || !ok {
		t.Fatalf("expected 149 authorized, got ok=%v err=%v", ok, err)
	}
	ok, err = a.VerifyAuthorized(ctx, models.DocumentTypeReceipt, 150)
	if err != nil || ok {
		t.Fatalf("expected 150 (exclusive end) unauthorized, got ok=%v err=%v", ok, err)
	}
}
