package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/dte_backend/ledger"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/shopspring/decimal"
)

func TestLedger_DropsUnauditableEntries(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)

	// a sent row with no track id and no document reference could never be
	// reconciled
	_, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusSent, "", models.EnvironmentCertification, ledger.Meta{})
	if !errors.Is(err, ledger.ErrUnauditableEntry) {
		t.Fatalf("expected ErrUnauditableEntry, got %v", err)
	}
	_, err = lg.Append(ctx, models.TrackID{}, models.LedgerStatusAccepted, "", models.EnvironmentCertification, ledger.Meta{})
	if !errors.Is(err, ledger.ErrUnauditableEntry) {
		t.Fatalf("expected ErrUnauditableEntry for accepted, got %v", err)
	}

	// with a resolvable document reference the row is kept even without an id
	entry, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusSent, "", models.EnvironmentCertification,
		ledger.Meta{DocumentType: models.DocumentTypeReceipt, Folio: 5})
	if err != nil {
		t.Fatalf("Append with meta: %v", err)
	}
	if entry.DocumentType != models.DocumentTypeReceipt || entry.Folio != 5 {
		t.Fatalf("document reference lost: %+v", entry)
	}

	// non-delivery statuses are exempt from the filter
	if _, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusError, "connection refused", models.EnvironmentCertification, ledger.Meta{}); err != nil {
		t.Fatalf("Append error row: %v", err)
	}
	if _, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusQueued, "queued", models.EnvironmentCertification, ledger.Meta{}); err != nil {
		t.Fatalf("Append queued row: %v", err)
	}
}

func TestLedger_ReconcilesTrackIdLineage(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)
	meta := ledger.Meta{DocumentType: models.DocumentTypeInvoice, Folio: 7}

	first, err := lg.Append(ctx, models.TrackID{Value: "sim-1", Kind: models.TrackKindSimulated},
		models.LedgerStatusSent, "", models.EnvironmentCertification, meta)
	if err != nil {
		t.Fatalf("Append first: %v", err)
	}
	if first.LineageId != "" {
		t.Fatalf("first row should have no lineage, got %q", first.LineageId)
	}

	// a later attempt for the same document under a different id aliases back
	second, err := lg.Append(ctx, models.TrackID{Value: "live-9", Kind: models.TrackKindLive},
		models.LedgerStatusAccepted, "", models.EnvironmentCertification, meta)
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	if second.LineageId != "sim-1" {
		t.Fatalf("expected lineage sim-1, got %q", second.LineageId)
	}
	if second.CanonicalTrackId() != "sim-1" {
		t.Fatalf("canonical id should resolve through the lineage, got %q", second.CanonicalTrackId())
	}
	if second.TrackId != "live-9" {
		t.Fatal("original track id must stay on the row")
	}

	// both rows count as one document: the accepted outcome closes the lineage
	pending, err := lg.PendingTrackIds(ctx, 10, models.EnvironmentCertification)
	if err != nil {
		t.Fatalf("PendingTrackIds: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("reconciled document should not be pending, got %v", pending)
	}
}

func TestLedger_PendingTrackIds(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)
	env := models.EnvironmentCertification

	add := func(id string, status models.LedgerStatus) {
		t.Helper()
		if _, err := lg.Append(ctx, models.TrackID{Value: id}, status, "", env, ledger.Meta{}); err != nil {
			t.Fatalf("Append %s %s: %v", id, status, err)
		}
	}
	add("t-1", models.LedgerStatusSent)
	add("t-2", models.LedgerStatusSent)
	add("t-2", models.LedgerStatusAccepted)
	add("t-3", models.LedgerStatusQueued)
	add("t-4", models.LedgerStatusSent)
	add("t-4", models.LedgerStatusRejected)

	pending, err := lg.PendingTrackIds(ctx, 10, env)
	if err != nil {
		t.Fatalf("PendingTrackIds: %v", err)
	}
	if len(pending) != 2 || pending[0] != "t-1" || pending[1] != "t-3" {
		t.Fatalf("expected [t-1 t-3], got %v", pending)
	}

	// other environments are invisible
	other, err := lg.PendingTrackIds(ctx, 10, models.EnvironmentProduction)
	if err != nil {
		t.Fatalf("PendingTrackIds production: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no production pending ids, got %v", other)
	}
}

func TestLedger_HealthMetricsCountDistinctDocuments(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)
	env := models.EnvironmentCertification

	if _, err := lg.Append(ctx, models.TrackID{Value: "t-ok"}, models.LedgerStatusSent, "", env, ledger.Meta{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// two failed attempts for the same submission count once
	for i := 0; i < 2; i++ {
		if _, err := lg.Append(ctx, models.TrackID{Value: "t-bad"}, models.LedgerStatusError, "connection refused", env, ledger.Meta{}); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	health, err := lg.HealthMetrics(ctx, env)
	if err != nil {
		t.Fatalf("HealthMetrics: %v", err)
	}
	if health.TotalLast24h != 2 {
		t.Fatalf("expected 2 distinct submissions, got %d", health.TotalLast24h)
	}
	if health.ErrorsLast24h != 1 {
		t.Fatalf("expected 1 errored submission, got %d", health.ErrorsLast24h)
	}
	if !health.SuccessRate.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected success rate 0.5, got %s", health.SuccessRate)
	}
	if health.MostCommonError != "connection refused" {
		t.Fatalf("expected most common error, got %q", health.MostCommonError)
	}
}

func TestLedger_HealthMetricsCountTracklessSendFailures(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)
	env := models.EnvironmentCertification

	// a send that dies on the wire never earns a track id; the error rows
	// carry only the document reference
	for i := 0; i < 3; i++ {
		if _, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusError, "connection refused", env,
			ledger.Meta{DocumentType: models.DocumentTypeReceipt, Folio: 100}); err != nil {
			t.Fatalf("Append trackless error: %v", err)
		}
	}
	if _, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusError, "gateway timeout", env,
		ledger.Meta{DocumentType: models.DocumentTypeInvoice, Folio: 101}); err != nil {
		t.Fatalf("Append second document error: %v", err)
	}
	// no id and no reference: each row stands alone
	if _, err := lg.Append(ctx, models.TrackID{}, models.LedgerStatusError, "connection refused", env, ledger.Meta{}); err != nil {
		t.Fatalf("Append bare error: %v", err)
	}

	health, err := lg.HealthMetrics(ctx, env)
	if err != nil {
		t.Fatalf("HealthMetrics: %v", err)
	}
	if health.TotalLast24h != 3 {
		t.Fatalf("expected 3 distinct submissions, got %d", health.TotalLast24h)
	}
	if health.ErrorsLast24h != 3 {
		t.Fatalf("expected 3 errored submissions, got %d", health.ErrorsLast24h)
	}
	if !health.SuccessRate.IsZero() {
		t.Fatalf("expected zero success rate, got %s", health.SuccessRate)
	}
	if health.MostCommonError != "connection refused" {
		t.Fatalf("expected most common error, got %q", health.MostCommonError)
	}
}

func TestLedger_QueryPagination(t *testing.T) {
	ctx := context.Background()
	lg := ledger.New(storage.NewMemoryStore(), nil)
	env := models.EnvironmentCertification

	for i := 1; i <= 5; i++ {
		if _, err := lg.Append(ctx, models.TrackID{Value: "t-" + string(rune('0'+i))},
			models.LedgerStatusSent, "", env, ledger.Meta{}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, err := lg.QueryPaginated(ctx, models.LedgerQuery{Environment: env, Limit: 2, Page: 1})
	if err != nil {
		t.Fatalf("QueryPaginated: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || len(page.Rows) != 2 {
		t.Fatalf("unexpected page shape: total=%d pages=%d rows=%d", page.Total, page.Pages, len(page.Rows))
	}
	// newest first
	if page.Rows[0].TrackId != "t-5" {
		t.Fatalf("expected newest row first, got %q", page.Rows[0].TrackId)
	}

	last, err := lg.QueryPaginated(ctx, models.LedgerQuery{Environment: env, Limit: 2, Page: 3})
	if err != nil {
		t.Fatalf("QueryPaginated page 3: %v", err)
	}
	if len(last.Rows) != 1 || last.Rows[0].TrackId != "t-1" {
		t.Fatalf("expected oldest row alone on the last page, got %+v", last.Rows)
	}
}
