package ledger

import (
	"context"
	"errors"

	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
	"github.com/sirupsen/logrus"
)

// ErrUnauditableEntry marks an append that was dropped: a sent/accepted row
// with neither a track id nor a resolvable (type, folio) pair could never be
// reconciled later and would only add noise.
var ErrUnauditableEntry = errors.New("ledger entry has no track id and no document reference")

// Meta ties a ledger row back to the document it belongs to.
type Meta struct {
	DocumentType models.DocumentType
	Folio        int64
}

func (m Meta) resolvable() bool {
	return m.DocumentType != 0 && m.Folio > 0
}

// Ledger is the append-oriented record of every delivery attempt. Rows are
// never rewritten; duplicate or simulated track ids for the same document are
// reconciled through LineageId aliasing at append time.
type Ledger struct {
	store  storage.Store
	logger *logrus.Logger
}

func New(store storage.Store, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

func (l *Ledger) Append(ctx context.Context, trackId models.TrackID, status models.LedgerStatus, rawResponse string, env models.Environment, meta Meta) (*models.LedgerEntry, error) {
	if !status.Valid() {
		return nil, errors.New("invalid ledger status")
	}
	if (status == models.LedgerStatusSent || status == models.LedgerStatusAccepted) &&
		trackId.IsZero() && !meta.resolvable() {
		if l.logger != nil {
			l.logger.WithFields(logrus.Fields{
				"status":      status,
				"environment": env,
			}).Warn("dropping unauditable ledger entry")
		}
		return nil, ErrUnauditableEntry
	}

	entry := models.LedgerEntry{
		TrackId:      trackId.Value,
		TrackKind:    trackId.Kind,
		Status:       status,
		RawResponse:  rawResponse,
		Environment:  env,
		DocumentType: meta.DocumentType,
		Folio:        meta.Folio,
	}
	if entry.TrackKind == "" {
		entry.TrackKind = models.TrackKindLive
	}

	// reconcile: the earliest concrete track id for the pair is the lineage
	if meta.resolvable() {
		first, err := l.store.FirstTrackIdForDocument(ctx, meta.DocumentType, meta.Folio, env)
		if err != nil {
			return nil, err
		}
		if first != "" && first != trackId.Value {
			entry.LineageId = first
		}
	}

	if _, err := l.store.AppendLedgerEntry(ctx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *Ledger) QueryPaginated(ctx context.Context, q models.LedgerQuery) (*models.LedgerPage, error) {
	return l.store.QueryLedger(ctx, q)
}

// PendingTrackIds lists track ids whose latest status is still in flight,
// for status polling against the authority.
func (l *Ledger) PendingTrackIds(ctx context.Context, limit int, env models.Environment) ([]string, error) {
	return l.store.PendingTrackIds(ctx, limit, env)
}

func (l *Ledger) HealthMetrics(ctx context.Context, env models.Environment) (*models.LedgerHealth, error) {
	return l.store.LedgerHealth(ctx, env)
}
