package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one row of the delivery ledger. Append-only by convention.
// LineageId is the canonical track id for the (document type, folio) lineage:
// when a later row arrives for a pair whose earliest row already carries a
// concrete track id, the new row aliases it through LineageId instead of
// rewriting history.
type LedgerEntry struct {
	ID           int          `gorm:"primary_key" json:"id"`
	TrackId      string       `gorm:"index;size:100" json:"track_id"`
	TrackKind    TrackKind    `gorm:"size:20;not null;default:'live'" json:"track_kind"`
	LineageId    string       `gorm:"index;size:100" json:"lineage_id"`
	Status       LedgerStatus `gorm:"type:enum('queued','sent','accepted','rejected','error','info');not null" json:"status"`
	RawResponse  string       `gorm:"type:text" json:"raw_response"`
	Environment  Environment  `gorm:"index;type:enum('production','certification');not null" json:"environment"`
	DocumentType DocumentType `gorm:"index:idx_ledger_type_folio;default:0" json:"document_type"`
	Folio        int64        `gorm:"index:idx_ledger_type_folio;default:0" json:"folio"`
	CreatedAt    time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
}

// CanonicalTrackId resolves to the lineage id when the row has been aliased.
func (e LedgerEntry) CanonicalTrackId() string {
	if e.LineageId != "" {
		return e.LineageId
	}
	return e.TrackId
}

// LedgerQuery filters a paginated ledger read. Zero values mean "any".
type LedgerQuery struct {
	Status       LedgerStatus `json:"status"`
	Environment  Environment  `json:"environment"`
	DocumentType DocumentType `json:"document_type"`
	DateFrom     *time.Time   `json:"date_from"`
	DateTo       *time.Time   `json:"date_to"`
	Page         int          `json:"page"`
	Limit        int          `json:"limit"`
}

type LedgerPage struct {
	Rows  []LedgerEntry `json:"rows"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Pages int           `json:"pages"`
}

// LedgerHealth aggregates the last 24 hours by distinct track lineage, not raw
// row count: one submission produces several rows over its lifetime.
type LedgerHealth struct {
	SuccessRate     decimal.Decimal `json:"success_rate"`
	TotalLast24h    int64           `json:"total_last_24h"`
	ErrorsLast24h   int64           `json:"errors_last_24h"`
	MostCommonError string          `json:"most_common_error"`
	AvgQueueMinutes decimal.Decimal `json:"avg_queue_minutes"`
}
