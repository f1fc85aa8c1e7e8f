package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryJob is one pending submission. AvailableAt gates visibility to the
// processor, which doubles as the retry schedule: a rescheduled job is just a
// job whose AvailableAt moved into the future.
type DeliveryJob struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Kind        JobKind   `gorm:"size:50;not null" json:"kind"`
	Payload     []byte    `gorm:"type:mediumblob" json:"payload"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	AvailableAt time.Time `gorm:"index;not null" json:"available_at"`
}

// DeliveryPayload is the structured blob carried by a job. FileRef points at
// the document the engine rendered; DocumentType/Folio tie the job back to the
// allocator and the ledger once processed.
type DeliveryPayload struct {
	DocumentType DocumentType `json:"document_type"`
	Folio        int64        `json:"folio"`
	Environment  Environment  `json:"environment"`
	FileRef      string       `json:"file_ref"`
	Reference    string       `json:"reference"`
}

func (p DeliveryPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func (j DeliveryJob) DecodePayload() (DeliveryPayload, error) {
	var p DeliveryPayload
	err := json.Unmarshal(j.Payload, &p)
	return p, err
}

// QueueStats is a monitoring snapshot, not a trigger for automatic action.
type QueueStats struct {
	Total       int64           `json:"total"`
	Pending     int64           `json:"pending"`
	Failed      int64           `json:"failed"`
	OldJobs     int64           `json:"old_jobs"`
	AvgAttempts decimal.Decimal `json:"avg_attempts"`
}
