package models

import (
	"time"
)

// FolioWatermark is the highest folio confirmed consumed for a
// (document type, environment) pair. Advanced only after confirmed delivery,
// never on allocation.
type FolioWatermark struct {
	DocumentType DocumentType `gorm:"primaryKey;autoIncrement:false" json:"document_type"`
	Environment  Environment  `gorm:"primaryKey;type:enum('production','certification')" json:"environment"`
	LastFolio    int64        `gorm:"not null;default:0" json:"last_folio"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
