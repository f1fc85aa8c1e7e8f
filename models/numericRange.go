package models

import (
	"time"
)

// NumericRange is one authorized folio interval for a document type.
// End is stored exclusive: the last usable folio is End-1.
type NumericRange struct {
	ID             int          `gorm:"primary_key" json:"id"`
	DocumentType   DocumentType `gorm:"index:idx_ranges_type_env_start;not null" json:"document_type" binding:"required"`
	Environment    Environment  `gorm:"index:idx_ranges_type_env_start;type:enum('production','certification');not null" json:"environment" binding:"required"`
	Start          int64        `gorm:"index:idx_ranges_type_env_start;not null" json:"start" binding:"required"`
	End            int64        `gorm:"not null" json:"end" binding:"required"`
	Credential     []byte       `gorm:"type:mediumblob" json:"-"`
	CredentialFile string       `gorm:"size:255" json:"credential_file"`
	CreatedAt      time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// Contains reports whether folio falls inside [Start, End).
func (r NumericRange) Contains(folio int64) bool {
	return folio >= r.Start && folio < r.End
}

// Overlaps reports whether [Start,End) intersects [start,end).
func (r NumericRange) Overlaps(start, end int64) bool {
	return max64(r.Start, start) < min64(r.End, end)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// NewNumericRange is the operator upload input. End arrives inclusive (the
// way authorization documents state it) and is converted on create.
type NewNumericRange struct {
	DocumentType int    `json:"document_type" validate:"required,gt=0"`
	Environment  string `json:"environment" validate:"required,oneof=production certification test"`
	Start        int64  `json:"start" validate:"required,gt=0"`
	End          int64  `json:"end" validate:"required,gt=0"`
}
