package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// DocumentType is the authority's numeric code for a document class.
type DocumentType int

const (
	DocumentTypeInvoice       DocumentType = 33
	DocumentTypeExemptInvoice DocumentType = 34
	DocumentTypeReceipt       DocumentType = 39
	DocumentTypeExemptReceipt DocumentType = 41
	DocumentTypeDispatch      DocumentType = 52
	DocumentTypeDebitNote     DocumentType = 56
	DocumentTypeCreditNote    DocumentType = 61
)

type Environment string

const (
	EnvironmentProduction    Environment = "production"
	EnvironmentCertification Environment = "certification"
)

func (e Environment) Valid() bool {
	return e == EnvironmentProduction || e == EnvironmentCertification
}

func ParseEnvironment(s string) (Environment, error) {
	switch s {
	case "production":
		return EnvironmentProduction, nil
	case "certification", "test":
		return EnvironmentCertification, nil
	default:
		return "", fmt.Errorf("invalid environment %q", s)
	}
}

type LedgerStatus string

const (
	LedgerStatusQueued   LedgerStatus = "queued"
	LedgerStatusSent     LedgerStatus = "sent"
	LedgerStatusAccepted LedgerStatus = "accepted"
	LedgerStatusRejected LedgerStatus = "rejected"
	LedgerStatusError    LedgerStatus = "error"
	LedgerStatusInfo     LedgerStatus = "info"
)

func (s LedgerStatus) Valid() bool {
	switch s {
	case LedgerStatusQueued, LedgerStatusSent, LedgerStatusAccepted,
		LedgerStatusRejected, LedgerStatusError, LedgerStatusInfo:
		return true
	}
	return false
}

func (s LedgerStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, errors.New("invalid ledger status")
	}
	return string(s), nil
}

func (s *LedgerStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = LedgerStatus(v)
	case []byte:
		*s = LedgerStatus(v)
	default:
		return errors.New("invalid ledger status")
	}
	return nil
}

// TrackKind tags how a track id was produced. Simulated ids come from the
// local simulator, live ids from the authority; the kind travels with the id
// instead of being inferred from string prefixes.
type TrackKind string

const (
	TrackKindLive      TrackKind = "live"
	TrackKindSimulated TrackKind = "simulated"
)

// TrackID is an authority acknowledgement identifier plus its provenance.
type TrackID struct {
	Value string    `json:"value"`
	Kind  TrackKind `json:"kind"`
}

func (t TrackID) IsZero() bool {
	return t.Value == ""
}

type JobKind string

const (
	JobKindSendDocument JobKind = "send_document"
	JobKindSendEnvelope JobKind = "send_envelope"
)
