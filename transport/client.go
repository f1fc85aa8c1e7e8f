package transport

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/dte_backend/models"
)

// DeliveryStatus is the authority's answer to a status query.
type DeliveryStatus string

const (
	StatusProcessing DeliveryStatus = "processing"
	StatusAccepted   DeliveryStatus = "accepted"
	StatusRejected   DeliveryStatus = "rejected"
	StatusUnknown    DeliveryStatus = "unknown"
)

// Client is the boundary to the tax authority. Send submits one document and
// returns the acknowledgement track id; QueryStatus polls a prior submission.
// Send performs no internal retries: the delivery queue owns the retry policy.
type Client interface {
	Send(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload, credential []byte) (models.TrackID, error)
	QueryStatus(ctx context.Context, trackId string) (DeliveryStatus, error)
}

// TransportError covers network failures, timeouts and 5xx responses.
// Retryable through the queue's backoff schedule.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectionError is a 4xx-equivalent business rejection. Terminal: retrying
// the same submission cannot succeed.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("authority rejected submission (%d): %s", e.StatusCode, e.Body)
}
