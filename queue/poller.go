package queue

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/dte_backend/config"
	"github.com/mmdatafocus/dte_backend/ledger"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/transport"
	"github.com/sirupsen/logrus"
)

// StatusPoller follows up on submissions the authority acknowledged but has
// not yet resolved, appending the final verdict to the ledger.
type StatusPoller struct {
	ledger   *ledger.Ledger
	client   transport.Client
	env      models.Environment
	logger   *logrus.Logger
	Batch    int
	Interval time.Duration
}

func NewStatusPoller(lg *ledger.Ledger, client transport.Client, env models.Environment, logger *logrus.Logger) *StatusPoller {
	return &StatusPoller{
		ledger:   lg,
		client:   client,
		env:      env,
		logger:   logger,
		Batch:    25,
		Interval: 5 * time.Minute,
	}
}

func (sp *StatusPoller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := sp.PollOnce(ctx); err != nil && sp.logger != nil {
			config.LogError(sp.logger, "queue", "StatusPoller.Run", "poll", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sp.Interval):
		}
	}
}

// PollOnce queries every pending track id once. Returns how many lineages
// reached a final verdict.
func (sp *StatusPoller) PollOnce(ctx context.Context) (int, error) {
	trackIds, err := sp.ledger.PendingTrackIds(ctx, sp.Batch, sp.env)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range trackIds {
		if ctx.Err() != nil {
			break
		}
		status, err := sp.client.QueryStatus(ctx, id)
		if err != nil {
			var rejection *transport.RejectionError
			if errors.As(err, &rejection) {
				_, _ = sp.ledger.Append(ctx, models.TrackID{Value: id}, models.LedgerStatusRejected,
					err.Error(), sp.env, ledger.Meta{})
				resolved++
			}
			continue
		}
		switch status {
		case transport.StatusAccepted:
			_, _ = sp.ledger.Append(ctx, models.TrackID{Value: id}, models.LedgerStatusAccepted,
				string(status), sp.env, ledger.Meta{})
			resolved++
		case transport.StatusRejected:
			_, _ = sp.ledger.Append(ctx, models.TrackID{Value: id}, models.LedgerStatusRejected,
				string(status), sp.env, ledger.Meta{})
			resolved++
		}
	}
	return resolved, nil
}
