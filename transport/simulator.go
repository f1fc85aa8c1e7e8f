package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mmdatafocus/dte_backend/models"
)

// Simulator is the local delivery mode used in development and tests. It
// accepts everything and hands back simulated track ids; the simulated kind
// travels with the id so nothing downstream has to guess from string shape.
type Simulator struct {
	mu     sync.Mutex
	sent   map[string]models.DeliveryPayload
	Fail   error // when set, Send returns it instead of succeeding
}

func NewSimulator() *Simulator {
	return &Simulator{sent: make(map[string]models.DeliveryPayload)}
}

func (s *Simulator) Send(ctx context.Context, kind models.JobKind, payload models.DeliveryPayload, credential []byte) (models.TrackID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return models.TrackID{}, s.Fail
	}
	id := uuid.NewString()
	s.sent[id] = payload
	return models.TrackID{Value: id, Kind: models.TrackKindSimulated}, nil
}

func (s *Simulator) QueryStatus(ctx context.Context, trackId string) (DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sent[trackId]; ok {
		return StatusAccepted, nil
	}
	return StatusUnknown, nil
}

// Sent exposes what the simulator delivered, for assertions.
func (s *Simulator) Sent() []models.DeliveryPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeliveryPayload, 0, len(s.sent))
	for _, p := range s.sent {
		out = append(out, p)
	}
	return out
}
