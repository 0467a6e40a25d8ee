package monitor

import (
	"context"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type noopRepo struct{}

// NewNoopRepo is used when no storage backend is enabled.
func NewNoopRepo() port.FundingRepository { return &noopRepo{} }

func (n *noopRepo) SaveObservations(ctx context.Context, obs []model.FundingObservation) (int, error) {
	return 0, nil
}

func (n *noopRepo) LoadObservations(ctx context.Context, q port.FundingQuery) ([]model.FundingObservation, error) {
	return nil, nil
}
