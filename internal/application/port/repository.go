package port

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
)

// FundingQuery 读取资金费率的过滤条件，空字段表示不限制
type FundingQuery struct {
	Exchanges   []string
	Instruments []string
	Start       time.Time
	End         time.Time
}

// FundingRepository 资金费率历史存储
type FundingRepository interface {
	// SaveObservations upserts by (exchange, instrument, timestamp) and returns rows written.
	SaveObservations(ctx context.Context, obs []model.FundingObservation) (int, error)
	// LoadObservations returns matching rows ordered by timestamp.
	LoadObservations(ctx context.Context, q FundingQuery) ([]model.FundingObservation, error)
}

// LedgerRepository 回测台账
type LedgerRepository interface {
	SavePosition(ctx context.Context, pos *model.ArbitragePosition) error
	ListPositions(ctx context.Context, runID string) ([]model.ArbitragePosition, error)
	SaveSummary(ctx context.Context, sum *model.BacktestSummary) error
}

type Repository interface {
	FundingRepository
	LedgerRepository

	// Connection management
	Close() error
}
