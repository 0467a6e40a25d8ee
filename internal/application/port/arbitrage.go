package port

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
)

// EventPublisher 持仓状态变化推送（开仓 / 平仓 / 失败）
type EventPublisher interface {
	PublishPosition(ctx context.Context, pos *model.ArbitragePosition) error
}

// LatestRateCache 各交易所最新资金费率缓存
type LatestRateCache interface {
	UpsertLatest(ctx context.Context, obs model.FundingObservation) error
}

// Archiver 按天归档资金费率快照
type Archiver interface {
	ArchiveDay(ctx context.Context, day time.Time, obs []model.FundingObservation) (string, error)
}
