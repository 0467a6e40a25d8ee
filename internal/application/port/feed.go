package port

import (
	"context"
	"time"

	"fundarb/internal/domain/model"
)

// FundingSource REST 资金费率来源（每个交易所一个实现）
type FundingSource interface {
	Name() string
	// FetchHistory returns settled rates with start <= ts <= end.
	FetchHistory(ctx context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error)
	// FetchLatest returns the current rate for each instrument the venue lists.
	FetchLatest(ctx context.Context, instruments []string) ([]model.FundingObservation, error)
}

// FundingFeed 实时资金费率推送
type FundingFeed interface {
	Name() string
	Subscribe(ctx context.Context, instruments []string) (<-chan model.FundingObservation, error)
}
