package service

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/application/port"
	domainservice "fundarb/internal/domain/service"
)

// DefaultMaxGap 超过该间隔视为数据缺口
const DefaultMaxGap = 2 * time.Hour

// SummarizeData 统计仓库中资金费率数据的覆盖度与缺口
func SummarizeData(ctx context.Context, repo port.FundingRepository, q port.FundingQuery, maxGap time.Duration) (domainservice.StoreSummary, error) {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	obs, err := repo.LoadObservations(ctx, q)
	if err != nil {
		return domainservice.StoreSummary{}, fmt.Errorf("load observations: %w", err)
	}
	store := domainservice.NewFundingStore()
	if _, err := store.BulkLoad(obs, true); err != nil {
		return domainservice.StoreSummary{}, err
	}
	return store.Summary(maxGap), nil
}

// FormatDataSummary 控制台输出
func FormatDataSummary(sum domainservice.StoreSummary) []string {
	if sum.Observations == 0 {
		return []string{"no funding observations"}
	}
	lines := []string{
		fmt.Sprintf("observations=%d exchanges=%v instruments=%d completeness=%.1f%%",
			sum.Observations, sum.Exchanges, len(sum.Instruments), sum.Completeness*100),
		fmt.Sprintf("range %s -> %s", sum.Start.Format(time.RFC3339), sum.End.Format(time.RFC3339)),
	}
	for _, c := range sum.Coverage {
		lines = append(lines, fmt.Sprintf("  %-10s %-8s %6d  %s -> %s",
			c.Exchange, c.Instrument, c.Count, c.First.Format(time.RFC3339), c.Last.Format(time.RFC3339)))
	}
	if len(sum.Gaps) > 0 {
		lines = append(lines, fmt.Sprintf("gaps: %d", len(sum.Gaps)))
		for _, g := range sum.Gaps {
			lines = append(lines, fmt.Sprintf("  %-10s %-8s %s -> %s (%s)",
				g.Exchange, g.Instrument, g.From.Format(time.RFC3339), g.To.Format(time.RFC3339), g.To.Sub(g.From)))
		}
	}
	return lines
}
