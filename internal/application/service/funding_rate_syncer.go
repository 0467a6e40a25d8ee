package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// SyncerDeps 资金费率同步器依赖；Cache / Archive 可为空
type SyncerDeps struct {
	Sources  []port.FundingSource
	Repo     port.FundingRepository
	Cache    port.LatestRateCache
	Archive  port.Archiver
	Interval time.Duration // 轮询间隔，默认 1 小时
	Limit    rate.Limit    // REST 请求速率（所有交易所共享），默认 5/s
	Burst    int
	Workers  int // 回填并发数
}

// FundingRateSyncer 资金费率同步器：定时快照、历史回填、按天归档
type FundingRateSyncer struct {
	deps    SyncerDeps
	limiter *rate.Limiter
}

// NewFundingRateSyncer 创建资金费率同步器
func NewFundingRateSyncer(deps SyncerDeps) *FundingRateSyncer {
	if deps.Interval <= 0 {
		deps.Interval = time.Hour // 默认1小时同步一次
	}
	if deps.Limit <= 0 {
		deps.Limit = 5
	}
	if deps.Burst <= 0 {
		deps.Burst = 1
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	return &FundingRateSyncer{
		deps:    deps,
		limiter: rate.NewLimiter(deps.Limit, deps.Burst),
	}
}

// Start 启动后台同步任务，首次立即同步
func (s *FundingRateSyncer) Start(ctx context.Context, instruments []string) error {
	if len(s.deps.Sources) == 0 {
		return errors.New("no funding sources")
	}
	if _, err := s.SyncOnce(ctx, instruments); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("initial funding sync incomplete")
	}

	go func() {
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.SyncOnce(ctx, instruments); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("funding sync incomplete")
				}
				s.ArchiveFinishedDays(ctx, last, now)
				last = now
			}
		}
	}()
	return nil
}

// ArchiveFinishedDays 归档 (last, now] 之间跨过零点而结束的每个 UTC 日
// 未配置归档时不做任何事；单日失败只记日志
func (s *FundingRateSyncer) ArchiveFinishedDays(ctx context.Context, last, now time.Time) []string {
	if s.deps.Archive == nil {
		return nil
	}
	var keys []string
	end := now.UTC().Truncate(24 * time.Hour)
	for day := last.UTC().Truncate(24 * time.Hour); day.Before(end); day = day.Add(24 * time.Hour) {
		key, err := s.ArchiveDay(ctx, day)
		if err != nil {
			log.Warn().Str("day", day.Format(time.DateOnly)).Err(err).Msg("archive funding day failed")
			continue
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// SyncOnce 并行向所有交易所拉取当前费率并落库
// 单个交易所失败不影响其他交易所，错误合并返回
func (s *FundingRateSyncer) SyncOnce(ctx context.Context, instruments []string) (int, error) {
	log.Debug().Int("sources", len(s.deps.Sources)).Msg("syncing funding rates")

	results := make([][]model.FundingObservation, len(s.deps.Sources))
	errs := make([]error, len(s.deps.Sources))

	var g errgroup.Group
	for i, src := range s.deps.Sources {
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return nil
			}
			obs, err := src.FetchLatest(ctx, instruments)
			if err != nil {
				log.Warn().Str("exchange", src.Name()).Err(err).Msg("failed to get funding rates")
				errs[i] = fmt.Errorf("%s: %w", src.Name(), err)
				return nil
			}
			results[i] = obs
			return nil
		})
	}
	_ = g.Wait()

	var all []model.FundingObservation
	for _, r := range results {
		all = append(all, r...)
	}
	n, err := s.store(ctx, all)
	if err != nil {
		errs = append(errs, err)
	}

	log.Info().Int("observations", len(all)).Int("written", n).Msg("synced funding rates")
	return n, errors.Join(errs...)
}

// Backfill 按时间窗口分块下载历史费率；chunk 为单次请求覆盖的时间跨度
func (s *FundingRateSyncer) Backfill(ctx context.Context, instruments []string, start, end time.Time, chunk time.Duration) (int, error) {
	if !end.After(start) {
		return 0, fmt.Errorf("%w: backfill end %s is not after start %s", model.ErrInvalidConfiguration,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if chunk <= 0 {
		chunk = 7 * 24 * time.Hour
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.Workers)

	for _, src := range s.deps.Sources {
		for _, inst := range instruments {
			g.Go(func() error {
				n, err := s.backfillOne(gctx, src, inst, start, end, chunk)
				total.Add(int64(n))
				if err != nil {
					return fmt.Errorf("backfill %s %s: %w", src.Name(), inst, err)
				}
				return nil
			})
		}
	}
	err := g.Wait()
	return int(total.Load()), err
}

func (s *FundingRateSyncer) backfillOne(ctx context.Context, src port.FundingSource, inst string, start, end time.Time, chunk time.Duration) (int, error) {
	written := 0
	for from := start; from.Before(end); from = from.Add(chunk) {
		to := from.Add(chunk)
		if to.After(end) {
			to = end
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return written, err
		}
		obs, err := src.FetchHistory(ctx, inst, from, to)
		if errors.Is(err, model.ErrNotFound) {
			// 该交易所未上线此币种
			log.Info().Str("exchange", src.Name()).Str("instrument", inst).Msg("instrument not listed, skipped")
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := s.deps.Repo.SaveObservations(ctx, obs)
		written += n
		if err != nil {
			return written, err
		}
		log.Debug().
			Str("exchange", src.Name()).
			Str("instrument", inst).
			Time("from", from).
			Time("to", to).
			Int("rows", n).
			Msg("backfilled chunk")
	}
	log.Info().Str("exchange", src.Name()).Str("instrument", inst).Int("rows", written).Msg("backfill done")
	return written, nil
}

// ArchiveDay 把某天（UTC）的全部记录写入归档
func (s *FundingRateSyncer) ArchiveDay(ctx context.Context, day time.Time) (string, error) {
	if s.deps.Archive == nil {
		return "", errors.New("no archive configured")
	}
	start := day.UTC().Truncate(24 * time.Hour)
	obs, err := s.deps.Repo.LoadObservations(ctx, port.FundingQuery{Start: start, End: start.Add(24*time.Hour - time.Nanosecond)})
	if err != nil {
		return "", fmt.Errorf("load day %s: %w", start.Format(time.DateOnly), err)
	}
	key, err := s.deps.Archive.ArchiveDay(ctx, start, obs)
	if err != nil {
		return "", err
	}
	log.Info().Str("key", key).Int("observations", len(obs)).Msg("archived funding day")
	return key, nil
}

func (s *FundingRateSyncer) store(ctx context.Context, obs []model.FundingObservation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	n, err := s.deps.Repo.SaveObservations(ctx, obs)
	if err != nil {
		return n, fmt.Errorf("save observations: %w", err)
	}
	if s.deps.Cache != nil {
		for _, o := range obs {
			if err := s.deps.Cache.UpsertLatest(ctx, o); err != nil {
				log.Warn().Str("exchange", o.Exchange).Str("instrument", o.Instrument).Err(err).Msg("cache latest rate failed")
			}
		}
	}
	return n, nil
}
