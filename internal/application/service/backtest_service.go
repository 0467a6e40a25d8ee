package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// DefaultLookback 回测开始前额外加载的数据，保证第一步就能查到各交易所最近一次费率
const DefaultLookback = 24 * time.Hour

// BacktestDeps 回测依赖；Ledger / Events / Sink 可为空
type BacktestDeps struct {
	Funding          port.FundingRepository
	Ledger           port.LedgerRepository
	Events           port.EventPublisher
	Sink             port.Sink
	Executor         domainservice.LegExecutor
	Marks            domainservice.MarkSource
	Fees             *domainservice.FeeModel
	Strategy         domainservice.StrategyConfig
	PropagationDelay time.Duration
	Exchanges        []string // 为空表示使用数据中出现的全部交易所
}

// BacktestRequest 回测区间与步长
type BacktestRequest struct {
	Start    time.Time
	End      time.Time
	Step     time.Duration
	Lookback time.Duration
}

func (r BacktestRequest) validate() error {
	switch {
	case r.Start.IsZero() || r.End.IsZero():
		return fmt.Errorf("%w: backtest start and end are required", model.ErrInvalidConfiguration)
	case !r.End.After(r.Start):
		return fmt.Errorf("%w: backtest end %s is not after start %s", model.ErrInvalidConfiguration,
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	case r.Step <= 0:
		return fmt.Errorf("%w: backtest step must be > 0", model.ErrInvalidConfiguration)
	}
	return nil
}

// BacktestResult 回测结果
type BacktestResult struct {
	Summary   model.BacktestSummary
	Positions []model.ArbitragePosition
	Decisions []model.Decision
	Data      domainservice.StoreSummary
}

// BacktestService 按固定步长推进时间，驱动持仓状态机
type BacktestService struct {
	deps BacktestDeps
}

func NewBacktestService(deps BacktestDeps) *BacktestService {
	return &BacktestService{deps: deps}
}

// Run 预加载数据 -> 冻结存储 -> 逐步推进 -> 结束时清算未平持仓
// 上下文取消时停止推进，已开持仓仍会通过 Finalize 写入台账
func (s *BacktestService) Run(ctx context.Context, req BacktestRequest) (*BacktestResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.deps.Funding == nil || s.deps.Executor == nil || s.deps.Fees == nil {
		return nil, fmt.Errorf("%w: backtest needs funding repository, executor and fee model", model.ErrInvalidConfiguration)
	}
	if req.Lookback <= 0 {
		req.Lookback = DefaultLookback
	}
	req.Start, req.End = req.Start.UTC(), req.End.UTC()

	cfg := s.deps.Strategy
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	store, err := s.preload(ctx, req, cfg.Instruments)
	if err != nil {
		return nil, err
	}
	if err := s.checkFees(store, cfg.Instruments); err != nil {
		return nil, err
	}

	clock, err := domainservice.NewExecutionClock(s.deps.PropagationDelay)
	if err != nil {
		return nil, err
	}
	pm, err := domainservice.NewPositionManager(domainservice.PositionManagerDeps{
		Config:   cfg,
		Store:    store,
		Spreads:  domainservice.NewSpreadEngine(store, s.deps.Exchanges...),
		Clock:    clock,
		Fees:     s.deps.Fees,
		Executor: s.deps.Executor,
		Marks:    s.deps.Marks,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("run", cfg.RunID).
		Time("start", req.Start).
		Time("end", req.End).
		Dur("step", req.Step).
		Dur("delay", clock.Delay()).
		Strs("instruments", cfg.Instruments).
		Int("observations", store.Len()).
		Msg("backtest started")

	steps := 0
	last := req.Start
	for now := req.Start; !now.After(req.End); now = now.Add(req.Step) {
		if ctx.Err() != nil {
			log.Warn().Time("at", now).Msg("backtest cancelled, finalizing")
			break
		}
		rep, err := pm.OnTimeStep(ctx, now)
		steps++
		last = now
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Time("at", now).Msg("backtest cancelled, finalizing")
				break
			}
			log.Error().Err(err).Time("at", now).Msg("step error")
		}
		s.persistStep(ctx, rep)
		s.progress(now, pm)
	}

	// 外部 ctx 可能已取消，落库使用独立的超时上下文
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, pos := range pm.Finalize(last) {
		s.persist(flushCtx, pos)
	}

	res := &BacktestResult{
		Positions: pm.ClosedPositions(),
		Decisions: pm.Decisions(),
		Data:      store.Summary(2 * time.Hour),
	}
	res.Summary = Summarize(cfg.RunID, req.Start, last, steps, pm.Opened(), res.Positions)
	res.Summary.ObservationCnt = store.Len()

	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.SaveSummary(flushCtx, &res.Summary); err != nil {
			log.Error().Err(err).Str("run", cfg.RunID).Msg("save backtest summary failed")
		}
	}
	s.report(res)

	log.Info().
		Str("run", cfg.RunID).
		Int("steps", steps).
		Int("opened", res.Summary.Opened).
		Int("closed", res.Summary.Closed).
		Int("failed", res.Summary.Failed).
		Str("realized", res.Summary.TotalRealized.StringFixed(4)).
		Msg("backtest finished")

	return res, ctx.Err()
}

func (s *BacktestService) preload(ctx context.Context, req BacktestRequest, instruments []string) (*domainservice.FundingStore, error) {
	obs, err := s.deps.Funding.LoadObservations(ctx, port.FundingQuery{
		Exchanges:   s.deps.Exchanges,
		Instruments: instruments,
		Start:       req.Start.Add(-req.Lookback),
		End:         req.End,
	})
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	store := domainservice.NewFundingStore()
	if _, err := store.BulkLoad(obs, true); err != nil {
		return nil, fmt.Errorf("preload store: %w", err)
	}
	store.Freeze()

	if store.Len() == 0 {
		log.Warn().Strs("instruments", instruments).Msg("no funding observations in backtest window")
	}
	return store, nil
}

// checkFees 数据中出现的每个交易所都必须有费率表
func (s *BacktestService) checkFees(store *domainservice.FundingStore, instruments []string) error {
	var missing []string
	seen := map[string]struct{}{}
	for _, inst := range instruments {
		for _, ex := range store.Exchanges(inst) {
			if _, ok := seen[ex]; ok {
				continue
			}
			seen[ex] = struct{}{}
			if !s.allowed(ex) {
				continue
			}
			if !s.deps.Fees.Knows(ex) {
				missing = append(missing, ex)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("no fee schedule for %s: %w", strings.Join(missing, ", "), model.ErrUnknownExchange)
	}
	return nil
}

func (s *BacktestService) allowed(ex string) bool {
	if len(s.deps.Exchanges) == 0 {
		return true
	}
	for _, a := range s.deps.Exchanges {
		if model.NormalizeExchange(a) == ex {
			return true
		}
	}
	return false
}

func (s *BacktestService) persistStep(ctx context.Context, rep *domainservice.StepReport) {
	if rep == nil {
		return
	}
	for _, pos := range rep.Opened {
		s.publish(ctx, pos)
	}
	for _, pos := range rep.Terminal {
		s.persist(ctx, pos)
	}
}

// persist 写入台账并推送事件；存储失败只记录日志，不中断回测
func (s *BacktestService) persist(ctx context.Context, pos model.ArbitragePosition) {
	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.SavePosition(ctx, &pos); err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("save position failed")
		}
	}
	s.publish(ctx, pos)
}

func (s *BacktestService) publish(ctx context.Context, pos model.ArbitragePosition) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.PublishPosition(ctx, &pos); err != nil {
		log.Warn().Err(err).Str("position", pos.ID).Msg("publish position event failed")
	}
}

func (s *BacktestService) progress(now time.Time, pm *domainservice.PositionManager) {
	if s.deps.Sink == nil {
		return
	}
	_ = s.deps.Sink.WriteLive(fmt.Sprintf("\r[FUNDARB] %s open=%d done=%d\033[K",
		now.Format("2006-01-02 15:04"), len(pm.OpenPositions()), len(pm.ClosedPositions())))
}

func (s *BacktestService) report(res *BacktestResult) {
	if s.deps.Sink == nil {
		return
	}
	_ = s.deps.Sink.NewLine()
	for _, line := range FormatSummary(res.Summary) {
		_ = s.deps.Sink.WriteLine(line)
	}
}

// Summarize 汇总台账
func Summarize(runID string, start, end time.Time, steps, opened int, positions []model.ArbitragePosition) model.BacktestSummary {
	sum := model.BacktestSummary{
		RunID:         runID,
		Start:         start,
		End:           end,
		Steps:         steps,
		Opened:        opened,
		ByExitReason:  make(map[model.ExitReason]int),
		TotalFunding:  decimal.Zero,
		TotalFees:     decimal.Zero,
		TotalRealized: decimal.Zero,
	}
	for _, p := range positions {
		switch p.Status {
		case model.StatusClosed:
			sum.Closed++
		case model.StatusFailed:
			sum.Failed++
		}
		if p.ExitReason != model.ExitNone {
			sum.ByExitReason[p.ExitReason]++
		}
		sum.TotalFunding = sum.TotalFunding.Add(p.FundingPnL)
		sum.TotalFees = sum.TotalFees.Add(p.FeesPaid)
		sum.TotalRealized = sum.TotalRealized.Add(p.RealizedPnL)
		for _, leg := range p.Legs() {
			if leg.IsExposed() {
				sum.StrandedLegs++
			}
		}
	}
	return sum
}

// FormatSummary 控制台输出
func FormatSummary(sum model.BacktestSummary) []string {
	lines := []string{
		fmt.Sprintf("run %s  %s -> %s  steps=%d observations=%d",
			sum.RunID, sum.Start.Format(time.RFC3339), sum.End.Format(time.RFC3339), sum.Steps, sum.ObservationCnt),
		fmt.Sprintf("positions opened=%d closed=%d failed=%d stranded_legs=%d",
			sum.Opened, sum.Closed, sum.Failed, sum.StrandedLegs),
	}

	reasons := make([]string, 0, len(sum.ByExitReason))
	for r := range sum.ByExitReason {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		lines = append(lines, fmt.Sprintf("  exit %-16s %d", r, sum.ByExitReason[model.ExitReason(r)]))
	}

	lines = append(lines, fmt.Sprintf("funding=%s fees=%s realized=%s",
		sum.TotalFunding.StringFixed(4), sum.TotalFees.StringFixed(4), sum.TotalRealized.StringFixed(4)))
	return lines
}
