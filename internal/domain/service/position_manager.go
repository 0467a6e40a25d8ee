package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// IntentKind 下发给执行器的指令类型
type IntentKind string

const (
	IntentOpen   IntentKind = "open"
	IntentClose  IntentKind = "close"
	IntentUnwind IntentKind = "unwind"
)

// LegRequest 单腿开/平仓请求
type LegRequest struct {
	Kind       IntentKind
	PositionID string
	LegID      string
	Exchange   string
	Instrument string
	Side       model.Side
	Notional   decimal.Decimal
	Leverage   int
	At         time.Time // 当前步时间
	DecisionAt time.Time // 决策时间
}

// Fill 执行回报。Price 为零表示执行器不提供价格
type Fill struct {
	Price decimal.Decimal
	Maker bool
}

// LegExecutor 腿执行器接口（回测中由模拟撮合实现）
// 调用是同步的：返回 nil 表示成交确认，返回 error 表示被拒
type LegExecutor interface {
	RequestOpen(ctx context.Context, req LegRequest) (Fill, error)
	RequestClose(ctx context.Context, req LegRequest) (Fill, error)
}

// MarkSource 标记价格来源，仅 funding_and_price 止损口径需要
type MarkSource interface {
	MarkPrice(exchange, instrument string, t time.Time) (decimal.Decimal, error)
}

// StopLossBasis 止损计算口径
type StopLossBasis string

const (
	StopLossFundingOnly     StopLossBasis = "funding_only"
	StopLossFundingAndPrice StopLossBasis = "funding_and_price"
)

// StrategyConfig 策略参数
type StrategyConfig struct {
	RunID                string
	Instruments          []string
	EntryThreshold       decimal.Decimal // 小时价差
	AbsoluteExitSpread   decimal.Decimal // 小时价差
	CompressionExitRatio decimal.Decimal // 0..1
	MaxDuration          time.Duration
	MaxLossFraction      decimal.Decimal // 占两腿总名义价值的比例
	NotionalPerLeg       decimal.Decimal
	Leverage             int
	StopLossBasis        StopLossBasis
}

func (c StrategyConfig) Validate() error {
	var problems []string
	if len(c.Instruments) == 0 {
		problems = append(problems, "no instruments")
	}
	if !c.EntryThreshold.IsPositive() {
		problems = append(problems, "entry threshold must be > 0")
	}
	if c.AbsoluteExitSpread.IsNegative() {
		problems = append(problems, "absolute exit spread must be >= 0")
	}
	if c.CompressionExitRatio.IsNegative() || c.CompressionExitRatio.GreaterThan(decimal.NewFromInt(1)) {
		problems = append(problems, "compression exit ratio must be within [0, 1]")
	}
	if c.MaxDuration <= 0 {
		problems = append(problems, "max duration must be > 0")
	}
	if !c.MaxLossFraction.IsPositive() {
		problems = append(problems, "max loss fraction must be > 0")
	}
	if !c.NotionalPerLeg.IsPositive() {
		problems = append(problems, "notional per leg must be > 0")
	}
	if c.Leverage < 1 {
		problems = append(problems, "leverage must be >= 1")
	}
	switch c.StopLossBasis {
	case StopLossFundingOnly, StopLossFundingAndPrice:
	default:
		problems = append(problems, fmt.Sprintf("unknown stop loss basis %q", c.StopLossBasis))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// PositionManagerDeps 依赖注入
type PositionManagerDeps struct {
	Config   StrategyConfig
	Store    *FundingStore
	Spreads  *SpreadEngine
	Clock    *ExecutionClock
	Fees     *FeeModel
	Executor LegExecutor
	Marks    MarkSource // 可选
	NewID    func() string
}

// Intent 本步下发的一条指令及其结果
type Intent struct {
	LegRequest
	Accepted bool
	Error    string
}

// StepReport 单步处理结果
type StepReport struct {
	StepTime     time.Time
	DecisionTime time.Time
	Intents      []Intent
	Opened       []model.ArbitragePosition // 本步开仓成功
	Terminal     []model.ArbitragePosition // 本步进入 CLOSED / FAILED，已写入台账
	Skipped      map[string]error          // instrument -> 无法计算价差的原因
}

// PositionManager 资金费率套利持仓状态机
// 每个币种最多一个存活持仓；两条腿同开同平，单腿被拒时紧急平掉另一条腿
type PositionManager struct {
	mu sync.RWMutex

	cfg     StrategyConfig
	store   *FundingStore
	spreads *SpreadEngine
	clock   *ExecutionClock
	fees    *FeeModel
	exec    LegExecutor
	marks   MarkSource
	newID   func() string

	instruments []string
	live        map[string]*model.ArbitragePosition // instrument -> position
	ledger      []model.ArbitragePosition
	decisions   []model.Decision
	opened      int
}

func NewPositionManager(deps PositionManagerDeps) (*PositionManager, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Spreads == nil || deps.Clock == nil || deps.Fees == nil || deps.Executor == nil {
		return nil, fmt.Errorf("%w: position manager needs store, spreads, clock, fees and executor", model.ErrInvalidConfiguration)
	}
	if deps.Config.StopLossBasis == StopLossFundingAndPrice && deps.Marks == nil {
		return nil, fmt.Errorf("%w: stop loss basis %s needs a mark price source", model.ErrInvalidConfiguration, deps.Config.StopLossBasis)
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	seen := make(map[string]struct{}, len(deps.Config.Instruments))
	var instruments []string
	for _, inst := range deps.Config.Instruments {
		inst = model.NormalizeInstrument(inst)
		if _, dup := seen[inst]; dup || inst == "" {
			continue
		}
		seen[inst] = struct{}{}
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	return &PositionManager{
		cfg:         deps.Config,
		store:       deps.Store,
		spreads:     deps.Spreads,
		clock:       deps.Clock,
		fees:        deps.Fees,
		exec:        deps.Executor,
		marks:       deps.Marks,
		newID:       deps.NewID,
		instruments: instruments,
		live:        make(map[string]*model.ArbitragePosition),
	}, nil
}

func (m *PositionManager) Config() StrategyConfig { return m.cfg }

// OnTimeStep 推进一步：先处理存活持仓（计息、退出检查），再为空闲币种寻找开仓机会
// 返回的 error 汇总本步中无法处理的币种，不影响其他币种
func (m *PositionManager) OnTimeStep(ctx context.Context, now time.Time) (*StepReport, error) {
	decision := m.clock.Advance(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	report := &StepReport{StepTime: now, DecisionTime: decision}
	var errs []error
	exited := make(map[string]struct{})

	for _, inst := range m.liveInstruments() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		pos := m.live[inst]
		switch pos.Status {
		case model.StatusOpen:
			m.accrue(pos, now, decision)
			reason, spread, rates, detail := m.checkExit(pos, now, decision)
			if reason == model.ExitNone {
				continue
			}
			pos.Status = model.StatusPendingClose
			pos.ExitReason = reason
			pos.ExitSpread = spread
			m.decide(model.Decision{
				Action: "EXIT", Instrument: inst, PositionID: pos.ID, StepTime: now, DecisionTime: decision,
				Spread: spread, Rates: rates, Reason: fmt.Sprintf("%s: %s", reason, detail),
			})
			m.close(ctx, pos, now, decision, report)
			exited[inst] = struct{}{}
		case model.StatusPendingClose:
			m.close(ctx, pos, now, decision, report)
			exited[inst] = struct{}{}
		}
	}

	for _, inst := range m.instruments {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, busy := m.live[inst]; busy {
			continue
		}
		if _, ok := exited[inst]; ok {
			continue
		}

		q, err := m.spreads.BestSpread(inst, decision)
		if err != nil {
			if errors.Is(err, model.ErrNotAvailable) {
				if report.Skipped == nil {
					report.Skipped = make(map[string]error)
				}
				report.Skipped[inst] = err
				log.Debug().Str("instrument", inst).Err(err).Msg("spread not available")
				continue
			}
			errs = append(errs, err)
			continue
		}
		if q.Spread.LessThan(m.cfg.EntryThreshold) {
			continue
		}
		if err := m.open(ctx, q, now, decision, report); err != nil {
			errs = append(errs, err)
		}
	}

	return report, errors.Join(errs...)
}

func (m *PositionManager) liveInstruments() []string {
	out := make([]string, 0, len(m.live))
	for inst := range m.live {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// open 以较低费率的交易所做多、较高费率的交易所做空
// 先开多头腿，多头成交后再开空头腿
func (m *PositionManager) open(ctx context.Context, q model.SpreadQuote, now, decision time.Time, report *StepReport) error {
	longEx, shortEx := q.LongExchange(), q.ShortExchange()
	rates := map[string]decimal.Decimal{q.ExchangeA: q.RateA, q.ExchangeB: q.RateB}

	for _, ex := range []string{longEx, shortEx} {
		if !m.fees.Knows(ex) {
			m.decide(model.Decision{
				Action: "REJECT", Instrument: q.Instrument, StepTime: now, DecisionTime: decision,
				Spread: q.Spread, Rates: rates, Reason: "no fee schedule for " + ex,
			})
			return fmt.Errorf("open %s on %s/%s: %w", q.Instrument, longEx, shortEx, model.ErrUnknownExchange)
		}
	}

	pos := &model.ArbitragePosition{
		ID:                m.newID(),
		RunID:             m.cfg.RunID,
		Instrument:        q.Instrument,
		Long:              model.Leg{ID: m.newID(), Exchange: longEx, Side: model.SideLong, State: model.LegPending},
		Short:             model.Leg{ID: m.newID(), Exchange: shortEx, Side: model.SideShort, State: model.LegPending},
		Status:            model.StatusPendingOpen,
		EntryTime:         now,
		EntryDecisionTime: decision,
		EntrySpread:       q.Spread,
		NotionalPerLeg:    m.cfg.NotionalPerLeg,
		Leverage:          m.cfg.Leverage,
		LastAccrual:       now,
	}
	m.live[pos.Instrument] = pos
	m.decide(model.Decision{
		Action: "ENTER", Instrument: pos.Instrument, PositionID: pos.ID, StepTime: now, DecisionTime: decision,
		Spread: q.Spread, Rates: rates,
		Reason: fmt.Sprintf("spread %s >= threshold %s", q.Spread, m.cfg.EntryThreshold),
	})

	fill, err := m.send(ctx, IntentOpen, pos, &pos.Long, now, decision, report)
	if err != nil {
		pos.Long.State = model.LegRejected
		m.fail(pos, now, "long leg open rejected: "+err.Error())
		report.Terminal = append(report.Terminal, pos.Clone())
		return nil
	}
	m.legOpened(&pos.Long, fill, now)

	fill, err = m.send(ctx, IntentOpen, pos, &pos.Short, now, decision, report)
	if err != nil {
		pos.Short.State = model.LegRejected
		m.unwind(ctx, pos, &pos.Long, now, decision, "short leg open rejected", report)
		m.fail(pos, now, "short leg open rejected: "+err.Error())
		report.Terminal = append(report.Terminal, pos.Clone())
		return nil
	}
	m.legOpened(&pos.Short, fill, now)

	pos.Status = model.StatusOpen
	m.opened++
	report.Opened = append(report.Opened, pos.Clone())

	log.Info().
		Str("position", pos.ID).
		Str("instrument", pos.Instrument).
		Str("long", longEx).
		Str("short", shortEx).
		Str("spread", q.Spread.String()).
		Time("at", now).
		Msg("arbitrage position opened")
	return nil
}

// close 两条腿在同一步下发平仓；任一被拒则紧急平掉其余腿并标记 FAILED
func (m *PositionManager) close(ctx context.Context, pos *model.ArbitragePosition, now, decision time.Time, report *StepReport) {
	var rejected []*model.Leg
	var reasons []string
	for _, leg := range pos.Legs() {
		if !leg.IsExposed() {
			continue
		}
		fill, err := m.send(ctx, IntentClose, pos, leg, now, decision, report)
		if err != nil {
			rejected = append(rejected, leg)
			reasons = append(reasons, fmt.Sprintf("%s %s: %v", leg.Exchange, leg.Side, err))
			continue
		}
		m.legClosed(leg, fill, now)
	}

	if len(rejected) == 0 {
		pos.Status = model.StatusClosed
		pos.ExitTime = now
		m.settle(pos)
		m.retire(pos)
		report.Terminal = append(report.Terminal, pos.Clone())
		log.Info().
			Str("position", pos.ID).
			Str("instrument", pos.Instrument).
			Str("reason", string(pos.ExitReason)).
			Str("funding", pos.FundingPnL.StringFixed(6)).
			Str("fees", pos.FeesPaid.StringFixed(6)).
			Str("realized", pos.RealizedPnL.StringFixed(6)).
			Dur("held", pos.Age(now)).
			Msg("arbitrage position closed")
		return
	}

	for _, leg := range rejected {
		m.unwind(ctx, pos, leg, now, decision, "close rejected", report)
	}
	m.fail(pos, now, "close rejected: "+strings.Join(reasons, "; "))
	report.Terminal = append(report.Terminal, pos.Clone())
}

func (m *PositionManager) send(ctx context.Context, kind IntentKind, pos *model.ArbitragePosition, leg *model.Leg, now, decision time.Time, report *StepReport) (Fill, error) {
	req := LegRequest{
		Kind:       kind,
		PositionID: pos.ID,
		LegID:      leg.ID,
		Exchange:   leg.Exchange,
		Instrument: pos.Instrument,
		Side:       leg.Side,
		Notional:   pos.NotionalPerLeg,
		Leverage:   pos.Leverage,
		At:         now,
		DecisionAt: decision,
	}

	var (
		fill Fill
		err  error
	)
	if kind == IntentOpen {
		fill, err = m.exec.RequestOpen(ctx, req)
	} else {
		fill, err = m.exec.RequestClose(ctx, req)
	}

	in := Intent{LegRequest: req, Accepted: err == nil}
	if err != nil {
		in.Error = err.Error()
		log.Warn().
			Str("position", pos.ID).
			Str("instrument", pos.Instrument).
			Str("exchange", leg.Exchange).
			Str("side", string(leg.Side)).
			Str("intent", string(kind)).
			Err(err).
			Msg("leg request rejected")
	}
	report.Intents = append(report.Intents, in)
	return fill, err
}

// unwind 紧急平掉单腿；失败时腿保持暴露，记录在 Unwinds 中
func (m *PositionManager) unwind(ctx context.Context, pos *model.ArbitragePosition, leg *model.Leg, now, decision time.Time, reason string, report *StepReport) {
	rec := model.UnwindRecord{
		LegID:     leg.ID,
		Exchange:  leg.Exchange,
		Side:      leg.Side,
		At:        now,
		Attempted: true,
		Reason:    reason,
	}
	// 取消信号不能阻止紧急平仓，否则腿会留在暴露状态
	fill, err := m.send(context.WithoutCancel(ctx), IntentUnwind, pos, leg, now, decision, report)
	if err != nil {
		rec.Error = err.Error()
		log.Error().
			Str("position", pos.ID).
			Str("instrument", pos.Instrument).
			Str("exchange", leg.Exchange).
			Str("side", string(leg.Side)).
			Err(err).
			Msg("emergency unwind failed, leg left exposed")
	} else {
		rec.Succeeded = true
		m.legClosed(leg, fill, now)
	}
	pos.Unwinds = append(pos.Unwinds, rec)
}

func (m *PositionManager) legOpened(leg *model.Leg, fill Fill, now time.Time) {
	leg.State = model.LegOpen
	leg.OpenedAt = now
	leg.EntryPrice = fill.Price
	leg.OpenFee = m.fee(leg.Exchange, fill.Maker)
}

func (m *PositionManager) legClosed(leg *model.Leg, fill Fill, now time.Time) {
	leg.State = model.LegClosed
	leg.ClosedAt = now
	leg.ExitPrice = fill.Price
	leg.CloseFee = m.fee(leg.Exchange, fill.Maker)
}

// fee 开仓前已检查过交易所在费率表中
func (m *PositionManager) fee(exchange string, maker bool) decimal.Decimal {
	f, err := m.fees.Fee(exchange, maker, m.cfg.NotionalPerLeg)
	if err != nil {
		log.Error().Str("exchange", exchange).Err(err).Msg("fee lookup failed")
		return decimal.Zero
	}
	return f
}

// accrue 按上一步以来的秒数计提资金费：费率为正时多头支付、空头收取
func (m *PositionManager) accrue(pos *model.ArbitragePosition, now, decision time.Time) {
	secs := int64(now.Sub(pos.LastAccrual) / time.Second)
	if secs <= 0 {
		return
	}
	for _, leg := range pos.Legs() {
		if !leg.IsExposed() {
			continue
		}
		obs, err := m.store.QueryAsOf(leg.Exchange, pos.Instrument, decision)
		if err != nil {
			log.Debug().Str("instrument", pos.Instrument).Str("exchange", leg.Exchange).Err(err).Msg("no rate to accrue")
			continue
		}
		payment := obs.Rate.
			Mul(pos.NotionalPerLeg).
			Mul(decimal.NewFromInt(secs)).
			Div(decimal.NewFromInt(obs.IntervalSeconds)).
			Mul(leg.Side.Sign()).
			Neg()
		leg.FundingAccrued = leg.FundingAccrued.Add(payment)
	}
	pos.FundingPnL = pos.Long.FundingAccrued.Add(pos.Short.FundingAccrued)
	pos.LastAccrual = now
}

// checkExit 按固定优先级检查退出条件：最低价差 > 压缩 > 最长持仓 > 止损
// 数据缺失时跳过价差类检查，时长与止损仍然生效
func (m *PositionManager) checkExit(pos *model.ArbitragePosition, now, decision time.Time) (model.ExitReason, decimal.Decimal, map[string]decimal.Decimal, string) {
	spread, rates, err := m.spreads.PairSpread(pos.Instrument, pos.LongExchange(), pos.ShortExchange(), decision)
	haveSpread := err == nil

	if haveSpread {
		if spread.LessThanOrEqual(m.cfg.AbsoluteExitSpread) {
			return model.ExitAbsoluteSpread, spread, rates,
				fmt.Sprintf("spread %s <= floor %s", spread, m.cfg.AbsoluteExitSpread)
		}
		target := pos.EntrySpread.Mul(decimal.NewFromInt(1).Sub(m.cfg.CompressionExitRatio))
		if spread.LessThanOrEqual(target) {
			return model.ExitCompression, spread, rates,
				fmt.Sprintf("spread %s <= %s (entry %s)", spread, target, pos.EntrySpread)
		}
	}

	if age := pos.Age(now); age >= m.cfg.MaxDuration {
		return model.ExitMaxDuration, spread, rates, fmt.Sprintf("held %s >= %s", age, m.cfg.MaxDuration)
	}

	pnl := m.unrealized(pos, decision)
	limit := m.cfg.MaxLossFraction.Mul(pos.GrossNotional())
	if pnl.LessThan(limit.Neg()) {
		return model.ExitStopLoss, spread, rates, fmt.Sprintf("unrealized %s < -%s", pnl.StringFixed(6), limit)
	}
	return model.ExitNone, spread, rates, ""
}

// unrealized 未实现盈亏 = 已计资金费 - 已付开仓费 (+ 按标记价格的价差盈亏)
func (m *PositionManager) unrealized(pos *model.ArbitragePosition, decision time.Time) decimal.Decimal {
	pnl := pos.FundingPnL.Sub(pos.Long.OpenFee).Sub(pos.Short.OpenFee)
	if m.cfg.StopLossBasis != StopLossFundingAndPrice || m.marks == nil {
		return pnl
	}
	for _, leg := range pos.Legs() {
		if !leg.IsExposed() || !leg.EntryPrice.IsPositive() {
			continue
		}
		mark, err := m.marks.MarkPrice(leg.Exchange, pos.Instrument, decision)
		if err != nil || !mark.IsPositive() {
			continue
		}
		pnl = pnl.Add(legPricePnL(leg, mark, pos.NotionalPerLeg))
	}
	return pnl
}

func legPricePnL(leg *model.Leg, price, notional decimal.Decimal) decimal.Decimal {
	return price.Sub(leg.EntryPrice).Div(leg.EntryPrice).Mul(notional).Mul(leg.Side.Sign())
}

// settle 汇总手续费与盈亏；RealizedPnL 只含资金费与手续费，价格盈亏单独记录
func (m *PositionManager) settle(pos *model.ArbitragePosition) {
	fees := decimal.Zero
	price := decimal.Zero
	for _, leg := range pos.Legs() {
		fees = fees.Add(leg.OpenFee).Add(leg.CloseFee)
		if leg.EntryPrice.IsPositive() && leg.ExitPrice.IsPositive() {
			price = price.Add(legPricePnL(leg, leg.ExitPrice, pos.NotionalPerLeg))
		}
	}
	pos.FeesPaid = fees
	pos.PricePnL = price
	pos.RealizedPnL = pos.FundingPnL.Sub(fees)
}

func (m *PositionManager) fail(pos *model.ArbitragePosition, now time.Time, reason string) {
	pos.Status = model.StatusFailed
	pos.ExitTime = now
	pos.FailureReason = reason
	m.settle(pos)
	m.retire(pos)
	log.Warn().
		Str("position", pos.ID).
		Str("instrument", pos.Instrument).
		Str("reason", reason).
		Int("unwinds", len(pos.Unwinds)).
		Msg("arbitrage position failed")
}

// retire 从存活表移入只追加的台账
func (m *PositionManager) retire(pos *model.ArbitragePosition) {
	delete(m.live, pos.Instrument)
	m.ledger = append(m.ledger, pos.Clone())
}

func (m *PositionManager) decide(d model.Decision) {
	m.decisions = append(m.decisions, d)
	log.Debug().
		Str("action", d.Action).
		Str("instrument", d.Instrument).
		Str("spread", d.Spread.String()).
		Str("reason", d.Reason).
		Time("decision_time", d.DecisionTime).
		Msg("decision")
}

// Finalize 回测结束：存活持仓一律标记 FAILED(simulation_end) 并写入台账，
// 每条仍暴露的腿附一条未尝试的平仓记录，不会被静默丢弃
func (m *PositionManager) Finalize(now time.Time) []model.ArbitragePosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ArbitragePosition
	for _, inst := range m.liveInstruments() {
		pos := m.live[inst]
		pos.ExitReason = model.ExitSimulationEnd
		for _, leg := range pos.Legs() {
			if !leg.IsExposed() {
				continue
			}
			pos.Unwinds = append(pos.Unwinds, model.UnwindRecord{
				LegID:    leg.ID,
				Exchange: leg.Exchange,
				Side:     leg.Side,
				At:       now,
				Reason:   "simulation ended with leg open",
			})
		}
		m.fail(pos, now, string(model.ExitSimulationEnd))
		out = append(out, pos.Clone())
	}
	return out
}

// OpenPositions returns copies of the live positions, sorted by instrument.
func (m *PositionManager) OpenPositions() []model.ArbitragePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ArbitragePosition, 0, len(m.live))
	for _, inst := range m.liveInstruments() {
		out = append(out, m.live[inst].Clone())
	}
	return out
}

// ClosedPositions returns a copy of the ledger in the order positions ended.
func (m *PositionManager) ClosedPositions() []model.ArbitragePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ArbitragePosition, len(m.ledger))
	for i := range m.ledger {
		out[i] = m.ledger[i].Clone()
	}
	return out
}

func (m *PositionManager) Decisions() []model.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Decision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

// Opened counts positions that reached OPEN.
func (m *PositionManager) Opened() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opened
}
