package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

var (
	// ErrRejected 交易所拒单（按配置模拟）
	ErrRejected = errors.New("order rejected by exchange")

	// ErrDuplicateLeg 同一条腿重复开仓
	ErrDuplicateLeg = errors.New("leg already open")

	// ErrUnknownLeg 平仓时找不到对应的腿
	ErrUnknownLeg = errors.New("leg not open")

	// ErrInsufficientMargin 交易所保证金额度不足
	ErrInsufficientMargin = errors.New("insufficient margin")
)

// Config 模拟撮合参数
type Config struct {
	RejectOpen   []string                   // 这些交易所拒绝开仓
	RejectClose  []string                   // 这些交易所拒绝平仓（紧急平仓不受影响）
	MarginBudget map[string]decimal.Decimal // 每个交易所可用保证金，未配置表示不限制
	MarkPrice    decimal.Decimal            // 固定标记价格，零表示不提供价格
	MakerFills   bool
}

// Executor 回测用的模拟撮合：同步成交，按配置拒单，按交易所占用保证金
type Executor struct {
	mu sync.Mutex

	cfg         Config
	rejectOpen  map[string]bool
	rejectClose map[string]bool
	margins     map[string]*MarginAccount // exchange -> 保证金占用
	legs        map[string]*openLeg       // legID -> 腿

	opened   int
	closed   int
	rejected int
}

// MarginAccount 单个交易所的保证金占用
type MarginAccount struct {
	Exchange  string
	Budget    decimal.Decimal
	Used      decimal.Decimal
	Peak      decimal.Decimal
	OpenLegs  int
	Unlimited bool
}

// Available 剩余额度
func (a *MarginAccount) Available() decimal.Decimal {
	return a.Budget.Sub(a.Used)
}

type openLeg struct {
	req      domainservice.LegRequest
	margin   decimal.Decimal
	openedAt time.Time
}

// Stats 撮合统计
type Stats struct {
	Opened   int
	Closed   int
	Rejected int
	OpenLegs int
	Accounts []MarginAccount
}

func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		cfg:         cfg,
		rejectOpen:  toSet(cfg.RejectOpen),
		rejectClose: toSet(cfg.RejectClose),
		margins:     make(map[string]*MarginAccount),
		legs:        make(map[string]*openLeg),
	}
	for ex, budget := range cfg.MarginBudget {
		name := model.NormalizeExchange(ex)
		e.margins[name] = &MarginAccount{Exchange: name, Budget: budget}
	}
	return e
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		if s = model.NormalizeExchange(s); s != "" {
			out[s] = true
		}
	}
	return out
}

// RequestOpen 检查拒单规则 → 去重 → 保证金，全部通过后登记该腿
func (e *Executor) RequestOpen(ctx context.Context, req domainservice.LegRequest) (domainservice.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domainservice.Fill{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ex := model.NormalizeExchange(req.Exchange)
	if e.rejectOpen[ex] {
		e.rejected++
		return domainservice.Fill{}, fmt.Errorf("%s open %s %s: %w", ex, req.Instrument, req.Side, ErrRejected)
	}
	if _, dup := e.legs[req.LegID]; dup {
		return domainservice.Fill{}, fmt.Errorf("%s leg %s: %w", ex, req.LegID, ErrDuplicateLeg)
	}

	margin := requiredMargin(req)
	acct := e.account(ex)
	if !acct.Unlimited && margin.GreaterThan(acct.Available()) {
		e.rejected++
		return domainservice.Fill{}, fmt.Errorf("%s: need %s, have %s: %w",
			ex, margin.StringFixed(2), acct.Available().StringFixed(2), ErrInsufficientMargin)
	}

	acct.Used = acct.Used.Add(margin)
	if acct.Used.GreaterThan(acct.Peak) {
		acct.Peak = acct.Used
	}
	acct.OpenLegs++
	e.legs[req.LegID] = &openLeg{req: req, margin: margin, openedAt: req.At}
	e.opened++

	log.Debug().
		Str("exchange", ex).
		Str("instrument", req.Instrument).
		Str("leg", req.LegID).
		Str("side", string(req.Side)).
		Str("margin", margin.String()).
		Msg("sim leg opened")

	return e.fill(), nil
}

// RequestClose 平仓或紧急平仓，释放保证金
func (e *Executor) RequestClose(ctx context.Context, req domainservice.LegRequest) (domainservice.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domainservice.Fill{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ex := model.NormalizeExchange(req.Exchange)
	leg, ok := e.legs[req.LegID]
	if !ok {
		return domainservice.Fill{}, fmt.Errorf("%s leg %s: %w", ex, req.LegID, ErrUnknownLeg)
	}
	if req.Kind == domainservice.IntentClose && e.rejectClose[ex] {
		e.rejected++
		return domainservice.Fill{}, fmt.Errorf("%s close %s %s: %w", ex, req.Instrument, req.Side, ErrRejected)
	}

	acct := e.account(ex)
	acct.Used = acct.Used.Sub(leg.margin)
	acct.OpenLegs--
	delete(e.legs, req.LegID)
	e.closed++

	log.Debug().
		Str("exchange", ex).
		Str("instrument", req.Instrument).
		Str("leg", req.LegID).
		Str("kind", string(req.Kind)).
		Dur("held", req.At.Sub(leg.openedAt)).
		Msg("sim leg closed")

	return e.fill(), nil
}

// MarkPrice 固定标记价格；未配置时返回 ErrNotFound
func (e *Executor) MarkPrice(exchange, instrument string, _ time.Time) (decimal.Decimal, error) {
	if !e.cfg.MarkPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("mark price %s %s: %w", exchange, instrument, model.ErrNotFound)
	}
	return e.cfg.MarkPrice, nil
}

// Stats 当前统计，账户按交易所名排序
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Opened: e.opened, Closed: e.closed, Rejected: e.rejected, OpenLegs: len(e.legs)}
	for _, a := range e.margins {
		s.Accounts = append(s.Accounts, *a)
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].Exchange < s.Accounts[j].Exchange })
	return s
}

func (e *Executor) account(ex string) *MarginAccount {
	a, ok := e.margins[ex]
	if !ok {
		a = &MarginAccount{Exchange: ex, Unlimited: true}
		e.margins[ex] = a
	}
	return a
}

func (e *Executor) fill() domainservice.Fill {
	f := domainservice.Fill{Maker: e.cfg.MakerFills}
	if e.cfg.MarkPrice.IsPositive() {
		f.Price = e.cfg.MarkPrice
	}
	return f
}

// requiredMargin 名义价值 / 杠杆
func requiredMargin(req domainservice.LegRequest) decimal.Decimal {
	if req.Leverage <= 1 {
		return req.Notional
	}
	return req.Notional.Div(decimal.NewFromInt(int64(req.Leverage)))
}

var (
	_ domainservice.LegExecutor = (*Executor)(nil)
	_ domainservice.MarkSource  = (*Executor)(nil)
)
