package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ========== Position Lifecycle ==========

// PositionStatus 套利持仓状态
type PositionStatus string

const (
	StatusPendingOpen  PositionStatus = "PENDING_OPEN"
	StatusOpen         PositionStatus = "OPEN"
	StatusPendingClose PositionStatus = "PENDING_CLOSE"
	StatusClosed       PositionStatus = "CLOSED"
	StatusFailed       PositionStatus = "FAILED"
)

// IsLive reports whether the status still holds the instrument.
func (s PositionStatus) IsLive() bool {
	return s == StatusPendingOpen || s == StatusOpen || s == StatusPendingClose
}

// ExitReason 平仓原因
type ExitReason string

const (
	ExitNone           ExitReason = ""
	ExitAbsoluteSpread ExitReason = "absolute_spread"
	ExitCompression    ExitReason = "compression"
	ExitMaxDuration    ExitReason = "max_duration"
	ExitStopLoss       ExitReason = "stop_loss"
	ExitSimulationEnd  ExitReason = "simulation_end"
)

// Side 腿方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign is +1 for long, -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// LegState 单腿状态
type LegState string

const (
	LegPending  LegState = "pending"
	LegOpen     LegState = "open"
	LegClosed   LegState = "closed"
	LegRejected LegState = "rejected"
)

// Leg 套利持仓的一条腿（一个交易所上的多头或空头）
type Leg struct {
	ID             string          `json:"id"`
	Exchange       string          `json:"exchange"`
	Side           Side            `json:"side"`
	State          LegState        `json:"state"`
	EntryPrice     decimal.Decimal `json:"entry_price"` // 零表示回测无价格
	ExitPrice      decimal.Decimal `json:"exit_price"`
	OpenFee        decimal.Decimal `json:"open_fee"`
	CloseFee       decimal.Decimal `json:"close_fee"`
	FundingAccrued decimal.Decimal `json:"funding_accrued"` // 正数为收到
	OpenedAt       time.Time       `json:"opened_at,omitempty"`
	ClosedAt       time.Time       `json:"closed_at,omitempty"`
}

// IsExposed reports whether the leg still carries market exposure.
func (l *Leg) IsExposed() bool { return l.State == LegOpen }

// UnwindRecord 紧急平掉单腿的记录（另一条腿开/平仓被拒时）
type UnwindRecord struct {
	LegID     string    `json:"leg_id"`
	Exchange  string    `json:"exchange"`
	Side      Side      `json:"side"`
	At        time.Time `json:"at"`
	Attempted bool      `json:"attempted"`
	Succeeded bool      `json:"succeeded"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

// ArbitragePosition 资金费率套利持仓：两条腿作为一个整体开平
type ArbitragePosition struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id"`
	Instrument        string          `json:"instrument"`
	Long              Leg             `json:"long"`
	Short             Leg             `json:"short"`
	Status            PositionStatus  `json:"status"`
	EntryTime         time.Time       `json:"entry_time"`
	EntryDecisionTime time.Time       `json:"entry_decision_time"`
	EntrySpread       decimal.Decimal `json:"entry_spread"`
	NotionalPerLeg    decimal.Decimal `json:"notional_per_leg"`
	Leverage          int             `json:"leverage"`
	LastAccrual       time.Time       `json:"last_accrual"`
	ExitReason        ExitReason      `json:"exit_reason,omitempty"`
	ExitTime          time.Time       `json:"exit_time,omitempty"`
	ExitSpread        decimal.Decimal `json:"exit_spread"`
	FundingPnL        decimal.Decimal `json:"funding_pnl"`
	FeesPaid          decimal.Decimal `json:"fees_paid"`
	PricePnL          decimal.Decimal `json:"price_pnl"` // 仅在有价格时填写
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	Unwinds           []UnwindRecord  `json:"unwinds,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
}

// LongExchange / ShortExchange are shortcuts used by the spread lookups.
func (p *ArbitragePosition) LongExchange() string  { return p.Long.Exchange }
func (p *ArbitragePosition) ShortExchange() string { return p.Short.Exchange }

// Legs returns pointers to both legs, long first.
func (p *ArbitragePosition) Legs() [2]*Leg { return [2]*Leg{&p.Long, &p.Short} }

// GrossNotional is the notional across both legs.
func (p *ArbitragePosition) GrossNotional() decimal.Decimal {
	return p.NotionalPerLeg.Mul(decimal.NewFromInt(2))
}

// Margin is the collateral locked per leg at the configured leverage.
func (p *ArbitragePosition) Margin() decimal.Decimal {
	if p.Leverage <= 0 {
		return p.NotionalPerLeg
	}
	return p.NotionalPerLeg.Div(decimal.NewFromInt(int64(p.Leverage)))
}

// Age is measured from the entry step, not the decision time.
func (p *ArbitragePosition) Age(now time.Time) time.Duration { return now.Sub(p.EntryTime) }

// Clone returns a deep copy safe to hand to readers.
func (p *ArbitragePosition) Clone() ArbitragePosition {
	c := *p
	if p.Unwinds != nil {
		c.Unwinds = make([]UnwindRecord, len(p.Unwinds))
		copy(c.Unwinds, p.Unwinds)
	}
	return c
}

// HasStrandedLeg reports a terminal position with an exposed leg and no
// unwind record covering it.
func (p *ArbitragePosition) HasStrandedLeg() bool {
	for _, leg := range p.Legs() {
		if !leg.IsExposed() {
			continue
		}
		covered := false
		for _, u := range p.Unwinds {
			if u.LegID == leg.ID {
				covered = true
				break
			}
		}
		if !covered {
			return true
		}
	}
	return false
}

// ========== Reporting ==========

// Decision 决策审计日志
type Decision struct {
	Action       string                     `json:"action"` // ENTER, EXIT, REJECT
	Instrument   string                     `json:"instrument"`
	PositionID   string                     `json:"position_id,omitempty"`
	StepTime     time.Time                  `json:"step_time"`
	DecisionTime time.Time                  `json:"decision_time"`
	Spread       decimal.Decimal            `json:"spread"`
	Rates        map[string]decimal.Decimal `json:"rates,omitempty"` // exchange -> 小时费率
	Reason       string                     `json:"reason,omitempty"`
}

// BacktestSummary 回测汇总
type BacktestSummary struct {
	RunID          string             `json:"run_id"`
	Start          time.Time          `json:"start"`
	End            time.Time          `json:"end"`
	Steps          int                `json:"steps"`
	Opened         int                `json:"opened"`
	Closed         int                `json:"closed"`
	Failed         int                `json:"failed"`
	ByExitReason   map[ExitReason]int `json:"by_exit_reason"`
	TotalFunding   decimal.Decimal    `json:"total_funding"`
	TotalFees      decimal.Decimal    `json:"total_fees"`
	TotalRealized  decimal.Decimal    `json:"total_realized"`
	StrandedLegs   int                `json:"stranded_legs"`
	ObservationCnt int                `json:"observations"`
}
