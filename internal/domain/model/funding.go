package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceIntervalSeconds 价差统一换算到 1 小时
const ReferenceIntervalSeconds int64 = 3600

// FundingObservation 单条资金费率记录（某交易所某币种在某时刻的费率）
type FundingObservation struct {
	Exchange        string          `json:"exchange"`
	Instrument      string          `json:"instrument"`
	Timestamp       time.Time       `json:"timestamp"`
	Rate            decimal.Decimal `json:"rate"`             // 每个结算周期的费率
	IntervalSeconds int64           `json:"interval_seconds"` // 结算周期（秒）
}

// NewFundingObservation normalizes names and validates the record.
func NewFundingObservation(exchange, instrument string, ts time.Time, rate decimal.Decimal, intervalSeconds int64) (FundingObservation, error) {
	obs := FundingObservation{
		Exchange:        NormalizeExchange(exchange),
		Instrument:      NormalizeInstrument(instrument),
		Timestamp:       ts.UTC(),
		Rate:            rate,
		IntervalSeconds: intervalSeconds,
	}
	return obs, obs.Validate()
}

func (o FundingObservation) Validate() error {
	switch {
	case o.Exchange == "":
		return fmt.Errorf("%w: empty exchange", ErrInvalidObservation)
	case o.Instrument == "":
		return fmt.Errorf("%w: empty instrument", ErrInvalidObservation)
	case o.Timestamp.IsZero():
		return fmt.Errorf("%w: zero timestamp for %s %s", ErrInvalidObservation, o.Exchange, o.Instrument)
	case o.IntervalSeconds <= 0:
		return fmt.Errorf("%w: interval %d for %s %s", ErrInvalidObservation, o.IntervalSeconds, o.Exchange, o.Instrument)
	}
	return nil
}

// NormalizedRate is the per-second rate. Used for comparison only, never persisted.
func (o FundingObservation) NormalizedRate() decimal.Decimal {
	return o.Rate.Div(decimal.NewFromInt(o.IntervalSeconds))
}

// ScaledRate rescales the rate to refSeconds. Multiplies before dividing so
// equal economic rates stay exactly equal.
func (o FundingObservation) ScaledRate(refSeconds int64) decimal.Decimal {
	return o.Rate.Mul(decimal.NewFromInt(refSeconds)).Div(decimal.NewFromInt(o.IntervalSeconds))
}

// HourlyRate 换算为小时费率
func (o FundingObservation) HourlyRate() decimal.Decimal {
	return o.ScaledRate(ReferenceIntervalSeconds)
}

// SeriesKey identifies one (exchange, instrument) series.
type SeriesKey struct {
	Exchange   string
	Instrument string
}

func (k SeriesKey) String() string { return k.Exchange + ":" + k.Instrument }

func NormalizeExchange(s string) string   { return strings.ToLower(strings.TrimSpace(s)) }
func NormalizeInstrument(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// SpreadQuote 某币种在两个交易所之间的资金费率价差（按小时计），每次查询重新计算
type SpreadQuote struct {
	Instrument string          `json:"instrument"`
	ExchangeA  string          `json:"exchange_a"` // 字典序较小
	ExchangeB  string          `json:"exchange_b"`
	Timestamp  time.Time       `json:"timestamp"`
	RateA      decimal.Decimal `json:"rate_a"` // 小时费率
	RateB      decimal.Decimal `json:"rate_b"`
	Spread     decimal.Decimal `json:"spread"`
}

// LongExchange is the side with the lower normalized rate.
func (q SpreadQuote) LongExchange() string {
	if q.RateB.LessThan(q.RateA) {
		return q.ExchangeB
	}
	return q.ExchangeA
}

// ShortExchange is the side with the higher normalized rate.
func (q SpreadQuote) ShortExchange() string {
	if q.RateB.LessThan(q.RateA) {
		return q.ExchangeA
	}
	return q.ExchangeB
}
