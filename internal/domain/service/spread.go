package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// SpreadEngine 跨交易所资金费率价差计算
// 各交易所结算周期不同（1h / 8h），先换算成每秒费率再比较，结果按小时表示
type SpreadEngine struct {
	store   *FundingStore
	allowed map[string]struct{} // 为空表示不限制
}

func NewSpreadEngine(store *FundingStore, exchanges ...string) *SpreadEngine {
	e := &SpreadEngine{store: store}
	if len(exchanges) > 0 {
		e.allowed = make(map[string]struct{}, len(exchanges))
		for _, ex := range exchanges {
			e.allowed[model.NormalizeExchange(ex)] = struct{}{}
		}
	}
	return e
}

// RatesAt 返回各交易所在 t 时已知的记录（已按交易所名排序）
func (e *SpreadEngine) RatesAt(instrument string, t time.Time) []model.FundingObservation {
	var out []model.FundingObservation
	for _, ex := range e.store.Exchanges(instrument) {
		if e.allowed != nil {
			if _, ok := e.allowed[ex]; !ok {
				continue
			}
		}
		obs, err := e.store.QueryAsOf(ex, instrument, t)
		if err != nil {
			continue // no data yet on this venue
		}
		out = append(out, obs)
	}
	return out
}

// BestSpread 找出 t 时价差最大的交易所对
// 相同价差时取字典序靠前的一对，保证可复现
func (e *SpreadEngine) BestSpread(instrument string, t time.Time) (model.SpreadQuote, error) {
	rates := e.RatesAt(instrument, t)
	if len(rates) < 2 {
		return model.SpreadQuote{}, fmt.Errorf("%s at %s: %d exchange(s) with data: %w",
			model.NormalizeInstrument(instrument), t.UTC().Format(time.RFC3339), len(rates), model.ErrNotAvailable)
	}

	var best model.SpreadQuote
	found := false
	for i := 0; i < len(rates); i++ {
		for j := i + 1; j < len(rates); j++ {
			q := quote(rates[i], rates[j], t)
			if !found || q.Spread.GreaterThan(best.Spread) {
				best = q
				found = true
			}
		}
	}
	return best, nil
}

// PairSpread 持仓对的当前价差（有方向）：空头费率 - 多头费率
// 方向反转时为负值，自然触发最低价差退出
func (e *SpreadEngine) PairSpread(instrument, longEx, shortEx string, t time.Time) (decimal.Decimal, map[string]decimal.Decimal, error) {
	long, err := e.store.QueryAsOf(longEx, instrument, t)
	if err != nil {
		return decimal.Zero, nil, err
	}
	short, err := e.store.QueryAsOf(shortEx, instrument, t)
	if err != nil {
		return decimal.Zero, nil, err
	}
	lr, sr := long.HourlyRate(), short.HourlyRate()
	return sr.Sub(lr), map[string]decimal.Decimal{long.Exchange: lr, short.Exchange: sr}, nil
}

func quote(a, b model.FundingObservation, t time.Time) model.SpreadQuote {
	ra, rb := a.HourlyRate(), b.HourlyRate()
	return model.SpreadQuote{
		Instrument: a.Instrument,
		ExchangeA:  a.Exchange,
		ExchangeB:  b.Exchange,
		Timestamp:  t,
		RateA:      ra,
		RateB:      rb,
		Spread:     ra.Sub(rb).Abs(),
	}
}
