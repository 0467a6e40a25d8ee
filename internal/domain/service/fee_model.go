package service

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

// FeeSchedule 单个交易所的挂单/吃单费率（小数，0.0002 = 2bp）
type FeeSchedule struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// DefaultFeeSchedules 默认费率表
var DefaultFeeSchedules = map[string]FeeSchedule{
	"extended": {Maker: decimal.RequireFromString("0.0002"), Taker: decimal.RequireFromString("0.0005")},
	"lighter":  {Maker: decimal.RequireFromString("0.0001"), Taker: decimal.RequireFromString("0.0003")},
	"binance":  {Maker: decimal.RequireFromString("0.0002"), Taker: decimal.RequireFromString("0.0004")},
	"bybit":    {Maker: decimal.RequireFromString("0.0001"), Taker: decimal.RequireFromString("0.0003")},
}

// FeeModel 静态手续费表，每条腿开仓和平仓各查询一次
type FeeModel struct {
	table map[string]FeeSchedule
}

// NewFeeModel validates the table: rates must be non-negative.
func NewFeeModel(table map[string]FeeSchedule) (*FeeModel, error) {
	t := make(map[string]FeeSchedule, len(table))
	for ex, fs := range table {
		ex = model.NormalizeExchange(ex)
		if ex == "" {
			return nil, fmt.Errorf("%w: empty exchange in fee table", model.ErrInvalidConfiguration)
		}
		if fs.Maker.IsNegative() || fs.Taker.IsNegative() {
			return nil, fmt.Errorf("%w: negative fee for %s", model.ErrInvalidConfiguration, ex)
		}
		t[ex] = fs
	}
	return &FeeModel{table: t}, nil
}

// Fee 返回手续费金额 = 名义价值 × 费率
func (f *FeeModel) Fee(exchange string, isMaker bool, notional decimal.Decimal) (decimal.Decimal, error) {
	fs, ok := f.table[model.NormalizeExchange(exchange)]
	if !ok {
		return decimal.Zero, fmt.Errorf("fee for %q: %w", exchange, model.ErrUnknownExchange)
	}
	rate := fs.Taker
	if isMaker {
		rate = fs.Maker
	}
	return notional.Abs().Mul(rate), nil
}

// Knows reports whether the exchange has a fee schedule.
func (f *FeeModel) Knows(exchange string) bool {
	_, ok := f.table[model.NormalizeExchange(exchange)]
	return ok
}

// Exchanges lists the exchanges in the table, sorted.
func (f *FeeModel) Exchanges() []string {
	out := make([]string, 0, len(f.table))
	for ex := range f.table {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}
