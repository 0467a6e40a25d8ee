package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Placeholder 生成第 i 个（从 1 开始）SQL 参数占位符
type Placeholder func(i int) string

// Question sqlite 风格
func Question(int) string { return "?" }

// Dollar postgres 风格
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// FundingSelect 构造 funding_observations 的查询语句，按时间升序
func FundingSelect(q port.FundingQuery, ph Placeholder) (string, []any) {
	var (
		where []string
		args  []any
	)
	in := func(col string, vals []string, norm func(string) string) {
		if len(vals) == 0 {
			return
		}
		marks := make([]string, len(vals))
		for i, v := range vals {
			args = append(args, norm(v))
			marks[i] = ph(len(args))
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")))
	}
	in("exchange", q.Exchanges, model.NormalizeExchange)
	in("instrument", q.Instruments, model.NormalizeInstrument)
	if !q.Start.IsZero() {
		args = append(args, q.Start.UnixMilli())
		where = append(where, "ts_ms >= "+ph(len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End.UnixMilli())
		where = append(where, "ts_ms <= "+ph(len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT exchange, instrument, ts_ms, rate, interval_seconds FROM funding_observations")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ts_ms, exchange, instrument")
	return b.String(), args
}

// Scanner *sql.Row / *sql.Rows
type Scanner interface {
	Scan(dest ...any) error
}

// ScanObservation 读取 FundingSelect 的一行
func ScanObservation(s Scanner) (model.FundingObservation, error) {
	var (
		obs  model.FundingObservation
		ts   int64
		rate string
	)
	if err := s.Scan(&obs.Exchange, &obs.Instrument, &ts, &rate, &obs.IntervalSeconds); err != nil {
		return obs, err
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return obs, fmt.Errorf("rate %q for %s:%s: %w", rate, obs.Exchange, obs.Instrument, err)
	}
	obs.Rate = r
	obs.Timestamp = time.UnixMilli(ts).UTC()
	return obs, nil
}

// ValidateAll 写库前整体校验，避免半批写入
func ValidateAll(obs []model.FundingObservation) ([]model.FundingObservation, error) {
	out := make([]model.FundingObservation, len(obs))
	for i, o := range obs {
		o.Exchange = model.NormalizeExchange(o.Exchange)
		o.Instrument = model.NormalizeInstrument(o.Instrument)
		o.Timestamp = o.Timestamp.UTC()
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = o
	}
	return out, nil
}

// Millis 零值时间存为 0
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// EncodePosition 台账以 JSON 形式保存完整持仓，常用字段另建列便于查询
func EncodePosition(p *model.ArbitragePosition) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	return string(b), nil
}

func DecodePosition(payload string) (model.ArbitragePosition, error) {
	var p model.ArbitragePosition
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("decode position: %w", err)
	}
	return p, nil
}

func EncodeSummary(s *model.BacktestSummary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode summary %s: %w", s.RunID, err)
	}
	return string(b), nil
}
