package monitor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	dsvc "fundarb/internal/domain/service"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type rateState struct {
	hourly decimal.Decimal
	dir    Dir
	at     time.Time
}

// ExchangeRate 某交易所的当前小时费率
type ExchangeRate struct {
	Exchange string
	Hourly   decimal.Decimal
	Dir      Dir
}

// Row 一个币种的展示行
type Row struct {
	Instrument string
	Rates      []ExchangeRate
	Best       *model.SpreadQuote // 少于两个交易所时为空
}

// State 实时看板状态：推送写入一个不冻结的 FundingStore，价差由 SpreadEngine 计算
type State struct {
	mu sync.Mutex

	order   []string
	known   map[string]struct{}
	store   *dsvc.FundingStore
	spreads *dsvc.SpreadEngine
	last    map[model.SeriesKey]*rateState
}

func NewState(instruments []string, exchanges ...string) *State {
	order := make([]string, 0, len(instruments))
	known := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		u := model.NormalizeInstrument(inst)
		if u == "" {
			continue
		}
		if _, dup := known[u]; dup {
			continue
		}
		known[u] = struct{}{}
		order = append(order, u)
	}
	store := dsvc.NewFundingStore()
	return &State{
		order:   order,
		known:   known,
		store:   store,
		spreads: dsvc.NewSpreadEngine(store, exchanges...),
		last:    make(map[model.SeriesKey]*rateState),
	}
}

func (s *State) Instruments() []string {
	return s.order
}

// Apply 写入一条推送，返回展示是否需要刷新（小时费率相对上一条发生变化）
func (s *State) Apply(obs model.FundingObservation) bool {
	obs.Exchange = model.NormalizeExchange(obs.Exchange)
	obs.Instrument = model.NormalizeInstrument(obs.Instrument)
	if _, ok := s.known[obs.Instrument]; !ok {
		return false
	}
	if err := s.store.Overwrite(obs); err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := model.SeriesKey{Exchange: obs.Exchange, Instrument: obs.Instrument}
	hourly := obs.HourlyRate()
	rs := s.last[key]
	if rs == nil {
		s.last[key] = &rateState{hourly: hourly, at: obs.Timestamp}
		return true
	}
	if obs.Timestamp.Before(rs.at) {
		return false // late message, the store keeps it in order
	}
	rs.at = obs.Timestamp
	switch hourly.Cmp(rs.hourly) {
	case 0:
		return false
	case 1:
		rs.dir = DirUp
	default:
		rs.dir = DirDown
	}
	rs.hourly = hourly
	return true
}

// Rows 计算每个币种在 now 时刻的费率与最优价差
func (s *State) Rows(now time.Time) []Row {
	rows := make([]Row, 0, len(s.order))
	for _, inst := range s.order {
		row := Row{Instrument: inst}
		for _, obs := range s.spreads.RatesAt(inst, now) {
			er := ExchangeRate{Exchange: obs.Exchange, Hourly: obs.HourlyRate()}
			s.mu.Lock()
			if rs := s.last[model.SeriesKey{Exchange: obs.Exchange, Instrument: inst}]; rs != nil {
				er.Dir = rs.dir
			}
			s.mu.Unlock()
			row.Rates = append(row.Rates, er)
		}
		if q, err := s.spreads.BestSpread(inst, now); err == nil {
			row.Best = &q
		}
		rows = append(rows, row)
	}
	return rows
}

// Len is the number of observations held by the board.
func (s *State) Len() int { return s.store.Len() }
