package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// FundingStore 内存资金费率时间序列，按 (交易所, 币种) 分序列、按时间严格递增存储
// 查询某时刻"已知"的费率：只返回 timestamp <= t 的最新一条，绝不返回未来数据
type FundingStore struct {
	mu     sync.RWMutex
	series map[model.SeriesKey][]model.FundingObservation
	byInst map[string]map[string]struct{} // instrument -> exchanges
	frozen bool
}

func NewFundingStore() *FundingStore {
	return &FundingStore{
		series: make(map[model.SeriesKey][]model.FundingObservation),
		byInst: make(map[string]map[string]struct{}),
	}
}

// Record inserts obs keeping the series sorted. A second observation at the
// same timestamp is rejected with a *model.DuplicateTimestampError.
func (s *FundingStore) Record(obs model.FundingObservation) error {
	return s.insert(obs, false)
}

// Overwrite inserts obs, replacing any observation at the same timestamp.
func (s *FundingStore) Overwrite(obs model.FundingObservation) error {
	return s.insert(obs, true)
}

// BulkLoad 回测开始前批量加载，返回成功写入条数；遇到第一个错误即停止
func (s *FundingStore) BulkLoad(obs []model.FundingObservation, overwrite bool) (int, error) {
	sorted := make([]model.FundingObservation, len(obs))
	copy(sorted, obs)
	// stable: with overwrite, the later input row wins
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	n := 0
	for _, o := range sorted {
		if err := s.insert(o, overwrite); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *FundingStore) insert(obs model.FundingObservation, overwrite bool) error {
	obs.Exchange = model.NormalizeExchange(obs.Exchange)
	obs.Instrument = model.NormalizeInstrument(obs.Instrument)
	obs.Timestamp = obs.Timestamp.UTC()
	if err := obs.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		panic(fmt.Sprintf("funding store: write to %s:%s at %s after freeze", obs.Exchange, obs.Instrument, obs.Timestamp.Format(time.RFC3339)))
	}

	key := model.SeriesKey{Exchange: obs.Exchange, Instrument: obs.Instrument}
	ser := s.series[key]

	// 常见情况：按时间顺序追加
	if n := len(ser); n == 0 || ser[n-1].Timestamp.Before(obs.Timestamp) {
		s.series[key] = append(ser, obs)
		s.index(key)
		return nil
	}

	i := sort.Search(len(ser), func(i int) bool { return !ser[i].Timestamp.Before(obs.Timestamp) })
	if i < len(ser) && ser[i].Timestamp.Equal(obs.Timestamp) {
		if !overwrite {
			return &model.DuplicateTimestampError{Exchange: obs.Exchange, Instrument: obs.Instrument, Timestamp: obs.Timestamp}
		}
		ser[i] = obs
		return nil
	}

	ser = append(ser, model.FundingObservation{})
	copy(ser[i+1:], ser[i:])
	ser[i] = obs
	s.series[key] = ser
	s.index(key)
	return nil
}

func (s *FundingStore) index(key model.SeriesKey) {
	exs := s.byInst[key.Instrument]
	if exs == nil {
		exs = make(map[string]struct{})
		s.byInst[key.Instrument] = exs
	}
	exs[key.Exchange] = struct{}{}
}

// Freeze marks the end of preloading. Any later write panics: data arriving
// mid-simulation would let information leak into decisions already taken.
func (s *FundingStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

func (s *FundingStore) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// QueryAsOf 返回 timestamp <= t 的最新一条记录；没有则返回 model.ErrNotFound
func (s *FundingStore) QueryAsOf(exchange, instrument string, t time.Time) (model.FundingObservation, error) {
	key := model.SeriesKey{Exchange: model.NormalizeExchange(exchange), Instrument: model.NormalizeInstrument(instrument)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ser := s.series[key]
	// first index strictly after t; the one before it is the answer
	i := sort.Search(len(ser), func(i int) bool { return ser[i].Timestamp.After(t) })
	if i == 0 {
		return model.FundingObservation{}, fmt.Errorf("%s as of %s: %w", key, t.UTC().Format(time.RFC3339), model.ErrNotFound)
	}
	return ser[i-1], nil
}

// Exchanges returns the exchanges that have any data for instrument, sorted.
func (s *FundingStore) Exchanges(instrument string) []string {
	inst := model.NormalizeInstrument(instrument)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byInst[inst]))
	for ex := range s.byInst[inst] {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// Instruments returns every instrument in the store, sorted.
func (s *FundingStore) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byInst))
	for inst := range s.byInst {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Len is the total number of observations across all series.
func (s *FundingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ser := range s.series {
		n += len(ser)
	}
	return n
}

// Range returns a copy of the observations with from <= ts <= to.
func (s *FundingStore) Range(exchange, instrument string, from, to time.Time) []model.FundingObservation {
	key := model.SeriesKey{Exchange: model.NormalizeExchange(exchange), Instrument: model.NormalizeInstrument(instrument)}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ser := s.series[key]
	lo := sort.Search(len(ser), func(i int) bool { return !ser[i].Timestamp.Before(from) })
	hi := sort.Search(len(ser), func(i int) bool { return ser[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]model.FundingObservation, hi-lo)
	copy(out, ser[lo:hi])
	return out
}

// SeriesCoverage 单个序列的覆盖情况
type SeriesCoverage struct {
	Exchange   string
	Instrument string
	Count      int
	First      time.Time
	Last       time.Time
}

// Gap 序列中超过阈值的时间空洞
type Gap struct {
	Exchange   string
	Instrument string
	From       time.Time
	To         time.Time
}

// StoreSummary 数据覆盖度汇总
type StoreSummary struct {
	Observations int
	Exchanges    []string
	Instruments  []string
	Start        time.Time
	End          time.Time
	Coverage     []SeriesCoverage
	Gaps         []Gap
	Completeness float64 // 有数据的 (交易所,币种) 组合 / 全部组合
}

// Summary reports coverage per series and gaps longer than maxGap.
func (s *FundingStore) Summary(maxGap time.Duration) StoreSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]model.SeriesKey, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Instrument != keys[j].Instrument {
			return keys[i].Instrument < keys[j].Instrument
		}
		return keys[i].Exchange < keys[j].Exchange
	})

	var sum StoreSummary
	exSet := map[string]struct{}{}
	for _, k := range keys {
		ser := s.series[k]
		if len(ser) == 0 {
			continue
		}
		exSet[k.Exchange] = struct{}{}
		sum.Observations += len(ser)
		first, last := ser[0].Timestamp, ser[len(ser)-1].Timestamp
		if sum.Start.IsZero() || first.Before(sum.Start) {
			sum.Start = first
		}
		if last.After(sum.End) {
			sum.End = last
		}
		sum.Coverage = append(sum.Coverage, SeriesCoverage{
			Exchange: k.Exchange, Instrument: k.Instrument, Count: len(ser), First: first, Last: last,
		})
		if maxGap <= 0 {
			continue
		}
		for i := 1; i < len(ser); i++ {
			if ser[i].Timestamp.Sub(ser[i-1].Timestamp) > maxGap {
				sum.Gaps = append(sum.Gaps, Gap{Exchange: k.Exchange, Instrument: k.Instrument, From: ser[i-1].Timestamp, To: ser[i].Timestamp})
			}
		}
	}

	for ex := range exSet {
		sum.Exchanges = append(sum.Exchanges, ex)
	}
	sort.Strings(sum.Exchanges)
	for inst := range s.byInst {
		sum.Instruments = append(sum.Instruments, inst)
	}
	sort.Strings(sum.Instruments)

	if total := len(sum.Exchanges) * len(sum.Instruments); total > 0 {
		sum.Completeness = float64(len(sum.Coverage)) / float64(total)
	}
	return sum
}
