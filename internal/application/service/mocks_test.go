package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func obsAt(exchange, instrument string, ts time.Time, rate string, interval int64) model.FundingObservation {
	o, err := model.NewFundingObservation(exchange, instrument, ts, dec(rate), interval)
	if err != nil {
		panic(err)
	}
	return o
}

// memRepo 内存仓库，同时实现资金费率与台账接口
type memRepo struct {
	mu        sync.Mutex
	rows      map[string]model.FundingObservation
	positions []model.ArbitragePosition
	summaries []model.BacktestSummary
	loadErr   error
}

func newMemRepo(obs ...model.FundingObservation) *memRepo {
	r := &memRepo{rows: make(map[string]model.FundingObservation)}
	_, _ = r.SaveObservations(context.Background(), obs)
	return r
}

func (r *memRepo) SaveObservations(_ context.Context, obs []model.FundingObservation) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range obs {
		r.rows[o.Exchange+"|"+o.Instrument+"|"+o.Timestamp.String()] = o
	}
	return len(obs), nil
}

func (r *memRepo) LoadObservations(_ context.Context, q port.FundingQuery) ([]model.FundingObservation, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.FundingObservation
	for _, o := range r.rows {
		if !q.Start.IsZero() && o.Timestamp.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && o.Timestamp.After(q.End) {
			continue
		}
		if len(q.Instruments) > 0 && !contains(q.Instruments, o.Instrument) {
			continue
		}
		if len(q.Exchanges) > 0 && !contains(q.Exchanges, o.Exchange) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *memRepo) SavePosition(_ context.Context, pos *model.ArbitragePosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, pos.Clone())
	return nil
}

func (r *memRepo) ListPositions(_ context.Context, runID string) ([]model.ArbitragePosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ArbitragePosition
	for _, p := range r.positions {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) SaveSummary(_ context.Context, sum *model.BacktestSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, *sum)
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type recordingEvents struct {
	events []model.ArbitragePosition
}

func (e *recordingEvents) PublishPosition(_ context.Context, pos *model.ArbitragePosition) error {
	e.events = append(e.events, *pos)
	return nil
}

type recordingSink struct {
	live  int
	lines []string
}

func (s *recordingSink) WriteLive(string) error                 { s.live++; return nil }
func (s *recordingSink) WriteSnapshot(time.Time, string) error { return nil }
func (s *recordingSink) WriteLine(line string) error            { s.lines = append(s.lines, line); return nil }
func (s *recordingSink) NewLine() error                         { return nil }

type acceptAll struct{}

func (acceptAll) RequestOpen(context.Context, domainservice.LegRequest) (domainservice.Fill, error) {
	return domainservice.Fill{}, nil
}

func (acceptAll) RequestClose(context.Context, domainservice.LegRequest) (domainservice.Fill, error) {
	return domainservice.Fill{}, nil
}

type fakeSource struct {
	name    string
	latest  []model.FundingObservation
	history []model.FundingObservation
	err     error

	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchLatest(_ context.Context, _ []string) ([]model.FundingObservation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.latest, f.err
}

func (f *fakeSource) FetchHistory(_ context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.FundingObservation
	for _, o := range f.history {
		if o.Instrument == instrument && !o.Timestamp.Before(start) && !o.Timestamp.After(end) {
			out = append(out, o)
		}
	}
	return out, nil
}

type memCache struct {
	mu     sync.Mutex
	latest map[string]model.FundingObservation
}

func (c *memCache) UpsertLatest(_ context.Context, obs model.FundingObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		c.latest = make(map[string]model.FundingObservation)
	}
	c.latest[obs.Exchange+":"+obs.Instrument] = obs
	return nil
}

type memArchive struct {
	day  time.Time
	n    int
	days []time.Time
}

func (a *memArchive) ArchiveDay(_ context.Context, day time.Time, obs []model.FundingObservation) (string, error) {
	a.days = append(a.days, day)
	if len(obs) == 0 {
		return "", nil
	}
	a.day, a.n = day, len(obs)
	return "funding/" + day.Format(time.DateOnly) + ".jsonl", nil
}
