package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

type fakeExecutor struct {
	rejectOpen   map[string]error // exchange -> error
	rejectClose  map[string]error
	rejectUnwind map[string]error
	price        map[string]decimal.Decimal
	requests     []LegRequest
}

func (f *fakeExecutor) RequestOpen(_ context.Context, req LegRequest) (Fill, error) {
	f.requests = append(f.requests, req)
	if err := f.rejectOpen[req.Exchange]; err != nil {
		return Fill{}, err
	}
	return Fill{Price: f.price[req.Exchange]}, nil
}

func (f *fakeExecutor) RequestClose(_ context.Context, req LegRequest) (Fill, error) {
	f.requests = append(f.requests, req)
	reject := f.rejectClose
	if req.Kind == IntentUnwind {
		reject = f.rejectUnwind
	}
	if err := reject[req.Exchange]; err != nil {
		return Fill{}, err
	}
	return Fill{Price: f.price[req.Exchange]}, nil
}

func (f *fakeExecutor) count(kind IntentKind) int {
	n := 0
	for _, r := range f.requests {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

type fakeMarks map[string]decimal.Decimal

func (m fakeMarks) MarkPrice(exchange, _ string, _ time.Time) (decimal.Decimal, error) {
	p, ok := m[exchange]
	if !ok {
		return decimal.Zero, model.ErrNotFound
	}
	return p, nil
}

func testStrategy() StrategyConfig {
	return StrategyConfig{
		RunID:                "test-run",
		Instruments:          []string{"ZEC"},
		EntryThreshold:       dec("0.003"),
		AbsoluteExitSpread:   dec("0.002"),
		CompressionExitRatio: dec("0.6"),
		MaxDuration:          24 * time.Hour,
		MaxLossFraction:      dec("0.03"),
		NotionalPerLeg:       dec("500"),
		Leverage:             5,
		StopLossBasis:        StopLossFundingOnly,
	}
}

type managerOpts struct {
	cfg   StrategyConfig
	fees  map[string]FeeSchedule
	marks MarkSource
}

func newTestManager(t *testing.T, store *FundingStore, exec LegExecutor, opts managerOpts) *PositionManager {
	t.Helper()
	if opts.cfg.RunID == "" {
		opts.cfg = testStrategy()
	}
	if opts.fees == nil {
		opts.fees = DefaultFeeSchedules
	}
	clock, err := NewExecutionClock(DefaultPropagationDelay)
	if err != nil {
		t.Fatalf("NewExecutionClock: %v", err)
	}
	fees, err := NewFeeModel(opts.fees)
	if err != nil {
		t.Fatalf("NewFeeModel: %v", err)
	}
	n := 0
	pm, err := NewPositionManager(PositionManagerDeps{
		Config:   opts.cfg,
		Store:    store,
		Spreads:  NewSpreadEngine(store),
		Clock:    clock,
		Fees:     fees,
		Executor: exec,
		Marks:    opts.marks,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	if err != nil {
		t.Fatalf("NewPositionManager: %v", err)
	}
	return pm
}

// zecStore: extended 0.08 / 8h (0.01 / h), lighter 0.0001 / h
func zecStore(t *testing.T, extra ...model.FundingObservation) *FundingStore {
	t.Helper()
	s := NewFundingStore()
	mustRecord(t, s,
		mustObs(t, "extended", "ZEC", t0, "0.08", 28800),
		mustObs(t, "lighter", "ZEC", t0, "0.0001", 3600),
	)
	mustRecord(t, s, extra...)
	s.Freeze()
	return s
}

func step(t *testing.T, pm *PositionManager, now time.Time) *StepReport {
	t.Helper()
	rep, err := pm.OnTimeStep(context.Background(), now)
	if err != nil {
		t.Fatalf("OnTimeStep(%s): %v", now, err)
	}
	return rep
}

func assertPaired(t *testing.T, positions []model.ArbitragePosition) {
	t.Helper()
	for _, p := range positions {
		if p.Status.IsLive() {
			t.Errorf("position %s in ledger with live status %s", p.ID, p.Status)
		}
		if p.HasStrandedLeg() {
			t.Errorf("position %s has an exposed leg with no unwind record", p.ID)
		}
	}
}

func TestPositionManagerZECEntry(t *testing.T) {
	exec := &fakeExecutor{}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	// decision time t0-60s: the t0 rates are not yet visible
	rep := step(t, pm, t0.Add(time.Minute))
	if len(pm.OpenPositions()) != 0 {
		t.Fatal("opened a position before the rates were visible")
	}
	if !errors.Is(rep.Skipped["ZEC"], model.ErrNotAvailable) {
		t.Errorf("Skipped[ZEC] = %v, want ErrNotAvailable", rep.Skipped["ZEC"])
	}

	rep = step(t, pm, t0.Add(2*time.Minute))
	if !rep.DecisionTime.Equal(t0) {
		t.Errorf("decision time = %s, want %s", rep.DecisionTime, t0)
	}
	open := pm.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	p := open[0]
	if p.Status != model.StatusOpen {
		t.Errorf("status = %s, want OPEN", p.Status)
	}
	if p.Long.Exchange != "lighter" || p.Short.Exchange != "extended" {
		t.Errorf("long/short = %s/%s, want lighter/extended", p.Long.Exchange, p.Short.Exchange)
	}
	if !p.EntrySpread.Equal(dec("0.0099")) {
		t.Errorf("entry spread = %s, want 0.0099", p.EntrySpread)
	}
	if !p.EntryDecisionTime.Equal(t0) || !p.EntryTime.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("entry times = %s / %s", p.EntryTime, p.EntryDecisionTime)
	}
	if len(exec.requests) != 2 || exec.requests[0].Side != model.SideLong || exec.requests[1].Side != model.SideShort {
		t.Errorf("requests = %+v", exec.requests)
	}
	if len(rep.Opened) != 1 {
		t.Errorf("report opened = %d", len(rep.Opened))
	}

	d := pm.Decisions()
	if len(d) != 1 || d[0].Action != "ENTER" || !d[0].Rates["extended"].Equal(dec("0.01")) {
		t.Errorf("decisions = %+v", d)
	}
}

func TestPositionManagerSinglePositionPerInstrument(t *testing.T) {
	exec := &fakeExecutor{}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	for h := 0; h < 6; h++ {
		step(t, pm, t0.Add(2*time.Minute+time.Duration(h)*time.Hour))
	}
	if n := len(pm.OpenPositions()); n != 1 {
		t.Fatalf("open positions = %d, want 1", n)
	}
	if n := exec.count(IntentOpen); n != 2 {
		t.Errorf("open requests = %d, want 2", n)
	}
}

func TestPositionManagerFundingAccrual(t *testing.T) {
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(time.Hour+2*time.Minute))

	p := pm.OpenPositions()[0]
	// short extended receives 0.08 * 500 / 8; long lighter pays 0.0001 * 500
	if !p.Short.FundingAccrued.Equal(dec("5")) {
		t.Errorf("short accrued = %s, want 5", p.Short.FundingAccrued)
	}
	if !p.Long.FundingAccrued.Equal(dec("-0.05")) {
		t.Errorf("long accrued = %s, want -0.05", p.Long.FundingAccrued)
	}
	if !p.FundingPnL.Equal(dec("4.95")) {
		t.Errorf("funding pnl = %s, want 4.95", p.FundingPnL)
	}
}

func TestPositionManagerCompressionExit(t *testing.T) {
	s := NewFundingStore()
	mustRecord(t, s,
		mustObs(t, "extended", "ZEC", t0, "0.096", 28800), // 0.012 / h
		mustObs(t, "lighter", "ZEC", t0, "0", 3600),
		mustObs(t, "extended", "ZEC", t0.Add(8*time.Hour), "0.048", 28800), // 0.006 / h
	)
	s.Freeze()

	cfg := testStrategy()
	cfg.CompressionExitRatio = dec("0.4")
	exec := &fakeExecutor{}
	pm := newTestManager(t, s, exec, managerOpts{cfg: cfg})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(time.Hour+2*time.Minute))
	if len(pm.OpenPositions()) != 1 {
		t.Fatal("position should still be open at the entry spread")
	}

	rep := step(t, pm, t0.Add(8*time.Hour+2*time.Minute))
	closed := pm.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.Status != model.StatusClosed || p.ExitReason != model.ExitCompression {
		t.Fatalf("status/reason = %s/%s, want CLOSED/compression", p.Status, p.ExitReason)
	}
	if !p.ExitSpread.Equal(dec("0.006")) {
		t.Errorf("exit spread = %s", p.ExitSpread)
	}
	if p.Long.State != model.LegClosed || p.Short.State != model.LegClosed {
		t.Errorf("legs = %s/%s, both must close together", p.Long.State, p.Short.State)
	}
	if !p.FundingPnL.Equal(dec("27")) {
		t.Errorf("funding = %s, want 27", p.FundingPnL)
	}
	// taker open + close: lighter 0.15 x2, extended 0.25 x2
	if !p.FeesPaid.Equal(dec("0.8")) {
		t.Errorf("fees = %s, want 0.8", p.FeesPaid)
	}
	if !p.RealizedPnL.Equal(dec("26.2")) {
		t.Errorf("realized = %s, want 26.2", p.RealizedPnL)
	}
	if len(rep.Terminal) != 1 || exec.count(IntentClose) != 2 {
		t.Errorf("terminal = %d, close requests = %d", len(rep.Terminal), exec.count(IntentClose))
	}
	if len(pm.OpenPositions()) != 0 {
		t.Error("no re-entry allowed in the exit step")
	}
	assertPaired(t, closed)
}

func TestPositionManagerAbsoluteFloorBeatsDuration(t *testing.T) {
	s := NewFundingStore()
	mustRecord(t, s,
		mustObs(t, "extended", "ZEC", t0, "0.08", 28800),
		mustObs(t, "lighter", "ZEC", t0, "0.0001", 3600),
		mustObs(t, "extended", "ZEC", t0.Add(2*time.Hour), "0.008", 28800), // 0.001 / h
	)
	cfg := testStrategy()
	cfg.MaxDuration = time.Hour
	pm := newTestManager(t, s, &fakeExecutor{}, managerOpts{cfg: cfg})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(2*time.Hour+2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("closed = %d, want 1", len(closed))
	}
	if closed[0].ExitReason != model.ExitAbsoluteSpread {
		t.Errorf("reason = %s, want absolute_spread", closed[0].ExitReason)
	}
}

func TestPositionManagerMaxDuration(t *testing.T) {
	cfg := testStrategy()
	cfg.MaxDuration = time.Hour
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{cfg: cfg})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(30*time.Minute))
	if len(pm.ClosedPositions()) != 0 {
		t.Fatal("closed before max duration")
	}
	step(t, pm, t0.Add(time.Hour+2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 || closed[0].ExitReason != model.ExitMaxDuration {
		t.Fatalf("closed = %+v, want one max_duration exit", closed)
	}
}

func TestPositionManagerStopLossFundingOnly(t *testing.T) {
	fees := map[string]FeeSchedule{
		"extended": {Maker: dec("0.05"), Taker: dec("0.05")},
		"lighter":  {Maker: dec("0.05"), Taker: dec("0.05")},
	}
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{fees: fees})

	step(t, pm, t0.Add(2*time.Minute))
	// funding +4.95, open fees -50, limit 0.03 * 1000 = 30
	step(t, pm, t0.Add(time.Hour+2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 || closed[0].ExitReason != model.ExitStopLoss {
		t.Fatalf("closed = %+v, want one stop_loss exit", closed)
	}
}

func TestPositionManagerStopLossWithPrice(t *testing.T) {
	exec := &fakeExecutor{price: map[string]decimal.Decimal{"lighter": dec("100"), "extended": dec("100")}}
	marks := fakeMarks{"lighter": dec("90"), "extended": dec("100")}

	cfg := testStrategy()
	cfg.StopLossBasis = StopLossFundingAndPrice
	pm := newTestManager(t, zecStore(t), exec, managerOpts{cfg: cfg, marks: marks})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(time.Hour+2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 || closed[0].ExitReason != model.ExitStopLoss {
		t.Fatalf("closed = %+v, want one stop_loss exit", closed)
	}
	if !closed[0].Long.EntryPrice.Equal(dec("100")) {
		t.Errorf("entry price = %s", closed[0].Long.EntryPrice)
	}
}

func TestPositionManagerPriceBasisNeedsMarks(t *testing.T) {
	cfg := testStrategy()
	cfg.StopLossBasis = StopLossFundingAndPrice
	clock, _ := NewExecutionClock(0)
	fees, _ := NewFeeModel(DefaultFeeSchedules)
	s := NewFundingStore()
	_, err := NewPositionManager(PositionManagerDeps{
		Config: cfg, Store: s, Spreads: NewSpreadEngine(s), Clock: clock, Fees: fees, Executor: &fakeExecutor{},
	})
	if !errors.Is(err, model.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestPositionManagerShortOpenRejected(t *testing.T) {
	exec := &fakeExecutor{rejectOpen: map[string]error{"extended": errors.New("insufficient margin")}}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	rep := step(t, pm, t0.Add(2*time.Minute))

	if len(pm.OpenPositions()) != 0 {
		t.Fatal("failed position still live")
	}
	closed := pm.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("ledger = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED", p.Status)
	}
	if p.Short.State != model.LegRejected || p.Long.State != model.LegClosed {
		t.Errorf("legs = %s/%s, want closed/rejected", p.Long.State, p.Short.State)
	}
	if len(p.Unwinds) != 1 || !p.Unwinds[0].Attempted || !p.Unwinds[0].Succeeded || p.Unwinds[0].LegID != p.Long.ID {
		t.Errorf("unwinds = %+v", p.Unwinds)
	}
	if exec.count(IntentUnwind) != 1 {
		t.Errorf("unwind requests = %d", exec.count(IntentUnwind))
	}
	if len(rep.Terminal) != 1 {
		t.Errorf("terminal = %d", len(rep.Terminal))
	}
	assertPaired(t, closed)
}

func TestPositionManagerLongOpenRejected(t *testing.T) {
	exec := &fakeExecutor{rejectOpen: map[string]error{"lighter": errors.New("market halted")}}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	step(t, pm, t0.Add(2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 || closed[0].Status != model.StatusFailed {
		t.Fatalf("ledger = %+v", closed)
	}
	if len(exec.requests) != 1 {
		t.Errorf("short leg must not be requested after long rejection, requests = %d", len(exec.requests))
	}
	if len(closed[0].Unwinds) != 0 {
		t.Errorf("unexpected unwinds %+v", closed[0].Unwinds)
	}
}

func TestPositionManagerCloseRejected(t *testing.T) {
	s := NewFundingStore()
	mustRecord(t, s,
		mustObs(t, "extended", "ZEC", t0, "0.08", 28800),
		mustObs(t, "lighter", "ZEC", t0, "0.0001", 3600),
		mustObs(t, "extended", "ZEC", t0.Add(2*time.Hour), "0", 28800),
	)
	exec := &fakeExecutor{rejectClose: map[string]error{"extended": errors.New("timeout")}}
	pm := newTestManager(t, s, exec, managerOpts{})

	step(t, pm, t0.Add(2*time.Minute))
	step(t, pm, t0.Add(2*time.Hour+2*time.Minute))

	closed := pm.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("ledger = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.Status != model.StatusFailed || p.ExitReason != model.ExitAbsoluteSpread {
		t.Errorf("status/reason = %s/%s", p.Status, p.ExitReason)
	}
	if len(p.Unwinds) != 1 || p.Unwinds[0].Exchange != "extended" || !p.Unwinds[0].Succeeded {
		t.Errorf("unwinds = %+v", p.Unwinds)
	}
	if p.Long.State != model.LegClosed || p.Short.State != model.LegClosed {
		t.Errorf("legs = %s/%s", p.Long.State, p.Short.State)
	}
	assertPaired(t, closed)
}

func TestPositionManagerUnwindFailureLeavesRecord(t *testing.T) {
	exec := &fakeExecutor{
		rejectOpen:   map[string]error{"extended": errors.New("rejected")},
		rejectUnwind: map[string]error{"lighter": errors.New("venue down")},
	}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	step(t, pm, t0.Add(2*time.Minute))

	p := pm.ClosedPositions()[0]
	if !p.Long.IsExposed() {
		t.Error("long leg should remain exposed after a failed unwind")
	}
	if len(p.Unwinds) != 1 || p.Unwinds[0].Succeeded || p.Unwinds[0].Error == "" {
		t.Errorf("unwinds = %+v", p.Unwinds)
	}
	assertPaired(t, []model.ArbitragePosition{p})
}

func TestPositionManagerFinalize(t *testing.T) {
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{})
	step(t, pm, t0.Add(2*time.Minute))

	end := t0.Add(3 * time.Hour)
	out := pm.Finalize(end)
	if len(out) != 1 {
		t.Fatalf("finalized = %d, want 1", len(out))
	}
	p := out[0]
	if p.Status != model.StatusFailed || p.ExitReason != model.ExitSimulationEnd {
		t.Errorf("status/reason = %s/%s", p.Status, p.ExitReason)
	}
	if len(p.Unwinds) != 2 {
		t.Fatalf("unwinds = %d, want one per open leg", len(p.Unwinds))
	}
	for _, u := range p.Unwinds {
		if u.Attempted {
			t.Errorf("unwind %s should be recorded as not attempted", u.LegID)
		}
	}
	if len(pm.OpenPositions()) != 0 || len(pm.ClosedPositions()) != 1 {
		t.Errorf("positions not moved to ledger")
	}
	assertPaired(t, pm.ClosedPositions())
}

func TestPositionManagerCancelledContext(t *testing.T) {
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := pm.OnTimeStep(ctx, t0.Add(2*time.Minute)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(pm.OpenPositions()) != 0 {
		t.Error("opened a position on a cancelled context")
	}
}

// cancellingExecutor 在指定交易所开仓时取消上下文，并像模拟撮合一样拒绝已取消的请求
type cancellingExecutor struct {
	fakeExecutor
	cancelOn string
	cancel   context.CancelFunc
}

func (c *cancellingExecutor) RequestOpen(ctx context.Context, req LegRequest) (Fill, error) {
	if req.Exchange == c.cancelOn {
		c.cancel()
	}
	if err := ctx.Err(); err != nil {
		c.requests = append(c.requests, req)
		return Fill{}, err
	}
	return c.fakeExecutor.RequestOpen(ctx, req)
}

func (c *cancellingExecutor) RequestClose(ctx context.Context, req LegRequest) (Fill, error) {
	if err := ctx.Err(); err != nil {
		c.requests = append(c.requests, req)
		return Fill{}, err
	}
	return c.fakeExecutor.RequestClose(ctx, req)
}

func TestPositionManagerUnwindSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// extended 费率更高，是空头腿，第二个下单
	exec := &cancellingExecutor{cancelOn: "extended", cancel: cancel}
	pm := newTestManager(t, zecStore(t), exec, managerOpts{})

	if _, err := pm.OnTimeStep(ctx, t0.Add(2*time.Minute)); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("OnTimeStep: %v", err)
	}

	closed := pm.ClosedPositions()
	if len(closed) != 1 {
		t.Fatalf("ledger = %d, want 1", len(closed))
	}
	p := closed[0]
	if p.Status != model.StatusFailed || p.Long.State != model.LegClosed {
		t.Errorf("status = %s, long leg = %s, want FAILED/closed", p.Status, p.Long.State)
	}
	if len(p.Unwinds) != 1 || !p.Unwinds[0].Succeeded {
		t.Errorf("unwinds = %+v, want one successful unwind", p.Unwinds)
	}
	assertPaired(t, closed)
}

func TestPositionManagerUnknownFeeExchange(t *testing.T) {
	fees := map[string]FeeSchedule{"lighter": DefaultFeeSchedules["lighter"]}
	pm := newTestManager(t, zecStore(t), &fakeExecutor{}, managerOpts{fees: fees})

	_, err := pm.OnTimeStep(context.Background(), t0.Add(2*time.Minute))
	if !errors.Is(err, model.ErrUnknownExchange) {
		t.Errorf("err = %v, want ErrUnknownExchange", err)
	}
	if len(pm.OpenPositions()) != 0 {
		t.Error("opened a position without a fee schedule")
	}
}

func TestStrategyConfigValidate(t *testing.T) {
	if err := testStrategy().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := []func(*StrategyConfig){
		func(c *StrategyConfig) { c.Instruments = nil },
		func(c *StrategyConfig) { c.EntryThreshold = decimal.Zero },
		func(c *StrategyConfig) { c.CompressionExitRatio = dec("1.5") },
		func(c *StrategyConfig) { c.MaxDuration = 0 },
		func(c *StrategyConfig) { c.Leverage = 0 },
		func(c *StrategyConfig) { c.StopLossBasis = "mark" },
	}
	for i, mutate := range bad {
		c := testStrategy()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, model.ErrInvalidConfiguration) {
			t.Errorf("case %d: err = %v, want ErrInvalidConfiguration", i, err)
		}
	}
}
