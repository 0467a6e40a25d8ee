package composite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type fakeRepo struct {
	name      string
	obs       []model.FundingObservation
	positions []model.ArbitragePosition
	summaries int
	saveErr   error
	closeErr  error
	closed    bool
}

func (f *fakeRepo) SaveObservations(_ context.Context, obs []model.FundingObservation) (int, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.obs = append(f.obs, obs...)
	return len(obs), nil
}

func (f *fakeRepo) LoadObservations(context.Context, port.FundingQuery) ([]model.FundingObservation, error) {
	return f.obs, nil
}

func (f *fakeRepo) SavePosition(_ context.Context, pos *model.ArbitragePosition) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.positions = append(f.positions, *pos)
	return nil
}

func (f *fakeRepo) ListPositions(context.Context, string) ([]model.ArbitragePosition, error) {
	return f.positions, nil
}

func (f *fakeRepo) SaveSummary(context.Context, *model.BacktestSummary) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.summaries++
	return nil
}

func (f *fakeRepo) Close() error {
	f.closed = true
	return f.closeErr
}

func sample() []model.FundingObservation {
	o, _ := model.NewFundingObservation("lighter", "ZEC", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("0.0001"), 3600)
	return []model.FundingObservation{o}
}

func TestCompositeFansOutWrites(t *testing.T) {
	a, b := &fakeRepo{name: "a"}, &fakeRepo{name: "b"}
	repo := New(a, nil, b)
	ctx := context.Background()

	if repo.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (nil filtered)", repo.Len())
	}
	n, err := repo.SaveObservations(ctx, sample())
	if err != nil || n != 1 {
		t.Fatalf("SaveObservations = %d, %v", n, err)
	}
	if len(a.obs) != 1 || len(b.obs) != 1 {
		t.Errorf("fan out: a=%d b=%d", len(a.obs), len(b.obs))
	}
	if err := repo.SavePosition(ctx, &model.ArbitragePosition{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveSummary(ctx, &model.BacktestSummary{RunID: "r"}); err != nil {
		t.Fatal(err)
	}
	if len(b.positions) != 1 || b.summaries != 1 {
		t.Errorf("secondary missed writes: positions=%d summaries=%d", len(b.positions), b.summaries)
	}
}

func TestCompositeKeepsFirstErrorAndContinues(t *testing.T) {
	errA := errors.New("a down")
	a := &fakeRepo{saveErr: errA}
	b := &fakeRepo{saveErr: errors.New("b down")}
	c := &fakeRepo{}
	repo := New(a, b, c)

	err := repo.SavePosition(context.Background(), &model.ArbitragePosition{ID: "p1"})
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want first error", err)
	}
	if len(c.positions) != 1 {
		t.Error("later repos must still receive the write")
	}
}

func TestCompositeReadsFromPrimary(t *testing.T) {
	a := &fakeRepo{obs: sample()}
	b := &fakeRepo{}
	repo := New(a, b)

	got, err := repo.LoadObservations(context.Background(), port.FundingQuery{})
	if err != nil || len(got) != 1 {
		t.Fatalf("LoadObservations = %d, %v", len(got), err)
	}

	empty := New()
	if got, err := empty.LoadObservations(context.Background(), port.FundingQuery{}); err != nil || got != nil {
		t.Errorf("empty composite = %v, %v", got, err)
	}
}

func TestCompositeCloseJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	a, b := &fakeRepo{closeErr: errA}, &fakeRepo{closeErr: errB}

	err := New(a, b).Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Close err = %v", err)
	}
	if !a.closed || !b.closed {
		t.Error("all repos must be closed")
	}
}
