package composite

import (
	"context"
	"errors"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 写入扇出到全部存储，读取走第一个（主库）
type Repo struct {
	repos []port.Repository
}

func New(repos ...port.Repository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Repository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// Len 已启用的存储数量
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) SaveObservations(ctx context.Context, obs []model.FundingObservation) (int, error) {
	var (
		written  int
		firstErr error
	)
	for i, repo := range r.repos {
		n, err := repo.SaveObservations(ctx, obs)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if i == 0 {
			written = n
		}
	}
	return written, firstErr
}

func (r *Repo) LoadObservations(ctx context.Context, q port.FundingQuery) ([]model.FundingObservation, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].LoadObservations(ctx, q)
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.ArbitragePosition) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SavePosition(ctx, pos); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) ListPositions(ctx context.Context, runID string) ([]model.ArbitragePosition, error) {
	if len(r.repos) == 0 {
		return nil, nil
	}
	return r.repos[0].ListPositions(ctx, runID)
}

func (r *Repo) SaveSummary(ctx context.Context, sum *model.BacktestSummary) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.SaveSummary(ctx, sum); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ port.Repository = (*Repo)(nil)
