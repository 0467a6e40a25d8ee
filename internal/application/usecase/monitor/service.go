package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

type ServiceDeps struct {
	Feeds          []FundingFeed
	Instruments    []string
	Exchanges      []string
	PrintEvery     time.Duration
	EntryThreshold decimal.Decimal
	Sink           port.Sink
	Repo           Repository
	Cache          port.LatestRateCache // 可为空
	Now            func() time.Time
}

// Service 实时资金费率看板：合并各交易所推送，刷新最优价差，定时打印快照并落库
type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	if deps.PrintEvery <= 0 {
		deps.PrintEvery = 5 * time.Minute
	}
	if deps.Repo == nil {
		deps.Repo = NewNoopRepo()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.Instruments, deps.Exchanges...),
		fmt:  NewFormatter(deps.EntryThreshold),
	}
}

func (s *Service) State() *State { return s.st }

func (s *Service) Run(ctx context.Context) error {
	if len(s.deps.Feeds) == 0 {
		return errors.New("no feeds")
	}

	merged := make(chan model.FundingObservation, 1024)

	// start feeds
	for _, feed := range s.deps.Feeds {
		ch, err := feed.Subscribe(ctx, s.st.Instruments())
		if err != nil {
			return err
		}
		go func(name string, in <-chan model.FundingObservation) {
			for {
				select {
				case <-ctx.Done():
					return
				case o, ok := <-in:
					if !ok {
						return
					}
					select {
					case merged <- o:
					case <-ctx.Done():
						return
					}
				}
			}
		}(feed.Name(), ch)

		log.Info().Str("feed", feed.Name()).Msg("feed started")
	}

	snapTicker := time.NewTicker(s.deps.PrintEvery)
	defer snapTicker.Stop()

	// initial live line
	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st.Rows(s.deps.Now()), RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case now := <-snapTicker.C:
			line := s.fmt.Render(s.st.Rows(now), RenderSnapshot)
			_ = s.deps.Sink.WriteSnapshot(now, line)

		case o := <-merged:
			s.handle(ctx, o)
		}
	}
}

func (s *Service) handle(ctx context.Context, o model.FundingObservation) {
	if s.st.Apply(o) {
		_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st.Rows(s.deps.Now()), RenderLive))
	}
	if _, err := s.deps.Repo.SaveObservations(ctx, []model.FundingObservation{o}); err != nil {
		log.Warn().Str("exchange", o.Exchange).Str("instrument", o.Instrument).Err(err).Msg("store live observation failed")
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.UpsertLatest(ctx, o); err != nil {
			log.Warn().Str("exchange", o.Exchange).Err(err).Msg("cache latest rate failed")
		}
	}
}
