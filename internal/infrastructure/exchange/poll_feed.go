package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

var _ port.FundingFeed = (*PollFeed)(nil)

// PollFeed 没有 WebSocket 推送的交易所，定时调用 FetchLatest 模拟推送
type PollFeed struct {
	src      port.FundingSource
	interval time.Duration
}

func NewPollFeed(src port.FundingSource, interval time.Duration) *PollFeed {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PollFeed{src: src, interval: interval}
}

func (f *PollFeed) Name() string { return f.src.Name() }

// Subscribe 首次立即拉取；同一条记录（时间戳未变）不重复推送
func (f *PollFeed) Subscribe(ctx context.Context, instruments []string) (<-chan model.FundingObservation, error) {
	if len(instruments) == 0 {
		return nil, errors.New("no instruments to poll")
	}
	out := make(chan model.FundingObservation, 256)

	go func() {
		defer close(out)
		last := make(map[string]time.Time)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			obs, err := f.src.FetchLatest(ctx, instruments)
			if err != nil && ctx.Err() == nil {
				log.Warn().Str("feed", f.Name()).Err(err).Msg("poll funding failed")
			}
			for _, o := range obs {
				if ts, ok := last[o.Instrument]; ok && !o.Timestamp.After(ts) {
					continue
				}
				last[o.Instrument] = o.Timestamp
				select {
				case out <- o:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}
