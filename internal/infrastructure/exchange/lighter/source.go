package lighter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingSource = (*Source)(nil)

const DefaultBaseURL = "https://mainnet.zklighter.elliot.ai"

// Source Lighter 资金费率 REST 客户端
// 币种需要先通过 /api/v1/orderBooks 映射成整数 market_id；时间戳为秒
type Source struct {
	rest  *exchange.RESTClient
	venue exchange.Venue

	mu      sync.RWMutex
	markets map[string]int64 // symbol -> market_id
	names   map[int64]string
}

func NewSource(baseURL string) *Source {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Source{
		rest:  exchange.NewRESTClient(exchange.ExchangeLighter, baseURL),
		venue: exchange.Lighter,
	}
}

// WithRetryBackoff 调整重试等待（测试中用于缩短时间）
func (s *Source) WithRetryBackoff(d time.Duration) *Source {
	s.rest.Backoff = d
	return s
}

func (s *Source) Name() string { return s.venue.Name }

type orderBooksResp struct {
	Code       int `json:"code"`
	OrderBooks []struct {
		Symbol   string `json:"symbol"`
		MarketID int64  `json:"market_id"`
		Status   string `json:"status"`
	} `json:"order_books"`
}

type fundingsResp struct {
	Code     int `json:"code"`
	Fundings []struct {
		Timestamp int64  `json:"timestamp"`
		Value     string `json:"value"`
		Rate      string `json:"rate"`
		Direction string `json:"direction"` // short | long
	} `json:"fundings"`
}

// Markets 加载并缓存 symbol -> market_id 映射
func (s *Source) Markets(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	if s.markets != nil {
		m := s.markets
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	var resp orderBooksResp
	if err := s.rest.GetJSON(ctx, "/api/v1/orderBooks", nil, &resp); err != nil {
		return nil, fmt.Errorf("lighter order books: %w", err)
	}
	if resp.Code != 0 && resp.Code != 200 {
		return nil, fmt.Errorf("lighter order books: code %d", resp.Code)
	}

	markets := make(map[string]int64, len(resp.OrderBooks))
	names := make(map[int64]string, len(resp.OrderBooks))
	for _, ob := range resp.OrderBooks {
		sym := model.NormalizeInstrument(ob.Symbol)
		if sym == "" {
			continue
		}
		markets[sym] = ob.MarketID
		names[ob.MarketID] = sym
	}

	s.mu.Lock()
	s.markets, s.names = markets, names
	s.mu.Unlock()

	log.Info().Str("exchange", s.Name()).Int("markets", len(markets)).Msg("markets loaded")
	return markets, nil
}

// Symbol market_id 反查币种
func (s *Source) Symbol(ctx context.Context, marketID int64) (string, bool) {
	if _, err := s.Markets(ctx); err != nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.names[marketID]
	return sym, ok
}

func (s *Source) marketID(ctx context.Context, instrument string) (int64, error) {
	markets, err := s.Markets(ctx)
	if err != nil {
		return 0, err
	}
	inst := model.NormalizeInstrument(instrument)
	id, ok := markets[inst]
	if !ok {
		return 0, fmt.Errorf("lighter market %s: %w", inst, model.ErrNotFound)
	}
	return id, nil
}

// FetchHistory 拉取 [start, end] 内的小时费率
// direction=long 表示多头收取，费率取负
func (s *Source) FetchHistory(ctx context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error) {
	id, err := s.marketID(ctx, instrument)
	if err != nil {
		return nil, err
	}

	countBack := int64(end.Sub(start) / time.Hour)
	if countBack < 1 {
		countBack = 1
	}
	params := url.Values{}
	params.Set("market_id", strconv.FormatInt(id, 10))
	params.Set("resolution", "1h")
	params.Set("start_timestamp", strconv.FormatInt(s.venue.Timestamps.Unix(start), 10))
	params.Set("end_timestamp", strconv.FormatInt(s.venue.Timestamps.Unix(end), 10))
	params.Set("count_back", strconv.FormatInt(countBack+1, 10))

	var resp fundingsResp
	if err := s.rest.GetJSON(ctx, "/api/v1/fundings", params, &resp); err != nil {
		return nil, fmt.Errorf("lighter fundings %s: %w", instrument, err)
	}

	out := make([]model.FundingObservation, 0, len(resp.Fundings))
	for _, f := range resp.Fundings {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			value = "0"
		}
		obs, err := s.venue.Observation(instrument, f.Timestamp, value)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("instrument", instrument).Err(err).Msg("skip funding record")
			continue
		}
		if f.Direction == "long" {
			obs.Rate = obs.Rate.Neg()
		}
		if obs.Timestamp.Before(start) || obs.Timestamp.After(end) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// FetchLatest 取最近两小时内的最新一条；未上线的币种跳过
func (s *Source) FetchLatest(ctx context.Context, instruments []string) ([]model.FundingObservation, error) {
	end := time.Now().UTC()
	start := end.Add(-2 * s.venue.FundingInterval)

	var all []model.FundingObservation
	for _, inst := range instruments {
		obs, err := s.FetchHistory(ctx, inst, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			log.Debug().Str("exchange", s.Name()).Str("instrument", inst).Err(err).Msg("no latest rate")
			continue
		}
		all = append(all, obs...)
	}
	return exchange.Latest(all), nil
}
