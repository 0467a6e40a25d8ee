package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingSource = (*FundingSource)(nil)

const DefaultBaseURL = "https://api.bybit.com"

// FundingSource Bybit v5 linear 永续资金费率
// 结算周期按合约不同（1h/2h/4h/8h），以 tickers 返回的 fundingIntervalHour 为准
type FundingSource struct {
	rest      *exchange.RESTClient
	venue     exchange.Venue
	converter exchange.SymbolConverter
}

func NewFundingSource(baseURL string) *FundingSource {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &FundingSource{
		rest:      exchange.NewRESTClient(exchange.ExchangeBybit, baseURL),
		venue:     exchange.Bybit,
		converter: exchange.NewCommonSymbolConverter("USDT"),
	}
}

func (s *FundingSource) Name() string { return s.venue.Name }

type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []T    `json:"list"`
	} `json:"result"`
}

type historyItem struct {
	Symbol               string `json:"symbol"`
	FundingRate          string `json:"fundingRate"`
	FundingRateTimestamp string `json:"fundingRateTimestamp"`
}

type tickerItem struct {
	Symbol              string `json:"symbol"`
	FundingRate         string `json:"fundingRate"`
	NextFundingTime     string `json:"nextFundingTime"`
	FundingIntervalHour string `json:"fundingIntervalHour"`
}

func (s *FundingSource) get(ctx context.Context, path string, params url.Values, out interface{ code() (int, string) }) error {
	if err := s.rest.GetJSON(ctx, path, params, out); err != nil {
		return err
	}
	if code, msg := out.code(); code != 0 {
		return fmt.Errorf("bybit api error: %d %s", code, msg)
	}
	return nil
}

func (e *envelope[T]) code() (int, string) { return e.RetCode, e.RetMsg }

// FetchHistory 单次最多 200 条
func (s *FundingSource) FetchHistory(ctx context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error) {
	symbol := s.converter.Coin2Symbol(instrument)
	venue, err := s.venueFor(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(s.venue.Timestamps.Unix(start), 10))
	params.Set("endTime", strconv.FormatInt(s.venue.Timestamps.Unix(end), 10))
	params.Set("limit", "200")

	var resp envelope[historyItem]
	if err := s.get(ctx, "/v5/market/funding/history", params, &resp); err != nil {
		return nil, fmt.Errorf("bybit funding %s: %w", symbol, err)
	}

	out := make([]model.FundingObservation, 0, len(resp.Result.List))
	for _, it := range resp.Result.List {
		ts, err := strconv.ParseInt(it.FundingRateTimestamp, 10, 64)
		if err != nil {
			continue
		}
		obs, err := venue.Observation(instrument, ts, it.FundingRate)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("symbol", symbol).Err(err).Msg("skip funding record")
			continue
		}
		if obs.Timestamp.Before(start) || obs.Timestamp.After(end) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// venueFor 查询合约实际的结算周期；合约不存在返回 ErrNotFound
func (s *FundingSource) venueFor(ctx context.Context, symbol string) (exchange.Venue, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)

	var resp envelope[tickerItem]
	if err := s.get(ctx, "/v5/market/tickers", params, &resp); err != nil {
		return exchange.Venue{}, fmt.Errorf("bybit ticker %s: %w", symbol, err)
	}
	if len(resp.Result.List) == 0 {
		return exchange.Venue{}, fmt.Errorf("bybit symbol %s: %w", symbol, model.ErrNotFound)
	}
	return s.venue.WithInterval(intervalOf(resp.Result.List[0])), nil
}

// FetchLatest tickers 一次返回全部合约
func (s *FundingSource) FetchLatest(ctx context.Context, instruments []string) ([]model.FundingObservation, error) {
	want := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		want[s.converter.Coin2Symbol(inst)] = model.NormalizeInstrument(inst)
	}

	params := url.Values{}
	params.Set("category", "linear")
	var resp envelope[tickerItem]
	if err := s.get(ctx, "/v5/market/tickers", params, &resp); err != nil {
		return nil, fmt.Errorf("bybit tickers: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	var out []model.FundingObservation
	for _, it := range resp.Result.List {
		inst, ok := want[strings.ToUpper(it.Symbol)]
		if !ok || it.FundingRate == "" {
			continue
		}
		venue := s.venue.WithInterval(intervalOf(it))
		obs, err := venue.Observation(inst, venue.Timestamps.Unix(now), it.FundingRate)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("symbol", it.Symbol).Err(err).Msg("skip ticker")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func intervalOf(it tickerItem) time.Duration {
	h, err := strconv.Atoi(strings.TrimSpace(it.FundingIntervalHour))
	if err != nil || h <= 0 {
		return 0
	}
	return time.Duration(h) * time.Hour
}
