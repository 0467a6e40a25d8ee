package binance

import (
	"context"
	"errors"
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

const DefaultBaseURL = "https://fapi.binance.com"

// FundingSource Binance U 本位永续资金费率
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
		rest:      exchange.NewRESTClient(exchange.ExchangeBinance, baseURL),
		venue:     exchange.Binance,
		converter: exchange.NewCommonSymbolConverter("USDT"),
	}
}

func (s *FundingSource) Name() string { return s.venue.Name }

// FundingRateResp /fapi/v1/fundingRate 历史记录
type FundingRateResp struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

// PremiumIndexResp /fapi/v1/premiumIndex，lastFundingRate 为当前周期费率
type PremiumIndexResp struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchHistory 单次最多 1000 条，8h 周期约覆盖 333 天
// 无效合约（-1121 Invalid symbol）返回 ErrNotFound
func (s *FundingSource) FetchHistory(ctx context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error) {
	symbol := s.converter.Coin2Symbol(instrument)

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(s.venue.Timestamps.Unix(start), 10))
	params.Set("endTime", strconv.FormatInt(s.venue.Timestamps.Unix(end), 10))
	params.Set("limit", "1000")

	var rows []FundingRateResp
	if err := s.rest.GetJSON(ctx, "/fapi/v1/fundingRate", params, &rows); err != nil {
		var se *exchange.StatusError
		if errors.As(err, &se) && strings.Contains(se.Body, "-1121") {
			return nil, fmt.Errorf("binance symbol %s: %w", symbol, model.ErrNotFound)
		}
		return nil, fmt.Errorf("binance funding %s: %w", symbol, err)
	}

	out := make([]model.FundingObservation, 0, len(rows))
	for _, r := range rows {
		obs, err := s.venue.Observation(s.converter.Symbol2Coin(r.Symbol), r.FundingTime, r.FundingRate)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("symbol", r.Symbol).Err(err).Msg("skip funding record")
			continue
		}
		if obs.Timestamp.Before(start) || obs.Timestamp.After(end) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// FetchLatest 一次请求拿到全部合约，再按币种过滤
func (s *FundingSource) FetchLatest(ctx context.Context, instruments []string) ([]model.FundingObservation, error) {
	want := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		want[s.converter.Coin2Symbol(inst)] = model.NormalizeInstrument(inst)
	}

	var rows []PremiumIndexResp
	if err := s.rest.GetJSON(ctx, "/fapi/v1/premiumIndex", nil, &rows); err != nil {
		return nil, fmt.Errorf("binance premium index: %w", err)
	}

	var out []model.FundingObservation
	for _, r := range rows {
		inst, ok := want[strings.ToUpper(r.Symbol)]
		if !ok || r.LastFundingRate == "" {
			continue
		}
		obs, err := s.venue.Observation(inst, r.Time, r.LastFundingRate)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("symbol", r.Symbol).Err(err).Msg("skip premium index")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}
