package extended

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingSource = (*Source)(nil)

const DefaultBaseURL = "https://api.starknet.extended.exchange/api/v1"

// Source Extended 资金费率 REST 客户端；市场名为 TOKEN-USD，时间戳为毫秒
type Source struct {
	rest      *exchange.RESTClient
	venue     exchange.Venue
	converter exchange.SymbolConverter
	limit     int
}

func NewSource(baseURL string) *Source {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Source{
		rest:      exchange.NewRESTClient(exchange.ExchangeExtended, baseURL),
		venue:     exchange.Extended,
		converter: exchange.NewCommonSymbolConverter("-USD"),
		limit:     10000,
	}
}

func (s *Source) WithRetryBackoff(d time.Duration) *Source {
	s.rest.Backoff = d
	return s
}

func (s *Source) Name() string { return s.venue.Name }

type fundingResp struct {
	Status string `json:"status"`
	Data   []struct {
		Market    string `json:"m"`
		Timestamp int64  `json:"T"`
		Rate      string `json:"f"`
	} `json:"data"`
}

// FetchHistory GET /info/{market}/funding
func (s *Source) FetchHistory(ctx context.Context, instrument string, start, end time.Time) ([]model.FundingObservation, error) {
	market := s.converter.Coin2Symbol(instrument)

	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(s.venue.Timestamps.Unix(start), 10))
	params.Set("endTime", strconv.FormatInt(s.venue.Timestamps.Unix(end), 10))
	params.Set("limit", strconv.Itoa(s.limit))

	var resp fundingResp
	err := s.rest.GetJSON(ctx, "/info/"+url.PathEscape(market)+"/funding", params, &resp)
	if err != nil {
		var se *exchange.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("extended market %s: %w", market, model.ErrNotFound)
		}
		return nil, fmt.Errorf("extended funding %s: %w", market, err)
	}
	if resp.Status != "" && !strings.EqualFold(resp.Status, "OK") {
		return nil, fmt.Errorf("extended funding %s: status %s", market, resp.Status)
	}

	out := make([]model.FundingObservation, 0, len(resp.Data))
	for _, d := range resp.Data {
		coin := instrument
		if d.Market != "" {
			coin = s.converter.Symbol2Coin(d.Market)
		}
		obs, err := s.venue.Observation(coin, d.Timestamp, d.Rate)
		if err != nil {
			log.Warn().Str("exchange", s.Name()).Str("market", market).Err(err).Msg("skip funding record")
			continue
		}
		if obs.Timestamp.Before(start) || obs.Timestamp.After(end) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// FetchLatest 没有当前费率接口，取最近一个结算周期的历史记录
func (s *Source) FetchLatest(ctx context.Context, instruments []string) ([]model.FundingObservation, error) {
	end := time.Now().UTC()
	start := end.Add(-s.venue.FundingInterval)

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
