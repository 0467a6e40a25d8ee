package lighter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingFeed = (*Feed)(nil)

const DefaultWsURL = "wss://mainnet.zklighter.elliot.ai/stream"

// Feed Lighter market_stats 推送，产出当前资金费率
type Feed struct {
	wsURL   string
	markets *Source // market_id -> symbol；推送中缺 symbol 时使用
	venue   exchange.Venue
	now     func() time.Time
}

func NewFeed(wsURL string, markets *Source) *Feed {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWsURL
	}
	return &Feed{
		wsURL:   strings.TrimSpace(wsURL),
		markets: markets,
		venue:   exchange.Lighter,
		now:     time.Now,
	}
}

func (f *Feed) Name() string { return f.venue.Name }

type subscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type marketStat struct {
	MarketID           int64  `json:"market_id"`
	Symbol             string `json:"symbol"`
	CurrentFundingRate string `json:"current_funding_rate"`
	FundingTimestamp   int64  `json:"funding_timestamp"`
}

type streamMsg struct {
	Type        string                `json:"type"`
	Channel     string                `json:"channel"`
	MarketStats map[string]marketStat `json:"market_stats"`
}

func (f *Feed) Subscribe(ctx context.Context, instruments []string) (<-chan model.FundingObservation, error) {
	want := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		if u := model.NormalizeInstrument(inst); u != "" {
			want[u] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil, errors.New("lighter feed: instruments empty")
	}

	out := make(chan model.FundingObservation, 1024)
	go func() {
		defer close(out)
		exchange.RunWithReconnect(ctx, f.Name(), func(ctx context.Context) error {
			return f.session(ctx, want, out)
		})
	}()
	return out, nil
}

func (f *Feed) session(ctx context.Context, want map[string]struct{}, out chan<- model.FundingObservation) error {
	log.Info().Str("feed", f.Name()).Str("url", f.wsURL).Msg("ws connecting")

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, f.wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Channel: "market_stats/all"}); err != nil {
		return err
	}
	log.Info().Str("feed", f.Name()).Msg("ws connected")

	return exchange.ReadWithPing(ctx, conn, func(b []byte) {
		var msg streamMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("json unmarshal failed")
			return
		}
		if msg.Type == "ping" {
			_ = conn.WriteJSON(subscribeMsg{Type: "pong"})
			return
		}
		for _, obs := range f.observations(ctx, msg, want) {
			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
		}
	})
}

// observations 解析一条推送；只保留订阅的币种
func (f *Feed) observations(ctx context.Context, msg streamMsg, want map[string]struct{}) []model.FundingObservation {
	if len(msg.MarketStats) == 0 {
		return nil
	}
	ts := f.now().UTC().Truncate(time.Second)

	var out []model.FundingObservation
	for key, st := range msg.MarketStats {
		sym := model.NormalizeInstrument(st.Symbol)
		if sym == "" && f.markets != nil {
			id := st.MarketID
			if id == 0 {
				id, _ = strconv.ParseInt(key, 10, 64)
			}
			sym, _ = f.markets.Symbol(ctx, id)
		}
		if _, ok := want[sym]; !ok || strings.TrimSpace(st.CurrentFundingRate) == "" {
			continue
		}
		obs, err := f.venue.Observation(sym, f.venue.Timestamps.Unix(ts), st.CurrentFundingRate)
		if err != nil {
			log.Warn().Str("feed", f.Name()).Str("instrument", sym).Err(err).Msg("skip market stat")
			continue
		}
		out = append(out, obs)
	}
	return out
}
