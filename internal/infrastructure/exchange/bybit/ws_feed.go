package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingFeed = (*Feed)(nil)

const DefaultWsURL = "wss://stream.bybit.com/v5/public/linear"

// Feed tickers.{SYMBOL} 推送；结算周期通过 REST 查询一次
type Feed struct {
	wsURL string
	rest  *FundingSource // 可为空，为空时使用默认 8h
	venue exchange.Venue
}

func NewFeed(wsURL string, rest *FundingSource) *Feed {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWsURL
	}
	return &Feed{
		wsURL: strings.TrimSpace(wsURL),
		rest:  rest,
		venue: exchange.Bybit,
	}
}

func (f *Feed) Name() string { return f.venue.Name }

type subReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type tickerData struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
}

// DataList data can be object OR array
type DataList []tickerData

func (d *DataList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	switch b[0] {
	case '[':
		var arr []tickerData
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*d = arr
		return nil
	case '{':
		var one tickerData
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*d = DataList{one}
		return nil
	default:
		return fmt.Errorf("unexpected data json: %s", string(b))
	}
}

type tickerMsg struct {
	Topic string   `json:"topic"`
	Type  string   `json:"type"` // snapshot / delta
	Ts    int64    `json:"ts"`
	Data  DataList `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

func (f *Feed) Subscribe(ctx context.Context, instruments []string) (<-chan model.FundingObservation, error) {
	if f.wsURL == "" {
		return nil, errors.New("bybit ws_url empty")
	}

	venues := make(map[string]exchange.Venue, len(instruments))
	topics := make([]string, 0, len(instruments))
	converter := exchange.NewCommonSymbolConverter("USDT")
	for _, inst := range instruments {
		if inst = strings.TrimSpace(inst); inst == "" {
			continue
		}
		symbol := strings.ToUpper(converter.Coin2Symbol(inst))
		topics = append(topics, "tickers."+symbol)
		venues[symbol] = f.venueFor(ctx, symbol)
	}
	if len(topics) == 0 {
		return nil, errors.New("no valid symbols for bybit topics")
	}

	out := make(chan model.FundingObservation, 1024)
	go func() {
		defer close(out)
		last := make(map[string]string)
		exchange.RunWithReconnect(ctx, f.Name(), func(ctx context.Context) error {
			return f.session(ctx, topics, venues, converter, last, out)
		})
	}()
	return out, nil
}

func (f *Feed) venueFor(ctx context.Context, symbol string) exchange.Venue {
	if f.rest == nil {
		return f.venue
	}
	v, err := f.rest.venueFor(ctx, symbol)
	if err != nil {
		log.Warn().Str("feed", f.Name()).Str("symbol", symbol).Err(err).Msg("funding interval unknown, using default")
		return f.venue
	}
	return v
}

func (f *Feed) session(ctx context.Context, topics []string, venues map[string]exchange.Venue, converter exchange.SymbolConverter, last map[string]string, out chan<- model.FundingObservation) error {
	log.Info().Str("feed", f.Name()).Str("url", f.wsURL).Msg("ws connecting")

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, f.wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(subReq{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Str("feed", f.Name()).Msg("ws connected & subscribed")

	return exchange.ReadWithPing(ctx, conn, func(b []byte) {
		var msg tickerMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("json unmarshal failed")
			return
		}

		// ack
		if msg.Success != nil {
			if !*msg.Success {
				log.Error().Str("feed", f.Name()).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
			}
			return
		}

		for _, obs := range observations(msg, venues, converter, last) {
			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
		}
	})
}

// observations delta 消息可能不带 fundingRate，跳过；费率不变不重复产出
func observations(msg tickerMsg, venues map[string]exchange.Venue, converter exchange.SymbolConverter, last map[string]string) []model.FundingObservation {
	if msg.Ts == 0 {
		return nil
	}
	var out []model.FundingObservation
	for _, d := range msg.Data {
		sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
		r := strings.TrimSpace(d.FundingRate)
		if sym == "" || r == "" || last[sym] == r {
			continue
		}
		venue, ok := venues[sym]
		if !ok {
			continue
		}
		ts := venue.Timestamps.Time(msg.Ts).Truncate(time.Second)
		obs, err := venue.Observation(converter.Symbol2Coin(sym), venue.Timestamps.Unix(ts), r)
		if err != nil {
			log.Warn().Str("feed", venue.Name).Str("symbol", sym).Err(err).Msg("skip ticker")
			continue
		}
		last[sym] = r
		out = append(out, obs)
	}
	return out
}
