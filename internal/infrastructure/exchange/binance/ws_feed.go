package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	"fundarb/internal/infrastructure/exchange"
)

var _ port.FundingFeed = (*Feed)(nil)

const DefaultWsURL = "wss://fstream.binance.com"

// Feed markPrice 推送自带当前资金费率 r；只在费率变化时产出
type Feed struct {
	wsURL     string
	venue     exchange.Venue
	converter exchange.SymbolConverter
}

func NewFeed(wsURL string) *Feed {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = DefaultWsURL
	}
	return &Feed{
		wsURL:     strings.TrimSpace(wsURL),
		venue:     exchange.Binance,
		converter: exchange.NewCommonSymbolConverter("USDT"),
	}
}

func (f *Feed) Name() string { return f.venue.Name }

type combinedMsg struct {
	Stream string       `json:"stream"`
	Data   markPriceMsg `json:"data"`
}

type markPriceMsg struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

func (f *Feed) Subscribe(ctx context.Context, instruments []string) (<-chan model.FundingObservation, error) {
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst = strings.TrimSpace(inst); inst == "" {
			continue
		}
		symbols = append(symbols, f.converter.Coin2Symbol(inst))
	}

	wsURL, err := buildCombinedURL(f.wsURL, symbols)
	if err != nil {
		return nil, err
	}

	out := make(chan model.FundingObservation, 1024)
	go func() {
		defer close(out)
		last := make(map[string]string)
		exchange.RunWithReconnect(ctx, f.Name(), func(ctx context.Context) error {
			return f.session(ctx, wsURL, last, out)
		})
	}()
	return out, nil
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_base empty")
	}
	if len(symbols) == 0 {
		return "", errors.New("symbols empty")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, fmt.Sprintf("%s@markPrice", s))
	}
	if len(streams) == 0 {
		return "", errors.New("no valid symbols")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

// session 一次连接；last 跨重连保留，记录每个币种最近一次产出的费率
func (f *Feed) session(ctx context.Context, wsURL string, last map[string]string, out chan<- model.FundingObservation) error {
	log.Info().Str("feed", f.Name()).Str("url", wsURL).Msg("ws connecting")

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("feed", f.Name()).Msg("ws connected")

	return exchange.ReadWithPing(ctx, conn, func(b []byte) {
		var msg combinedMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("json unmarshal failed")
			return
		}
		obs, ok := f.observation(msg.Data, last)
		if !ok {
			return
		}
		select {
		case out <- obs:
		case <-ctx.Done():
		}
	})
}

func (f *Feed) observation(d markPriceMsg, last map[string]string) (model.FundingObservation, bool) {
	sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
	r := strings.TrimSpace(d.FundingRate)
	if sym == "" || r == "" || d.EventTime == 0 {
		return model.FundingObservation{}, false
	}
	if last[sym] == r {
		return model.FundingObservation{}, false
	}
	// 秒级对齐，避免与 REST 记录的毫秒时间戳混杂
	ts := f.venue.Timestamps.Time(d.EventTime).Truncate(time.Second)
	obs, err := f.venue.Observation(f.converter.Symbol2Coin(sym), f.venue.Timestamps.Unix(ts), r)
	if err != nil {
		log.Warn().Str("feed", f.Name()).Str("symbol", sym).Err(err).Msg("skip mark price")
		return model.FundingObservation{}, false
	}
	last[sym] = r
	return obs, true
}
