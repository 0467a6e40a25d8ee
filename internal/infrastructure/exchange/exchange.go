package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
)

const (
	ExchangeExtended = "extended"
	ExchangeLighter  = "lighter"
	ExchangeBinance  = "binance"
	ExchangeBybit    = "bybit"
)

// TimestampUnit 交易所接口返回的时间戳单位
type TimestampUnit int

const (
	Seconds TimestampUnit = iota
	Milliseconds
)

func (u TimestampUnit) Time(v int64) time.Time {
	if u == Milliseconds {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func (u TimestampUnit) Unix(t time.Time) int64 {
	if u == Milliseconds {
		return t.UnixMilli()
	}
	return t.Unix()
}

// Venue 交易所能力描述：结算周期、时间戳单位、手续费
// 这些差异只存在于适配器内部，领域层只看到统一的 FundingObservation
type Venue struct {
	Name            string
	FundingInterval time.Duration
	Timestamps      TimestampUnit
}

var (
	Extended = Venue{Name: ExchangeExtended, FundingInterval: 8 * time.Hour, Timestamps: Milliseconds}
	Lighter  = Venue{Name: ExchangeLighter, FundingInterval: time.Hour, Timestamps: Seconds}
	Binance  = Venue{Name: ExchangeBinance, FundingInterval: 8 * time.Hour, Timestamps: Milliseconds}
	Bybit    = Venue{Name: ExchangeBybit, FundingInterval: 8 * time.Hour, Timestamps: Milliseconds}
)

// Venues 已支持的交易所
func Venues() []Venue { return []Venue{Extended, Lighter, Binance, Bybit} }

// Lookup 按名字查找交易所
func Lookup(name string) (Venue, bool) {
	name = model.NormalizeExchange(name)
	for _, v := range Venues() {
		if v.Name == name {
			return v, true
		}
	}
	return Venue{}, false
}

func (v Venue) IntervalSeconds() int64 { return int64(v.FundingInterval / time.Second) }

// WithInterval 部分合约的结算周期与交易所默认值不同
func (v Venue) WithInterval(d time.Duration) Venue {
	if d > 0 {
		v.FundingInterval = d
	}
	return v
}

// Fees 内置手续费表
func (v Venue) Fees() (service.FeeSchedule, bool) {
	fs, ok := service.DefaultFeeSchedules[v.Name]
	return fs, ok
}

// Observation 把交易所原始字段转成统一记录；rate 为字符串形式的小数
func (v Venue) Observation(instrument string, ts int64, rate string) (model.FundingObservation, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return model.FundingObservation{}, fmt.Errorf("%s %s: parse rate %q: %w", v.Name, instrument, rate, err)
	}
	return model.NewFundingObservation(v.Name, instrument, v.Timestamps.Time(ts), r, v.IntervalSeconds())
}

// Latest 每个币种保留时间最新的一条
func Latest(obs []model.FundingObservation) []model.FundingObservation {
	idx := make(map[string]int, len(obs))
	var out []model.FundingObservation
	for _, o := range obs {
		i, ok := idx[o.Instrument]
		if !ok {
			idx[o.Instrument] = len(out)
			out = append(out, o)
			continue
		}
		if o.Timestamp.After(out[i].Timestamp) {
			out[i] = o
		}
	}
	return out
}

// ========== REST ==========

// RESTClient 只读公共接口的 HTTP 客户端，失败时按 Backoff*2^attempt 重试
type RESTClient struct {
	Name       string
	BaseURL    string
	HTTP       *http.Client
	MaxRetries int
	Backoff    time.Duration
}

func NewRESTClient(name, baseURL string) *RESTClient {
	return &RESTClient{
		Name:       name,
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

// StatusError 非 200 响应
type StatusError struct {
	Exchange string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error: %d %s", e.Exchange, e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// GetJSON 发送 GET 请求并解码 JSON 到 out
func (c *RESTClient) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint, err := BuildQueryURL(c.BaseURL, path, params.Encode())
	if err != nil {
		return err
	}

	attempts := c.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.Backoff * time.Duration(1<<(attempt-1))
			log.Warn().Str("exchange", c.Name).Str("path", path).Int("attempt", attempt+1).Dur("wait", wait).Err(lastErr).Msg("retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := c.get(ctx, endpoint)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%s json unmarshal: %w", c.Name, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
	}
	return fmt.Errorf("%s %s after %d attempts: %w", c.Name, path, attempts, lastErr)
}

func (c *RESTClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Exchange: c.Name, Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// BuildQueryURL builds a URL with query parameters
func BuildQueryURL(base, path, query string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query
	return u.String(), nil
}

// ========== WebSocket ==========

// ReadWithPing reads WebSocket messages with periodic pings. onMessage is
// never called after it returns.
func ReadWithPing(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// 关闭连接让读协程退出，返回后不再回调 onMessage
			_ = conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

// Session 一次 WebSocket 连接的生命周期：拨号、订阅、读取，直到断开
type Session func(ctx context.Context) error

// RunWithReconnect 断线自动重连，退避从 500ms 翻倍到 10s；ctx 取消时返回
func RunWithReconnect(ctx context.Context, name string, session Session) {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return
		}
		// 连接维持过一段时间，说明不是持续性故障
		if time.Since(started) > time.Minute {
			backoff = 500 * time.Millisecond
		}
		log.Warn().Str("feed", name).Err(err).Dur("backoff", backoff).Msg("ws disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = MinDuration(backoff*2, maxBackoff)
	}
}

// MinDuration returns the minimum of two durations
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
