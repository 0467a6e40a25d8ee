package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo 最新费率缓存 + 持仓事件推送
// 不实现 port.Repository：历史数据只落 SQL
type Repo struct {
	rdb            *redis.Client
	prefix         string
	ttl            time.Duration
	keyLatest      string // prefix + ":latest"
	positionStream string
	positionChan   string
}

// LatestRate hash 中每个字段的值
type LatestRate struct {
	Exchange        string `json:"exchange"`
	Instrument      string `json:"instrument"`
	Rate            string `json:"rate"`
	HourlyRate      string `json:"hourly_rate"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Ts              int64  `json:"ts"`
}

// PositionEvent stream / pubsub 的消息体
type PositionEvent struct {
	Ts            int64  `json:"ts_ms"`
	PositionID    string `json:"position_id"`
	RunID         string `json:"run_id"`
	Instrument    string `json:"instrument"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`
	Status        string `json:"status"`
	ExitReason    string `json:"exit_reason,omitempty"`
	EntrySpread   string `json:"entry_spread"`
	RealizedPnL   string `json:"realized_pnl"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, positionStream, positionChan string) *Repo {
	if strings.TrimSpace(positionStream) == "" {
		positionStream = prefix + ":positions"
	}
	if strings.TrimSpace(positionChan) == "" {
		positionChan = prefix + ":positions:pub"
	}
	return &Repo{
		rdb:            rdb,
		prefix:         prefix,
		ttl:            ttl,
		keyLatest:      prefix + ":latest",
		positionStream: positionStream,
		positionChan:   positionChan,
	}
}

// LatestKey hash 的 key
func (r *Repo) LatestKey() string { return r.keyLatest }

// LatestField hash 字段名，例如 "lighter:ZEC"
func LatestField(exchange, instrument string) string {
	return fmt.Sprintf("%s:%s", model.NormalizeExchange(exchange), model.NormalizeInstrument(instrument))
}

func NewLatestRate(obs model.FundingObservation) LatestRate {
	return LatestRate{
		Exchange:        obs.Exchange,
		Instrument:      obs.Instrument,
		Rate:            obs.Rate.String(),
		HourlyRate:      obs.HourlyRate().String(),
		IntervalSeconds: obs.IntervalSeconds,
		Ts:              obs.Timestamp.UnixMilli(),
	}
}

func NewPositionEvent(pos *model.ArbitragePosition, now time.Time) PositionEvent {
	return PositionEvent{
		Ts:            now.UnixMilli(),
		PositionID:    pos.ID,
		RunID:         pos.RunID,
		Instrument:    pos.Instrument,
		LongExchange:  pos.Long.Exchange,
		ShortExchange: pos.Short.Exchange,
		Status:        string(pos.Status),
		ExitReason:    string(pos.ExitReason),
		EntrySpread:   pos.EntrySpread.String(),
		RealizedPnL:   pos.RealizedPnL.String(),
	}
}

func (r *Repo) UpsertLatest(ctx context.Context, obs model.FundingObservation) error {
	if err := obs.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(NewLatestRate(obs))
	if err != nil {
		return err
	}

	// Hash: field = "lighter:ZEC" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, LatestField(obs.Exchange, obs.Instrument), string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetLatest 读取缓存中的最新费率，不存在返回 ErrNotFound
func (r *Repo) GetLatest(ctx context.Context, exchange, instrument string) (LatestRate, error) {
	var lr LatestRate
	s, err := r.rdb.HGet(ctx, r.keyLatest, LatestField(exchange, instrument)).Result()
	if err == redis.Nil {
		return lr, fmt.Errorf("%s %s: %w", exchange, instrument, model.ErrNotFound)
	}
	if err != nil {
		return lr, err
	}
	err = json.Unmarshal([]byte(s), &lr)
	return lr, err
}

func (r *Repo) PublishPosition(ctx context.Context, pos *model.ArbitragePosition) error {
	ev := NewPositionEvent(pos, time.Now())
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> * ts_ms position_id status payload
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.positionStream,
		Values: map[string]any{
			"ts_ms":       ev.Ts,
			"position_id": ev.PositionID,
			"instrument":  ev.Instrument,
			"status":      ev.Status,
			"payload":     string(b),
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	return r.rdb.Publish(ctx, r.positionChan, string(b)).Err()
}

var (
	_ port.LatestRateCache = (*Repo)(nil)
	_ port.EventPublisher  = (*Repo)(nil)
)
