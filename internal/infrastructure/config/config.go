package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
	"fundarb/internal/domain/service"
)

type Config struct {
	App struct {
		LogLevel      string `toml:"log_level"`
		PrintEveryMin int    `toml:"print_every_min"`
	} `toml:"app"`

	Instruments struct {
		List []string `toml:"list"`
	} `toml:"instruments"`

	Strategy struct {
		EntryThreshold          float64  `toml:"entry_threshold"`      // 小时价差
		AbsoluteExitSpread      float64  `toml:"absolute_exit_spread"` // 小时价差
		CompressionExitRatio    float64  `toml:"compression_exit_ratio"`
		MaxDurationHours        int      `toml:"max_duration_hours"`
		MaxLossFraction         float64  `toml:"max_loss_fraction"`
		NotionalPerLeg          float64  `toml:"notional_per_leg"`
		Leverage                int      `toml:"leverage"`
		PropagationDelaySeconds int      `toml:"propagation_delay_seconds"`
		StopLossBasis           string   `toml:"stop_loss_basis"`
		Exchanges               []string `toml:"exchanges"` // 为空表示数据中出现的全部交易所
	} `toml:"strategy"`

	Backtest struct {
		Start         string `toml:"start"` // RFC3339 或 2006-01-02
		End           string `toml:"end"`
		StepMinutes   int    `toml:"step_minutes"`
		LookbackHours int    `toml:"lookback_hours"`
		RunID         string `toml:"run_id"`
	} `toml:"backtest"`

	// Fees 交易所 -> 费率；为空时使用内置默认表
	Fees map[string]FeeConfig `toml:"fees"`

	Simulator SimulatorConfig `toml:"simulator"`

	Exchange struct {
		Extended VenueConfig `toml:"extended"`
		Lighter  VenueConfig `toml:"lighter"`
		Binance  VenueConfig `toml:"binance"`
		Bybit    VenueConfig `toml:"bybit"`
	} `toml:"exchange"`

	Collector struct {
		IntervalMinutes int     `toml:"interval_minutes"`
		RateLimit       float64 `toml:"rate_limit"` // 每秒请求数
		Burst           int     `toml:"burst"`
		Workers         int     `toml:"workers"`
		BackfillDays    int     `toml:"backfill_days"`
		ChunkHours      int     `toml:"chunk_hours"`
		Live            bool    `toml:"live"` // 同时订阅 WebSocket
	} `toml:"collector"`

	Storage struct {
		SQLite struct {
			Enabled bool   `toml:"enabled"`
			Path    string `toml:"path"`
		} `toml:"sqlite"`

		Postgres struct {
			Enabled bool   `toml:"enabled"`
			DSN     string `toml:"dsn"`
		} `toml:"postgres"`

		Redis struct {
			Enabled      bool   `toml:"enabled"`
			Addr         string `toml:"addr"`
			Password     string `toml:"password"`
			DB           int    `toml:"db"`
			Prefix       string `toml:"prefix"`
			TTLSeconds   int    `toml:"ttl_seconds"`
			EventStream  string `toml:"event_stream"`
			EventChannel string `toml:"event_channel"`
		} `toml:"redis"`

		S3 struct {
			Enabled        bool   `toml:"enabled"`
			Endpoint       string `toml:"endpoint"`
			Region         string `toml:"region"`
			Bucket         string `toml:"bucket"`
			AccessKey      string `toml:"access_key"`
			SecretKey      string `toml:"secret_key"`
			UseSSL         bool   `toml:"use_ssl"`
			ForcePathStyle bool   `toml:"force_path_style"`
			Prefix         string `toml:"prefix"`
		} `toml:"s3"`
	} `toml:"storage"`
}

type FeeConfig struct {
	Maker float64 `toml:"maker"`
	Taker float64 `toml:"taker"`
}

type VenueConfig struct {
	Enabled bool   `toml:"enabled"`
	RestURL string `toml:"rest_url"`
	WsURL   string `toml:"ws_url"`
}

// SimulatorConfig 模拟撮合参数
type SimulatorConfig struct {
	RejectOpen   []string           `toml:"reject_open"`   // 这些交易所拒绝开仓
	RejectClose  []string           `toml:"reject_close"`  // 这些交易所拒绝平仓
	MarginBudget map[string]float64 `toml:"margin_budget"` // 交易所 -> 可用保证金，缺省不限
	MarkPrice    float64            `toml:"mark_price"`    // 固定标记价格，0 表示不提供
	MakerFills   bool               `toml:"maker_fills"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	// 策略参数只补未写的键；显式写出的值（包括 0 和负数）交给 validate
	applyStrategyDefaults(&cfg, md)
	// .env 不存在时忽略
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		if errors.Is(err, model.ErrInvalidConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

func applyStrategyDefaults(cfg *Config, md toml.MetaData) {
	missing := func(key string) bool { return !md.IsDefined("strategy", key) }

	s := &cfg.Strategy
	if missing("entry_threshold") {
		s.EntryThreshold = 0.003
	}
	if missing("absolute_exit_spread") {
		s.AbsoluteExitSpread = 0.002
	}
	if missing("compression_exit_ratio") {
		s.CompressionExitRatio = 0.6
	}
	if missing("max_duration_hours") {
		s.MaxDurationHours = 24
	}
	if missing("max_loss_fraction") {
		s.MaxLossFraction = 0.03
	}
	if missing("notional_per_leg") {
		s.NotionalPerLeg = 500
	}
	if missing("leverage") {
		s.Leverage = 5
	}
	if missing("propagation_delay_seconds") {
		s.PropagationDelaySeconds = int(service.DefaultPropagationDelay / time.Second)
	}
	if missing("stop_loss_basis") {
		s.StopLossBasis = string(service.StopLossFundingOnly)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}

	if cfg.Backtest.StepMinutes <= 0 {
		cfg.Backtest.StepMinutes = 60
	}
	if cfg.Backtest.LookbackHours <= 0 {
		cfg.Backtest.LookbackHours = 24
	}

	if cfg.Collector.IntervalMinutes <= 0 {
		cfg.Collector.IntervalMinutes = 60
	}
	if cfg.Collector.RateLimit <= 0 {
		cfg.Collector.RateLimit = 5
	}
	if cfg.Collector.Burst <= 0 {
		cfg.Collector.Burst = 1
	}
	if cfg.Collector.Workers <= 0 {
		cfg.Collector.Workers = 4
	}
	if cfg.Collector.BackfillDays <= 0 {
		cfg.Collector.BackfillDays = 30
	}
	if cfg.Collector.ChunkHours <= 0 {
		cfg.Collector.ChunkHours = 24 * 7
	}

	ex := &cfg.Exchange
	if ex.Extended.RestURL == "" {
		ex.Extended.RestURL = "https://api.starknet.extended.exchange/api/v1"
	}
	if ex.Lighter.RestURL == "" {
		ex.Lighter.RestURL = "https://mainnet.zklighter.elliot.ai"
	}
	if ex.Lighter.WsURL == "" {
		ex.Lighter.WsURL = "wss://mainnet.zklighter.elliot.ai/stream"
	}
	if ex.Binance.RestURL == "" {
		ex.Binance.RestURL = "https://fapi.binance.com"
	}
	if ex.Bybit.RestURL == "" {
		ex.Bybit.RestURL = "https://api.bybit.com"
	}

	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/fundarb.db"
	}
	r := &cfg.Storage.Redis
	if r.Addr == "" {
		r.Addr = "127.0.0.1:6379"
	}
	if r.Prefix == "" {
		r.Prefix = "fundarb"
	}
	if r.TTLSeconds <= 0 {
		r.TTLSeconds = 24 * 3600
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.Prefix == "" {
		cfg.Storage.S3.Prefix = "funding"
	}
}

func validate(cfg *Config) error {
	cfg.Instruments.List = normalizeSymbols(cfg.Instruments.List)
	if len(cfg.Instruments.List) == 0 {
		return errors.New("instruments.list is empty")
	}

	s := cfg.Strategy
	if s.CompressionExitRatio < 0 || s.CompressionExitRatio > 1 {
		return fmt.Errorf("strategy.compression_exit_ratio %.4f must be within [0, 1]", s.CompressionExitRatio)
	}
	if s.PropagationDelaySeconds < 0 {
		return errors.New("strategy.propagation_delay_seconds must be >= 0")
	}
	// 退出阈值不低于入场阈值时，开仓后下一步必然平仓
	if s.AbsoluteExitSpread >= s.EntryThreshold {
		return fmt.Errorf("strategy.absolute_exit_spread %.6f must be below entry_threshold %.6f", s.AbsoluteExitSpread, s.EntryThreshold)
	}
	switch service.StopLossBasis(s.StopLossBasis) {
	case service.StopLossFundingOnly, service.StopLossFundingAndPrice:
	default:
		return fmt.Errorf("strategy.stop_loss_basis %q unknown", s.StopLossBasis)
	}
	if service.StopLossBasis(s.StopLossBasis) == service.StopLossFundingAndPrice && cfg.Simulator.MarkPrice <= 0 {
		return errors.New("strategy.stop_loss_basis funding_and_price needs simulator.mark_price")
	}

	for ex, f := range cfg.Fees {
		if f.Maker < 0 || f.Taker < 0 {
			return fmt.Errorf("fees.%s: negative rate", ex)
		}
	}

	if cfg.Backtest.Start != "" {
		if _, err := ParseTime(cfg.Backtest.Start); err != nil {
			return fmt.Errorf("backtest.start: %w", err)
		}
	}
	if cfg.Backtest.End != "" {
		if _, err := ParseTime(cfg.Backtest.End); err != nil {
			return fmt.Errorf("backtest.end: %w", err)
		}
	}

	if err := cfg.StrategyConfig().Validate(); err != nil {
		return err
	}

	if cfg.Exchange.Lighter.Enabled && cfg.Collector.Live && strings.TrimSpace(cfg.Exchange.Lighter.WsURL) == "" {
		return errors.New("exchange.lighter.ws_url empty but live collection enabled")
	}
	if cfg.Storage.Postgres.Enabled && strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
		return errors.New("storage.postgres.dsn empty but enabled")
	}
	if cfg.Storage.S3.Enabled && strings.TrimSpace(cfg.Storage.S3.Bucket) == "" {
		return errors.New("storage.s3.bucket empty but enabled")
	}
	return nil
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// ParseTime 接受 RFC3339 或纯日期（UTC 零点）
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

// StrategyConfig 转换为领域层策略参数
func (c *Config) StrategyConfig() service.StrategyConfig {
	s := c.Strategy
	return service.StrategyConfig{
		RunID:                c.Backtest.RunID,
		Instruments:          append([]string(nil), c.Instruments.List...),
		EntryThreshold:       decimal.NewFromFloat(s.EntryThreshold),
		AbsoluteExitSpread:   decimal.NewFromFloat(s.AbsoluteExitSpread),
		CompressionExitRatio: decimal.NewFromFloat(s.CompressionExitRatio),
		MaxDuration:          time.Duration(s.MaxDurationHours) * time.Hour,
		MaxLossFraction:      decimal.NewFromFloat(s.MaxLossFraction),
		NotionalPerLeg:       decimal.NewFromFloat(s.NotionalPerLeg),
		Leverage:             s.Leverage,
		StopLossBasis:        service.StopLossBasis(s.StopLossBasis),
	}
}

func (c *Config) PropagationDelay() time.Duration {
	return time.Duration(c.Strategy.PropagationDelaySeconds) * time.Second
}

// FeeTable 配置中的费率覆盖默认表中的同名交易所
func (c *Config) FeeTable() map[string]service.FeeSchedule {
	table := make(map[string]service.FeeSchedule, len(service.DefaultFeeSchedules)+len(c.Fees))
	for ex, fs := range service.DefaultFeeSchedules {
		table[ex] = fs
	}
	for ex, f := range c.Fees {
		table[model.NormalizeExchange(ex)] = service.FeeSchedule{
			Maker: decimal.NewFromFloat(f.Maker),
			Taker: decimal.NewFromFloat(f.Taker),
		}
	}
	return table
}

func (c *Config) PrintEvery() time.Duration {
	return time.Duration(c.App.PrintEveryMin) * time.Minute
}

func (c *Config) CollectInterval() time.Duration {
	return time.Duration(c.Collector.IntervalMinutes) * time.Minute
}

// ========== env overrides ==========

// applyEnvOverrides 环境变量优先于配置文件，用于密钥和部署差异
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.App.LogLevel, "FUNDARB_LOG_LEVEL")
	setStringSlice(&cfg.Instruments.List, "FUNDARB_INSTRUMENTS")

	setFloat64(&cfg.Strategy.EntryThreshold, "FUNDARB_ENTRY_THRESHOLD")
	setFloat64(&cfg.Strategy.AbsoluteExitSpread, "FUNDARB_ABSOLUTE_EXIT_SPREAD")
	setFloat64(&cfg.Strategy.CompressionExitRatio, "FUNDARB_COMPRESSION_EXIT_RATIO")
	setInt(&cfg.Strategy.MaxDurationHours, "FUNDARB_MAX_DURATION_HOURS")
	setFloat64(&cfg.Strategy.NotionalPerLeg, "FUNDARB_NOTIONAL_PER_LEG")
	setStr(&cfg.Strategy.StopLossBasis, "FUNDARB_STOP_LOSS_BASIS")

	setStr(&cfg.Backtest.Start, "FUNDARB_BACKTEST_START")
	setStr(&cfg.Backtest.End, "FUNDARB_BACKTEST_END")

	setBool(&cfg.Storage.SQLite.Enabled, "FUNDARB_SQLITE_ENABLED")
	setStr(&cfg.Storage.SQLite.Path, "FUNDARB_SQLITE_PATH")
	setBool(&cfg.Storage.Postgres.Enabled, "FUNDARB_POSTGRES_ENABLED")
	setStr(&cfg.Storage.Postgres.DSN, "FUNDARB_POSTGRES_DSN")
	setBool(&cfg.Storage.Redis.Enabled, "FUNDARB_REDIS_ENABLED")
	setStr(&cfg.Storage.Redis.Addr, "FUNDARB_REDIS_ADDR")
	setStr(&cfg.Storage.Redis.Password, "FUNDARB_REDIS_PASSWORD")
	setInt(&cfg.Storage.Redis.DB, "FUNDARB_REDIS_DB")
	setBool(&cfg.Storage.S3.Enabled, "FUNDARB_S3_ENABLED")
	setStr(&cfg.Storage.S3.Endpoint, "FUNDARB_S3_ENDPOINT")
	setStr(&cfg.Storage.S3.Bucket, "FUNDARB_S3_BUCKET")
	setStr(&cfg.Storage.S3.AccessKey, "FUNDARB_S3_ACCESS_KEY")
	setStr(&cfg.Storage.S3.SecretKey, "FUNDARB_S3_SECRET_KEY")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
