package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	"fundarb/internal/application/usecase/monitor"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/exchange/binance"
	"fundarb/internal/infrastructure/exchange/bybit"
	"fundarb/internal/infrastructure/exchange/extended"
	"fundarb/internal/infrastructure/exchange/lighter"
	"fundarb/internal/infrastructure/simulator"
	"fundarb/internal/infrastructure/storage/composite"
	pgrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	"fundarb/internal/infrastructure/storage/s3archive"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
	"fundarb/internal/interfaces/console"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	redisClient  *redisclient.Client
	redisRepo    *redisrepo.Repo
	sqliteRepo   *sqliterepo.Repo
	postgresRepo *pgrepo.Repo
	repo         *composite.Repo
	archiver     *s3archive.Archiver

	// 输出端口
	Sink port.Sink

	// 交易所
	sources []port.FundingSource

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Sink:        console.NewSink(),
		closerChain: make([]func() error, 0),
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 初始化所有应用组件
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}

	// 1. 交易所数据源
	sc.initializeSources()
	if len(sc.sources) == 0 {
		return ErrNoSourcesEnabled
	}

	log.Info().
		Int("sources", len(sc.sources)).
		Int("repos", sc.repo.Len()).
		Bool("redis", sc.redisRepo != nil).
		Bool("s3", sc.archiver != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (SQLite / Postgres 落历史，Redis 缓存，S3 归档)
func (sc *ServiceContext) initializeStorage() error {
	st := sc.Config.Storage

	if st.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}

	// SQLite 排在最前面，作为读取的主库
	if st.SQLite.Enabled {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}

	if st.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}

	var repos []port.Repository
	if sc.sqliteRepo != nil {
		repos = append(repos, sc.sqliteRepo)
	}
	if sc.postgresRepo != nil {
		repos = append(repos, sc.postgresRepo)
	}
	sc.repo = composite.New(repos...)
	if sc.repo.Len() == 0 {
		return fmt.Errorf("enable storage.sqlite or storage.postgres")
	}

	if st.S3.Enabled {
		if err := sc.initS3(); err != nil {
			return fmt.Errorf("s3 initialization failed: %w", err)
		}
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	cfg := sc.Config.Storage.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.redisRepo = redisrepo.New(
		rdb,
		cfg.Prefix,
		time.Duration(cfg.TTLSeconds)*time.Second,
		cfg.EventStream,
		cfg.EventChannel,
	)

	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initSQLite 初始化 SQLite 数据库
func (sc *ServiceContext) initSQLite() error {
	path := sc.Config.Storage.SQLite.Path
	repo, err := sqliterepo.New(path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.sqliteRepo = repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().Str("path", path).Msg("✓ SQLite initialized")
	return nil
}

func (sc *ServiceContext) initPostgres() error {
	repo, err := pgrepo.New(sc.Config.Storage.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}
	sc.postgresRepo = repo

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

func (sc *ServiceContext) initS3() error {
	cfg := sc.Config.Storage.S3
	bucket, err := s3archive.Open(sc.Ctx, s3archive.Options{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		Bucket:         cfg.Bucket,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		UseSSL:         cfg.UseSSL,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()
	if err := bucket.Ping(ctx); err != nil {
		return err
	}

	sc.archiver = s3archive.NewArchiver(bucket, cfg.Prefix)

	log.Info().Str("bucket", cfg.Bucket).Str("prefix", cfg.Prefix).Msg("✓ S3 archive initialized")
	return nil
}

// initializeSources 按配置启用交易所 REST 数据源
func (sc *ServiceContext) initializeSources() {
	ex := sc.Config.Exchange
	if ex.Extended.Enabled {
		sc.sources = append(sc.sources, extended.NewSource(ex.Extended.RestURL))
	}
	if ex.Lighter.Enabled {
		sc.sources = append(sc.sources, lighter.NewSource(ex.Lighter.RestURL))
	}
	if ex.Binance.Enabled {
		sc.sources = append(sc.sources, binance.NewFundingSource(ex.Binance.RestURL))
	}
	if ex.Bybit.Enabled {
		sc.sources = append(sc.sources, bybit.NewFundingSource(ex.Bybit.RestURL))
	}
	for _, src := range sc.sources {
		log.Info().Str("exchange", src.Name()).Msg("✓ Funding source enabled")
	}
}

// Repository 组合仓储（读主库，写全部）
func (sc *ServiceContext) Repository() port.Repository { return sc.repo }

// Sources 已启用的交易所
func (sc *ServiceContext) Sources() []port.FundingSource { return sc.sources }

// GetRedisRepo 获取 Redis 仓储
func (sc *ServiceContext) GetRedisRepo() *redisrepo.Repo { return sc.redisRepo }

// GetSQLiteRepo 获取 SQLite 仓储
func (sc *ServiceContext) GetSQLiteRepo() *sqliterepo.Repo { return sc.sqliteRepo }

// NewSimulator 每次回测使用独立的模拟撮合
func (sc *ServiceContext) NewSimulator() *simulator.Executor {
	sim := sc.Config.Simulator
	budget := make(map[string]decimal.Decimal, len(sim.MarginBudget))
	for ex, v := range sim.MarginBudget {
		budget[ex] = decimal.NewFromFloat(v)
	}
	return simulator.NewExecutor(simulator.Config{
		RejectOpen:   sim.RejectOpen,
		RejectClose:  sim.RejectClose,
		MarginBudget: budget,
		MarkPrice:    decimal.NewFromFloat(sim.MarkPrice),
		MakerFills:   sim.MakerFills,
	})
}

// BuildBacktestDeps 构建回测依赖
func (sc *ServiceContext) BuildBacktestDeps(exec *simulator.Executor) (service.BacktestDeps, error) {
	fees, err := domainservice.NewFeeModel(sc.Config.FeeTable())
	if err != nil {
		return service.BacktestDeps{}, err
	}
	deps := service.BacktestDeps{
		Funding:          sc.repo,
		Ledger:           sc.repo,
		Sink:             sc.Sink,
		Executor:         exec,
		Fees:             fees,
		Strategy:         sc.Config.StrategyConfig(),
		PropagationDelay: sc.Config.PropagationDelay(),
		Exchanges:        sc.Config.Strategy.Exchanges,
	}
	if sc.Config.Simulator.MarkPrice > 0 {
		deps.Marks = exec
	}
	if sc.redisRepo != nil {
		deps.Events = sc.redisRepo
	}
	return deps, nil
}

// BacktestRequest 配置中的回测区间
func (sc *ServiceContext) BacktestRequest() (service.BacktestRequest, error) {
	bt := sc.Config.Backtest
	start, err := config.ParseTime(bt.Start)
	if err != nil {
		return service.BacktestRequest{}, err
	}
	end, err := config.ParseTime(bt.End)
	if err != nil {
		return service.BacktestRequest{}, err
	}
	return service.BacktestRequest{
		Start:    start,
		End:      end,
		Step:     time.Duration(bt.StepMinutes) * time.Minute,
		Lookback: time.Duration(bt.LookbackHours) * time.Hour,
	}, nil
}

// BuildSyncerDeps 构建资金费率同步器依赖
func (sc *ServiceContext) BuildSyncerDeps() service.SyncerDeps {
	c := sc.Config.Collector
	deps := service.SyncerDeps{
		Sources:  sc.sources,
		Repo:     sc.repo,
		Interval: sc.Config.CollectInterval(),
		Limit:    rate.Limit(c.RateLimit),
		Burst:    c.Burst,
		Workers:  c.Workers,
	}
	if sc.redisRepo != nil {
		deps.Cache = sc.redisRepo
	}
	if sc.archiver != nil {
		deps.Archive = sc.archiver
	}
	return deps
}

// BuildMonitorServiceDeps 构建实时看板依赖
// 配置了 ws_url 的交易所走 WebSocket，其余按采集间隔轮询
func (sc *ServiceContext) BuildMonitorServiceDeps() (monitor.ServiceDeps, error) {
	var (
		feeds     []monitor.FundingFeed
		exchanges []string
	)
	for _, src := range sc.sources {
		exchanges = append(exchanges, src.Name())
		feeds = append(feeds, sc.feedFor(src))
	}
	if len(feeds) == 0 {
		return monitor.ServiceDeps{}, ErrNoFeedsEnabled
	}

	deps := monitor.ServiceDeps{
		Feeds:          feeds,
		Instruments:    sc.Config.Instruments.List,
		Exchanges:      exchanges,
		PrintEvery:     sc.Config.PrintEvery(),
		EntryThreshold: decimal.NewFromFloat(sc.Config.Strategy.EntryThreshold),
		Sink:           sc.Sink,
		Repo:           sc.repo,
	}
	if sc.redisRepo != nil {
		deps.Cache = sc.redisRepo
	}
	return deps, nil
}

func (sc *ServiceContext) feedFor(src port.FundingSource) monitor.FundingFeed {
	ex := sc.Config.Exchange
	switch s := src.(type) {
	case *lighter.Source:
		if ex.Lighter.WsURL != "" {
			return lighter.NewFeed(ex.Lighter.WsURL, s)
		}
	case *binance.FundingSource:
		if ex.Binance.WsURL != "" {
			return binance.NewFeed(ex.Binance.WsURL)
		}
	case *bybit.FundingSource:
		if ex.Bybit.WsURL != "" {
			return bybit.NewFeed(ex.Bybit.WsURL, s)
		}
	}
	return exchange.NewPollFeed(src, sc.Config.CollectInterval())
}

// Close 按照相反的顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
