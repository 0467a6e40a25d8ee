package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/svc"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "fundarb",
		Short:         "Funding-rate arbitrage collector and backtester",
		Long:          `Collects perpetual funding rates from Extended, Lighter, Binance and Bybit, and backtests a delta-neutral funding spread strategy on the stored history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.toml", "path to config.toml")

	rootCmd.AddCommand(
		newBacktestCmd(),
		newCollectCmd(),
		newBackfillCmd(),
		newSummaryCmd(),
		newArchiveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap 加载配置、初始化日志和 ServiceContext；配置非法直接退出
func bootstrap(ctx context.Context, override func(*config.Config)) *svc.ServiceContext {
	logger.Setup("info")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", cfgFile).Msg("load config failed")
	}
	if override != nil {
		override(cfg)
	}
	logger.Setup(cfg.App.LogLevel)

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	return sc
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
