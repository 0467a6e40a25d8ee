package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	"fundarb/internal/application/usecase/monitor"
	"fundarb/internal/infrastructure/config"
)

func newBacktestCmd() *cobra.Command {
	var start, end, runID string
	var step time.Duration

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored funding history through the arbitrage strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			sc := bootstrap(ctx, func(cfg *config.Config) {
				if start != "" {
					cfg.Backtest.Start = start
				}
				if end != "" {
					cfg.Backtest.End = end
				}
				if runID != "" {
					cfg.Backtest.RunID = runID
				}
				if step > 0 {
					cfg.Backtest.StepMinutes = int(step / time.Minute)
				}
			})
			defer sc.Close()

			req, err := sc.BacktestRequest()
			if err != nil {
				log.Fatal().Err(err).Msg("invalid backtest window")
			}
			sim := sc.NewSimulator()
			deps, err := sc.BuildBacktestDeps(sim)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid fee table")
			}

			res, err := service.NewBacktestService(deps).Run(ctx, req)
			if res == nil || (err != nil && !errors.Is(err, context.Canceled)) {
				return err
			}
			st := sim.Stats()
			log.Info().
				Str("run", res.Summary.RunID).
				Int("legs_opened", st.Opened).
				Int("legs_closed", st.Closed).
				Int("legs_rejected", st.Rejected).
				Msg("simulator stats")
			for _, acct := range st.Accounts {
				log.Info().
					Str("exchange", acct.Exchange).
					Str("peak_margin", acct.Peak.StringFixed(2)).
					Int("open_legs", acct.OpenLegs).
					Msg("simulator margin")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "backtest start (RFC3339 or YYYY-MM-DD), overrides config")
	cmd.Flags().StringVar(&end, "end", "", "backtest end (RFC3339 or YYYY-MM-DD), overrides config")
	cmd.Flags().StringVar(&runID, "run-id", "", "ledger run id (default: random uuid)")
	cmd.Flags().DurationVar(&step, "step", 0, "step size, e.g. 1h")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var live bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Poll current funding rates into storage, optionally with a live spread board",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			sc := bootstrap(ctx, func(cfg *config.Config) {
				if cmd.Flags().Changed("live") {
					cfg.Collector.Live = live
				}
			})
			defer sc.Close()

			cfg := sc.Config
			syncer := service.NewFundingRateSyncer(sc.BuildSyncerDeps())
			if err := syncer.Start(ctx, cfg.Instruments.List); err != nil {
				return err
			}

			log.Info().
				Str("config", cfgFile).
				Strs("instruments", cfg.Instruments.List).
				Dur("interval", cfg.CollectInterval()).
				Bool("live", cfg.Collector.Live).
				Msg("fundarb collector started")

			if !cfg.Collector.Live {
				<-ctx.Done()
				return nil
			}

			deps, err := sc.BuildMonitorServiceDeps()
			if err != nil {
				return err
			}
			if err := monitor.NewService(deps).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("monitor service exited")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "subscribe to live feeds and print the spread board")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var start, end string
	var days int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Download historical funding rates from every enabled exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			sc := bootstrap(ctx, nil)
			defer sc.Close()
			cfg := sc.Config

			to := time.Now().UTC().Truncate(time.Hour)
			if end != "" {
				t, err := config.ParseTime(end)
				if err != nil {
					return err
				}
				to = t
			}
			if days <= 0 {
				days = cfg.Collector.BackfillDays
			}
			from := to.Add(-time.Duration(days) * 24 * time.Hour)
			if start != "" {
				t, err := config.ParseTime(start)
				if err != nil {
					return err
				}
				from = t
			}

			syncer := service.NewFundingRateSyncer(sc.BuildSyncerDeps())
			n, err := syncer.Backfill(ctx, cfg.Instruments.List, from, to, time.Duration(cfg.Collector.ChunkHours)*time.Hour)
			log.Info().
				Time("from", from).
				Time("to", to).
				Int("rows", n).
				Msg("backfill finished")
			return err
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day to download (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last moment to download (default: now)")
	cmd.Flags().IntVar(&days, "days", 0, "days to download when --start is not set (default: collector.backfill_days)")
	return cmd
}

func newSummaryCmd() *cobra.Command {
	var exchanges, instruments []string
	var start, end string
	var maxGap time.Duration

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show stored funding data coverage and gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			sc := bootstrap(ctx, nil)
			defer sc.Close()

			q := port.FundingQuery{Exchanges: exchanges, Instruments: instruments}
			if len(q.Instruments) == 0 {
				q.Instruments = sc.Config.Instruments.List
			}
			var err error
			if start != "" {
				if q.Start, err = config.ParseTime(start); err != nil {
					return err
				}
			}
			if end != "" {
				if q.End, err = config.ParseTime(end); err != nil {
					return err
				}
			}

			sum, err := service.SummarizeData(ctx, sc.Repository(), q, maxGap)
			if err != nil {
				return err
			}
			for _, line := range service.FormatDataSummary(sum) {
				_ = sc.Sink.WriteLine(line)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&exchanges, "exchange", nil, "limit to exchanges (repeatable)")
	cmd.Flags().StringSliceVar(&instruments, "instrument", nil, "limit to instruments (default: config list)")
	cmd.Flags().StringVar(&start, "start", "", "range start")
	cmd.Flags().StringVar(&end, "end", "", "range end")
	cmd.Flags().DurationVar(&maxGap, "max-gap", service.DefaultMaxGap, "report gaps longer than this")
	return cmd
}

func newArchiveCmd() *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload one UTC day of funding observations to S3 as JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			sc := bootstrap(ctx, nil)
			defer sc.Close()

			d := time.Now().UTC().Add(-24 * time.Hour)
			if strings.TrimSpace(day) != "" {
				t, err := config.ParseTime(day)
				if err != nil {
					return err
				}
				d = t
			}

			key, err := service.NewFundingRateSyncer(sc.BuildSyncerDeps()).ArchiveDay(ctx, d)
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no observations on %s", d.Format(time.DateOnly))
			}
			return sc.Sink.WriteLine(key)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day to archive, YYYY-MM-DD (default: yesterday)")
	return cmd
}
