package main

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/api"
	"github.com/atlas-desktop/consensus-trader/internal/autotrade"
	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/ledger"
	"github.com/atlas-desktop/consensus-trader/internal/metrics"
	"github.com/atlas-desktop/consensus-trader/internal/notify"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newLiveCmd(opts *rootOptions) *cobra.Command {
	var noServer bool
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run the trading loop against the paper ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, err := buildPipeline(logger, cfg)
			if err != nil {
				return err
			}

			breaker, err := risk.NewCircuitBreaker(logger, cfg.Breaker.MaxDailyLoss)
			if err != nil {
				return err
			}
			paper, err := ledger.NewPaperLedger(logger, cfg.Paper.InitialCash)
			if err != nil {
				return err
			}
			recorder := metrics.New()
			hub := api.NewHub(logger)
			notifier := notify.Multi{notify.NewLogNotifier(logger), hub}

			loop, err := autotrade.New(logger, &cfg.Trading, autotrade.Deps{
				Engine:    p.engine,
				Breaker:   breaker,
				Sizer:     p.sizer,
				Market:    data.NewFeed(p.store, cfg.Data.Timeframe, cfg.Data.Lookback, cfg.Data.MacroSymbol),
				Ledger:    paper,
				Sentiment: p.sentiment,
				Notifier:  notifier,
				Metrics:   recorder,
			})
			if err != nil {
				return err
			}

			logger.Info("Starting trader",
				zap.String("version", version),
				zap.Strings("tickers", cfg.Trading.Tickers),
				zap.Duration("interval", cfg.Trading.Interval),
				zap.String("initialCash", cfg.Paper.InitialCash.String()),
				zap.String("maxDailyLoss", cfg.Breaker.MaxDailyLoss.String()))

			ctx := cmd.Context()
			group, gctx := errgroup.WithContext(ctx)

			if !noServer {
				server, err := api.NewServer(logger, cfg.Server, api.Deps{
					Breaker:   breaker,
					Decisions: loop,
					Portfolio: paper,
					Store:     p.store,
					Metrics:   recorder,
					Hub:       hub,
					Notifier:  notifier,
				})
				if err != nil {
					return err
				}
				go hub.Run()
				group.Go(server.Start)
				group.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return server.Stop(shutdownCtx)
				})
			}

			group.Go(func() error {
				err := loop.Run(gctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})

			err = group.Wait()
			logger.Info("Trader stopped",
				zap.String("cash", paper.Cash().StringFixed(2)),
				zap.String("equity", paper.Equity().StringFixed(2)),
				zap.Int("openPositions", len(paper.Positions())))
			return err
		},
	}
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the operator HTTP server")
	return cmd
}
