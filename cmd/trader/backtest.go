package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/backtester"
	"github.com/atlas-desktop/consensus-trader/internal/config"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const consensusSource = "consensus"

type backtestOptions struct {
	tickers    []string
	strategies []string
	start      string
	end        string
	parallel   int
	jsonOut    bool
}

func newBacktestCmd(opts *rootOptions) *cobra.Command {
	bo := &backtestOptions{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the pipeline or single strategies over stored history",
		Example: `  trader backtest --ticker AAPL --ticker MSFT
  trader backtest --ticker AAPL --strategy consensus --strategy momentum --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runBacktest(cmd, logger, cfg, bo)
		},
	}
	cmd.Flags().StringSliceVar(&bo.tickers, "ticker", nil, "tickers to replay (default: trading.tickers)")
	cmd.Flags().StringSliceVar(&bo.strategies, "strategy", []string{consensusSource}, "\"consensus\" or a strategy name; repeatable")
	cmd.Flags().StringVar(&bo.start, "start", "", "first bar (RFC3339)")
	cmd.Flags().StringVar(&bo.end, "end", "", "last bar (RFC3339)")
	cmd.Flags().IntVar(&bo.parallel, "parallel", 0, "concurrent runs (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&bo.jsonOut, "json", false, "print full results as JSON")
	return cmd
}

func runBacktest(cmd *cobra.Command, logger *zap.Logger, cfg *config.Config, bo *backtestOptions) error {
	ctx := cmd.Context()
	p, err := buildPipeline(logger, cfg)
	if err != nil {
		return err
	}

	tickers := bo.tickers
	if len(tickers) == 0 {
		tickers = cfg.Trading.Tickers
	}
	start, end := time.Time{}, time.Now().Add(24*time.Hour)
	if bo.start != "" {
		if start, err = time.Parse(time.RFC3339, bo.start); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}
	if bo.end != "" {
		if end, err = time.Parse(time.RFC3339, bo.end); err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	}

	var macro []types.OHLCV
	if cfg.Data.MacroSymbol != "" {
		if macro, err = p.store.LoadRange(ctx, cfg.Data.MacroSymbol, cfg.Data.Timeframe, start, end); err != nil {
			logger.Warn("Macro series unavailable, risk will score the asset only", zap.Error(err))
			macro = nil
		}
	}

	var jobs []backtester.Job
	for _, ticker := range tickers {
		series, err := p.store.LoadRange(ctx, ticker, cfg.Data.Timeframe, start, end)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", ticker, err)
		}
		for _, name := range bo.strategies {
			source, err := sourceFor(p, name, ticker, macro)
			if err != nil {
				return err
			}
			jobs = append(jobs, backtester.Job{
				Name:   ticker + "/" + name,
				Series: series,
				Source: source,
				Params: cfg.Backtest,
			})
		}
	}

	results, err := backtester.NewEngine(logger).RunBatch(ctx, jobs, bo.parallel)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if bo.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return printSummary(out, jobs, results)
}

// sourceFor builds a fresh source per job; sources are not shared across runs.
// Sentiment is only available as of now, so replays run without it.
func sourceFor(p *pipeline, name, ticker string, macro []types.OHLCV) (backtester.SignalSource, error) {
	if name == consensusSource {
		return backtester.PipelineSource(p.engine, ticker, macro, nil), nil
	}
	factory, ok := p.registry.Factory(name)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (known: %v)", name, p.registry.Names())
	}
	s, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy %s: %w", name, err)
	}
	return backtester.StrategySource(s), nil
}

func printSummary(out io.Writer, jobs []backtester.Job, results []*backtester.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tBARS\tTRADES\tRETURN\tSHARPE\tMAX DD\tWIN RATE\tFINAL")
	for i, r := range results {
		m := r.Metrics
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f%%\t%.2f\t%.2f%%\t%.1f%%\t%s\n",
			jobs[i].Name, r.Bars, m.TotalTrades, m.TotalReturn*100, m.SharpeRatio,
			m.MaxDrawdown*100, m.WinRate*100, m.FinalCapital.StringFixed(2))
	}
	return w.Flush()
}
