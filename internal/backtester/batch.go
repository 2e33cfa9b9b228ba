package backtester

import (
	"context"
	"fmt"
	"runtime"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one independent backtest. Jobs must not share a stateful SignalSource.
type Job struct {
	Name   string
	Series []types.OHLCV
	Source SignalSource
	Params Params
}

// RunBatch runs independent backtests concurrently, at most limit at a time
// (GOMAXPROCS when limit <= 0). Bars within one run are always sequential.
// Results keep the order of jobs. The first failing job cancels the rest.
func (e *Engine) RunBatch(ctx context.Context, jobs []Job, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]*Result, len(jobs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for i, job := range jobs {
		i, job := i, job
		group.Go(func() error {
			res, err := e.Run(gctx, job.Series, job.Source, job.Params)
			if err != nil {
				return fmt.Errorf("backtest %s: %w", job.Name, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	e.logger.Info("Backtest batch completed", zap.Int("jobs", len(jobs)), zap.Int("limit", limit))
	return results, nil
}
