package backtester

import (
	"context"
	"sort"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/sentiment"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
)

// SignalSource gives a direction for the window ending at the current bar
type SignalSource interface {
	Name() string
	Evaluate(ctx context.Context, window []types.OHLCV) (types.Direction, error)
}

type strategySource struct {
	strategy strategy.Strategy
}

// StrategySource replays a single strategy.
func StrategySource(s strategy.Strategy) SignalSource {
	return &strategySource{strategy: s}
}

func (s *strategySource) Name() string { return s.strategy.Name() }

func (s *strategySource) Evaluate(_ context.Context, window []types.OHLCV) (types.Direction, error) {
	sig, err := s.strategy.GenerateSignal(window)
	if err != nil {
		return types.DirectionHold, err
	}
	return sig.Direction, nil
}

// Pipeline replays the full consensus pipeline for one ticker
type Pipeline struct {
	engine    *consensus.Engine
	ticker    string
	macro     []types.OHLCV
	sentiment *sentiment.Guard

	// OnDecision, when set, sees every decision in bar order.
	OnDecision func(d *consensus.Decision)
}

// PipelineSource creates a pipeline source. macro may be nil; sentiment may be
// nil, in which case the sentiment vote is absent on every bar.
func PipelineSource(engine *consensus.Engine, ticker string, macro []types.OHLCV, guard *sentiment.Guard) *Pipeline {
	return &Pipeline{
		engine:    engine,
		ticker:    ticker,
		macro:     macro,
		sentiment: guard,
	}
}

// Name identifies the source.
func (p *Pipeline) Name() string { return "consensus:" + p.ticker }

// Evaluate deliberates on the window using only macro bars known at its last timestamp.
func (p *Pipeline) Evaluate(ctx context.Context, window []types.OHLCV) (types.Direction, error) {
	if len(window) == 0 {
		return types.DirectionHold, nil
	}
	now := window[len(window)-1].Timestamp

	d := p.engine.Deliberate(consensus.Input{
		Ticker:    p.ticker,
		Window:    window,
		Macro:     p.macroAsOf(now),
		Sentiment: p.sentiment.Score(ctx, p.ticker),
		Timestamp: now,
	})
	if p.OnDecision != nil {
		p.OnDecision(d)
	}
	return d.Direction, nil
}

// macroAsOf avoids look-ahead: bars after ts are cut off.
func (p *Pipeline) macroAsOf(ts time.Time) []types.OHLCV {
	n := sort.Search(len(p.macro), func(i int) bool { return p.macro[i].Timestamp.After(ts) })
	return p.macro[:n]
}
