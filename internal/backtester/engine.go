// Package backtester replays the decision pipeline bar by bar over history.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExitReason explains why a simulated position was closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitSignal     ExitReason = "signal"
	ExitEndOfData  ExitReason = "end_of_data"
)

// Params configures one run
type Params struct {
	WarmupBars     int             `mapstructure:"warmup_bars" json:"warmup_bars"`
	StopLossPct    float64         `mapstructure:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct  float64         `mapstructure:"take_profit_pct" json:"take_profit_pct"`
	InitialCapital decimal.Decimal `mapstructure:"initial_capital" json:"initial_capital"`
}

// DefaultParams returns a 50 bar warm-up, 5% stop and 10% target on 10,000.
func DefaultParams() Params {
	return Params{
		WarmupBars:     50,
		StopLossPct:    0.05,
		TakeProfitPct:  0.10,
		InitialCapital: decimal.NewFromInt(10_000),
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	var errs []error
	if p.WarmupBars < 1 {
		errs = append(errs, fmt.Errorf("backtest: warmup_bars must be >= 1, got %d", p.WarmupBars))
	}
	if p.StopLossPct <= 0 || p.StopLossPct >= 1 {
		errs = append(errs, fmt.Errorf("backtest: stop_loss_pct must be in (0, 1), got %v", p.StopLossPct))
	}
	if p.TakeProfitPct <= 0 {
		errs = append(errs, fmt.Errorf("backtest: take_profit_pct must be positive, got %v", p.TakeProfitPct))
	}
	if !p.InitialCapital.IsPositive() {
		errs = append(errs, fmt.Errorf("backtest: initial_capital must be positive, got %s", p.InitialCapital))
	}
	return errors.Join(errs...)
}

// Trade is one closed round trip
type Trade struct {
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ReturnPct  float64         `json:"return_pct"`
	ExitReason ExitReason      `json:"exit_reason"`
	Bars       int             `json:"bars"`
}

// EquityPoint is the marked-to-market capital at one bar
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	InMarket  bool            `json:"in_market"`
}

// Result is the outcome of one run
type Result struct {
	Source      string        `json:"source"`
	Params      Params        `json:"params"`
	Bars        int           `json:"bars"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Trades      []Trade       `json:"trades"`
	Metrics     Metrics       `json:"metrics"`
	Duration    time.Duration `json:"duration"`
}

// Engine runs single-position long-only simulations. Runs share no state,
// so one Engine may serve concurrent runs.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("backtester")}
}

// position is the open long, if any
type position struct {
	entryPrice decimal.Decimal
	entryTime  time.Time
	entryBar   int
}

// Run replays series through source. It errors only on invalid params or a
// cancelled context; a series too short for the warm-up yields neutral metrics.
func (e *Engine) Run(ctx context.Context, series []types.OHLCV, source SignalSource, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("backtest: signal source is required")
	}

	began := time.Now()
	result := &Result{
		Source: source.Name(),
		Params: params,
		Bars:   len(series),
		Trades: make([]Trade, 0),
	}

	if len(series) <= params.WarmupBars {
		e.logger.Warn("Series shorter than warm-up, returning neutral result",
			zap.String("source", source.Name()),
			zap.Int("bars", len(series)),
			zap.Int("warmup", params.WarmupBars))
		result.EquityCurve = make([]EquityPoint, len(series))
		for i, bar := range series {
			result.EquityCurve[i] = EquityPoint{Timestamp: bar.Timestamp, Equity: params.InitialCapital}
		}
		result.Metrics = neutralMetrics(params.InitialCapital)
		result.Duration = time.Since(began)
		return result, nil
	}

	one := decimal.NewFromInt(1)
	stopLevel := one.Sub(decimal.NewFromFloat(params.StopLossPct))
	targetLevel := one.Add(decimal.NewFromFloat(params.TakeProfitPct))

	capital := params.InitialCapital
	var open *position
	curve := make([]EquityPoint, 0, len(series)-params.WarmupBars)

	closeAt := func(i int, price decimal.Decimal, reason ExitReason) {
		move := price.Div(open.entryPrice)
		capital = capital.Mul(move)
		result.Trades = append(result.Trades, Trade{
			EntryTime:  open.entryTime,
			ExitTime:   series[i].Timestamp,
			EntryPrice: open.entryPrice,
			ExitPrice:  price,
			ReturnPct:  move.Sub(one).InexactFloat64(),
			ExitReason: reason,
			Bars:       i - open.entryBar,
		})
		open = nil
	}

	for i := params.WarmupBars; i < len(series); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bar := series[i]
		price := bar.Close
		window := series[:i+1]

		if open != nil {
			move := price.Div(open.entryPrice)
			switch {
			case move.LessThanOrEqual(stopLevel):
				closeAt(i, price, ExitStopLoss)
			case move.GreaterThanOrEqual(targetLevel):
				closeAt(i, price, ExitTakeProfit)
			case e.evaluate(ctx, source, window) == types.DirectionSell:
				closeAt(i, price, ExitSignal)
			}
			// no re-entry on the exit bar
		} else if e.evaluate(ctx, source, window) == types.DirectionBuy && price.IsPositive() {
			open = &position{entryPrice: price, entryTime: bar.Timestamp, entryBar: i}
		}

		equity := capital
		if open != nil {
			equity = capital.Mul(price.Div(open.entryPrice))
		}
		curve = append(curve, EquityPoint{Timestamp: bar.Timestamp, Equity: equity, InMarket: open != nil})
	}

	if open != nil {
		last := len(series) - 1
		closeAt(last, series[last].Close, ExitEndOfData)
		curve[len(curve)-1].InMarket = false
	}

	result.EquityCurve = curve
	result.Metrics = CalculateMetrics(curve, result.Trades, params.InitialCapital)
	result.Duration = time.Since(began)

	e.logger.Info("Backtest completed",
		zap.String("source", source.Name()),
		zap.Int("bars", len(series)),
		zap.Int("trades", result.Metrics.TotalTrades),
		zap.Float64("totalReturn", result.Metrics.TotalReturn),
		zap.Float64("sharpe", result.Metrics.SharpeRatio),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// evaluate asks the source for a direction; an error on one bar is a HOLD.
func (e *Engine) evaluate(ctx context.Context, source SignalSource, window []types.OHLCV) types.Direction {
	dir, err := source.Evaluate(ctx, window)
	if err != nil {
		e.logger.Debug("Signal source failed, holding",
			zap.String("source", source.Name()),
			zap.Int("bar", len(window)-1),
			zap.Error(err))
		return types.DirectionHold
	}
	return dir
}
