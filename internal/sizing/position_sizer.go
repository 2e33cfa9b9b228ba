// Package sizing provides Kelly Criterion position sizing.
// f* = (p*b - q) / b where p = win rate, q = 1-p, b = win/loss ratio.
// Half Kelly by default, hard-capped at a fraction of equity.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SizingConfig configures position sizing
type SizingConfig struct {
	HalfKelly         bool    `mapstructure:"half_kelly"`          // multiply Kelly by 0.5
	MaxFraction       float64 `mapstructure:"max_fraction"`        // hard cap as fraction of equity
	MinHistory        int     `mapstructure:"min_history"`         // outcomes needed before trusting statistics
	ColdStartFraction float64 `mapstructure:"cold_start_fraction"` // used until MinHistory is reached
	LookbackTrades    int     `mapstructure:"lookback_trades"`     // trailing sample size, 0 = all
}

// DefaultSizingConfig returns conservative defaults
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		HalfKelly:         true,
		MaxFraction:       0.10, // 10% max per position
		MinHistory:        5,
		ColdStartFraction: 0.02,
		LookbackTrades:    100,
	}
}

// Validate checks the configuration.
func (c *SizingConfig) Validate() error {
	var errs []error
	if c.MaxFraction <= 0 || c.MaxFraction > 1 {
		errs = append(errs, fmt.Errorf("sizing: max_fraction must be in (0, 1], got %v", c.MaxFraction))
	}
	if c.ColdStartFraction < 0 || c.ColdStartFraction > 1 {
		errs = append(errs, fmt.Errorf("sizing: cold_start_fraction must be in [0, 1], got %v", c.ColdStartFraction))
	}
	if c.MinHistory < 0 {
		errs = append(errs, fmt.Errorf("sizing: min_history must be >= 0, got %d", c.MinHistory))
	}
	if c.LookbackTrades < 0 {
		errs = append(errs, fmt.Errorf("sizing: lookback_trades must be >= 0, got %d", c.LookbackTrades))
	}
	return errors.Join(errs...)
}

// KellySizer converts trade statistics into a bounded fraction of equity.
// Parameters are recomputed on every call; the sizer keeps no history of its own.
type KellySizer struct {
	logger *zap.Logger
	config *SizingConfig
}

// NewKellySizer creates a sizer, failing on invalid configuration.
func NewKellySizer(logger *zap.Logger, config *SizingConfig) (*KellySizer, error) {
	if config == nil {
		config = DefaultSizingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &KellySizer{
		logger: logger.Named("sizing"),
		config: config,
	}, nil
}

// Config returns the active configuration.
func (ks *KellySizer) Config() SizingConfig {
	return *ks.config
}

// CalculateSize returns the fraction of equity to commit, in [0, MaxFraction].
func (ks *KellySizer) CalculateSize(winRate, winLossRatio float64) float64 {
	f := kelly(winRate, winLossRatio)
	if ks.config.HalfKelly {
		f *= 0.5
	}
	// cap is applied last, after halving
	return math.Min(f, ks.config.MaxFraction)
}

// CalculateFromHistory derives win rate and payoff from realized trade returns.
func (ks *KellySizer) CalculateFromHistory(returns []float64) float64 {
	stats := ks.Statistics(returns)

	switch {
	case stats.Wins+stats.Losses < ks.config.MinHistory:
		ks.logger.Debug("Not enough trade history, using cold start fraction",
			zap.Int("outcomes", stats.Wins+stats.Losses),
			zap.Int("minHistory", ks.config.MinHistory))
		return math.Min(ks.config.ColdStartFraction, ks.config.MaxFraction)
	case stats.Losses == 0:
		// no losing trades: ratio undefined, still bounded by the cap
		return ks.config.MaxFraction
	}
	return ks.CalculateSize(stats.WinRate, stats.PayoffRatio)
}

// TradeStatistics contains trading statistics
type TradeStatistics struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"` // positive magnitude
	PayoffRatio  float64 `json:"payoff_ratio"`
	Expectancy   float64 `json:"expectancy"`
	KellyOptimal float64 `json:"kelly_optimal"`
	KellyUsed    float64 `json:"kelly_used"`
}

// Statistics summarizes the trailing sample. Breakeven trades are ignored.
func (ks *KellySizer) Statistics(returns []float64) TradeStatistics {
	if n := ks.config.LookbackTrades; n > 0 && len(returns) > n {
		returns = returns[len(returns)-n:]
	}

	stats := TradeStatistics{TotalTrades: len(returns)}
	var sumWins, sumLosses float64
	for _, r := range returns {
		switch {
		case !utils.Finite(r):
			continue
		case r > 0:
			stats.Wins++
			sumWins += r
		case r < 0:
			stats.Losses++
			sumLosses += -r
		}
	}

	decided := stats.Wins + stats.Losses
	if decided == 0 {
		return stats
	}
	stats.WinRate = float64(stats.Wins) / float64(decided)
	if stats.Wins > 0 {
		stats.AvgWin = sumWins / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = sumLosses / float64(stats.Losses)
		stats.PayoffRatio = stats.AvgWin / stats.AvgLoss
		stats.KellyOptimal = kelly(stats.WinRate, stats.PayoffRatio)
		stats.KellyUsed = ks.CalculateSize(stats.WinRate, stats.PayoffRatio)
	}
	stats.Expectancy = stats.WinRate*stats.AvgWin - (1-stats.WinRate)*stats.AvgLoss
	return stats
}

// OrderRequest contains inputs for turning a fraction into a quantity
type OrderRequest struct {
	Equity           decimal.Decimal
	Cash             decimal.Decimal
	Price            decimal.Decimal
	Fraction         float64
	MaxBudget        decimal.Decimal // per trade, zero = no cap
	RemainingBudget  decimal.Decimal // total invested headroom, zero = none left
	LimitTotalBudget bool
}

// OrderSize is the sized order and what bounded it
type OrderSize struct {
	Quantity       decimal.Decimal `json:"quantity"`
	Notional       decimal.Decimal `json:"notional"`
	LimitingFactor string          `json:"limiting_factor"`
}

// SizeOrder converts a fraction of equity into a quantity bounded by the
// per-trade budget, the total-invested headroom and available cash.
func (ks *KellySizer) SizeOrder(req OrderRequest) OrderSize {
	out := OrderSize{LimitingFactor: "kelly"}
	if req.Price.LessThanOrEqual(decimal.Zero) || req.Fraction <= 0 {
		out.LimitingFactor = "zero_fraction"
		return out
	}

	notional := req.Equity.Mul(decimal.NewFromFloat(math.Min(req.Fraction, ks.config.MaxFraction)))
	bound := func(limit decimal.Decimal, factor string) {
		if limit.LessThan(notional) {
			notional = limit
			out.LimitingFactor = factor
		}
	}
	if req.MaxBudget.IsPositive() {
		bound(req.MaxBudget, "max_budget_per_trade")
	}
	if req.LimitTotalBudget {
		bound(utils.MaxDecimal(req.RemainingBudget, decimal.Zero), "max_total_invested")
	}
	bound(utils.MaxDecimal(req.Cash, decimal.Zero), "cash")

	if !notional.IsPositive() {
		return out
	}
	out.Quantity = notional.Div(req.Price).RoundDown(6)
	out.Notional = out.Quantity.Mul(req.Price)
	return out
}

// kelly returns the full Kelly fraction, clamped at zero.
func kelly(winRate, winLossRatio float64) float64 {
	if !utils.Finite(winRate) || !utils.Finite(winLossRatio) || winLossRatio <= 0 {
		return 0
	}
	p := utils.Clamp(winRate, 0, 1)
	q := 1 - p
	f := (p*winLossRatio - q) / winLossRatio
	if f < 0 {
		return 0
	}
	return f
}
