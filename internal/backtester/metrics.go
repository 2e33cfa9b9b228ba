package backtester

import (
	"math"

	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/shopspring/decimal"
)

// periodsPerYear annualizes per-bar statistics for daily bars.
const periodsPerYear = 252

// Metrics summarizes a run. Every field is finite.
type Metrics struct {
	FinalCapital   decimal.Decimal `json:"final_capital"`
	TotalReturn    float64         `json:"total_return"`
	SharpeRatio    float64         `json:"sharpe_ratio"`
	SortinoRatio   float64         `json:"sortino_ratio"`
	MaxDrawdown    float64         `json:"max_drawdown"` // <= 0
	WinRate        float64         `json:"win_rate"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	ProfitFactor   float64         `json:"profit_factor"` // 0 without losing trades
	AvgTradeReturn float64         `json:"avg_trade_return"`
	Exposure       float64         `json:"exposure"` // share of bars spent in the market
}

func neutralMetrics(initial decimal.Decimal) Metrics {
	return Metrics{FinalCapital: initial}
}

// CalculateMetrics derives performance metrics from an equity curve and closed trades.
func CalculateMetrics(curve []EquityPoint, trades []Trade, initial decimal.Decimal) Metrics {
	m := neutralMetrics(initial)
	if len(curve) == 0 || !initial.IsPositive() {
		return m
	}

	m.FinalCapital = curve[len(curve)-1].Equity
	m.TotalReturn = m.FinalCapital.Div(initial).Sub(decimal.NewFromInt(1)).InexactFloat64()

	equity := make([]float64, len(curve))
	inMarket := 0
	for i, p := range curve {
		equity[i] = p.Equity.InexactFloat64()
		if p.InMarket {
			inMarket++
		}
	}
	m.Exposure = float64(inMarket) / float64(len(curve))

	returns := utils.Returns(append([]float64{initial.InexactFloat64()}, equity...))
	m.SharpeRatio = sharpe(returns)
	m.SortinoRatio = sortino(returns)
	m.MaxDrawdown = maxDrawdown(equity)

	var grossWin, grossLoss, sum float64
	for _, t := range trades {
		sum += t.ReturnPct
		switch {
		case t.ReturnPct > 0:
			m.WinningTrades++
			grossWin += t.ReturnPct
		case t.ReturnPct < 0:
			m.LosingTrades++
			grossLoss -= t.ReturnPct
		}
	}
	m.TotalTrades = len(trades)
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
		m.AvgTradeReturn = sum / float64(m.TotalTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	return m
}

// sharpe is mean/std of per-bar returns, annualized; 0 when undefined.
func sharpe(returns []float64) float64 {
	if len(returns) <= 1 {
		return 0
	}
	std := utils.StdDev(returns)
	if std == 0 || !utils.Finite(std) {
		return 0
	}
	return utils.Mean(returns) / std * math.Sqrt(periodsPerYear)
}

// sortino uses downside deviation instead of total deviation.
func sortino(returns []float64) float64 {
	if len(returns) <= 1 {
		return 0
	}
	var downside float64
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	dd := math.Sqrt(downside / float64(len(returns)))
	if dd == 0 {
		return 0
	}
	return utils.Mean(returns) / dd * math.Sqrt(periodsPerYear)
}

// maxDrawdown is min(equity/peak - 1) over the curve.
func maxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := v/peak - 1; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}
