package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EnsembleStrategy blends RSI, MACD and Bollinger opinions into one vote.
// It does not depend on the trend direction and runs in every regime.
type EnsembleStrategy struct {
	BaseStrategy
	rsiPeriod int
	bbPeriod  int
}

// NewEnsembleStrategy creates a new ensemble strategy.
func NewEnsembleStrategy(logger *zap.Logger) *EnsembleStrategy {
	return &EnsembleStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "ensemble", minBars: 40},
		rsiPeriod:    14,
		bbPeriod:     20,
	}
}

func (s *EnsembleStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}
	last := closes[len(closes)-1]

	votes := 0.0
	rsi := utils.LastValid(talib.Rsi(closes, s.rsiPeriod))
	switch {
	case rsi < 30:
		votes++
	case rsi > 70:
		votes--
	}

	_, _, hist := talib.Macd(closes, 12, 26, 9)
	h := utils.LastValid(hist)
	switch {
	case h > 0:
		votes++
	case h < 0:
		votes--
	}

	upper, _, lower := talib.BBands(closes, s.bbPeriod, 2, 2, talib.SMA)
	switch {
	case last < utils.Last(lower):
		votes++
	case last > utils.Last(upper):
		votes--
	}

	net := votes / 3
	reason := fmt.Sprintf("rsi=%.1f macd_hist=%.4f net=%.2f", rsi, h, net)
	if math.Abs(net) < 0.5 {
		return s.signal(types.DirectionHold, 1-math.Abs(net), reason), nil
	}
	return s.signal(types.DirectionFromScore(net), math.Abs(net), reason), nil
}

// MomentumStrategy trades the rate of change over a lookback period.
type MomentumStrategy struct {
	BaseStrategy
	period    int
	threshold float64
}

// NewMomentumStrategy creates a new momentum strategy.
func NewMomentumStrategy(logger *zap.Logger) *MomentumStrategy {
	return &MomentumStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "momentum", minBars: 11},
		period:       10,
		threshold:    0.02,
	}
}

func (s *MomentumStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}

	momentum := utils.Last(talib.Roc(closes, s.period)) / 100
	reason := fmt.Sprintf("roc(%d)=%s", s.period, utils.FormatPct(momentum))
	confidence := math.Abs(momentum) / (2 * s.threshold)

	switch {
	case momentum > s.threshold:
		return s.signal(types.DirectionBuy, confidence, "positive momentum "+reason), nil
	case momentum < -s.threshold:
		return s.signal(types.DirectionSell, confidence, "negative momentum "+reason), nil
	}
	return s.signal(types.DirectionHold, 0, reason), nil
}

// TrendFollowingStrategy trades EMA crossovers.
type TrendFollowingStrategy struct {
	BaseStrategy
	fastPeriod int
	slowPeriod int
	band       float64
}

// NewTrendFollowingStrategy creates a new trend following strategy.
func NewTrendFollowingStrategy(logger *zap.Logger) *TrendFollowingStrategy {
	return &TrendFollowingStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "trend_following", minBars: 30},
		fastPeriod:   12,
		slowPeriod:   26,
		band:         0.002, // ignore crossovers tighter than 0.2%
	}
}

func (s *TrendFollowingStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}

	fast := utils.Last(talib.Ema(closes, s.fastPeriod))
	slow := utils.Last(talib.Ema(closes, s.slowPeriod))
	if slow <= 0 {
		return s.signal(types.DirectionHold, 0, "ema not ready"), nil
	}

	spread := (fast - slow) / slow
	reason := fmt.Sprintf("ema%d/ema%d spread=%s", s.fastPeriod, s.slowPeriod, utils.FormatPct(spread))
	confidence := 0.5 + math.Abs(spread)/0.04

	switch {
	case spread > s.band:
		return s.signal(types.DirectionBuy, confidence, reason), nil
	case spread < -s.band:
		return s.signal(types.DirectionSell, confidence, reason), nil
	}
	return s.signal(types.DirectionHold, 0, reason), nil
}

// BreakoutStrategy trades closes beyond the prior channel with volume confirmation.
type BreakoutStrategy struct {
	BaseStrategy
	lookback   int
	minVolMult float64
}

// NewBreakoutStrategy creates a new breakout strategy.
func NewBreakoutStrategy(logger *zap.Logger) *BreakoutStrategy {
	return &BreakoutStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "breakout", minBars: 21},
		lookback:     20,
		minVolMult:   1.0,
	}
}

func (s *BreakoutStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}
	highs, lows, _ := utils.HLC(window)
	volumes := utils.Volumes(window)

	n := len(closes)
	highest := math.Inf(-1)
	lowest := math.Inf(1)
	avgVolume := 0.0
	for i := n - s.lookback - 1; i < n-1; i++ {
		highest = math.Max(highest, highs[i])
		lowest = math.Min(lowest, lows[i])
		avgVolume += volumes[i]
	}
	avgVolume /= float64(s.lookback)

	current := closes[n-1]
	confirmed := volumes[n-1] >= avgVolume*s.minVolMult
	reason := fmt.Sprintf("channel [%.4f, %.4f]", lowest, highest)

	switch {
	case current > highest && confirmed:
		return s.signal(types.DirectionBuy, 0.8, "bullish breakout "+reason), nil
	case current < lowest && confirmed:
		return s.signal(types.DirectionSell, 0.8, "bearish breakout "+reason), nil
	}
	return s.signal(types.DirectionHold, 0, reason), nil
}

// MeanReversionStrategy fades moves outside the Bollinger bands.
type MeanReversionStrategy struct {
	BaseStrategy
	period     int
	stdDevMult float64
}

// NewMeanReversionStrategy creates a new mean reversion strategy.
func NewMeanReversionStrategy(logger *zap.Logger) *MeanReversionStrategy {
	return &MeanReversionStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "mean_reversion", minBars: 20},
		period:       20,
		stdDevMult:   2.0,
	}
}

func (s *MeanReversionStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}

	upper, middle, lower := talib.BBands(closes, s.period, s.stdDevMult, s.stdDevMult, talib.SMA)
	current := closes[len(closes)-1]
	mid := utils.Last(middle)

	switch {
	case current < utils.Last(lower):
		sig := s.signal(types.DirectionBuy, 0.7, "close below lower band")
		sig.TargetPrice = decimalPtr(mid)
		return sig, nil
	case current > utils.Last(upper):
		sig := s.signal(types.DirectionSell, 0.7, "close above upper band")
		sig.TargetPrice = decimalPtr(mid)
		return sig, nil
	}
	return s.signal(types.DirectionHold, 0, "inside bands"), nil
}

// RSIReversalStrategy buys oversold and sells overbought readings.
type RSIReversalStrategy struct {
	BaseStrategy
	period     int
	oversold   float64
	overbought float64
}

// NewRSIReversalStrategy creates a new RSI reversal strategy.
func NewRSIReversalStrategy(logger *zap.Logger) *RSIReversalStrategy {
	return &RSIReversalStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "rsi_reversal", minBars: 20},
		period:       14,
		oversold:     30,
		overbought:   70,
	}
}

func (s *RSIReversalStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}

	rsi := utils.LastValid(talib.Rsi(closes, s.period))
	reason := fmt.Sprintf("rsi(%d)=%.1f", s.period, rsi)

	switch {
	case rsi < s.oversold:
		return s.signal(types.DirectionBuy, 0.5+(s.oversold-rsi)/60, "oversold "+reason), nil
	case rsi > s.overbought:
		return s.signal(types.DirectionSell, 0.5+(rsi-s.overbought)/60, "overbought "+reason), nil
	}
	return s.signal(types.DirectionHold, 0, reason), nil
}

// DefensiveStrategy leans toward exits when price sits below its moving average.
type DefensiveStrategy struct {
	BaseStrategy
	period int
}

// NewDefensiveStrategy creates a new defensive strategy.
func NewDefensiveStrategy(logger *zap.Logger) *DefensiveStrategy {
	return &DefensiveStrategy{
		BaseStrategy: BaseStrategy{logger: logger, name: "defensive", minBars: 20},
		period:       20,
	}
}

func (s *DefensiveStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	closes, err := s.prepare(window)
	if err != nil {
		return types.Signal{}, err
	}

	sma := utils.Last(talib.Sma(closes, s.period))
	current := closes[len(closes)-1]
	if current < sma {
		return s.signal(types.DirectionSell, 0.6, fmt.Sprintf("close below sma%d", s.period)), nil
	}
	return s.signal(types.DirectionHold, 0.5, "stand aside"), nil
}

func decimalPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v).Round(8)
	return &d
}
