// Package regime provides market regime classification from a trailing price window.
// Detects: Crash, Volatile, Trend Up, Trend Down, Range; Uncertain when data is insufficient.
package regime

import (
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// Label represents a market regime
type Label string

const (
	LabelTrendUp   Label = "TREND_UP"
	LabelTrendDown Label = "TREND_DOWN"
	LabelRange     Label = "RANGE"
	LabelVolatile  Label = "VOLATILE"
	LabelCrash     Label = "CRASH"
	LabelUncertain Label = "UNCERTAIN"
)

// Labels returns every regime label in a fixed order.
func Labels() []Label {
	return []Label{LabelTrendUp, LabelTrendDown, LabelRange, LabelVolatile, LabelCrash, LabelUncertain}
}

// ParseLabel converts a string into a known label.
func ParseLabel(s string) (Label, error) {
	for _, l := range Labels() {
		if string(l) == s {
			return l, nil
		}
	}
	return LabelUncertain, fmt.Errorf("unknown regime label %q", s)
}

// Detection is the outcome of one classification call
type Detection struct {
	Label         Label   `json:"label"`
	Volatility    float64 `json:"volatility"`     // stddev of per-bar returns
	Drawdown      float64 `json:"drawdown"`       // last close vs trailing peak, <= 0
	TrendSlope    float64 `json:"trend_slope"`    // (fast MA - slow MA) / slow MA
	TrendStrength float64 `json:"trend_strength"` // ADX
	Bars          int     `json:"bars"`
}

// RegimeConfig configures the classifier
type RegimeConfig struct {
	VolatilityWindow       int     `mapstructure:"volatility_window"`
	DrawdownWindow         int     `mapstructure:"drawdown_window"`
	FastMAPeriod           int     `mapstructure:"fast_ma_period"`
	SlowMAPeriod           int     `mapstructure:"slow_ma_period"`
	ADXPeriod              int     `mapstructure:"adx_period"`
	CrashThreshold         float64 `mapstructure:"crash_threshold"`
	VolatilityThreshold    float64 `mapstructure:"volatility_threshold"`
	TrendStrengthThreshold float64 `mapstructure:"trend_strength_threshold"`
}

// DefaultRegimeConfig returns sensible defaults
func DefaultRegimeConfig() *RegimeConfig {
	return &RegimeConfig{
		VolatilityWindow:       20,
		DrawdownWindow:         50,
		FastMAPeriod:           20,
		SlowMAPeriod:           50,
		ADXPeriod:              14,
		CrashThreshold:         -0.10, // 10% off the trailing peak
		VolatilityThreshold:    0.03,  // 3% per-bar return stddev
		TrendStrengthThreshold: 25,
	}
}

// Validate checks the configuration for internal consistency.
func (c *RegimeConfig) Validate() error {
	var errs []error
	if c.VolatilityWindow < 2 {
		errs = append(errs, fmt.Errorf("regime: volatility_window must be >= 2, got %d", c.VolatilityWindow))
	}
	if c.DrawdownWindow < 1 {
		errs = append(errs, fmt.Errorf("regime: drawdown_window must be >= 1, got %d", c.DrawdownWindow))
	}
	if c.FastMAPeriod < 1 || c.SlowMAPeriod < 1 {
		errs = append(errs, fmt.Errorf("regime: moving average periods must be positive"))
	} else if c.FastMAPeriod >= c.SlowMAPeriod {
		errs = append(errs, fmt.Errorf("regime: fast_ma_period %d must be below slow_ma_period %d", c.FastMAPeriod, c.SlowMAPeriod))
	}
	if c.ADXPeriod < 2 {
		errs = append(errs, fmt.Errorf("regime: adx_period must be >= 2, got %d", c.ADXPeriod))
	}
	if c.CrashThreshold >= 0 || c.CrashThreshold <= -1 {
		errs = append(errs, fmt.Errorf("regime: crash_threshold must be in (-1, 0), got %v", c.CrashThreshold))
	}
	if c.VolatilityThreshold <= 0 {
		errs = append(errs, fmt.Errorf("regime: volatility_threshold must be positive, got %v", c.VolatilityThreshold))
	}
	if c.TrendStrengthThreshold < 0 || c.TrendStrengthThreshold > 100 {
		errs = append(errs, fmt.Errorf("regime: trend_strength_threshold must be in [0, 100], got %v", c.TrendStrengthThreshold))
	}
	return errors.Join(errs...)
}

// MinBars is the shortest window that can be classified.
func (c RegimeConfig) MinBars() int {
	n := c.VolatilityWindow + 1
	if c.DrawdownWindow > n {
		n = c.DrawdownWindow
	}
	if c.SlowMAPeriod > n {
		n = c.SlowMAPeriod
	}
	// ADX needs two smoothing passes before its first value
	if 2*c.ADXPeriod > n {
		n = 2 * c.ADXPeriod
	}
	return n
}

// Classifier labels price windows. It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	logger *zap.Logger
	config *RegimeConfig
}

// NewClassifier creates a classifier, failing on invalid configuration.
func NewClassifier(logger *zap.Logger, config *RegimeConfig) (*Classifier, error) {
	if config == nil {
		config = DefaultRegimeConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Classifier{
		logger: logger.Named("regime"),
		config: config,
	}, nil
}

// Config returns the active configuration.
func (c *Classifier) Config() RegimeConfig {
	return *c.config
}

// DetectRegime classifies the window. Short or malformed windows degrade to UNCERTAIN.
func (c *Classifier) DetectRegime(window []types.OHLCV) types.Result[Detection] {
	det := Detection{Label: LabelUncertain, Bars: len(window)}

	need := c.config.MinBars()
	if len(window) < need {
		return types.Degraded(det, fmt.Sprintf("insufficient data: %d bars, need %d", len(window), need))
	}

	highs, lows, closes := utils.HLC(window)
	if !utils.AllPositive(closes) || !utils.AllPositive(highs) || !utils.AllPositive(lows) {
		c.logger.Warn("Malformed price window", zap.Int("bars", len(window)))
		return types.Degraded(det, "malformed price window")
	}

	det.Drawdown = c.drawdown(closes)
	det.Volatility = c.volatility(closes)

	fast := utils.Last(talib.Sma(closes, c.config.FastMAPeriod))
	slow := utils.Last(talib.Sma(closes, c.config.SlowMAPeriod))
	if slow > 0 {
		det.TrendSlope = (fast - slow) / slow
	}
	det.TrendStrength = utils.LastValid(talib.Adx(highs, lows, closes, c.config.ADXPeriod))

	if !utils.Finite(det.Drawdown) || !utils.Finite(det.Volatility) || !utils.Finite(det.TrendSlope) {
		c.logger.Warn("Non-finite regime indicators",
			zap.Float64("drawdown", det.Drawdown),
			zap.Float64("volatility", det.Volatility))
		return types.Degraded(Detection{Label: LabelUncertain, Bars: len(window)}, "non-finite indicators")
	}

	det.Label = c.classify(det)

	c.logger.Debug("Regime detected",
		zap.String("label", string(det.Label)),
		zap.Float64("drawdown", det.Drawdown),
		zap.Float64("volatility", det.Volatility),
		zap.Float64("trendSlope", det.TrendSlope),
		zap.Float64("adx", det.TrendStrength))

	return types.Ok(det)
}

// classify applies the rules in priority order; first match wins.
func (c *Classifier) classify(det Detection) Label {
	if det.Drawdown <= c.config.CrashThreshold {
		return LabelCrash
	}
	if det.Volatility > c.config.VolatilityThreshold {
		return LabelVolatile
	}
	if det.TrendStrength >= c.config.TrendStrengthThreshold {
		switch {
		case det.TrendSlope > 0:
			return LabelTrendUp
		case det.TrendSlope < 0:
			return LabelTrendDown
		}
	}
	return LabelRange
}

// drawdown measures the last close against the trailing peak
func (c *Classifier) drawdown(closes []float64) float64 {
	tail := closes[len(closes)-c.config.DrawdownWindow:]
	peak := math.Inf(-1)
	for _, v := range tail {
		if v > peak {
			peak = v
		}
	}
	return tail[len(tail)-1]/peak - 1
}

// volatility is the sample stddev of the most recent returns
func (c *Classifier) volatility(closes []float64) float64 {
	tail := closes[len(closes)-c.config.VolatilityWindow-1:]
	return utils.StdDev(utils.Returns(tail))
}
