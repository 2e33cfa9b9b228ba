// Package risk provides the risk assessor that can veto a decision and the
// trading kill switch consulted before anything is allowed to execute.
package risk

import (
	"errors"
	"fmt"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// AssessorConfig configures the risk assessor
type AssessorConfig struct {
	VIXFloor      float64 `mapstructure:"vix_floor"`      // index level scored 0
	VIXCeiling    float64 `mapstructure:"vix_ceiling"`    // index level scored 1
	VIXCritical   float64 `mapstructure:"vix_critical"`   // hard veto above this level
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRFloor      float64 `mapstructure:"atr_floor"`      // ATR/close scored 0
	ATRCeiling    float64 `mapstructure:"atr_ceiling"`    // ATR/close scored 1
	CriticalScore float64 `mapstructure:"critical_score"` // veto when blended score reaches this
}

// DefaultAssessorConfig returns sensible defaults
func DefaultAssessorConfig() *AssessorConfig {
	return &AssessorConfig{
		VIXFloor:      15,
		VIXCeiling:    40,
		VIXCritical:   35,
		ATRPeriod:     14,
		ATRFloor:      0.01,
		ATRCeiling:    0.06,
		CriticalScore: 0.8,
	}
}

// Validate checks the configuration for internal consistency.
func (c *AssessorConfig) Validate() error {
	var errs []error
	if c.VIXFloor < 0 || c.VIXCeiling <= c.VIXFloor {
		errs = append(errs, fmt.Errorf("risk: vix_ceiling %v must exceed vix_floor %v >= 0", c.VIXCeiling, c.VIXFloor))
	}
	if c.VIXCritical <= 0 {
		errs = append(errs, fmt.Errorf("risk: vix_critical must be positive, got %v", c.VIXCritical))
	}
	if c.ATRPeriod < 1 {
		errs = append(errs, fmt.Errorf("risk: atr_period must be positive, got %d", c.ATRPeriod))
	}
	if c.ATRFloor < 0 || c.ATRCeiling <= c.ATRFloor {
		errs = append(errs, fmt.Errorf("risk: atr_ceiling %v must exceed atr_floor %v >= 0", c.ATRCeiling, c.ATRFloor))
	}
	if c.CriticalScore <= 0 || c.CriticalScore > 1 {
		errs = append(errs, fmt.Errorf("risk: critical_score must be in (0, 1], got %v", c.CriticalScore))
	}
	return errors.Join(errs...)
}

// Assessment is the outcome of one risk analysis
type Assessment struct {
	RiskScore    float64  `json:"risk_score"` // 0-1, max of the component scores
	IsVeto       bool     `json:"is_veto"`
	Reasons      []string `json:"reasons"`
	VIXScore     float64  `json:"vix_score"`
	VIXLevel     float64  `json:"vix_level"`
	VIXAvailable bool     `json:"vix_available"`
	ATRScore     float64  `json:"atr_score"`
	ATRPct       float64  `json:"atr_pct"`
}

// Assessor blends macro and asset volatility into a risk score. It holds no
// mutable state and is safe for concurrent use.
type Assessor struct {
	logger *zap.Logger
	config *AssessorConfig
}

// NewAssessor creates an assessor, failing on invalid configuration.
func NewAssessor(logger *zap.Logger, config *AssessorConfig) (*Assessor, error) {
	if config == nil {
		config = DefaultAssessorConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Assessor{
		logger: logger.Named("risk"),
		config: config,
	}, nil
}

// Analyze scores the asset window and the optional macro volatility index.
// A missing input contributes a zero score and is listed in Reasons.
func (a *Assessor) Analyze(window, macro []types.OHLCV) Assessment {
	var res Assessment

	if level, ok := latestClose(macro); ok {
		res.VIXAvailable = true
		res.VIXLevel = level
		res.VIXScore = utils.LinearScale(level, a.config.VIXFloor, a.config.VIXCeiling)
		if level > a.config.VIXCritical {
			res.IsVeto = true
			res.Reasons = append(res.Reasons, fmt.Sprintf("volatility index %.2f above critical %.2f", level, a.config.VIXCritical))
		} else if res.VIXScore > 0.5 {
			res.Reasons = append(res.Reasons, fmt.Sprintf("elevated volatility index %.2f", level))
		}
	} else {
		res.Reasons = append(res.Reasons, "macro volatility index unavailable")
	}

	if atrPct, ok := a.atrPct(window); ok {
		res.ATRPct = atrPct
		res.ATRScore = utils.LinearScale(atrPct, a.config.ATRFloor, a.config.ATRCeiling)
		if res.ATRScore > 0.5 {
			res.Reasons = append(res.Reasons, fmt.Sprintf("high asset volatility: ATR %s of price", utils.FormatPct(atrPct)))
		}
	} else {
		res.Reasons = append(res.Reasons, fmt.Sprintf("asset ATR unavailable: need %d bars, have %d", a.config.ATRPeriod+1, len(window)))
	}

	res.RiskScore = utils.Clamp(max(res.VIXScore, res.ATRScore), 0, 1)
	if res.RiskScore >= a.config.CriticalScore {
		res.IsVeto = true
		res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %.2f at or above critical %.2f", res.RiskScore, a.config.CriticalScore))
	}

	if res.IsVeto {
		a.logger.Warn("Risk veto",
			zap.Float64("riskScore", res.RiskScore),
			zap.Float64("vix", res.VIXLevel),
			zap.Float64("atrPct", res.ATRPct),
			zap.Strings("reasons", res.Reasons))
	}
	return res
}

func (a *Assessor) atrPct(window []types.OHLCV) (float64, bool) {
	if len(window) <= a.config.ATRPeriod {
		return 0, false
	}
	highs, lows, closes := utils.HLC(window)
	if !utils.AllPositive(closes) {
		return 0, false
	}
	atr := utils.Last(talib.Atr(highs, lows, closes, a.config.ATRPeriod))
	last := closes[len(closes)-1]
	if !utils.Finite(atr) || atr < 0 {
		return 0, false
	}
	return atr / last, true
}

func latestClose(series []types.OHLCV) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1].Close.InexactFloat64()
	if !utils.Finite(v) || v < 0 {
		return 0, false
	}
	return v, true
}
