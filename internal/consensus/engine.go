// Package consensus combines strategy, sentiment and risk opinions into a
// single trade decision. Risk never votes; it can only dampen or veto.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/orchestrator"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SourceSentiment identifies the sentiment vote.
const SourceSentiment = "sentiment"

// Config configures thresholds and source credibility weights
type Config struct {
	BuyThreshold    float64            `mapstructure:"buy_threshold"`
	SellThreshold   float64            `mapstructure:"sell_threshold"`
	UniversalWeight float64            `mapstructure:"universal_weight"`
	TechnicalWeight float64            `mapstructure:"technical_weight"`
	SentimentWeight float64            `mapstructure:"sentiment_weight"`
	StrategyWeights map[string]float64 `mapstructure:"strategy_weights"` // per-name overrides
	DampenAbove     float64            `mapstructure:"dampen_above"`     // risk score above which the score shrinks
	RiskDampening   float64            `mapstructure:"risk_dampening"`
}

// DefaultConfig returns symmetric ±0.3 thresholds
func DefaultConfig() *Config {
	return &Config{
		BuyThreshold:    0.3,
		SellThreshold:   0.3,
		UniversalWeight: 1.2,
		TechnicalWeight: 1.0,
		SentimentWeight: 0.5,
		StrategyWeights: map[string]float64{},
		DampenAbove:     0.5,
		RiskDampening:   0.5,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.BuyThreshold <= 0 || c.BuyThreshold > 1 {
		errs = append(errs, fmt.Errorf("consensus: buy_threshold must be in (0, 1], got %v", c.BuyThreshold))
	}
	if c.SellThreshold <= 0 || c.SellThreshold > 1 {
		errs = append(errs, fmt.Errorf("consensus: sell_threshold must be in (0, 1], got %v", c.SellThreshold))
	}
	for name, w := range map[string]float64{
		"universal_weight": c.UniversalWeight,
		"technical_weight": c.TechnicalWeight,
		"sentiment_weight": c.SentimentWeight,
	} {
		if w < 0 || !utils.Finite(w) {
			errs = append(errs, fmt.Errorf("consensus: %s must be >= 0, got %v", name, w))
		}
	}
	for name, w := range c.StrategyWeights {
		if w < 0 || !utils.Finite(w) {
			errs = append(errs, fmt.Errorf("consensus: weight for %s must be >= 0, got %v", name, w))
		}
	}
	if c.DampenAbove < 0 || c.DampenAbove > 1 {
		errs = append(errs, fmt.Errorf("consensus: dampen_above must be in [0, 1], got %v", c.DampenAbove))
	}
	if c.RiskDampening < 0 || c.RiskDampening > 1 {
		errs = append(errs, fmt.Errorf("consensus: risk_dampening must be in [0, 1], got %v", c.RiskDampening))
	}
	return errors.Join(errs...)
}

// Input is everything one deliberation looks at
type Input struct {
	Ticker    string
	Window    []types.OHLCV
	Macro     []types.OHLCV // optional volatility index
	Sentiment types.Result[float64]
	Timestamp time.Time
}

// WeightedVote is one source's contribution
type WeightedVote struct {
	Source     string          `json:"source"`
	Weight     float64         `json:"weight"`
	Direction  types.Direction `json:"direction"`
	Confidence float64         `json:"confidence"`
}

// Value returns weight × confidence × direction.
func (v WeightedVote) Value() float64 {
	return v.Weight * v.Confidence * v.Direction.Sign()
}

// Exclusion records a source that produced no usable vote
type Exclusion struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Outcome classifies a decision
type Outcome string

const (
	OutcomeExecutable  Outcome = "executable"
	OutcomeNoConsensus Outcome = "no_consensus"
	OutcomeVetoed      Outcome = "vetoed"
	OutcomeNoData      Outcome = "no_data"
)

// Decision is the consensus for one (ticker, timestamp)
type Decision struct {
	ID          string           `json:"id"`
	Ticker      string           `json:"ticker"`
	Timestamp   time.Time        `json:"timestamp"`
	Direction   types.Direction  `json:"direction"`
	Score       float64          `json:"score"` // -1..1
	Confidence  float64          `json:"confidence"`
	Vetoed      bool             `json:"vetoed"`
	VetoReasons []string         `json:"veto_reasons,omitempty"`
	NoData      bool             `json:"no_data"`
	Regime      regime.Detection `json:"regime"`
	Risk        risk.Assessment  `json:"risk"`
	Votes       []WeightedVote   `json:"votes"`
	Excluded    []Exclusion      `json:"excluded,omitempty"`
	Rationale   string           `json:"rationale"`
}

// Outcome distinguishes a veto from a lack of consensus or data.
func (d *Decision) Outcome() Outcome {
	switch {
	case d.Vetoed:
		return OutcomeVetoed
	case d.NoData:
		return OutcomeNoData
	case d.Direction == types.DirectionHold:
		return OutcomeNoConsensus
	default:
		return OutcomeExecutable
	}
}

// Engine deliberates. It keeps no state between calls and is safe for concurrent use.
type Engine struct {
	logger       *zap.Logger
	config       *Config
	classifier   *regime.Classifier
	orchestrator *orchestrator.Orchestrator
	assessor     *risk.Assessor
}

// NewEngine creates an engine, failing on invalid configuration.
func NewEngine(logger *zap.Logger, config *Config, classifier *regime.Classifier, orch *orchestrator.Orchestrator, assessor *risk.Assessor) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil || orch == nil || assessor == nil {
		return nil, fmt.Errorf("consensus: classifier, orchestrator and assessor are required")
	}
	return &Engine{
		logger:       logger.Named("consensus"),
		config:       config,
		classifier:   classifier,
		orchestrator: orch,
		assessor:     assessor,
	}, nil
}

// Deliberate runs the squad for the window's regime and returns the decision.
func (e *Engine) Deliberate(in Input) *Decision {
	d := &Decision{
		ID:        uuid.New().String(),
		Ticker:    in.Ticker,
		Timestamp: in.Timestamp,
		Direction: types.DirectionHold,
	}
	if d.Timestamp.IsZero() && len(in.Window) > 0 {
		d.Timestamp = in.Window[len(in.Window)-1].Timestamp
	}

	det := e.classifier.DetectRegime(in.Window)
	d.Regime = det.Value
	if det.IsDegraded() {
		e.logger.Debug("Regime degraded", zap.String("ticker", in.Ticker), zap.String("reason", det.Reason))
	}

	for _, s := range e.orchestrator.GetActiveSquad(det.Value.Label) {
		sig, err := evaluate(s, in.Window)
		if err != nil {
			e.logger.Debug("Strategy excluded",
				zap.String("ticker", in.Ticker),
				zap.String("strategy", s.Name()),
				zap.Error(err))
			d.Excluded = append(d.Excluded, Exclusion{Source: s.Name(), Reason: err.Error()})
			continue
		}
		d.Votes = append(d.Votes, WeightedVote{
			Source:     s.Name(),
			Weight:     e.weight(s.Name()),
			Direction:  sig.Direction,
			Confidence: sig.Confidence,
		})
	}

	d.Risk = e.assessor.Analyze(in.Window, in.Macro)

	if score, ok := in.Sentiment.Get(); ok && utils.Finite(score) {
		score = utils.Clamp(score, -1, 1)
		d.Votes = append(d.Votes, WeightedVote{
			Source:     SourceSentiment,
			Weight:     e.config.SentimentWeight,
			Direction:  types.DirectionFromScore(score),
			Confidence: math.Abs(score),
		})
	} else {
		reason := in.Sentiment.Reason
		if reason == "" {
			reason = "no sentiment"
		}
		d.Excluded = append(d.Excluded, Exclusion{Source: SourceSentiment, Reason: reason})
	}

	d.NoData = len(d.Votes) == 0
	d.Score = e.aggregate(d.Votes, d.Risk.RiskScore)
	d.Direction = e.threshold(d.Score)
	d.Confidence = math.Abs(d.Score)

	if d.NoData {
		d.Direction = types.DirectionHold
		d.Score = 0
		d.Confidence = 0
	}
	// veto is unconditional
	if d.Risk.IsVeto {
		d.Vetoed = true
		d.VetoReasons = d.Risk.Reasons
		d.Direction = types.DirectionHold
		d.Confidence = 0
	}

	d.Rationale = rationale(d, det)

	e.logger.Info("Consensus reached",
		zap.String("ticker", d.Ticker),
		zap.String("direction", string(d.Direction)),
		zap.Float64("score", d.Score),
		zap.String("regime", string(d.Regime.Label)),
		zap.Int("votes", len(d.Votes)),
		zap.Int("excluded", len(d.Excluded)),
		zap.Bool("vetoed", d.Vetoed))

	return d
}

// aggregate is Σ(w·c·d)/Σw over the sources present, dampened by risk.
func (e *Engine) aggregate(votes []WeightedVote, riskScore float64) float64 {
	var num, den float64
	for _, v := range votes {
		num += v.Value()
		den += v.Weight
	}
	if den <= 0 {
		return 0
	}
	score := num / den
	if riskScore > e.config.DampenAbove {
		score *= 1 - e.config.RiskDampening*riskScore
	}
	return utils.Clamp(score, -1, 1)
}

func (e *Engine) threshold(score float64) types.Direction {
	switch {
	case score > e.config.BuyThreshold:
		return types.DirectionBuy
	case score < -e.config.SellThreshold:
		return types.DirectionSell
	default:
		return types.DirectionHold
	}
}

func (e *Engine) weight(name string) float64 {
	if w, ok := e.config.StrategyWeights[name]; ok {
		return w
	}
	if e.orchestrator.IsUniversal(name) {
		return e.config.UniversalWeight
	}
	return e.config.TechnicalWeight
}

// evaluate runs one strategy in isolation; a panic is reported as an error.
func evaluate(s strategy.Strategy, window []types.OHLCV) (sig types.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()

	sig, err = s.GenerateSignal(window)
	if err != nil {
		return types.Signal{}, err
	}
	if err := sig.Validate(); err != nil {
		return types.Signal{}, fmt.Errorf("invalid signal: %w", err)
	}
	return sig, nil
}

func rationale(d *Decision, det types.Result[regime.Detection]) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s score=%+.3f regime=%s", d.Ticker, d.Direction, d.Score, d.Regime.Label)
	if det.IsDegraded() {
		fmt.Fprintf(&b, " (%s)", det.Reason)
	}
	fmt.Fprintf(&b, " risk=%.2f", d.Risk.RiskScore)

	if d.NoData {
		b.WriteString("; no data: every source was excluded")
	} else {
		parts := make([]string, len(d.Votes))
		for i, v := range d.Votes {
			parts[i] = fmt.Sprintf("%s %s conf=%.2f w=%.2f", v.Source, v.Direction, v.Confidence, v.Weight)
		}
		b.WriteString("; contributors: ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if len(d.Excluded) > 0 {
		parts := make([]string, len(d.Excluded))
		for i, x := range d.Excluded {
			parts[i] = fmt.Sprintf("%s (%s)", x.Source, x.Reason)
		}
		b.WriteString("; excluded: ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if d.Vetoed {
		b.WriteString("; VETO: ")
		b.WriteString(strings.Join(d.VetoReasons, "; "))
	}
	return b.String()
}
