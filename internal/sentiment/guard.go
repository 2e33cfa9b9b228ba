package sentiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// GuardConfig configures timeouts and the I/O circuit breaker around a provider
type GuardConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // consecutive failures before opening
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`      // time before a half-open probe
}

// DefaultGuardConfig returns sensible defaults
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Guard wraps a Provider so a slow or failing call degrades to an absent vote.
// Unlike the trading kill switch, its breaker recovers on its own via half-open probes.
type Guard struct {
	logger   *zap.Logger
	provider Provider
	config   GuardConfig
	cb       *gobreaker.CircuitBreaker
}

// NewGuard wraps provider.
func NewGuard(logger *zap.Logger, provider Provider, config GuardConfig) *Guard {
	if config.Timeout <= 0 {
		config.Timeout = DefaultGuardConfig().Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	logger = logger.Named("sentiment")

	threshold := config.FailureThreshold
	st := gobreaker.Settings{Name: "sentiment"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= threshold }
	st.Timeout = config.OpenTimeout
	// a ticker without a score is an answer, not an outage
	st.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, ErrUnknownTicker) }
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Sentiment breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	return &Guard{
		logger:   logger,
		provider: provider,
		config:   config,
		cb:       gobreaker.NewCircuitBreaker(st),
	}
}

// Score returns the clamped score, or a degraded zero when the collaborator
// is slow, failing, unavailable or returns garbage.
func (g *Guard) Score(ctx context.Context, ticker string) types.Result[float64] {
	if g == nil || g.provider == nil {
		return types.Degraded(0.0, "no sentiment provider")
	}

	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.call(ctx, ticker)
	})
	if err != nil {
		reason := "sentiment unavailable: " + err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = fmt.Sprintf("sentiment timed out after %s", g.config.Timeout)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			reason = "sentiment breaker open"
		}
		g.logger.Debug("Sentiment degraded", zap.String("ticker", ticker), zap.Error(err))
		return types.Degraded(0.0, reason)
	}

	score := out.(float64)
	if !utils.Finite(score) {
		return types.Degraded(0.0, "sentiment score not finite")
	}
	return types.Ok(utils.Clamp(score, -1, 1))
}

type scoreResult struct {
	score float64
	err   error
}

// call bounds the provider by the timeout even when it ignores ctx; a late
// answer is dropped.
func (g *Guard) call(ctx context.Context, ticker string) (float64, error) {
	cctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		score, err := g.provider.Score(cctx, ticker)
		done <- scoreResult{score, err}
	}()

	select {
	case res := <-done:
		return res.score, res.err
	case <-cctx.Done():
		return 0, cctx.Err()
	}
}

// State returns the I/O breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}
