package risk_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func calmWindow(n int) []types.OHLCV {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 0.01*float64(i)
	}
	return data.SeriesFromCloses(start, types.Timeframe1d, closes)
}

func vixRamp(from, to float64, n int) []types.OHLCV {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = from + (to-from)*float64(i)/float64(n-1)
	}
	return data.SeriesFromCloses(start, types.Timeframe1d, closes)
}

func newAssessor(t *testing.T) *risk.Assessor {
	t.Helper()
	a, err := risk.NewAssessor(zap.NewNop(), nil)
	require.NoError(t, err)
	return a
}

func TestRisingVIXVetoes(t *testing.T) {
	a := newAssessor(t)

	res := a.Analyze(calmWindow(60), vixRamp(14, 42, 30))
	assert.True(t, res.IsVeto)
	assert.GreaterOrEqual(t, res.RiskScore, 0.8)
	assert.True(t, res.VIXAvailable)
	assert.InDelta(t, 42, res.VIXLevel, 1e-9)
	// both veto paths fire and both are reported
	assert.GreaterOrEqual(t, len(res.Reasons), 2)
}

func TestCalmMarketNoVeto(t *testing.T) {
	a := newAssessor(t)

	res := a.Analyze(calmWindow(60), vixRamp(14, 16, 30))
	assert.False(t, res.IsVeto)
	assert.Less(t, res.RiskScore, 0.8)
}

func TestMissingMacroDegrades(t *testing.T) {
	a := newAssessor(t)

	res := a.Analyze(calmWindow(60), nil)
	assert.False(t, res.VIXAvailable)
	assert.Zero(t, res.VIXScore)
	assert.Contains(t, res.Reasons, "macro volatility index unavailable")
}

func TestAssetVolatilityAloneCanVeto(t *testing.T) {
	a := newAssessor(t)

	closes := make([]float64, 40)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 115
		}
	}
	res := a.Analyze(data.SeriesFromCloses(start, types.Timeframe1d, closes), vixRamp(14, 15, 10))
	assert.True(t, res.IsVeto)
	assert.Equal(t, res.ATRScore, res.RiskScore)
}

func TestShortWindowReasonsAccumulate(t *testing.T) {
	a := newAssessor(t)

	res := a.Analyze(calmWindow(3), nil)
	assert.False(t, res.IsVeto)
	assert.Len(t, res.Reasons, 2)
}

func TestInvalidAssessorConfig(t *testing.T) {
	cfg := risk.DefaultAssessorConfig()
	cfg.VIXCeiling = 10
	cfg.CriticalScore = 1.5

	_, err := risk.NewAssessor(zap.NewNop(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vix_ceiling")
	assert.Contains(t, err.Error(), "critical_score")
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	cb, err := risk.NewCircuitBreaker(zap.NewNop(), decimal.NewFromInt(-10000))
	require.NoError(t, err)

	var alerts []risk.BreakerState
	cb.OnTrip = func(s risk.BreakerState) { alerts = append(alerts, s) }

	assert.True(t, cb.CheckHealth(decimal.NewFromInt(-500)))
	assert.True(t, cb.IsActive())

	assert.False(t, cb.CheckHealth(decimal.NewFromInt(-12000)))
	assert.False(t, cb.IsActive())
	assert.Contains(t, cb.State().Reason, "Daily Loss Limit")
	require.Len(t, alerts, 1)
}

func TestBreakerStaysOpenUntilReset(t *testing.T) {
	cb, err := risk.NewCircuitBreaker(zap.NewNop(), decimal.NewFromInt(-1000))
	require.NoError(t, err)

	cb.Trip("manual shutdown")
	for _, pnl := range []int64{-5000, 0, 1_000_000} {
		assert.False(t, cb.CheckHealth(decimal.NewFromInt(pnl)), "pnl=%d", pnl)
	}
	assert.Equal(t, "manual shutdown", cb.State().Reason)

	cb.Reset("ops")
	assert.True(t, cb.IsActive())
	assert.True(t, cb.CheckHealth(decimal.Zero))
	assert.Equal(t, "ops", cb.State().ResetBy)
}

func TestBreakerRejectsNonNegativeLimit(t *testing.T) {
	_, err := risk.NewCircuitBreaker(zap.NewNop(), decimal.Zero)
	assert.Error(t, err)
}
