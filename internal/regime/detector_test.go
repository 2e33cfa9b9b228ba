package regime_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newClassifier(t *testing.T) *regime.Classifier {
	t.Helper()
	c, err := regime.NewClassifier(zap.NewNop(), nil)
	require.NoError(t, err)
	return c
}

func series(closes []float64) []types.OHLCV {
	return data.SeriesFromCloses(start, types.Timeframe1d, closes)
}

func TestShortWindowsAreUncertain(t *testing.T) {
	c := newClassifier(t)
	need := c.Config().MinBars()

	for _, n := range []int{0, 1, 10, need - 1} {
		closes := make([]float64, n)
		for i := range closes {
			closes[i] = 100 + float64(i)
		}
		res := c.DetectRegime(series(closes))
		assert.True(t, res.IsDegraded(), "n=%d", n)
		assert.Equal(t, regime.LabelUncertain, res.Value.Label, "n=%d", n)
		assert.Contains(t, res.Reason, "insufficient data")
	}
}

func TestCrashOnDeepDrawdown(t *testing.T) {
	c := newClassifier(t)

	// 40 flat bars then a slide to 15% below the peak
	closes := make([]float64, 0, 50)
	for i := 0; i < 40; i++ {
		closes = append(closes, 100)
	}
	for i := 1; i <= 10; i++ {
		closes = append(closes, 100-1.5*float64(i))
	}

	res := c.DetectRegime(series(closes))
	require.True(t, res.IsOk())
	assert.Equal(t, regime.LabelCrash, res.Value.Label)
	assert.InDelta(t, -0.15, res.Value.Drawdown, 1e-9)
}

func TestVolatileWhenReturnsSwing(t *testing.T) {
	c := newClassifier(t)

	closes := make([]float64, 60)
	for i := range closes {
		if i%2 == 0 {
			closes[i] = 100
		} else {
			closes[i] = 105
		}
	}

	res := c.DetectRegime(series(closes))
	require.True(t, res.IsOk())
	assert.Equal(t, regime.LabelVolatile, res.Value.Label)
	assert.Greater(t, res.Value.Volatility, 0.03)
}

func TestTrendUpAndDown(t *testing.T) {
	c := newClassifier(t)

	up := make([]float64, 80)
	down := make([]float64, 80)
	for i := range up {
		up[i] = 100 + 0.5*float64(i)
		down[i] = 100 - 0.1*float64(i)
	}

	resUp := c.DetectRegime(series(up))
	require.True(t, resUp.IsOk())
	assert.Equal(t, regime.LabelTrendUp, resUp.Value.Label)
	assert.Greater(t, resUp.Value.TrendSlope, 0.0)

	// a slow slide stays above the crash threshold within the drawdown window
	resDown := c.DetectRegime(series(down))
	require.True(t, resDown.IsOk())
	assert.Equal(t, regime.LabelTrendDown, resDown.Value.Label)
}

func TestRangeWhenFlat(t *testing.T) {
	c := newClassifier(t)

	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + math.Mod(float64(i), 2)
	}

	res := c.DetectRegime(series(closes))
	require.True(t, res.IsOk())
	assert.Equal(t, regime.LabelRange, res.Value.Label)
}

func TestMalformedWindowDegrades(t *testing.T) {
	c := newClassifier(t)

	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	closes[30] = 0

	res := c.DetectRegime(series(closes))
	assert.True(t, res.IsDegraded())
	assert.Equal(t, regime.LabelUncertain, res.Value.Label)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	cfg := regime.DefaultRegimeConfig()
	cfg.CrashThreshold = 0.1
	cfg.FastMAPeriod = 60

	_, err := regime.NewClassifier(zap.NewNop(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crash_threshold")
	assert.Contains(t, err.Error(), "fast_ma_period")
}

func TestParseLabel(t *testing.T) {
	l, err := regime.ParseLabel("CRASH")
	require.NoError(t, err)
	assert.Equal(t, regime.LabelCrash, l)

	_, err = regime.ParseLabel("STABLE")
	assert.Error(t, err)
}
