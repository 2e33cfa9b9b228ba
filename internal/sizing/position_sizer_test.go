package sizing_test

import (
	"testing"

	"github.com/atlas-desktop/consensus-trader/internal/sizing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSizer(t *testing.T, mutate func(*sizing.SizingConfig)) *sizing.KellySizer {
	t.Helper()
	cfg := sizing.DefaultSizingConfig()
	if mutate != nil {
		mutate(cfg)
	}
	ks, err := sizing.NewKellySizer(zap.NewNop(), cfg)
	require.NoError(t, err)
	return ks
}

func TestKellyFormula(t *testing.T) {
	full := newSizer(t, func(c *sizing.SizingConfig) {
		c.HalfKelly = false
		c.MaxFraction = 1
	})
	// p=0.6, b=2: (1.2 - 0.4) / 2 = 0.4
	assert.InDelta(t, 0.4, full.CalculateSize(0.6, 2), 1e-12)

	half := newSizer(t, func(c *sizing.SizingConfig) { c.MaxFraction = 1 })
	assert.InDelta(t, 0.2, half.CalculateSize(0.6, 2), 1e-12)
}

func TestNegativeEdgeClampsToZero(t *testing.T) {
	ks := newSizer(t, nil)
	assert.Zero(t, ks.CalculateSize(0.3, 1))
	assert.Zero(t, ks.CalculateSize(0.9, 0))
	assert.Zero(t, ks.CalculateSize(0.9, -1))
}

func TestCapAppliedAfterHalving(t *testing.T) {
	ks := newSizer(t, func(c *sizing.SizingConfig) { c.MaxFraction = 0.25 })
	// full Kelly 0.9, half 0.45, capped to 0.25
	assert.Equal(t, 0.25, ks.CalculateSize(0.95, 10))
}

func TestSizingIsMonotonicAndCapped(t *testing.T) {
	ks := newSizer(t, nil)
	for _, b := range []float64{0.5, 1, 1.5, 3, 10} {
		prev := 0.0
		for p := 0.0; p <= 1.0001; p += 0.01 {
			f := ks.CalculateSize(p, b)
			assert.GreaterOrEqual(t, f, prev, "p=%.2f b=%.1f", p, b)
			assert.LessOrEqual(t, f, ks.Config().MaxFraction)
			assert.GreaterOrEqual(t, f, 0.0)
			prev = f
		}
	}
}

func TestCalculateFromHistory(t *testing.T) {
	ks := newSizer(t, func(c *sizing.SizingConfig) { c.MaxFraction = 1 })

	// cold start
	assert.Equal(t, 0.02, ks.CalculateFromHistory([]float64{0.1, -0.05}))

	// no losses: the cap
	assert.Equal(t, 1.0, ks.CalculateFromHistory([]float64{0.1, 0.2, 0.05, 0.1, 0.3}))

	// 3 wins of +0.10, 2 losses of -0.05: p=0.6, b=2, half Kelly 0.2
	got := ks.CalculateFromHistory([]float64{0.1, -0.05, 0.1, 0, -0.05, 0.1})
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestStatistics(t *testing.T) {
	ks := newSizer(t, nil)
	stats := ks.Statistics([]float64{0.1, -0.05, 0.1, -0.05, 0.1})

	assert.Equal(t, 5, stats.TotalTrades)
	assert.Equal(t, 3, stats.Wins)
	assert.Equal(t, 2, stats.Losses)
	assert.InDelta(t, 0.6, stats.WinRate, 1e-12)
	assert.InDelta(t, 2.0, stats.PayoffRatio, 1e-12)
	assert.InDelta(t, 0.04, stats.Expectancy, 1e-12)
	assert.InDelta(t, 0.4, stats.KellyOptimal, 1e-12)
	assert.InDelta(t, 0.1, stats.KellyUsed, 1e-12) // half Kelly 0.2 capped at 0.1
}

func TestSizeOrderBounds(t *testing.T) {
	ks := newSizer(t, nil)
	base := sizing.OrderRequest{
		Equity:   decimal.NewFromInt(100_000),
		Cash:     decimal.NewFromInt(100_000),
		Price:    decimal.NewFromInt(50),
		Fraction: 0.1,
	}

	out := ks.SizeOrder(base)
	assert.True(t, out.Quantity.Equal(decimal.NewFromInt(200)), out.Quantity.String())
	assert.Equal(t, "kelly", out.LimitingFactor)

	capped := base
	capped.MaxBudget = decimal.NewFromInt(1_000)
	out = ks.SizeOrder(capped)
	assert.True(t, out.Notional.Equal(decimal.NewFromInt(1_000)))
	assert.Equal(t, "max_budget_per_trade", out.LimitingFactor)

	full := base
	full.LimitTotalBudget = true
	full.RemainingBudget = decimal.Zero
	out = ks.SizeOrder(full)
	assert.True(t, out.Quantity.IsZero())
	assert.Equal(t, "max_total_invested", out.LimitingFactor)

	broke := base
	broke.Cash = decimal.NewFromInt(500)
	out = ks.SizeOrder(broke)
	assert.True(t, out.Notional.LessThanOrEqual(decimal.NewFromInt(500)))
	assert.Equal(t, "cash", out.LimitingFactor)
}

func TestInvalidSizingConfig(t *testing.T) {
	cfg := sizing.DefaultSizingConfig()
	cfg.MaxFraction = 0
	_, err := sizing.NewKellySizer(zap.NewNop(), cfg)
	assert.Error(t, err)
}
