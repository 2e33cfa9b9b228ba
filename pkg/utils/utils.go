// Package utils provides series conversion and numeric helpers shared by the pipeline.
package utils

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
)

// Closes extracts close prices as float64.
func Closes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// HLC extracts high, low and close series as float64.
func HLC(bars []types.OHLCV) (highs, lows, closes []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}
	return highs, lows, closes
}

// Volumes extracts volumes as float64.
func Volumes(bars []types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume.InexactFloat64()
	}
	return out
}

// Returns calculates simple returns from a price series.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns[i-1] = prices[i]/prices[i-1] - 1
	}
	return returns
}

// Mean calculates the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev calculates the sample standard deviation (n-1).
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LinearScale maps v from [floor, ceiling] onto [0, 1], clamped.
func LinearScale(v, floor, ceiling float64) float64 {
	if ceiling <= floor {
		if v >= ceiling {
			return 1
		}
		return 0
	}
	return Clamp((v-floor)/(ceiling-floor), 0, 1)
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllPositive reports whether every value is finite and greater than zero.
func AllPositive(values []float64) bool {
	for _, v := range values {
		if !Finite(v) || v <= 0 {
			return false
		}
	}
	return true
}

// LastValid returns the last finite value of a series, or 0.
func LastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if Finite(series[i]) {
			return series[i]
		}
	}
	return 0
}

// Last returns the last element of a series, or 0 when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// MinDecimal returns the smaller of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// FormatPct renders a fraction as a percentage string.
func FormatPct(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
