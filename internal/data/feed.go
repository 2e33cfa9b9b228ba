package data

import (
	"context"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
)

// Feed serves trailing windows from a Store to the trading loop
type Feed struct {
	store       *Store
	timeframe   types.Timeframe
	lookback    int
	macroSymbol string
}

// NewFeed creates a feed returning at most lookback bars per call.
// An empty macroSymbol disables the macro series.
func NewFeed(store *Store, timeframe types.Timeframe, lookback int, macroSymbol string) *Feed {
	return &Feed{
		store:       store,
		timeframe:   timeframe,
		lookback:    lookback,
		macroSymbol: macroSymbol,
	}
}

// History returns the trailing window for a ticker
func (f *Feed) History(ctx context.Context, ticker string) ([]types.OHLCV, error) {
	bars, err := f.store.LoadOHLCV(ctx, ticker, f.timeframe)
	if err != nil {
		return nil, err
	}
	return f.tail(bars), nil
}

// Macro returns the volatility index window, or nil when none is configured
func (f *Feed) Macro(ctx context.Context) ([]types.OHLCV, error) {
	if f.macroSymbol == "" {
		return nil, nil
	}
	bars, err := f.store.LoadOHLCV(ctx, f.macroSymbol, f.timeframe)
	if err != nil {
		return nil, err
	}
	return f.tail(bars), nil
}

func (f *Feed) tail(bars []types.OHLCV) []types.OHLCV {
	if f.lookback > 0 && len(bars) > f.lookback {
		bars = bars[len(bars)-f.lookback:]
	}
	out := make([]types.OHLCV, len(bars))
	copy(out, bars)
	return out
}
