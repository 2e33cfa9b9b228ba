// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOHLCVStorageAndRetrieval(t *testing.T) {
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := data.SeriesFromCloses(start, types.Timeframe1d, []float64{100, 101, 102, 103})

	// save out of order; the store sorts
	shuffled := []types.OHLCV{bars[2], bars[0], bars[3], bars[1]}
	require.NoError(t, store.SaveOHLCV("TEST/USDT", types.Timeframe1d, shuffled))

	store.ClearCache()
	loaded, err := store.LoadOHLCV(context.Background(), "TEST/USDT", types.Timeframe1d)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	for i := range bars {
		assert.True(t, loaded[i].Close.Equal(bars[i].Close), "bar %d close mismatch", i)
	}
	assert.Equal(t, []string{"TEST/USDT"}, store.Symbols())

	ranged, err := store.LoadRange(context.Background(), "TEST/USDT", types.Timeframe1d, start.AddDate(0, 0, 1), start.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestMissingSymbolWithoutSamples(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadOHLCV(context.Background(), "NOPE", types.Timeframe1d)
	assert.True(t, errors.Is(err, data.ErrNoData))
}

func TestSampleSeriesIsDeterministic(t *testing.T) {
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := data.GenerateSampleSeries("SOL/USDT", types.Timeframe1d, 120, end)
	b := data.GenerateSampleSeries("SOL/USDT", types.Timeframe1d, 120, end)

	require.Len(t, a, 120)
	for i := range a {
		assert.True(t, a[i].Close.Equal(b[i].Close))
	}
	assert.Equal(t, end, a[len(a)-1].Timestamp)
}

func TestFeedTrimsToLookback(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	store.GenerateSamples = true
	store.SampleBars = 200

	feed := data.NewFeed(store, types.Timeframe1d, 60, "")
	window, err := feed.History(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Len(t, window, 60)

	macro, err := feed.Macro(context.Background())
	require.NoError(t, err)
	assert.Nil(t, macro)
}

func TestQualityValidatorCleansBadBars(t *testing.T) {
	qv := data.NewQualityValidator(zap.NewNop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := data.SeriesFromCloses(start, types.Timeframe1d, []float64{100, 101, 102})

	dup := bars[1]
	bad := bars[2]
	bad.Timestamp = start.AddDate(0, 0, 5)
	bad.Close = decimal.Zero

	input := append([]types.OHLCV{}, bars...)
	input = append(input, dup, bad)

	report := qv.Validate(input, "TEST")
	assert.False(t, report.IsUsable)

	cleaned := qv.CleanData(input)
	assert.Len(t, cleaned, 3)
}
