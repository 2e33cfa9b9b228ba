package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/ledger"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func order(side types.OrderSide, ticker string, qty, price float64) types.OrderIntent {
	return types.OrderIntent{Ticker: ticker, Side: side, Quantity: d(qty), Price: d(price)}
}

func newLedger(t *testing.T, cash float64) (*ledger.PaperLedger, *time.Time) {
	t.Helper()
	l, err := ledger.NewPaperLedger(zap.NewNop(), d(cash))
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestBuyThenSellRealizesPnL(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10_000)

	fill, err := l.Submit(ctx, order(types.OrderSideBuy, "AAPL", 10, 100))
	require.NoError(t, err)
	assert.NotEmpty(t, fill.Intent.ID)
	assert.True(t, l.Cash().Equal(d(9_000)))
	require.Len(t, l.Positions(), 1)

	fill, err = l.Submit(ctx, order(types.OrderSideSell, "AAPL", 10, 110))
	require.NoError(t, err)
	assert.True(t, fill.RealizedPnL.Equal(d(100)))
	assert.InDelta(t, 0.10, fill.ReturnPct, 1e-12)

	assert.True(t, l.Cash().Equal(d(10_100)))
	assert.True(t, l.DailyPnL().Equal(d(100)))
	assert.Empty(t, l.Positions())
	assert.Equal(t, []float64{0.1}, roundAll(l.TradeReturns()))
	assert.Len(t, l.Fills(), 2)
}

func TestBuyAveragesEntryPrice(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10_000)

	_, err := l.Submit(ctx, order(types.OrderSideBuy, "MSFT", 10, 100))
	require.NoError(t, err)
	_, err = l.Submit(ctx, order(types.OrderSideBuy, "MSFT", 10, 120))
	require.NoError(t, err)

	pos := l.Positions()[0]
	assert.True(t, pos.Quantity.Equal(d(20)))
	assert.True(t, pos.AvgEntryPrice.Equal(d(110)))
	assert.True(t, l.Invested().Equal(d(2_200)))

	l.MarkPrice("MSFT", d(130))
	assert.True(t, l.Equity().Equal(d(7_800+2_600)))
}

func TestRejectedOrders(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 1_000)

	_, err := l.Submit(ctx, order(types.OrderSideBuy, "AAPL", 100, 100))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCash)

	_, err = l.Submit(ctx, order(types.OrderSideSell, "AAPL", 1, 100))
	assert.ErrorIs(t, err, ledger.ErrInsufficientPosition)

	_, err = l.Submit(ctx, order(types.OrderSideBuy, "AAPL", 0, 100))
	assert.ErrorIs(t, err, ledger.ErrInvalidOrder)

	_, err = l.Submit(ctx, types.OrderIntent{Ticker: "AAPL", Side: "SHORT", Quantity: d(1), Price: d(1)})
	assert.ErrorIs(t, err, ledger.ErrInvalidOrder)

	assert.True(t, l.Cash().Equal(d(1_000)))
	assert.Empty(t, l.Fills())
}

func TestDailyPnLResetsAtDayBoundary(t *testing.T) {
	ctx := context.Background()
	l, now := newLedger(t, 10_000)

	_, err := l.Submit(ctx, order(types.OrderSideBuy, "AAPL", 10, 100))
	require.NoError(t, err)
	_, err = l.Submit(ctx, order(types.OrderSideSell, "AAPL", 10, 90))
	require.NoError(t, err)
	assert.True(t, l.DailyPnL().Equal(d(-100)))

	*now = now.Add(24 * time.Hour)
	assert.True(t, l.DailyPnL().IsZero())
	assert.Len(t, l.TradeReturns(), 1)
}

func TestNegativeInitialCash(t *testing.T) {
	_, err := ledger.NewPaperLedger(zap.NewNop(), d(-1))
	assert.Error(t, err)
}

func roundAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(int(v*1e9+0.5)) / 1e9
	}
	return out
}
