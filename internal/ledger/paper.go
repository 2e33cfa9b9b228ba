// Package ledger provides a simulated execution ledger for the trading loop.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientCash     = errors.New("ledger: insufficient cash")
	ErrInsufficientPosition = errors.New("ledger: insufficient position")
	ErrInvalidOrder         = errors.New("ledger: invalid order")
)

// Fill is an applied order intent
type Fill struct {
	Intent      types.OrderIntent `json:"intent"`
	RealizedPnL decimal.Decimal   `json:"realizedPnl"`
	ReturnPct   float64           `json:"returnPct"`
	FilledAt    time.Time         `json:"filledAt"`
}

// PaperLedger fills every valid intent immediately at the intent price.
// Realized PnL is tracked per UTC day.
type PaperLedger struct {
	logger *zap.Logger
	now    func() time.Time

	mu           sync.RWMutex
	cash         decimal.Decimal
	initialCash  decimal.Decimal
	positions    map[string]*types.Position
	fills        []Fill
	tradeReturns []float64
	dailyPnL     decimal.Decimal
	day          string
}

// NewPaperLedger creates a ledger holding only cash.
func NewPaperLedger(logger *zap.Logger, initialCash decimal.Decimal) (*PaperLedger, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("ledger: initial cash must not be negative, got %s", initialCash)
	}
	l := &PaperLedger{
		logger:      logger.Named("ledger"),
		now:         time.Now,
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*types.Position),
	}
	l.day = dayKey(l.now())
	return l, nil
}

// SetClock replaces the wall clock, for tests and replays.
func (l *PaperLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.day = dayKey(now())
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// rollDay resets the daily PnL when the UTC day changes. Caller holds the lock.
func (l *PaperLedger) rollDay() {
	if d := dayKey(l.now()); d != l.day {
		l.day = d
		l.dailyPnL = decimal.Zero
	}
}

// Submit applies an order intent. A BUY adds to (or opens) the position;
// a SELL reduces it and realizes PnL against the average entry price.
func (l *PaperLedger) Submit(ctx context.Context, intent types.OrderIntent) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if intent.Ticker == "" || !intent.Quantity.IsPositive() || !intent.Price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: %s %s x %s @ %s", ErrInvalidOrder, intent.Side, intent.Ticker, intent.Quantity, intent.Price)
	}
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()

	now := l.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	fill := Fill{Intent: intent, FilledAt: now}

	switch intent.Side {
	case types.OrderSideBuy:
		cost := intent.Notional()
		if cost.GreaterThan(l.cash) {
			return Fill{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, cost.StringFixed(2), l.cash.StringFixed(2))
		}
		l.cash = l.cash.Sub(cost)
		if pos, ok := l.positions[intent.Ticker]; ok {
			total := pos.Quantity.Add(intent.Quantity)
			pos.AvgEntryPrice = pos.CostBasis().Add(cost).Div(total)
			pos.Quantity = total
			pos.CurrentPrice = intent.Price
		} else {
			l.positions[intent.Ticker] = &types.Position{
				Ticker:        intent.Ticker,
				Quantity:      intent.Quantity,
				AvgEntryPrice: intent.Price,
				CurrentPrice:  intent.Price,
				OpenedAt:      now,
			}
		}

	case types.OrderSideSell:
		pos, ok := l.positions[intent.Ticker]
		if !ok || intent.Quantity.GreaterThan(pos.Quantity) {
			held := decimal.Zero
			if ok {
				held = pos.Quantity
			}
			return Fill{}, fmt.Errorf("%w: sell %s %s, hold %s", ErrInsufficientPosition, intent.Quantity, intent.Ticker, held)
		}
		fill.RealizedPnL = intent.Price.Sub(pos.AvgEntryPrice).Mul(intent.Quantity)
		fill.ReturnPct = pos.ReturnPct(intent.Price)

		l.cash = l.cash.Add(intent.Notional())
		l.dailyPnL = l.dailyPnL.Add(fill.RealizedPnL)
		l.tradeReturns = append(l.tradeReturns, fill.ReturnPct)

		pos.Quantity = pos.Quantity.Sub(intent.Quantity)
		pos.CurrentPrice = intent.Price
		if pos.Quantity.IsZero() {
			delete(l.positions, intent.Ticker)
		}

	default:
		return Fill{}, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, intent.Side)
	}

	l.fills = append(l.fills, fill)
	l.logger.Info("Order filled",
		zap.String("id", intent.ID),
		zap.String("ticker", intent.Ticker),
		zap.String("side", string(intent.Side)),
		zap.String("quantity", intent.Quantity.String()),
		zap.String("price", intent.Price.String()),
		zap.String("realizedPnl", fill.RealizedPnL.StringFixed(2)))
	return fill, nil
}

// MarkPrice updates the current price of a held position.
func (l *PaperLedger) MarkPrice(ticker string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[ticker]; ok && price.IsPositive() {
		pos.CurrentPrice = price
	}
}

// Positions returns copies of open positions sorted by ticker.
func (l *PaperLedger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Cash returns uninvested cash.
func (l *PaperLedger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Equity returns cash plus marked position value.
func (l *PaperLedger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	equity := l.cash
	for _, p := range l.positions {
		equity = equity.Add(p.MarketValue())
	}
	return equity
}

// Invested returns the cost basis of all open positions.
func (l *PaperLedger) Invested() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.CostBasis())
	}
	return total
}

// DailyPnL returns realized PnL for the current UTC day.
func (l *PaperLedger) DailyPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	return l.dailyPnL
}

// TradeReturns returns fractional returns of closed trades, oldest first.
func (l *PaperLedger) TradeReturns() []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]float64, len(l.tradeReturns))
	copy(out, l.tradeReturns)
	return out
}

// Fills returns the fill history, oldest first.
func (l *PaperLedger) Fills() []Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Fill, len(l.fills))
	copy(out, l.fills)
	return out
}
