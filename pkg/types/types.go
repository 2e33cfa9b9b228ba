// Package types provides shared type definitions for the decision pipeline.
package types

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the directional view of a signal or decision
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Sign maps BUY to +1, SELL to -1 and everything else to 0.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionBuy:
		return 1
	case DirectionSell:
		return -1
	default:
		return 0
	}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell || d == DirectionHold
}

// DirectionFromScore returns BUY for positive values, SELL for negative, HOLD for zero.
func DirectionFromScore(v float64) Direction {
	switch {
	case v > 0:
		return DirectionBuy
	case v < 0:
		return DirectionSell
	default:
		return DirectionHold
	}
}

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Timeframe represents bar intervals
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Valid reports whether tf is a known timeframe.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d:
		return true
	}
	return false
}

// Duration returns the bar interval, defaulting to one day.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// OHLCV represents a single price bar
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is a directional opinion produced by a strategy or agent
type Signal struct {
	Source      string           `json:"source"`
	Direction   Direction        `json:"direction"`
	Confidence  float64          `json:"confidence"` // 0-1
	TargetPrice *decimal.Decimal `json:"targetPrice,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Validate checks direction and confidence bounds.
func (s Signal) Validate() error {
	if !s.Direction.Valid() {
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// Hold returns a HOLD signal for the given source.
func Hold(source, reason string) Signal {
	return Signal{Source: source, Direction: DirectionHold, Reason: reason}
}

// Position represents an open long position held by the ledger
type Position struct {
	Ticker        string          `json:"ticker"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// MarketValue returns quantity times current price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// CostBasis returns quantity times average entry price.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgEntryPrice)
}

// ReturnPct returns the fractional move from entry to the given price.
func (p Position) ReturnPct(price decimal.Decimal) float64 {
	if p.AvgEntryPrice.IsZero() {
		return 0
	}
	r, _ := price.Sub(p.AvgEntryPrice).Div(p.AvgEntryPrice).Float64()
	return r
}

// OrderIntent is what the core asks the ledger to execute
type OrderIntent struct {
	ID        string          `json:"id"`
	Ticker    string          `json:"ticker"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	Rationale string          `json:"rationale"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Notional returns quantity times price.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}
