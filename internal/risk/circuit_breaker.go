package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BreakerState is a snapshot of the kill switch
type BreakerState struct {
	Tripped      bool            `json:"tripped"`
	Reason       string          `json:"reason,omitempty"`
	MaxDailyLoss decimal.Decimal `json:"max_daily_loss"`
	TrippedAt    time.Time       `json:"tripped_at,omitempty"`
	LastReset    time.Time       `json:"last_reset"`
	ResetBy      string          `json:"reset_by,omitempty"`
}

// CircuitBreaker is the trading kill switch. Once tripped it stays open until
// an operator calls Reset; there is no recovery timer.
type CircuitBreaker struct {
	logger *zap.Logger

	mu    sync.RWMutex
	state BreakerState

	// OnTrip is called outside the lock each time the breaker trips.
	OnTrip func(state BreakerState)
}

// NewCircuitBreaker creates a closed breaker. maxDailyLoss must be negative.
func NewCircuitBreaker(logger *zap.Logger, maxDailyLoss decimal.Decimal) (*CircuitBreaker, error) {
	if !maxDailyLoss.IsNegative() {
		return nil, fmt.Errorf("risk: max_daily_loss must be negative, got %s", maxDailyLoss)
	}
	return &CircuitBreaker{
		logger: logger.Named("circuit-breaker"),
		state: BreakerState{
			MaxDailyLoss: maxDailyLoss,
			LastReset:    time.Now(),
		},
	}, nil
}

// CheckHealth reports whether trading may continue given today's realized PnL.
// A PnL at or below the limit trips the breaker.
func (cb *CircuitBreaker) CheckHealth(dailyPnL decimal.Decimal) bool {
	cb.mu.RLock()
	tripped := cb.state.Tripped
	limit := cb.state.MaxDailyLoss
	cb.mu.RUnlock()

	if tripped {
		return false
	}
	if dailyPnL.LessThanOrEqual(limit) {
		cb.Trip(fmt.Sprintf("Daily Loss Limit breached: PnL %s <= %s", dailyPnL.StringFixed(2), limit.StringFixed(2)))
		return false
	}
	return true
}

// Trip opens the breaker immediately. Tripping an open breaker keeps the first reason.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	if cb.state.Tripped {
		cb.mu.Unlock()
		return
	}
	cb.state.Tripped = true
	cb.state.Reason = reason
	cb.state.TrippedAt = time.Now()
	snapshot := cb.state
	onTrip := cb.OnTrip
	cb.mu.Unlock()

	cb.logger.Error("Circuit breaker tripped, trading halted", zap.String("reason", reason))
	if onTrip != nil {
		onTrip(snapshot)
	}
}

// Reset closes the breaker. Only an operator action should call this.
func (cb *CircuitBreaker) Reset(operator string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Warn("Circuit breaker reset",
		zap.String("operator", operator),
		zap.String("previousReason", cb.state.Reason))

	cb.state.Tripped = false
	cb.state.Reason = ""
	cb.state.TrippedAt = time.Time{}
	cb.state.LastReset = time.Now()
	cb.state.ResetBy = operator
}

// IsActive reports whether trading is allowed.
func (cb *CircuitBreaker) IsActive() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return !cb.state.Tripped
}

// State returns a snapshot.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
