// Package autotrade runs the consensus pipeline on a schedule and turns
// decisions into paper orders under the kill switch.
package autotrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/ledger"
	"github.com/atlas-desktop/consensus-trader/internal/metrics"
	"github.com/atlas-desktop/consensus-trader/internal/notify"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/internal/sentiment"
	"github.com/atlas-desktop/consensus-trader/internal/sizing"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by Run while another Run is active.
var ErrAlreadyRunning = errors.New("autotrade: loop already running")

// MarketData supplies price history
type MarketData interface {
	History(ctx context.Context, ticker string) ([]types.OHLCV, error)
	Macro(ctx context.Context) ([]types.OHLCV, error)
}

// Ledger holds cash and positions and applies order intents
type Ledger interface {
	Positions() []types.Position
	Cash() decimal.Decimal
	DailyPnL() decimal.Decimal
	TradeReturns() []float64
	Submit(ctx context.Context, intent types.OrderIntent) (ledger.Fill, error)
}

// priceMarker is implemented by ledgers that track mark-to-market prices.
type priceMarker interface {
	MarkPrice(ticker string, price decimal.Decimal)
}

// Config configures the loop
type Config struct {
	Tickers           []string        `mapstructure:"tickers"`
	Interval          time.Duration   `mapstructure:"interval"`
	Concurrency       int             `mapstructure:"concurrency"`
	MaxBudgetPerTrade decimal.Decimal `mapstructure:"max_budget_per_trade"`
	MaxTotalInvested  decimal.Decimal `mapstructure:"max_total_invested"`
	StopLossPct       float64         `mapstructure:"stop_loss_pct"`
	TakeProfitPct     float64         `mapstructure:"take_profit_pct"`
}

// DefaultConfig returns a five minute cycle with 1,000 per trade and 10,000 total.
func DefaultConfig() *Config {
	return &Config{
		Tickers:           []string{"AAPL", "MSFT", "NVDA"},
		Interval:          5 * time.Minute,
		Concurrency:       4,
		MaxBudgetPerTrade: decimal.NewFromInt(1_000),
		MaxTotalInvested:  decimal.NewFromInt(10_000),
		StopLossPct:       0.05,
		TakeProfitPct:     0.10,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Tickers) == 0 {
		errs = append(errs, errors.New("autotrade: at least one ticker is required"))
	}
	seen := make(map[string]bool, len(c.Tickers))
	for _, t := range c.Tickers {
		if t == "" {
			errs = append(errs, errors.New("autotrade: empty ticker"))
		} else if seen[t] {
			errs = append(errs, fmt.Errorf("autotrade: duplicate ticker %q", t))
		}
		seen[t] = true
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("autotrade: interval must be positive, got %s", c.Interval))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("autotrade: concurrency must be >= 1, got %d", c.Concurrency))
	}
	if !c.MaxBudgetPerTrade.IsPositive() {
		errs = append(errs, fmt.Errorf("autotrade: max_budget_per_trade must be positive, got %s", c.MaxBudgetPerTrade))
	}
	if !c.MaxTotalInvested.IsPositive() {
		errs = append(errs, fmt.Errorf("autotrade: max_total_invested must be positive, got %s", c.MaxTotalInvested))
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		errs = append(errs, fmt.Errorf("autotrade: stop_loss_pct must be in (0, 1), got %v", c.StopLossPct))
	}
	if c.TakeProfitPct <= 0 {
		errs = append(errs, fmt.Errorf("autotrade: take_profit_pct must be positive, got %v", c.TakeProfitPct))
	}
	return errors.Join(errs...)
}

// OrderReason says why the loop emitted an order
type OrderReason string

const (
	ReasonEntry      OrderReason = "entry"
	ReasonStopLoss   OrderReason = "stop_loss"
	ReasonTakeProfit OrderReason = "take_profit"
	ReasonSignal     OrderReason = "signal"
)

// Order is an intent the loop submitted and how it fared
type Order struct {
	Intent         types.OrderIntent `json:"intent"`
	Reason         OrderReason       `json:"reason"`
	LimitingFactor string            `json:"limitingFactor,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// TickReport describes one cycle
type TickReport struct {
	ID         string                `json:"id"`
	StartedAt  time.Time             `json:"startedAt"`
	Duration   time.Duration         `json:"duration"`
	Skipped    bool                  `json:"skipped"`
	SkipReason string                `json:"skipReason,omitempty"`
	Decisions  []*consensus.Decision `json:"decisions"`
	Orders     []Order               `json:"orders"`
	Errors     map[string]string     `json:"errors,omitempty"` // by ticker
}

// Deps are the loop's collaborators. Sentiment, Notifier and Metrics may be nil.
type Deps struct {
	Engine    *consensus.Engine
	Breaker   *risk.CircuitBreaker
	Sizer     *sizing.KellySizer
	Market    MarketData
	Ledger    Ledger
	Sentiment *sentiment.Guard
	Notifier  notify.Notifier
	Metrics   *metrics.Recorder
}

// Loop is the automated trading cycle
type Loop struct {
	logger *zap.Logger
	config Config
	deps   Deps

	// execMu serializes the read-decide-write section against the ledger.
	execMu sync.Mutex

	mu           sync.RWMutex
	running      bool
	stopping     bool
	stopChan     chan struct{}
	done         chan struct{}
	latest       map[string]*consensus.Decision
	lastReport   *TickReport
	tripNotified bool
}

// New creates a loop.
func New(logger *zap.Logger, config *Config, deps Deps) (*Loop, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var errs []error
	if deps.Engine == nil {
		errs = append(errs, errors.New("autotrade: consensus engine is required"))
	}
	if deps.Breaker == nil {
		errs = append(errs, errors.New("autotrade: circuit breaker is required"))
	}
	if deps.Sizer == nil {
		errs = append(errs, errors.New("autotrade: position sizer is required"))
	}
	if deps.Market == nil {
		errs = append(errs, errors.New("autotrade: market data is required"))
	}
	if deps.Ledger == nil {
		errs = append(errs, errors.New("autotrade: ledger is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi{}
	}

	return &Loop{
		logger: logger.Named("autotrade"),
		config: *config,
		deps:   deps,
		latest: make(map[string]*consensus.Decision),
	}, nil
}

// evaluation is one ticker's read-only result
type evaluation struct {
	ticker   string
	price    decimal.Decimal
	decision *consensus.Decision
	err      error
	exitOnly bool // held but no longer traded: price for exits, no deliberation
}

// Tick runs one cycle. It returns an error only when ctx is cancelled before
// orders are placed; per-ticker failures are reported in TickReport.Errors.
func (l *Loop) Tick(ctx context.Context) (*TickReport, error) {
	began := time.Now()
	report := &TickReport{
		ID:        uuid.New().String(),
		StartedAt: began,
		Decisions: make([]*consensus.Decision, 0, len(l.config.Tickers)),
		Orders:    make([]Order, 0),
		Errors:    make(map[string]string),
	}
	defer func() {
		report.Duration = time.Since(began)
		l.deps.Metrics.ObserveTick(report.Duration)
		l.mu.Lock()
		l.lastReport = report
		l.mu.Unlock()
	}()

	if !l.deps.Breaker.CheckHealth(l.deps.Ledger.DailyPnL()) {
		state := l.deps.Breaker.State()
		report.Skipped = true
		report.SkipReason = state.Reason
		l.deps.Metrics.SetBreakerOpen(true)
		l.deps.Metrics.RecordSkippedTick()
		l.notifyTrip(ctx, state)
		l.logger.Warn("Circuit breaker open, skipping cycle", zap.String("reason", state.Reason))
		return report, nil
	}
	l.deps.Metrics.SetBreakerOpen(false)
	l.mu.Lock()
	l.tripNotified = false
	l.mu.Unlock()

	macro, err := l.deps.Market.Macro(ctx)
	if err != nil {
		l.logger.Warn("Macro series unavailable", zap.Error(err))
		macro = nil
	}

	evals, err := l.evaluate(ctx, l.monitoredTickers(), macro)
	if err != nil {
		return report, err
	}

	for _, ev := range evals {
		if ev.err != nil {
			report.Errors[ev.ticker] = ev.err.Error()
			continue
		}
		if ev.decision != nil {
			report.Decisions = append(report.Decisions, ev.decision)
			l.recordDecision(ev.decision)
		}
	}

	report.Orders = l.execute(ctx, evals, report.Errors)

	l.alert(ctx, report)
	l.logger.Info("Cycle completed",
		zap.String("id", report.ID),
		zap.Int("decisions", len(report.Decisions)),
		zap.Int("orders", len(report.Orders)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// monitoredTickers is the configured tickers followed by any held ticker
// that is no longer configured, so open positions keep their exits.
func (l *Loop) monitoredTickers() []evaluation {
	out := make([]evaluation, 0, len(l.config.Tickers))
	configured := make(map[string]bool, len(l.config.Tickers))
	for _, t := range l.config.Tickers {
		configured[t] = true
		out = append(out, evaluation{ticker: t})
	}
	for _, p := range l.deps.Ledger.Positions() {
		if !configured[p.Ticker] {
			out = append(out, evaluation{ticker: p.Ticker, exitOnly: true})
		}
	}
	return out
}

// evaluate deliberates on every ticker concurrently. It never touches the ledger.
func (l *Loop) evaluate(ctx context.Context, targets []evaluation, macro []types.OHLCV) ([]evaluation, error) {
	evals := make([]evaluation, len(targets))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(l.config.Concurrency)

	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			evals[i] = l.evaluateTicker(gctx, target, macro)
			return gctx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return evals, nil
}

func (l *Loop) evaluateTicker(ctx context.Context, target evaluation, macro []types.OHLCV) evaluation {
	ev := target
	ticker := ev.ticker

	window, err := l.deps.Market.History(ctx, ticker)
	if err != nil {
		ev.err = fmt.Errorf("failed to load history: %w", err)
		return ev
	}
	if len(window) == 0 {
		ev.err = errors.New("empty history")
		return ev
	}
	last := window[len(window)-1]
	ev.price = last.Close
	if ev.exitOnly {
		return ev
	}

	ev.decision = l.deps.Engine.Deliberate(consensus.Input{
		Ticker:    ticker,
		Window:    window,
		Macro:     macro,
		Sentiment: l.deps.Sentiment.Score(ctx, ticker),
		Timestamp: last.Timestamp,
	})
	return ev
}

// execute places orders. Everything between reading positions and the last
// submit runs under execMu, in configured ticker order. Held tickers that
// could not be priced are noted in errs.
func (l *Loop) execute(ctx context.Context, evals []evaluation, errs map[string]string) []Order {
	l.execMu.Lock()
	defer l.execMu.Unlock()

	orders := make([]Order, 0)
	held := make(map[string]types.Position)
	equity := l.deps.Ledger.Cash()
	invested := decimal.Zero
	for _, p := range l.deps.Ledger.Positions() {
		held[p.Ticker] = p
		equity = equity.Add(p.MarketValue())
		invested = invested.Add(p.CostBasis())
	}
	cash := l.deps.Ledger.Cash()
	fraction := l.deps.Sizer.CalculateFromHistory(l.deps.Ledger.TradeReturns())
	marker, _ := l.deps.Ledger.(priceMarker)

	for _, ev := range evals {
		if ev.err != nil || !ev.price.IsPositive() {
			if _, ok := held[ev.ticker]; ok {
				l.logger.Warn("Open position not checked for exits",
					zap.String("ticker", ev.ticker),
					zap.Error(ev.err))
				msg := "exit monitoring skipped for open position"
				if prev := errs[ev.ticker]; prev != "" {
					msg = prev + "; " + msg
				}
				errs[ev.ticker] = msg
			}
			continue
		}
		if marker != nil {
			marker.MarkPrice(ev.ticker, ev.price)
		}

		if pos, ok := held[ev.ticker]; ok {
			reason, exit := l.exitReason(pos, ev)
			if !exit {
				continue
			}
			order := l.submit(ctx, types.OrderSideSell, ev, pos.Quantity, reason)
			if order.Error == "" {
				cash = cash.Add(order.Intent.Notional())
				invested = invested.Sub(pos.CostBasis())
			}
			orders = append(orders, order)
			continue
		}

		if ev.decision == nil || ev.decision.Direction != types.DirectionBuy {
			continue
		}
		size := l.deps.Sizer.SizeOrder(sizing.OrderRequest{
			Equity:           equity,
			Cash:             cash,
			Price:            ev.price,
			Fraction:         fraction,
			MaxBudget:        l.config.MaxBudgetPerTrade,
			RemainingBudget:  l.config.MaxTotalInvested.Sub(invested),
			LimitTotalBudget: true,
		})
		if !size.Quantity.IsPositive() {
			l.logger.Info("Entry skipped, no budget",
				zap.String("ticker", ev.ticker),
				zap.String("limitingFactor", size.LimitingFactor))
			continue
		}
		order := l.submit(ctx, types.OrderSideBuy, ev, size.Quantity, ReasonEntry)
		order.LimitingFactor = size.LimitingFactor
		if order.Error == "" {
			cash = cash.Sub(order.Intent.Notional())
			invested = invested.Add(order.Intent.Notional())
		}
		orders = append(orders, order)
	}
	return orders
}

// exitReason checks stop-loss and take-profit before the SELL signal.
func (l *Loop) exitReason(pos types.Position, ev evaluation) (OrderReason, bool) {
	ret := pos.ReturnPct(ev.price)
	switch {
	case ret <= -l.config.StopLossPct:
		return ReasonStopLoss, true
	case ret >= l.config.TakeProfitPct:
		return ReasonTakeProfit, true
	case ev.decision != nil && ev.decision.Direction == types.DirectionSell:
		return ReasonSignal, true
	}
	return "", false
}

func (l *Loop) submit(ctx context.Context, side types.OrderSide, ev evaluation, qty decimal.Decimal, reason OrderReason) Order {
	intent := types.OrderIntent{
		ID:        uuid.New().String(),
		Ticker:    ev.ticker,
		Side:      side,
		Quantity:  qty,
		Price:     ev.price,
		Source:    "autotrade",
		Rationale: string(reason),
		CreatedAt: time.Now(),
	}
	if ev.decision != nil {
		intent.Source = "consensus:" + ev.decision.ID
		if reason == ReasonEntry || reason == ReasonSignal {
			intent.Rationale = string(reason) + ": " + ev.decision.Rationale
		}
	}

	order := Order{Intent: intent, Reason: reason}
	if _, err := l.deps.Ledger.Submit(ctx, intent); err != nil {
		order.Error = err.Error()
		l.logger.Error("Order rejected",
			zap.String("ticker", ev.ticker),
			zap.String("side", string(side)),
			zap.Error(err))
		return order
	}
	l.deps.Metrics.RecordOrder(string(side), string(reason))
	return order
}

func (l *Loop) recordDecision(d *consensus.Decision) {
	l.deps.Metrics.RecordDecision(d.Ticker, string(d.Direction), d.Vetoed)
	for _, ex := range d.Excluded {
		l.deps.Metrics.RecordExclusion(ex.Source)
	}
	l.mu.Lock()
	l.latest[d.Ticker] = d
	l.mu.Unlock()
}

func (l *Loop) alert(ctx context.Context, report *TickReport) {
	for _, d := range report.Decisions {
		switch {
		case d.Vetoed:
			l.send(ctx, notify.NewAlert(notify.AlertVeto, notify.SeverityWarning, d.Ticker, d.Rationale, d))
		case d.Direction != types.DirectionHold:
			l.send(ctx, notify.NewAlert(notify.AlertDecision, notify.SeverityInfo, d.Ticker, d.Rationale, d))
		}
	}
	for _, o := range report.Orders {
		if o.Error != "" {
			l.send(ctx, notify.NewAlert(notify.AlertError, notify.SeverityWarning, o.Intent.Ticker, "order rejected: "+o.Error, o))
			continue
		}
		msg := fmt.Sprintf("%s %s %s @ %s (%s)", o.Intent.Side, o.Intent.Quantity, o.Intent.Ticker, o.Intent.Price, o.Reason)
		l.send(ctx, notify.NewAlert(notify.AlertOrder, notify.SeverityInfo, o.Intent.Ticker, msg, o))
	}
}

// notifyTrip alerts once per trip.
func (l *Loop) notifyTrip(ctx context.Context, state risk.BreakerState) {
	l.mu.Lock()
	already := l.tripNotified
	l.tripNotified = true
	l.mu.Unlock()
	if !already {
		l.send(ctx, notify.NewAlert(notify.AlertTrip, notify.SeverityCritical, "", state.Reason, state))
	}
}

func (l *Loop) send(ctx context.Context, alert notify.Alert) {
	if err := l.deps.Notifier.Notify(ctx, alert); err != nil {
		l.logger.Warn("Alert delivery failed", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}

// Run ticks immediately and then every interval until ctx is done or Stop is
// called. A cycle in flight always completes: cancellation is only observed
// between cycles.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.running = true
	l.stopping = false
	l.stopChan = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stopChan, l.done
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(done)
	}()

	l.logger.Info("Starting trading loop",
		zap.Strings("tickers", l.config.Tickers),
		zap.Duration("interval", l.config.Interval))

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := l.Tick(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error("Cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			l.logger.Info("Trading loop stopped", zap.Error(ctx.Err()))
			return nil
		case <-stop:
			l.logger.Info("Trading loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop asks Run to return and waits for the in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	if !l.stopping {
		l.stopping = true
		close(l.stopChan)
	}
	done := l.done
	l.mu.Unlock()
	<-done
}

// IsRunning reports whether Run is active.
func (l *Loop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// LatestDecisions returns the most recent decision per ticker in configured order.
func (l *Loop) LatestDecisions() []*consensus.Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*consensus.Decision, 0, len(l.latest))
	for _, t := range l.config.Tickers {
		if d, ok := l.latest[t]; ok {
			out = append(out, d)
		}
	}
	return out
}

// LastReport returns the most recent cycle report, or nil.
func (l *Loop) LastReport() *TickReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastReport
}

// Config returns the loop configuration.
func (l *Loop) Config() Config { return l.config }
