// Package strategy provides signal-generating strategy implementations.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/atlas-desktop/consensus-trader/pkg/utils"
	"go.uber.org/zap"
)

// ErrInsufficientData is returned when the window is shorter than a strategy's lookback.
var ErrInsufficientData = errors.New("insufficient data")

// ErrMalformedWindow is returned for windows containing non-positive or non-finite prices.
var ErrMalformedWindow = errors.New("malformed price window")

// Strategy is the interface all strategies must implement.
type Strategy interface {
	Name() string
	GenerateSignal(window []types.OHLCV) (types.Signal, error)
}

// Factory constructs a strategy. Construction may be expensive or fail.
type Factory func() (Strategy, error)

// Registry manages available strategy factories.
type Registry struct {
	logger    *zap.Logger
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}
}

// NewBuiltinRegistry creates a registry with the built-in strategies.
func NewBuiltinRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)

	builtins := map[string]Factory{
		"ensemble":        func() (Strategy, error) { return NewEnsembleStrategy(logger), nil },
		"momentum":        func() (Strategy, error) { return NewMomentumStrategy(logger), nil },
		"trend_following": func() (Strategy, error) { return NewTrendFollowingStrategy(logger), nil },
		"breakout":        func() (Strategy, error) { return NewBreakoutStrategy(logger), nil },
		"mean_reversion":  func() (Strategy, error) { return NewMeanReversionStrategy(logger), nil },
		"rsi_reversal":    func() (Strategy, error) { return NewRSIReversalStrategy(logger), nil },
		"defensive":       func() (Strategy, error) { return NewDefensiveStrategy(logger), nil },
	}
	for name, f := range builtins {
		// names are unique literals, Register cannot fail here
		_ = r.Register(name, f)
	}

	return r
}

// Register registers a new strategy factory.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("strategy name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	return f, ok
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// funcStrategy adapts a plain function to the Strategy interface.
type funcStrategy struct {
	name string
	fn   func(window []types.OHLCV) (types.Signal, error)
}

// Func wraps fn as a named Strategy. The returned signal's Source is set to name.
func Func(name string, fn func(window []types.OHLCV) (types.Signal, error)) Strategy {
	return &funcStrategy{name: name, fn: fn}
}

func (s *funcStrategy) Name() string { return s.name }

func (s *funcStrategy) GenerateSignal(window []types.OHLCV) (types.Signal, error) {
	sig, err := s.fn(window)
	if err != nil {
		return types.Signal{}, err
	}
	sig.Source = s.name
	return sig, nil
}

// BaseStrategy provides common functionality.
type BaseStrategy struct {
	logger  *zap.Logger
	name    string
	minBars int
}

// Name returns the strategy name.
func (s *BaseStrategy) Name() string { return s.name }

// MinBars returns the shortest window the strategy accepts.
func (s *BaseStrategy) MinBars() int { return s.minBars }

// prepare checks the window and extracts closes
func (s *BaseStrategy) prepare(window []types.OHLCV) ([]float64, error) {
	if len(window) < s.minBars {
		return nil, fmt.Errorf("%w: %s needs %d bars, have %d", ErrInsufficientData, s.name, s.minBars, len(window))
	}
	closes := utils.Closes(window)
	if !utils.AllPositive(closes) {
		return nil, fmt.Errorf("%w: %s", ErrMalformedWindow, s.name)
	}
	return closes, nil
}

func (s *BaseStrategy) signal(dir types.Direction, confidence float64, reason string) types.Signal {
	return types.Signal{
		Source:     s.name,
		Direction:  dir,
		Confidence: utils.Clamp(confidence, 0, 1),
		Reason:     reason,
	}
}
