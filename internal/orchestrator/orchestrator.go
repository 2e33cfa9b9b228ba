// Package orchestrator selects the active strategy squad for the current market regime.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"go.uber.org/zap"
)

// SquadTable maps each regime to an ordered list of strategy names.
// Universal strategies run in every regime and come first.
type SquadTable struct {
	Universal []string                  `mapstructure:"universal"`
	ByRegime  map[regime.Label][]string `mapstructure:"by_regime"`
}

// DefaultSquadTable returns the built-in regime mapping
func DefaultSquadTable() SquadTable {
	return SquadTable{
		Universal: []string{"ensemble"},
		ByRegime: map[regime.Label][]string{
			regime.LabelTrendUp:   {"trend_following", "momentum", "breakout"},
			regime.LabelTrendDown: {"trend_following", "momentum", "defensive"},
			regime.LabelRange:     {"mean_reversion", "rsi_reversal"},
			regime.LabelVolatile:  {"mean_reversion", "defensive"},
			regime.LabelCrash:     {"defensive"},
			regime.LabelUncertain: {"defensive"},
		},
	}
}

// Validate checks that every regime maps somewhere and every name resolves.
func (t SquadTable) Validate(registry *strategy.Registry) error {
	var errs []error
	check := func(where, name string) {
		if _, ok := registry.Factory(name); !ok {
			errs = append(errs, fmt.Errorf("orchestrator: %s references unknown strategy %q", where, name))
		}
	}

	for _, name := range t.Universal {
		check("universal", name)
	}
	for _, label := range regime.Labels() {
		names, ok := t.ByRegime[label]
		if !ok {
			errs = append(errs, fmt.Errorf("orchestrator: regime %s has no squad", label))
			continue
		}
		for _, name := range names {
			check(string(label), name)
		}
	}
	for label := range t.ByRegime {
		if _, err := regime.ParseLabel(string(label)); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator builds and caches strategy instances and assembles squads.
type Orchestrator struct {
	logger   *zap.Logger
	registry *strategy.Registry
	custom   *strategy.Registry
	table    SquadTable

	mu        sync.Mutex
	instances map[string]strategy.Strategy
	failed    map[string]error
}

// New creates an orchestrator. custom may be nil. The table is validated against the registry.
func New(logger *zap.Logger, registry *strategy.Registry, custom *strategy.Registry, table SquadTable) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("orchestrator: strategy registry is required")
	}
	if err := table.Validate(registry); err != nil {
		return nil, err
	}

	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		registry:  registry,
		custom:    custom,
		table:     table,
		instances: make(map[string]strategy.Strategy),
		failed:    make(map[string]error),
	}, nil
}

// GetActiveSquad returns universal, then regime-specific, then custom strategies, without duplicates.
func (o *Orchestrator) GetActiveSquad(label regime.Label) []strategy.Strategy {
	names, ok := o.table.ByRegime[label]
	if !ok {
		o.logger.Warn("Unknown regime label, using UNCERTAIN squad", zap.String("label", string(label)))
		names = o.table.ByRegime[regime.LabelUncertain]
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[string]bool)
	squad := make([]strategy.Strategy, 0, len(o.table.Universal)+len(names))

	add := func(reg *strategy.Registry, name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if s := o.instance(reg, name); s != nil {
			squad = append(squad, s)
		}
	}

	for _, name := range o.table.Universal {
		add(o.registry, name)
	}
	for _, name := range names {
		add(o.registry, name)
	}
	if o.custom != nil {
		for _, name := range o.custom.Names() {
			add(o.custom, name)
		}
	}

	if len(squad) == 0 {
		o.logger.Error("No strategies available for regime", zap.String("label", string(label)))
	}
	return squad
}

// instance returns the cached strategy, building it on first use. Caller holds o.mu.
func (o *Orchestrator) instance(reg *strategy.Registry, name string) strategy.Strategy {
	if s, ok := o.instances[name]; ok {
		return s
	}
	if _, failed := o.failed[name]; failed {
		return nil
	}

	factory, ok := reg.Factory(name)
	if !ok {
		o.failed[name] = fmt.Errorf("strategy %q not registered", name)
		return nil
	}

	s, err := build(factory)
	if err == nil && s == nil {
		err = fmt.Errorf("factory returned nil strategy")
	}
	if err != nil {
		o.logger.Error("Failed to construct strategy, excluding from squad",
			zap.String("strategy", name),
			zap.Error(err))
		o.failed[name] = err
		return nil
	}

	o.instances[name] = s
	o.logger.Debug("Strategy constructed", zap.String("strategy", name))
	return s
}

func build(factory strategy.Factory) (s strategy.Strategy, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory()
}

// Failures returns the construction errors recorded so far, keyed by strategy name.
func (o *Orchestrator) Failures() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]string, len(o.failed))
	for name, err := range o.failed {
		out[name] = err.Error()
	}
	return out
}

// IsUniversal reports whether name runs in every regime.
func (o *Orchestrator) IsUniversal(name string) bool {
	for _, u := range o.table.Universal {
		if u == name {
			return true
		}
	}
	return false
}
