package orchestrator_test

import (
	"errors"
	"testing"

	"github.com/atlas-desktop/consensus-trader/internal/orchestrator"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hold([]types.OHLCV) (types.Signal, error) {
	return types.Signal{Direction: types.DirectionHold}, nil
}

func names(squad []strategy.Strategy) []string {
	out := make([]string, len(squad))
	for i, s := range squad {
		out[i] = s.Name()
	}
	return out
}

func TestDefaultTableCoversEveryRegime(t *testing.T) {
	logger := zap.NewNop()
	orch, err := orchestrator.New(logger, strategy.NewBuiltinRegistry(logger), nil, orchestrator.DefaultSquadTable())
	require.NoError(t, err)

	for _, label := range regime.Labels() {
		squad := orch.GetActiveSquad(label)
		require.NotEmpty(t, squad, label)
		assert.Equal(t, "ensemble", squad[0].Name(), "universal strategies come first")
	}
	assert.Equal(t, []string{"ensemble", "defensive"}, names(orch.GetActiveSquad(regime.LabelCrash)))
	assert.True(t, orch.IsUniversal("ensemble"))
	assert.False(t, orch.IsUniversal("defensive"))
}

func TestSquadOrderDeduplicatesAndAppendsCustom(t *testing.T) {
	logger := zap.NewNop()
	reg := strategy.NewRegistry(logger)
	for _, n := range []string{"u", "a", "b"} {
		name := n
		require.NoError(t, reg.Register(name, func() (strategy.Strategy, error) { return strategy.Func(name, hold), nil }))
	}
	custom := strategy.NewRegistry(logger)
	require.NoError(t, custom.Register("mine", func() (strategy.Strategy, error) { return strategy.Func("mine", hold), nil }))
	require.NoError(t, custom.Register("a", func() (strategy.Strategy, error) { return strategy.Func("a", hold), nil }))

	table := orchestrator.SquadTable{Universal: []string{"u"}, ByRegime: map[regime.Label][]string{}}
	for _, l := range regime.Labels() {
		table.ByRegime[l] = []string{"a", "u", "b"}
	}
	orch, err := orchestrator.New(logger, reg, custom, table)
	require.NoError(t, err)

	assert.Equal(t, []string{"u", "a", "b", "mine"}, names(orch.GetActiveSquad(regime.LabelRange)))

	first := orch.GetActiveSquad(regime.LabelRange)
	second := orch.GetActiveSquad(regime.LabelTrendUp)
	assert.Same(t, first[1], second[1], "instances are cached across calls")
}

func TestUnknownLabelFallsBackToUncertain(t *testing.T) {
	logger := zap.NewNop()
	orch, err := orchestrator.New(logger, strategy.NewBuiltinRegistry(logger), nil, orchestrator.DefaultSquadTable())
	require.NoError(t, err)

	assert.Equal(t,
		names(orch.GetActiveSquad(regime.LabelUncertain)),
		names(orch.GetActiveSquad(regime.Label("SIDEWAYS_ISH"))))
}

func TestFailingFactoriesAreExcluded(t *testing.T) {
	logger := zap.NewNop()
	reg := strategy.NewRegistry(logger)
	require.NoError(t, reg.Register("ok", func() (strategy.Strategy, error) { return strategy.Func("ok", hold), nil }))
	require.NoError(t, reg.Register("broken", func() (strategy.Strategy, error) { return nil, errors.New("missing model") }))
	require.NoError(t, reg.Register("panics", func() (strategy.Strategy, error) { panic("boom") }))
	require.NoError(t, reg.Register("nil", func() (strategy.Strategy, error) { return nil, nil }))

	table := orchestrator.SquadTable{ByRegime: map[regime.Label][]string{}}
	for _, l := range regime.Labels() {
		table.ByRegime[l] = []string{"broken", "ok", "panics", "nil"}
	}
	orch, err := orchestrator.New(logger, reg, nil, table)
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, names(orch.GetActiveSquad(regime.LabelVolatile)))
	assert.Equal(t, []string{"ok"}, names(orch.GetActiveSquad(regime.LabelVolatile)))

	failures := orch.Failures()
	assert.Len(t, failures, 3)
	assert.Contains(t, failures["broken"], "missing model")
	assert.Contains(t, failures["panics"], "panicked")
}

func TestInvalidTableIsRejected(t *testing.T) {
	logger := zap.NewNop()
	reg := strategy.NewBuiltinRegistry(logger)

	table := orchestrator.DefaultSquadTable()
	delete(table.ByRegime, regime.LabelCrash)
	table.Universal = append(table.Universal, "ghost")

	_, err := orchestrator.New(logger, reg, nil, table)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRASH")
	assert.Contains(t, err.Error(), "ghost")

	_, err = orchestrator.New(logger, nil, nil, orchestrator.DefaultSquadTable())
	assert.Error(t, err)
}
