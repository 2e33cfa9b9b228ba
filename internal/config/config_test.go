package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/config"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Trading.Tickers, cfg.Trading.Tickers)
	assert.True(t, cfg.Breaker.MaxDailyLoss.Equal(decimal.NewFromInt(-1_000)))
	assert.Equal(t, 5*time.Minute, cfg.Trading.Interval)
	assert.Len(t, cfg.Squads.ByRegime, len(regime.Labels()))
}

func TestFromMapOverridesNestedKeys(t *testing.T) {
	cfg, err := config.FromMap(map[string]interface{}{
		"trading": map[string]interface{}{
			"tickers":              []string{"SPY", "QQQ"},
			"interval":             "90s",
			"max_budget_per_trade": "250.5",
		},
		"consensus": map[string]interface{}{
			"buy_threshold":    0.4,
			"strategy_weights": map[string]interface{}{"momentum": 2.0},
		},
		"breaker": map[string]interface{}{"max_daily_loss": -250},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"SPY", "QQQ"}, cfg.Trading.Tickers)
	assert.Equal(t, 90*time.Second, cfg.Trading.Interval)
	assert.True(t, cfg.Trading.MaxBudgetPerTrade.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 0.4, cfg.Consensus.BuyThreshold)
	assert.Equal(t, 0.3, cfg.Consensus.SellThreshold)
	assert.Equal(t, 2.0, cfg.Consensus.StrategyWeights["momentum"])
	assert.True(t, cfg.Breaker.MaxDailyLoss.Equal(decimal.NewFromInt(-250)))
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.yaml")
	yaml := `
log_level: debug
data:
  data_dir: ./bars
  timeframe: 1h
squads:
  universal: [ensemble]
  by_regime:
    trend_up: [momentum]
    trend_down: [defensive]
    range: [mean_reversion]
    volatile: [defensive]
    crash: [defensive]
    uncertain: [defensive]
sentiment:
  provider: static
  static:
    aapl: 0.4

`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TRADER_TRADING_TICKERS", "AAPL,TSLA")
	t.Setenv("TRADER_SIZING_MAX_FRACTION", "0.05")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "./bars", cfg.Data.DataDir)
	assert.Equal(t, []string{"momentum"}, cfg.Squads.ByRegime[regime.LabelTrendUp])
	assert.Equal(t, config.SentimentStatic, cfg.Sentiment.Provider)
	assert.Equal(t, 0.4, cfg.Sentiment.Static["AAPL"])
	assert.Equal(t, []string{"AAPL", "TSLA"}, cfg.Trading.Tickers)
	assert.Equal(t, 0.05, cfg.Sizing.MaxFraction)
}

func TestInvalidConfigReportsEverything(t *testing.T) {
	_, err := config.FromMap(map[string]interface{}{
		"log_level": "loud",
		"breaker":   map[string]interface{}{"max_daily_loss": 100},
		"sentiment": map[string]interface{}{"provider": "http"},
		"trading":   map[string]interface{}{"concurrency": 0},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	for _, want := range []string{"log_level", "max_daily_loss", "base_url", "concurrency"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
