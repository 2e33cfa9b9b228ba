// Package config loads the trader configuration from YAML and TRADER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/atlas-desktop/consensus-trader/internal/autotrade"
	"github.com/atlas-desktop/consensus-trader/internal/backtester"
	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/orchestrator"
	"github.com/atlas-desktop/consensus-trader/internal/regime"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/internal/sentiment"
	"github.com/atlas-desktop/consensus-trader/internal/sizing"
	"github.com/atlas-desktop/consensus-trader/internal/strategy"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override, e.g. TRADER_TRADING_INTERVAL.
const EnvPrefix = "TRADER"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Sentiment provider kinds
const (
	SentimentNone   = "none"
	SentimentStatic = "static"
	SentimentHTTP   = "http"
)

// BreakerConfig configures the trading kill switch
type BreakerConfig struct {
	MaxDailyLoss decimal.Decimal `mapstructure:"max_daily_loss"` // negative
}

// SentimentConfig selects and guards the sentiment provider
type SentimentConfig struct {
	Provider string                `mapstructure:"provider"`
	Static   map[string]float64    `mapstructure:"static"`
	HTTP     sentiment.HTTPConfig  `mapstructure:"http"`
	Guard    sentiment.GuardConfig `mapstructure:"guard"`
}

// PaperConfig configures the paper ledger
type PaperConfig struct {
	InitialCash decimal.Decimal `mapstructure:"initial_cash"`
}

// Config is the complete trader configuration
type Config struct {
	LogLevel  string                  `mapstructure:"log_level"`
	Server    types.ServerConfig      `mapstructure:"server"`
	Data      types.DataConfig        `mapstructure:"data"`
	Regime    regime.RegimeConfig     `mapstructure:"regime"`
	Squads    orchestrator.SquadTable `mapstructure:"squads"`
	Risk      risk.AssessorConfig     `mapstructure:"risk"`
	Breaker   BreakerConfig           `mapstructure:"breaker"`
	Sentiment SentimentConfig         `mapstructure:"sentiment"`
	Consensus consensus.Config        `mapstructure:"consensus"`
	Sizing    sizing.SizingConfig     `mapstructure:"sizing"`
	Backtest  backtester.Params       `mapstructure:"backtest"`
	Trading   autotrade.Config        `mapstructure:"trading"`
	Paper     PaperConfig             `mapstructure:"paper"`
}

// Default returns every component's defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Server:    types.DefaultServerConfig(),
		Data:      types.DefaultDataConfig(),
		Regime:    *regime.DefaultRegimeConfig(),
		Squads:    orchestrator.DefaultSquadTable(),
		Risk:      *risk.DefaultAssessorConfig(),
		Breaker:   BreakerConfig{MaxDailyLoss: decimal.NewFromInt(-1_000)},
		Sentiment: SentimentConfig{Provider: SentimentNone, Static: map[string]float64{}, Guard: sentiment.DefaultGuardConfig()},
		Consensus: *consensus.DefaultConfig(),
		Sizing:    *sizing.DefaultSizingConfig(),
		Backtest:  backtester.DefaultParams(),
		Trading:   *autotrade.DefaultConfig(),
		Paper:     PaperConfig{InitialCash: decimal.NewFromInt(100_000)},
	}
}

// Load reads path (optional) over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return decode(v)
}

// FromMap builds a configuration from nested key/value settings over the defaults.
func FromMap(settings map[string]interface{}) (*Config, error) {
	v := newViper()
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("failed to merge settings: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	registerDefaults(v, "", reflect.ValueOf(*Default()))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// registerDefaults sets a default for every leaf key so env overrides resolve
// even when the file omits the key.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := val.Field(i)
		switch {
		case fv.Type() == decimalType:
			v.SetDefault(key, fv.Interface().(decimal.Decimal).String())
		case fv.Kind() == reflect.Struct:
			registerDefaults(v, key, fv)
		default:
			v.SetDefault(key, fv.Interface())
		}
	}
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook,
		)),
		func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// viper lower-cases keys; regime labels and tickers are upper case.
	labels := make(map[regime.Label][]string, len(cfg.Squads.ByRegime))
	for label, names := range cfg.Squads.ByRegime {
		labels[regime.Label(strings.ToUpper(string(label)))] = names
	}
	cfg.Squads.ByRegime = labels
	static := make(map[string]float64, len(cfg.Sentiment.Static))
	for ticker, score := range cfg.Sentiment.Static {
		static[strings.ToUpper(ticker)] = score
	}
	cfg.Sentiment.Static = static
	cfg.Sentiment.Provider = strings.ToLower(strings.TrimSpace(cfg.Sentiment.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decimalHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch d := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(d))
	case float64:
		return decimal.NewFromFloat(d), nil
	case float32:
		return decimal.NewFromFloat32(d), nil
	case int:
		return decimal.NewFromInt(int64(d)), nil
	case int64:
		return decimal.NewFromInt(d), nil
	}
	return data, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs,
		c.Server.Validate(),
		c.Data.Validate(),
		c.Regime.Validate(),
		c.Squads.Validate(strategy.NewBuiltinRegistry(zap.NewNop())),
		c.Risk.Validate(),
		c.Consensus.Validate(),
		c.Sizing.Validate(),
		c.Backtest.Validate(),
		c.Trading.Validate(),
	)
	if !c.Breaker.MaxDailyLoss.IsNegative() {
		errs = append(errs, fmt.Errorf("breaker: max_daily_loss must be negative, got %s", c.Breaker.MaxDailyLoss))
	}
	if !c.Paper.InitialCash.IsPositive() {
		errs = append(errs, fmt.Errorf("paper: initial_cash must be positive, got %s", c.Paper.InitialCash))
	}
	switch c.Sentiment.Provider {
	case SentimentNone, SentimentStatic:
	case SentimentHTTP:
		if c.Sentiment.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("sentiment: http.base_url is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("sentiment: unknown provider %q", c.Sentiment.Provider))
	}
	if c.Sentiment.Guard.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sentiment: guard.timeout must be positive, got %s", c.Sentiment.Guard.Timeout))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ParseLevel maps a level name onto a zap level.
func ParseLevel(level string) (zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
