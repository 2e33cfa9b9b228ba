package types

import (
	"errors"
	"fmt"
	"time"
)

// ServerConfig represents the operator HTTP server configuration
type ServerConfig struct {
	Host          string        `mapstructure:"host" json:"host"`
	Port          int           `mapstructure:"port" json:"port"`
	WebSocketPath string        `mapstructure:"websocket_path" json:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" json:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" json:"writeTimeout"`
	AllowOrigins  []string      `mapstructure:"allow_origins" json:"allowOrigins"`
	EnableMetrics bool          `mapstructure:"enable_metrics" json:"enableMetrics"`
}

// DefaultServerConfig listens on localhost:8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:          "localhost",
		Port:          8080,
		WebSocketPath: "/ws",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		AllowOrigins:  []string{"*"},
		EnableMetrics: true,
	}
}

// Addr returns host:port.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port must be in 1..65535, got %d", c.Port))
	}
	if c.WebSocketPath == "" || c.WebSocketPath[0] != '/' {
		errs = append(errs, fmt.Errorf("server: websocket_path must start with '/', got %q", c.WebSocketPath))
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server: read and write timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir         string    `mapstructure:"data_dir" json:"dataDir"`
	Timeframe       Timeframe `mapstructure:"timeframe" json:"timeframe"`
	Lookback        int       `mapstructure:"lookback" json:"lookback"` // bars per window, 0 = all
	MacroSymbol     string    `mapstructure:"macro_symbol" json:"macroSymbol"`
	GenerateSamples bool      `mapstructure:"generate_samples" json:"generateSamples"`
	SampleBars      int       `mapstructure:"sample_bars" json:"sampleBars"`
}

// DefaultDataConfig reads daily bars from ./data with ^VIX as the macro series.
func DefaultDataConfig() DataConfig {
	return DataConfig{
		DataDir:         "./data",
		Timeframe:       Timeframe1d,
		Lookback:        250,
		MacroSymbol:     "^VIX",
		GenerateSamples: true,
		SampleBars:      500,
	}
}

// Validate checks the data configuration.
func (c DataConfig) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data: data_dir is required"))
	}
	if !c.Timeframe.Valid() {
		errs = append(errs, fmt.Errorf("data: unknown timeframe %q", c.Timeframe))
	}
	if c.Lookback < 0 {
		errs = append(errs, fmt.Errorf("data: lookback must not be negative, got %d", c.Lookback))
	}
	if c.GenerateSamples && c.SampleBars < 1 {
		errs = append(errs, fmt.Errorf("data: sample_bars must be positive, got %d", c.SampleBars))
	}
	return errors.Join(errs...)
}
