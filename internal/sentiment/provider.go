// Package sentiment is the boundary to the external text-analysis collaborator.
// The pipeline only ever sees a bounded score per ticker, or its absence.
package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnknownTicker is returned by providers that have no score for a ticker.
var ErrUnknownTicker = errors.New("no sentiment for ticker")

// Provider supplies a sentiment score in [-1, 1] for a ticker. Implementations
// should return when ctx is done; Guard stops waiting at its timeout either way.
type Provider interface {
	Score(ctx context.Context, ticker string) (float64, error)
}

// Static serves fixed scores. Used in backtests and tests.
type Static map[string]float64

// Score returns the stored score.
func (s Static) Score(_ context.Context, ticker string) (float64, error) {
	v, ok := s[ticker]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	}
	return v, nil
}

// HTTPConfig configures the HTTP sentiment client
type HTTPConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	Burst          int     `mapstructure:"burst"`
}

// HTTPProvider fetches scores from GET {BaseURL}/sentiment/{ticker}
type HTTPProvider struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// NewHTTPProvider creates a rate limited HTTP provider.
func NewHTTPProvider(config HTTPConfig, client *http.Client) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("sentiment: base_url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if config.RequestsPerSec > 0 {
		limit = rate.Limit(config.RequestsPerSec)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPProvider{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Score requests the score for ticker.
func (p *HTTPProvider) Score(ctx context.Context, ticker string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/sentiment/" + url.PathEscape(ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("X-API-Key", p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sentiment request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrUnknownTicker, ticker)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("sentiment service returned %d", resp.StatusCode)
	}

	var body scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode sentiment: %w", err)
	}
	if body.Score == nil {
		return 0, fmt.Errorf("sentiment response missing score")
	}
	return *body.Score, nil
}
