package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := metrics.New()
	r.RecordDecision("AAPL", "BUY", false)
	r.RecordDecision("AAPL", "HOLD", true)
	r.RecordExclusion("sentiment")
	r.RecordOrder("BUY", "entry")
	r.SetBreakerOpen(true)
	r.ObserveTick(150 * time.Millisecond)
	r.RecordSkippedTick()

	count, err := testutil.GatherAndCount(r.Registry(),
		"trader_decisions_total", "trader_vetoes_total", "trader_vote_exclusions_total",
		"trader_orders_total", "trader_circuit_breaker_open", "trader_tick_duration_seconds",
		"trader_ticks_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 8, count)

	expected := `
# HELP trader_circuit_breaker_open 1 while the trading kill switch is tripped
# TYPE trader_circuit_breaker_open gauge
trader_circuit_breaker_open 1
`
	assert.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "trader_circuit_breaker_open"))
}

func TestHandlerServesExposition(t *testing.T) {
	r := metrics.New()
	r.RecordOrder("SELL", "stop_loss")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `trader_orders_total{reason="stop_loss",side="SELL"} 1`)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *metrics.Recorder
	assert.NotPanics(t, func() {
		r.RecordDecision("X", "BUY", true)
		r.SetBreakerOpen(true)
		r.ObserveTick(time.Second)
	})
}
