// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/api"
	"github.com/atlas-desktop/consensus-trader/internal/autotrade"
	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/ledger"
	"github.com/atlas-desktop/consensus-trader/internal/metrics"
	"github.com/atlas-desktop/consensus-trader/internal/notify"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type decisions struct{ latest []*consensus.Decision }

func (d decisions) LatestDecisions() []*consensus.Decision { return d.latest }
func (d decisions) LastReport() *autotrade.TickReport        { return nil }

type fixture struct {
	ts      *httptest.Server
	breaker *risk.CircuitBreaker
	hub     *api.Hub
	alerts  *notify.Recorder
	store   *data.Store
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	breaker, err := risk.NewCircuitBreaker(logger, decimal.NewFromInt(-1_000))
	require.NoError(t, err)
	store, err := data.NewStore(logger, t.TempDir())
	require.NoError(t, err)
	paper, err := ledger.NewPaperLedger(logger, decimal.NewFromInt(50_000))
	require.NoError(t, err)
	_, err = paper.Submit(context.Background(), types.OrderIntent{
		Ticker: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	hub := api.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Close)

	alerts := notify.NewRecorder(0)
	server, err := api.NewServer(logger, types.DefaultServerConfig(), api.Deps{
		Breaker:   breaker,
		Decisions: decisions{latest: []*consensus.Decision{{ID: "d1", Ticker: "AAPL", Direction: types.DirectionBuy}}},
		Portfolio: paper,
		Store:     store,
		Metrics:   metrics.New(),
		Hub:       hub,
		Notifier:  notify.Multi{hub, alerts},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, breaker: breaker, hub: hub, alerts: alerts, store: store}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out interface{}) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTestServer(t)

	var result map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/v1/health", &result))
	assert.Equal(t, "healthy", result["status"])
	assert.Equal(t, false, result["breakerTripped"])
}

func TestBreakerTripAndManualReset(t *testing.T) {
	f := setupTestServer(t)
	base := f.ts.URL + "/api/v1/breaker"

	assert.Equal(t, http.StatusBadRequest, postJSON(t, base+"/trip", `{}`, nil))
	assert.Equal(t, http.StatusConflict, postJSON(t, base+"/reset", `{"operator":"ops"}`, nil))

	var state risk.BreakerState
	require.Equal(t, http.StatusOK, postJSON(t, base+"/trip", `{"reason":"manual halt","operator":"ops"}`, &state))
	assert.True(t, state.Tripped)
	assert.Contains(t, state.Reason, "manual halt")
	assert.False(t, f.breaker.IsActive())

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/v1/health", &health))
	assert.Equal(t, true, health["breakerTripped"])

	assert.Equal(t, http.StatusOK, getJSON(t, base, &state))
	assert.True(t, state.Tripped)

	assert.Equal(t, http.StatusBadRequest, postJSON(t, base+"/reset", `{}`, nil))
	require.Equal(t, http.StatusOK, postJSON(t, base+"/reset", `{"operator":"alice"}`, &state))
	assert.False(t, state.Tripped)
	assert.Equal(t, "alice", state.ResetBy)
	assert.True(t, f.breaker.IsActive())
	assert.Equal(t, http.StatusConflict, postJSON(t, base+"/reset", `{"operator":"alice"}`, nil), "already closed")

	assert.Len(t, f.alerts.OfType(notify.AlertTrip), 1)
	assert.Len(t, f.alerts.OfType(notify.AlertReset), 1)
}

func TestDecisionsAndPositions(t *testing.T) {
	f := setupTestServer(t)

	var latest struct {
		Decisions []consensus.Decision `json:"decisions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/v1/decisions/latest", &latest))
	require.Len(t, latest.Decisions, 1)
	assert.Equal(t, "AAPL", latest.Decisions[0].Ticker)

	var positions struct {
		Positions []types.Position `json:"positions"`
		Cash      decimal.Decimal  `json:"cash"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/v1/positions", &positions))
	require.Len(t, positions.Positions, 1)
	assert.True(t, positions.Cash.Equal(decimal.NewFromInt(49_000)))
}

func TestHistoryEndpoint(t *testing.T) {
	f := setupTestServer(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.SaveOHLCV("MSFT", types.Timeframe1d, data.SeriesFromCloses(start, types.Timeframe1d, []float64{1, 2, 3, 4, 5})))

	var result struct {
		Count int `json:"count"`
	}
	url := f.ts.URL + "/api/v1/data/history/MSFT?start=2024-01-02T00:00:00Z&end=2024-01-04T00:00:00Z"
	assert.Equal(t, http.StatusOK, getJSON(t, url, &result))
	assert.Equal(t, 3, result.Count)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.ts.URL+"/api/v1/data/history/MSFT?start=yesterday", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.ts.URL+"/api/v1/data/history/NOPE", nil))

	var symbols struct {
		Symbols []string `json:"symbols"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, f.ts.URL+"/api/v1/data/symbols", &symbols))
	assert.Contains(t, symbols.Symbols, "MSFT")
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketReceivesAlerts(t *testing.T) {
	f := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	alert := notify.NewAlert(notify.AlertVeto, notify.SeverityWarning, "AAPL", "vetoed", nil)
	require.NoError(t, f.hub.Notify(context.Background(), alert))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, api.MsgTypeAlert, msg.Type)
	assert.Equal(t, string(notify.AlertVeto), msg.Channel)

	var got notify.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, "AAPL", got.Ticker)
}

func TestInvalidServerConfig(t *testing.T) {
	cfg := types.DefaultServerConfig()
	cfg.Port = 0
	_, err := api.NewServer(zap.NewNop(), cfg, api.Deps{})
	assert.Error(t, err)

	_, err = api.NewServer(zap.NewNop(), types.DefaultServerConfig(), api.Deps{})
	assert.Error(t, err)
}
