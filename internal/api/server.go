// Package api provides the operator HTTP and WebSocket surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/atlas-desktop/consensus-trader/internal/autotrade"
	"github.com/atlas-desktop/consensus-trader/internal/consensus"
	"github.com/atlas-desktop/consensus-trader/internal/data"
	"github.com/atlas-desktop/consensus-trader/internal/metrics"
	"github.com/atlas-desktop/consensus-trader/internal/notify"
	"github.com/atlas-desktop/consensus-trader/internal/risk"
	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DecisionSource exposes the trading loop's latest output
type DecisionSource interface {
	LatestDecisions() []*consensus.Decision
	LastReport() *autotrade.TickReport
}

// Portfolio exposes the ledger's state
type Portfolio interface {
	Positions() []types.Position
	Cash() decimal.Decimal
	Equity() decimal.Decimal
	DailyPnL() decimal.Decimal
}

// Deps are the server's collaborators. Only Breaker is required.
type Deps struct {
	Breaker   *risk.CircuitBreaker
	Decisions DecisionSource
	Portfolio Portfolio
	Store     *data.Store
	Metrics   *metrics.Recorder
	Hub       *Hub
	Notifier  notify.Notifier // operator actions; defaults to Hub
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	deps       Deps
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config types.ServerConfig, deps Deps) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Breaker == nil {
		return nil, errors.New("api: circuit breaker is required")
	}
	if deps.Notifier == nil && deps.Hub != nil {
		deps.Notifier = deps.Hub
	}

	s := &Server{
		logger: logger.Named("api"),
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(config.AllowOrigins, r.Header.Get("Origin")) },
		},
	}
	s.setupRoutes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins:   config.AllowOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
	return s, nil
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Kill switch
	api.HandleFunc("/breaker", s.handleGetBreaker).Methods(http.MethodGet)
	api.HandleFunc("/breaker/trip", s.handleTripBreaker).Methods(http.MethodPost)
	api.HandleFunc("/breaker/reset", s.handleResetBreaker).Methods(http.MethodPost)

	// Trading state
	api.HandleFunc("/decisions/latest", s.handleLatestDecisions).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)

	// Data endpoints
	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods(http.MethodGet)
	api.HandleFunc("/data/history/{symbol}", s.handleGetHistory).Methods(http.MethodGet)

	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", s.config.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and disconnects WebSocket clients
func (s *Server) Stop(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "healthy",
		"time":           time.Now().Unix(),
		"breakerTripped": !s.deps.Breaker.IsActive(),
	}
	if s.deps.Hub != nil {
		resp["clients"] = s.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breaker.State())
}

type breakerRequest struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func decodeBreakerRequest(r *http.Request) (breakerRequest, error) {
	var req breakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.Operator = strings.TrimSpace(req.Operator)
	return req, nil
}

// handleTripBreaker opens the kill switch manually.
func (s *Server) handleTripBreaker(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBreakerRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.Operator != "" {
		req.Reason = req.Reason + " (by " + req.Operator + ")"
	}

	s.deps.Breaker.Trip(req.Reason)
	s.deps.Metrics.SetBreakerOpen(true)
	state := s.deps.Breaker.State()
	s.alert(r.Context(), notify.NewAlert(notify.AlertTrip, notify.SeverityCritical, "", state.Reason, state))
	writeJSON(w, http.StatusOK, state)
}

// handleResetBreaker is the only way to close a tripped kill switch.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	req, err := decodeBreakerRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	if s.deps.Breaker.IsActive() {
		writeError(w, http.StatusConflict, "circuit breaker is not tripped")
		return
	}

	s.deps.Breaker.Reset(req.Operator)
	s.deps.Metrics.SetBreakerOpen(false)
	state := s.deps.Breaker.State()
	s.alert(r.Context(), notify.NewAlert(notify.AlertReset, notify.SeverityWarning, "", "circuit breaker reset by "+req.Operator, state))
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) alert(ctx context.Context, alert notify.Alert) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, alert); err != nil {
		s.logger.Warn("Alert delivery failed", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}

func (s *Server) handleLatestDecisions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, http.StatusServiceUnavailable, "trading loop not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": s.deps.Decisions.LatestDecisions(),
		"report":    s.deps.Decisions.LastReport(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Portfolio == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	p := s.deps.Portfolio
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": p.Positions(),
		"cash":      p.Cash(),
		"equity":    p.Equity(),
		"dailyPnl":  p.DailyPnL(),
	})
}

// handleGetSymbols returns stored symbols
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "data store not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": s.deps.Store.Symbols()})
}

// handleGetHistory returns historical bars for a symbol
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "data store not available")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	timeframe := types.Timeframe(q.Get("timeframe"))
	if timeframe == "" {
		timeframe = types.Timeframe1d
	}
	if !timeframe.Valid() {
		writeError(w, http.StatusBadRequest, "unknown timeframe")
		return
	}

	end := time.Now()
	start := end.AddDate(-1, 0, 0)
	for key, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+key+": expected RFC3339")
				return
			}
			*dst = t
		}
	}

	bars, err := s.deps.Store.LoadRange(r.Context(), symbol, timeframe, start, end)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, data.ErrNoData) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.deps.Hub.Serve(uuid.New().String(), conn)
}
