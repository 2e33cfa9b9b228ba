// Package metrics exposes Prometheus collectors for the trading loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records pipeline metrics on its own registry
type Recorder struct {
	registry     *prometheus.Registry
	decisions    *prometheus.CounterVec
	vetoes       *prometheus.CounterVec
	exclusions   *prometheus.CounterVec
	orders       *prometheus.CounterVec
	breakerOpen  prometheus.Gauge
	tickDuration prometheus.Histogram
	ticksSkipped prometheus.Counter
}

// New creates a recorder with process and Go runtime collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) { reg.MustRegister(c) }

	r := &Recorder{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Consensus decisions by ticker and direction",
		}, []string{"ticker", "direction"}),
		vetoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_vetoes_total",
			Help: "Decisions forced to HOLD by the risk veto",
		}, []string{"ticker"}),
		exclusions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_vote_exclusions_total",
			Help: "Votes excluded from consensus by source",
		}, []string{"source"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order intents submitted by side and reason",
		}, []string{"side", "reason"}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_circuit_breaker_open",
			Help: "1 while the trading kill switch is tripped",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_tick_duration_seconds",
			Help:    "Duration of trading loop cycles",
			Buckets: prometheus.DefBuckets,
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ticks_skipped_total",
			Help: "Cycles skipped because the kill switch was open",
		}),
	}

	factory(r.decisions)
	factory(r.vetoes)
	factory(r.exclusions)
	factory(r.orders)
	factory(r.breakerOpen)
	factory(r.tickDuration)
	factory(r.ticksSkipped)
	factory(collectors.NewGoCollector())
	factory(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// RecordDecision counts a decision; vetoed decisions are also counted as vetoes.
func (r *Recorder) RecordDecision(ticker, direction string, vetoed bool) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(ticker, direction).Inc()
	if vetoed {
		r.vetoes.WithLabelValues(ticker).Inc()
	}
}

// RecordExclusion counts a vote excluded from consensus.
func (r *Recorder) RecordExclusion(source string) {
	if r == nil {
		return
	}
	r.exclusions.WithLabelValues(source).Inc()
}

// RecordOrder counts a submitted order.
func (r *Recorder) RecordOrder(side, reason string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(side, reason).Inc()
}

// SetBreakerOpen sets the kill switch gauge.
func (r *Recorder) SetBreakerOpen(open bool) {
	if r == nil {
		return
	}
	if open {
		r.breakerOpen.Set(1)
	} else {
		r.breakerOpen.Set(0)
	}
}

// ObserveTick records a cycle's duration.
func (r *Recorder) ObserveTick(d time.Duration) {
	if r == nil {
		return
	}
	r.tickDuration.Observe(d.Seconds())
}

// RecordSkippedTick counts a cycle skipped by the kill switch.
func (r *Recorder) RecordSkippedTick() {
	if r == nil {
		return
	}
	r.ticksSkipped.Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
