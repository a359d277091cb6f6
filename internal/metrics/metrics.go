package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"kitebridge/internal/resilience"
)

// Metrics holds all Prometheus metrics for a bridge or orchestrator process.
type Metrics struct {
	// HTTP surface
	HTTPRequests *prometheus.CounterVec   // labels: route, code
	HTTPDuration *prometheus.HistogramVec // labels: route

	// Historical data cache
	HistoryChunks   *prometheus.CounterVec // labels: timeframe, result
	CandlesInserted *prometheus.CounterVec // labels: timeframe
	PartialFetches  prometheus.Counter

	// Orders
	Orders *prometheus.CounterVec // labels: mode, action, status

	// Session & catalog
	SessionRefreshes   *prometheus.CounterVec // labels: result
	CatalogSyncs       *prometheus.CounterVec // labels: result
	CatalogInstruments prometheus.Gauge
	BridgeReady        prometheus.Gauge // 0/1

	// Upstream circuit breaker
	BreakerState *prometheus.GaugeVec // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec

	// Live ticks
	TicksTotal       prometheus.Counter
	TickerReconnects prometheus.Counter

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open

	// Orchestrator
	BridgeExits *prometheus.CounterVec // labels: strategy_tag, result
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_http_requests_total",
			Help: "HTTP requests served (by route and status code)",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kitebridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}),

		HistoryChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_history_chunks_total",
			Help: "Historical data chunks requested upstream (by timeframe and result)",
		}, []string{"timeframe", "result"}),
		CandlesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_candles_inserted_total",
			Help: "New candles written to the cache",
		}, []string{"timeframe"}),
		PartialFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitebridge_history_partial_fetches_total",
			Help: "Backfills that stopped part way",
		}),

		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_orders_total",
			Help: "Order operations (by mode, action and resulting status)",
		}, []string{"mode", "action", "status"}),

		SessionRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_session_refreshes_total",
			Help: "Broker session acquisitions (by result)",
		}, []string{"result"}),
		CatalogSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_catalog_syncs_total",
			Help: "Instrument catalog syncs (by result)",
		}, []string{"result"}),
		CatalogInstruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitebridge_catalog_instruments",
			Help: "Instruments loaded for this strategy",
		}),
		BridgeReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitebridge_ready",
			Help: "1 when the bridge has a session and a catalog subset",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kitebridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitebridge_ticks_total",
			Help: "Ticks received from the Kite ticker",
		}),
		TickerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kitebridge_ticker_reconnects_total",
			Help: "Kite ticker reconnection attempts",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kitebridge_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),

		BridgeExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitebridge_bridge_exits_total",
			Help: "Bridge process exits observed by the orchestrator",
		}, []string{"strategy_tag", "result"}),
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.HistoryChunks,
		m.CandlesInserted,
		m.PartialFetches,
		m.Orders,
		m.SessionRefreshes,
		m.CatalogSyncs,
		m.CatalogInstruments,
		m.BridgeReady,
		m.BreakerState,
		m.BreakerTrips,
		m.TicksTotal,
		m.TickerReconnects,
		m.MarketState,
		m.BridgeExits,
	)

	return m
}

// Result labels a success/error outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveBreaker exports cb's state under name and counts trips to open. Any
// existing OnStateChange callback still runs.
func (m *Metrics) ObserveBreaker(name string, cb *resilience.CircuitBreaker) {
	prev := cb.OnStateChange
	m.BreakerState.WithLabelValues(name).Set(float64(cb.CurrentState()))
	cb.OnStateChange = func(from, to resilience.State) {
		if prev != nil {
			prev(from, to)
		} else {
			log.Printf("[%s] circuit breaker %s -> %s", name, from, to)
		}
		m.BreakerState.WithLabelValues(name).Set(float64(to))
		if to == resilience.StateOpen {
			m.BreakerTrips.WithLabelValues(name).Inc()
		}
	}
}
