package monitor

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "volume_core"

// Metrics holds the engine's Prometheus collectors plus a few counters kept
// locally for the status endpoint. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	pairTransitions *prometheus.CounterVec
	pairsFinished   *prometheus.CounterVec
	realizedVolume  *prometheus.CounterVec
	riskRejections  *prometheus.CounterVec
	exchangeErrors  *prometheus.CounterVec
	fillWait        *prometheus.HistogramVec
	trackerConnects *prometheus.CounterVec
	trackersUp      prometheus.Gauge
	unitsActive     prometheus.Gauge
	blockedUsers    prometheus.Gauge
	httpRequests    *prometheus.HistogramVec

	pairsCompleted atomic.Uint64
	pairsFailed    atomic.Uint64
	started        time.Time
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		pairTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_transitions_total",
			Help:      "Order pair state transitions by target status.",
		}, []string{"status"}),
		pairsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_finished_total",
			Help:      "Order pairs that reached a terminal status.",
		}, []string{"status"}),
		realizedVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_volume_quote_total",
			Help:      "Traded notional in quote currency.",
		}, []string{"strategy"}),
		riskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_rejections_total",
			Help:      "Risk gate rejections by alert type.",
		}, []string{"type"}),
		exchangeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_errors_total",
			Help:      "Exchange call failures by kind.",
		}, []string{"kind"}),
		fillWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fill_wait_seconds",
			Help:      "Time spent waiting for a leg to finish.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"side"}),
		trackerConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_connects_total",
			Help:      "User stream connection attempts by result.",
		}, []string{"result"}),
		trackersUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trackers_connected",
			Help:      "User streams currently connected.",
		}),
		unitsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_active",
			Help:      "Running (strategy, user) units.",
		}),
		blockedUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_users",
			Help:      "Users currently in the blocked registry.",
		}),
		httpRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "Operator API latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		started: time.Now(),
	}
}

func (m *Metrics) PairTransition(status string) {
	if m == nil {
		return
	}
	m.pairTransitions.WithLabelValues(status).Inc()
}

// PairFinished counts a terminal pair and its realized volume.
func (m *Metrics) PairFinished(status, strategyID string, volume float64) {
	if m == nil {
		return
	}
	m.pairsFinished.WithLabelValues(status).Inc()
	if status == "COMPLETED" {
		m.pairsCompleted.Add(1)
	} else {
		m.pairsFailed.Add(1)
	}
	if volume > 0 {
		m.realizedVolume.WithLabelValues(strategyID).Add(volume)
	}
}

func (m *Metrics) RiskRejected(alertType string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(alertType).Inc()
}

func (m *Metrics) ExchangeError(kind string) {
	if m == nil {
		return
	}
	m.exchangeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveFillWait(side string, d time.Duration) {
	if m == nil {
		return
	}
	m.fillWait.WithLabelValues(side).Observe(d.Seconds())
}

// TrackerConnected records a connection attempt; ok=false counts a failure.
func (m *Metrics) TrackerConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.trackerConnects.WithLabelValues("ok").Inc()
		m.trackersUp.Inc()
		return
	}
	m.trackerConnects.WithLabelValues("error").Inc()
}

func (m *Metrics) TrackerDisconnected() {
	if m == nil {
		return
	}
	m.trackersUp.Dec()
}

func (m *Metrics) SetUnitsActive(n int) {
	if m == nil {
		return
	}
	m.unitsActive.Set(float64(n))
}

func (m *Metrics) SetBlockedUsers(n int) {
	if m == nil {
		return
	}
	m.blockedUsers.Set(float64(n))
}

// ObserveRequest records one operator API call. route is the gin route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Observe(d.Seconds())
}

// Snapshot is the compact view served by the status endpoint.
type Snapshot struct {
	Uptime         string `json:"uptime"`
	PairsCompleted uint64 `json:"pairs_completed"`
	PairsFailed    uint64 `json:"pairs_failed"`
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Uptime:         time.Since(m.started).Truncate(time.Second).String(),
		PairsCompleted: m.pairsCompleted.Load(),
		PairsFailed:    m.pairsFailed.Load(),
	}
}
