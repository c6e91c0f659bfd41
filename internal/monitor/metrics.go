package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is a
// valid no-op so components can run without instrumentation in tests.
type Metrics struct {
	PositionsOpened   *prometheus.CounterVec
	OpenRejected      *prometheus.CounterVec
	Settlements       *prometheus.CounterVec
	TransitionSkipped *prometheus.CounterVec
	CASRetries        prometheus.Counter
	SweepRuns         *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	Compensations     *prometheus.CounterVec
	BusDropped        *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_positions_opened_total",
			Help: "Positions opened, by duration tier.",
		}, []string{"tier"}),
		OpenRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_positions_rejected_total",
			Help: "Open requests rejected, by reason.",
		}, []string{"reason"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_settlements_total",
			Help: "Balance settlements committed, by terminal status and trigger.",
		}, []string{"status", "trigger"}),
		TransitionSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_transitions_skipped_total",
			Help: "Transitions that became no-ops because another writer won.",
		}, []string{"trigger"}),
		CASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesim_cas_retries_total",
			Help: "Version conflicts retried by the settlement engine.",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_sweep_runs_total",
			Help: "Reconciliation sweeps, by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesim_sweep_duration_seconds",
			Help:    "Wall time of one reconciliation sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_ledger_compensations_total",
			Help: "Compensating journal entries written by the ledger audit, by anomaly.",
		}, []string{"kind"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_bus_dropped_total",
			Help: "Events dropped for slow subscribers.",
		}, []string{"event"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_http_requests_total",
			Help: "HTTP requests, by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradesim_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PositionsOpened, m.OpenRejected, m.Settlements, m.TransitionSkipped, m.CASRetries,
			m.SweepRuns, m.SweepDuration, m.Compensations, m.BusDropped, m.HTTPRequests, m.HTTPLatency,
		)
	}
	return m
}

func (m *Metrics) ObserveOpen(tier string) {
	if m != nil {
		m.PositionsOpened.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) ObserveOpenRejected(reason string) {
	if m != nil {
		m.OpenRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveSettlement(status, trigger string) {
	if m != nil {
		m.Settlements.WithLabelValues(status, trigger).Inc()
	}
}

func (m *Metrics) ObserveSkipped(trigger string) {
	if m != nil {
		m.TransitionSkipped.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) ObserveRetry() {
	if m != nil {
		m.CASRetries.Inc()
	}
}

func (m *Metrics) ObserveSweep(result string, d time.Duration) {
	if m != nil {
		m.SweepRuns.WithLabelValues(result).Inc()
		m.SweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveCompensation(kind string) {
	if m != nil {
		m.Compensations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveBusDrop(event string) {
	if m != nil {
		m.BusDropped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
