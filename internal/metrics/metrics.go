package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the orchestration engine
type Metrics struct {
	// Pipeline counters
	OutreachScheduledTotal *prometheus.CounterVec
	OutreachBlockedTotal   *prometheus.CounterVec
	OutreachFailedTotal    *prometheus.CounterVec
	SpendRecordedTotal     *prometheus.CounterVec
	FallbacksPreparedTotal prometheus.Counter

	// Pipeline timing
	PipelineDurationSeconds *prometheus.HistogramVec

	// Batch gauges
	BatchesActive  prometheus.Gauge
	BatchSizeTotal prometheus.Counter

	// Budget gauges
	BudgetUtilization *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		OutreachScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_outreach_scheduled_total",
				Help: "Total number of outreach messages scheduled",
			},
			[]string{"channel"},
		),
		OutreachBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_outreach_blocked_total",
				Help: "Total number of outreach requests blocked by policy",
			},
			[]string{"reason"},
		),
		OutreachFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_outreach_failed_total",
				Help: "Total number of outreach requests failed",
			},
			[]string{"reason"},
		),
		SpendRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_spend_recorded_total",
				Help: "Total campaign spend recorded, in budget units",
			},
			[]string{"channel"},
		),
		FallbacksPreparedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reach_fallbacks_prepared_total",
				Help: "Total number of fallback channels attached to records",
			},
		),
		PipelineDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reach_pipeline_duration_seconds",
				Help:    "Duration of one per-recipient pipeline run",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"status"},
		),
		BatchesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reach_batches_active",
				Help: "Number of batch sends currently running",
			},
		),
		BatchSizeTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reach_batch_recipients_total",
				Help: "Total number of recipients processed through batches",
			},
		),
		BudgetUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reach_budget_utilization",
				Help: "Fraction of campaign budget spent, 0 to 1",
			},
			[]string{"campaign_id"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reach_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reach_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.OutreachScheduledTotal,
		m.OutreachBlockedTotal,
		m.OutreachFailedTotal,
		m.SpendRecordedTotal,
		m.FallbacksPreparedTotal,
		m.PipelineDurationSeconds,
		m.BatchesActive,
		m.BatchSizeTotal,
		m.BudgetUtilization,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncOutreachScheduled increments the scheduled counter
func IncOutreachScheduled(channel string) {
	m := Global()
	if m != nil {
		m.OutreachScheduledTotal.WithLabelValues(channel).Inc()
	}
}

// IncOutreachBlocked increments the blocked counter
func IncOutreachBlocked(reason string) {
	m := Global()
	if m != nil {
		m.OutreachBlockedTotal.WithLabelValues(reason).Inc()
	}
}

// IncOutreachFailed increments the failed counter
func IncOutreachFailed(reason string) {
	m := Global()
	if m != nil {
		m.OutreachFailedTotal.WithLabelValues(reason).Inc()
	}
}

// AddSpendRecorded adds to the recorded spend counter
func AddSpendRecorded(channel string, amount float64) {
	m := Global()
	if m != nil {
		m.SpendRecordedTotal.WithLabelValues(channel).Add(amount)
	}
}

// AddFallbacksPrepared adds to the fallback counter
func AddFallbacksPrepared(n int) {
	m := Global()
	if m != nil {
		m.FallbacksPreparedTotal.Add(float64(n))
	}
}

// ObservePipelineDuration records one pipeline run duration
func ObservePipelineDuration(status string, seconds float64) {
	m := Global()
	if m != nil {
		m.PipelineDurationSeconds.WithLabelValues(status).Observe(seconds)
	}
}

// TrackBatch marks a batch as started and returns a done func
func TrackBatch(size int) func() {
	m := Global()
	if m == nil {
		return func() {}
	}
	m.BatchesActive.Inc()
	m.BatchSizeTotal.Add(float64(size))
	return func() { m.BatchesActive.Dec() }
}

// SetBudgetUtilization records the spent fraction of a campaign budget
func SetBudgetUtilization(campaignID string, ratio float64) {
	m := Global()
	if m != nil {
		m.BudgetUtilization.WithLabelValues(campaignID).Set(ratio)
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
