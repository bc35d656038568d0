package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/proxy-watch/internal/types"
)

type Collector struct {
	registry *prometheus.Registry

	// Candidate intake
	candidatesFetched  *prometheus.CounterVec
	candidatesRejected *prometheus.CounterVec
	sourceFailures     *prometheus.CounterVec

	// Probing
	probesTotal   *prometheus.CounterVec
	probeErrors   *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	probesSkipped prometheus.Gauge

	// Snapshot
	entries     *prometheus.GaugeVec
	notifyTotal *prometheus.CounterVec
	saveTotal   *prometheus.CounterVec
	runDuration prometheus.Gauge
	lastRunTime prometheus.Gauge

	// API
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		candidatesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_fetched_total",
				Help:      "Raw candidates returned by each source",
			},
			[]string{"source"},
		),
		candidatesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_rejected_total",
				Help:      "Candidates dropped by the normalizer",
			},
			[]string{"reason"},
		),
		sourceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_failures_total",
				Help:      "Source fetches that failed",
			},
			[]string{"source"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of proxy probes",
			},
			[]string{"protocol", "result"},
		),
		probeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_errors_total",
				Help:      "Failed probes by error class",
			},
			[]string{"class"},
		),
		probeLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Latency of successful probes in seconds",
				Buckets:   []float64{.1, .2, .5, 1, 3, 5, 10},
			},
		),
		probesSkipped: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probes_skipped",
				Help:      "Endpoints not dispatched before the overall deadline",
			},
		),
		entries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_entries",
				Help:      "Endpoints per category and partition in the last run",
			},
			[]string{"category", "partition"},
		),
		notifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_total",
				Help:      "Digest deliveries by result",
			},
			[]string{"result"},
		),
		saveTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_saves_total",
				Help:      "Snapshot writes by result",
			},
			[]string{"result"},
		),
		runDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of the last run",
			},
		),
		lastRunTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// Registry exposes the collector's registry for promhttp and textfile export
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordCandidates(source string, count int) {
	c.candidatesFetched.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordRejected(reason string) {
	c.candidatesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordSourceFailure(source string) {
	c.sourceFailures.WithLabelValues(source).Inc()
}

func (c *Collector) RecordProbe(o types.ProbeOutcome) {
	if o.ProtocolOK {
		c.probesTotal.WithLabelValues(string(o.Endpoint.Protocol), "success").Inc()
		c.probeLatency.Observe(o.LatencyMs / 1000.0)
		return
	}
	c.probesTotal.WithLabelValues(string(o.Endpoint.Protocol), "failure").Inc()
	c.probeErrors.WithLabelValues(string(o.ErrorClass)).Inc()
}

func (c *Collector) SetProbesSkipped(n int) {
	c.probesSkipped.Set(float64(n))
}

func (c *Collector) SetEntries(partition string, byCategory map[string]int) {
	for category, n := range byCategory {
		c.entries.WithLabelValues(category, partition).Set(float64(n))
	}
}

func (c *Collector) RecordNotify(delivered bool) {
	c.notifyTotal.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

func (c *Collector) RecordSave(err error) {
	if err != nil {
		c.saveTotal.WithLabelValues("error").Inc()
		return
	}
	c.saveTotal.WithLabelValues("ok").Inc()
}

func (c *Collector) RecordRun(d time.Duration, finished time.Time) {
	c.runDuration.Set(d.Seconds())
	c.lastRunTime.Set(float64(finished.Unix()))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// WriteTextfile dumps every metric in the node_exporter textfile format.
// The write goes through a temp file and rename.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
