// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus instrumentation shared across
// the daemon. Collectors register on the default registry via
// promauto; the API adapter serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_events_published_total",
		Help: "Events broadcast by the state broker, by topic",
	}, []string{"topic"})

	eventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_events_dropped_total",
		Help: "Events dropped for a single slow subscriber, by topic and reason",
	}, []string{"topic", "reason"}) // reason=full|closed

	brokerSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonearm_broker_subscribers",
		Help: "Currently registered event subscribers",
	})

	// Queue / jobs
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_jobs_total",
		Help: "Finished tagging jobs by result",
	}, []string{"result"}) // result=done|error|timeout|crash_retry_failed

	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tonearm_job_duration_seconds",
		Help:    "Wall-clock duration of tagging jobs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonearm_queue_depth",
		Help: "Jobs currently pending or running",
	})

	// Worker pool
	poolRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_pool_rebuilds_total",
		Help: "Times the inference pool was rebuilt after a child crash",
	})

	poolTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tonearm_pool_timeouts_total",
		Help: "Jobs that exceeded the per-job timeout",
	})

	poolChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonearm_pool_children",
		Help: "Live inference child processes",
	})

	workerBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tonearm_worker_busy",
		Help: "Whether a worker loop is processing a job (1) or idle (0)",
	}, []string{"worker"})

	// Scanner
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_scans_total",
		Help: "Library scans by mode and result",
	}, []string{"mode", "result"}) // mode=full|incremental, result=complete|error

	scanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tonearm_scan_duration_seconds",
		Help:    "Wall-clock duration of library scans",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})

	scanFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_scan_files_total",
		Help: "Files handled by the scanner, by outcome",
	}, []string{"outcome"}) // outcome=new|updated|skipped|moved|removed|error
)

// IncEventPublished records one broadcast on a topic.
func IncEventPublished(topic string) {
	eventsPublishedTotal.WithLabelValues(topic).Inc()
}

// IncEventDrop records a dropped event for one subscriber.
func IncEventDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	eventsDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// SetSubscribers tracks the broker's registered client count.
func SetSubscribers(n int) {
	brokerSubscribers.Set(float64(n))
}

// RecordJob records a finished job with its duration.
func RecordJob(result string, seconds float64) {
	jobsTotal.WithLabelValues(result).Inc()
	jobDurationSeconds.Observe(seconds)
}

// SetQueueDepth tracks pending+running jobs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncPoolRebuild records a pool rebuild after a crash.
func IncPoolRebuild() {
	poolRebuildsTotal.Inc()
}

// IncPoolTimeout records a job killed by the per-job timeout.
func IncPoolTimeout() {
	poolTimeoutsTotal.Inc()
}

// SetPoolChildren tracks live child processes.
func SetPoolChildren(n int) {
	poolChildren.Set(float64(n))
}

// SetWorkerBusy flips a worker loop's busy gauge.
func SetWorkerBusy(worker string, busy bool) {
	v := 0.0
	if busy {
		v = 1.0
	}
	workerBusy.WithLabelValues(worker).Set(v)
}

// RecordScan records a finished scan with its duration.
func RecordScan(mode, result string, seconds float64) {
	scansTotal.WithLabelValues(mode, result).Inc()
	scanDurationSeconds.Observe(seconds)
}

// AddScanFiles bumps the per-outcome scanner file counter.
func AddScanFiles(outcome string, n int) {
	if n <= 0 {
		return
	}
	scanFilesTotal.WithLabelValues(outcome).Add(float64(n))
}
