// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordJob(t *testing.T) {
	done := jobsTotal.WithLabelValues("done")
	before := counterValue(t, done)

	RecordJob("done", 12.5)
	RecordJob("done", 3.0)

	if got := counterValue(t, done); got != before+2 {
		t.Errorf("jobs_total{done} = %v, want %v", got, before+2)
	}
}

func TestWorkerBusyGauge(t *testing.T) {
	SetWorkerBusy("7", true)
	if got := gaugeValue(t, workerBusy.WithLabelValues("7")); got != 1 {
		t.Errorf("worker_busy = %v, want 1", got)
	}
	SetWorkerBusy("7", false)
	if got := gaugeValue(t, workerBusy.WithLabelValues("7")); got != 0 {
		t.Errorf("worker_busy = %v, want 0", got)
	}
}

func TestAddScanFilesIgnoresNonPositive(t *testing.T) {
	c := scanFilesTotal.WithLabelValues("moved")
	before := counterValue(t, c)

	AddScanFiles("moved", 0)
	AddScanFiles("moved", -3)
	AddScanFiles("moved", 4)

	if got := counterValue(t, c); got != before+4 {
		t.Errorf("scan_files_total{moved} = %v, want %v", got, before+4)
	}
}

func TestEventDropDefaultsLabels(t *testing.T) {
	c := eventsDroppedTotal.WithLabelValues("unknown", "unknown")
	before := counterValue(t, c)

	IncEventDrop("", "")

	if got := counterValue(t, c); got != before+1 {
		t.Errorf("events_dropped_total{unknown,unknown} = %v, want %v", got, before+1)
	}
}
