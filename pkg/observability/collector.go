package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "autopilot"

// SchedulerStats is a point-in-time view of scheduler health.
type SchedulerStats struct {
	Status             string
	ActiveGoals        int
	ErrorCount         int64
	GoalsProcessed     int64
	WorkItemsCompleted int64
	SkippedTicks       int64
	AvgWorkItemSeconds float64
	LastTick           time.Time
}

// StatsSource is implemented by the scheduler.
type StatsSource interface {
	Stats() SchedulerStats
}

// schedulerStatuses are the values the status gauge is labelled with.
var schedulerStatuses = []string{"idle", "running", "degraded"}

// SchedulerCollector exports SchedulerStats on every scrape.
type SchedulerCollector struct {
	source StatsSource

	status         *prometheus.Desc
	activeGoals    *prometheus.Desc
	errors         *prometheus.Desc
	goalsProcessed *prometheus.Desc
	itemsCompleted *prometheus.Desc
	skippedTicks   *prometheus.Desc
	avgItemSeconds *prometheus.Desc
	lastTick       *prometheus.Desc
}

// NewSchedulerCollector creates a collector reading from source.
func NewSchedulerCollector(source StatsSource) *SchedulerCollector {
	name := func(n string) string { return prometheus.BuildFQName(metricsNamespace, "scheduler", n) }
	return &SchedulerCollector{
		source:         source,
		status:         prometheus.NewDesc(name("status"), "Scheduler status (1 for the current status)", []string{"status"}, nil),
		activeGoals:    prometheus.NewDesc(name("active_goals"), "Goals currently active", nil, nil),
		errors:         prometheus.NewDesc(name("errors_total"), "Tick errors since start", nil, nil),
		goalsProcessed: prometheus.NewDesc(name("goals_processed_total"), "Goals completed since start", nil, nil),
		itemsCompleted: prometheus.NewDesc(name("work_items_completed_total"), "Work items completed since start", nil, nil),
		skippedTicks:   prometheus.NewDesc(name("skipped_ticks_total"), "Ticks skipped because the previous tick was still running", nil, nil),
		avgItemSeconds: prometheus.NewDesc(name("work_item_duration_avg_seconds"), "Average work item run duration", nil, nil),
		lastTick:       prometheus.NewDesc(name("last_tick_timestamp_seconds"), "Unix time of the last tick", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.status
	ch <- c.activeGoals
	ch <- c.errors
	ch <- c.goalsProcessed
	ch <- c.itemsCompleted
	ch <- c.skippedTicks
	ch <- c.avgItemSeconds
	ch <- c.lastTick
}

// Collect implements prometheus.Collector.
func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	for _, st := range schedulerStatuses {
		v := 0.0
		if st == s.Status {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, st)
	}
	ch <- prometheus.MustNewConstMetric(c.activeGoals, prometheus.GaugeValue, float64(s.ActiveGoals))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.ErrorCount))
	ch <- prometheus.MustNewConstMetric(c.goalsProcessed, prometheus.CounterValue, float64(s.GoalsProcessed))
	ch <- prometheus.MustNewConstMetric(c.itemsCompleted, prometheus.CounterValue, float64(s.WorkItemsCompleted))
	ch <- prometheus.MustNewConstMetric(c.skippedTicks, prometheus.CounterValue, float64(s.SkippedTicks))
	ch <- prometheus.MustNewConstMetric(c.avgItemSeconds, prometheus.GaugeValue, s.AvgWorkItemSeconds)
	var last float64
	if !s.LastTick.IsZero() {
		last = float64(s.LastTick.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.lastTick, prometheus.GaugeValue, last)
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
