// Package metrics exposes dispatch engine state and outcomes to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const namespace = "push"

// StatsSource is a dispatch service whose snapshot is read at scrape time.
type StatsSource interface {
	Stats() dispatch.Stats
}

// Collector observes message and maintenance events and, on scrape, reports
// queue, backlog and worker gauges of the watched services.
type Collector struct {
	messagesStarted  *prometheus.CounterVec // By platform
	messagesFinished *prometheus.CounterVec // By platform, status and reason
	registrations    *prometheus.CounterVec // By platform and outcome
	maintenance      *prometheus.CounterVec // By platform and result

	queueLength   *prometheus.Desc
	queueCapacity *prometheus.Desc
	backlogSize   *prometheus.Desc
	workers       *prometheus.Desc

	mu      sync.RWMutex
	sources []StatsSource
}

var (
	_ dispatch.Observer    = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

func NewCollector() *Collector {
	return &Collector{
		messagesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_started_total",
			Help:      "Messages taken off the queue by a worker",
		}, []string{"platform"}),

		messagesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_finished_total",
			Help:      "Messages that reached a terminal status",
		}, []string{"platform", "status", "reason"}), // reason is empty for delivered

		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "registrations_total",
			Help:      "Per-registration transmission outcomes of finished messages",
		}, []string{"platform", "outcome"}), // outcome: delivered, updated, failed, unregistered

		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "registrations_total",
			Help:      "Registrations handled by maintenance passes",
		}, []string{"platform", "result"}), // result: persisted, persist_failed, deleted, delete_failed, requeued

		queueLength: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "queue_length"),
			"Messages waiting in the dispatch queue", []string{"platform"}, nil),
		queueCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "queue_capacity"),
			"Capacity of the dispatch queue", []string{"platform"}, nil),
		backlogSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "maintenance", "backlog_size"),
			"Registrations waiting for the next maintenance pass", []string{"platform", "backlog"}, nil),
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "dispatch", "workers"),
			"Dispatch workers by status", []string{"platform", "status"}, nil),
	}
}

// Watch adds services whose snapshots are reported on scrape.
func (c *Collector) Watch(sources ...StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, sources...)
}

func (c *Collector) MessageStarted(platform push.Platform, _ *push.Message) {
	c.messagesStarted.WithLabelValues(string(platform)).Inc()
}

func (c *Collector) MessageFinished(platform push.Platform, msg *push.Message) {
	reason := ""
	if kind := msg.ErrorKind(); kind != push.ErrorNone {
		reason = kind.String()
	}
	p := string(platform)
	c.messagesFinished.WithLabelValues(p, msg.Status().String(), reason).Inc()

	counters := msg.Counters()
	c.registrations.WithLabelValues(p, "delivered").Add(float64(counters.Delivered))
	c.registrations.WithLabelValues(p, "updated").Add(float64(counters.Updated))
	c.registrations.WithLabelValues(p, "failed").Add(float64(counters.Failed))
	c.registrations.WithLabelValues(p, "unregistered").Add(float64(counters.Unregistered))
}

func (c *Collector) MaintenanceCompleted(platform push.Platform, report dispatch.MaintenanceReport) {
	p := string(platform)
	c.maintenance.WithLabelValues(p, "persisted").Add(float64(report.Persisted))
	c.maintenance.WithLabelValues(p, "persist_failed").Add(float64(report.PersistFailed))
	c.maintenance.WithLabelValues(p, "deleted").Add(float64(report.Deleted))
	c.maintenance.WithLabelValues(p, "delete_failed").Add(float64(report.DeleteFailed))
	c.maintenance.WithLabelValues(p, "requeued").Add(float64(report.Requeued))
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.messagesStarted.Describe(ch)
	c.messagesFinished.Describe(ch)
	c.registrations.Describe(ch)
	c.maintenance.Describe(ch)
	ch <- c.queueLength
	ch <- c.queueCapacity
	ch <- c.backlogSize
	ch <- c.workers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.messagesStarted.Collect(ch)
	c.messagesFinished.Collect(ch)
	c.registrations.Collect(ch)
	c.maintenance.Collect(ch)

	c.mu.RLock()
	sources := append([]StatsSource(nil), c.sources...)
	c.mu.RUnlock()

	for _, src := range sources {
		s := src.Stats()
		p := string(s.Platform)
		ch <- prometheus.MustNewConstMetric(c.queueLength, prometheus.GaugeValue, float64(s.QueueLength), p)
		ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(s.QueueCapacity), p)
		ch <- prometheus.MustNewConstMetric(c.backlogSize, prometheus.GaugeValue, float64(s.Pending.Size), p, "pending")
		ch <- prometheus.MustNewConstMetric(c.backlogSize, prometheus.GaugeValue, float64(s.Invalid.Size), p, "invalid")

		byStatus := make(map[dispatch.WorkerStatus]int)
		for _, w := range s.Workers {
			byStatus[w.Status]++
		}
		for _, status := range []dispatch.WorkerStatus{dispatch.WorkerStarted, dispatch.WorkerWaiting, dispatch.WorkerRunning, dispatch.WorkerStopped} {
			ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(byStatus[status]), p, status.String())
		}
	}
}
