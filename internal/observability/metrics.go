// Package observability exposes the Prometheus surface: task lifecycle
// counters, resource gauges and tool-slot occupancy.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediamill/internal/cache"
	"mediamill/internal/resource"
	"mediamill/internal/task"
)

// SlotStats reports runner slot occupancy.
type SlotStats interface {
	SlotStats() (used, capacity int)
}

// CacheStats reports artifact-cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// Metrics bundles the collectors on a private registry so tests can run
// several instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated      *prometheus.CounterVec
	TasksCompleted    *prometheus.CounterVec
	TasksFailed       *prometheus.CounterVec
	AdmissionRejected prometheus.Counter
}

func New(tasks *task.Registry, sampler *resource.Sampler, slots SlotStats, store CacheStats) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamill_tasks_created_total",
			Help: "Tasks accepted by family.",
		}, []string{"family"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamill_tasks_completed_total",
			Help: "Tasks finished successfully by family.",
		}, []string{"family"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediamill_tasks_failed_total",
			Help: "Tasks finished with an error by family and kind.",
		}, []string{"family", "kind"}),
		AdmissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediamill_admission_rejected_total",
			Help: "Task submissions refused by the admission gate.",
		}),
	}
	reg.MustRegister(m.TasksCreated, m.TasksCompleted, m.TasksFailed, m.AdmissionRejected)

	if tasks != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mediamill_tasks_active",
			Help: "Tasks currently pending or running.",
		}, func() float64 { return float64(tasks.CountActive()) }))
	}
	if sampler != nil {
		gauge := func(name, help string, read func(resource.Sample) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
				func() float64 { return read(sampler.Latest()) })
		}
		reg.MustRegister(
			gauge("mediamill_cpu_percent", "Sampled CPU usage.",
				func(s resource.Sample) float64 { return s.CPUPct }),
			gauge("mediamill_memory_percent", "Sampled memory usage.",
				func(s resource.Sample) float64 { return s.MemPct }),
			gauge("mediamill_disk_percent", "Sampled disk usage of the working volume.",
				func(s resource.Sample) float64 { return s.DiskPct }),
			gauge("mediamill_free_disk_bytes", "Free bytes on the working volume.",
				func(s resource.Sample) float64 { return float64(s.FreeDiskBytes) }),
		)
	}
	if slots != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mediamill_tool_slots_used",
			Help: "Occupied external-tool execution slots.",
		}, func() float64 { used, _ := slots.SlotStats(); return float64(used) }))
	}
	if store != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "mediamill_cache_hits_total",
				Help: "Artifact cache hits since startup.",
			}, func() float64 { return float64(store.Stats().Hits) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "mediamill_cache_misses_total",
				Help: "Artifact cache misses since startup.",
			}, func() float64 { return float64(store.Stats().Misses) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "mediamill_cache_bytes",
				Help: "Bytes currently held by the artifact cache.",
			}, func() float64 { return float64(store.Stats().TotalBytes) }),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskCreated records one accepted task.
func (m *Metrics) TaskCreated(family task.Family) {
	m.TasksCreated.WithLabelValues(string(family)).Inc()
}

// TaskFinished records a terminal transition.
func (m *Metrics) TaskFinished(rec task.Record) {
	switch rec.Status {
	case task.StatusCompleted:
		m.TasksCompleted.WithLabelValues(string(rec.Family)).Inc()
	case task.StatusFailed, task.StatusCancelled:
		kind := "unknown"
		if rec.Error != nil {
			kind = string(rec.Error.Kind)
		}
		m.TasksFailed.WithLabelValues(string(rec.Family), kind).Inc()
	}
}
