// Package metrics exposes job/queue/cache gauges and counters at an
// internal `/debug/metrics` handler, as ambient observability; no other
// route reads them. Grounded on vjache-cie's
// cmd/cie/index.go, which wires github.com/prometheus/client_golang's
// promhttp.Handler() behind a dedicated metrics address; the metric set
// itself (job counts by status, cache hit/miss, FTS index state) is new
// since no pack repo runs a job/cache system needing these exact gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every CloudPaste metric behind its own prometheus
// registry, so /debug/metrics serves only these metrics and none of the
// Go-runtime defaults.
type Registry struct {
	reg *prometheus.Registry

	JobsSubmitted   *prometheus.CounterVec
	JobsCompleted   *prometheus.CounterVec
	JobsActive      prometheus.Gauge
	UploadSessions  prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	FSIndexDirty    *prometheus.GaugeVec
	FSIndexState    *prometheus.GaugeVec
	SharesCreated   prometheus.Counter
	ShareViews      prometheus.Counter
	ProxyBytesSent  prometheus.Counter
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "jobs_submitted_total", Help: "Jobs submitted, by task_type.",
		}, []string{"task_type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "jobs_completed_total", Help: "Jobs finished, by task_type and terminal status.",
		}, []string{"task_type", "status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudpaste", Name: "jobs_active", Help: "Jobs currently pending or running.",
		}),
		UploadSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudpaste", Name: "upload_sessions_active", Help: "Live entries in the UploadSessions map.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "directory_cache_hits_total", Help: "Directory cache lookups served from cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "directory_cache_misses_total", Help: "Directory cache lookups that fell through to the backend.",
		}),
		FSIndexDirty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloudpaste", Name: "fs_index_dirty_count", Help: "Pending dirty-queue entries, by mount_id.",
		}, []string{"mount_id"}),
		FSIndexState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloudpaste", Name: "fs_index_state", Help: "1 if the mount's index is in this state, else 0.",
		}, []string{"mount_id", "state"}),
		SharesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "shares_created_total", Help: "Share records created.",
		}),
		ShareViews: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "share_views_total", Help: "Share views recorded.",
		}),
		ProxyBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudpaste", Name: "proxy_bytes_sent_total", Help: "Bytes streamed through /api/p/* and the ticketed upstream proxy.",
		}),
	}
	reg.MustRegister(
		r.JobsSubmitted, r.JobsCompleted, r.JobsActive, r.UploadSessions,
		r.CacheHits, r.CacheMisses, r.FSIndexDirty, r.FSIndexState,
		r.SharesCreated, r.ShareViews, r.ProxyBytesSent,
	)
	return r
}

// Handler serves the Prometheus exposition format for `/debug/metrics`.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetFSIndexState reflects a single mount's current fsindex.State into the
// fs_index_state gauge vec, zeroing every other known state for that mount.
func (r *Registry) SetFSIndexState(mountID string, states []string, current string) {
	for _, st := range states {
		v := 0.0
		if st == current {
			v = 1.0
		}
		r.FSIndexState.WithLabelValues(mountID, st).Set(v)
	}
}
