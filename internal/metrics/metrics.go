// Package metrics exposes the daemon's running state as Prometheus
// collectors, served over a small gin router alongside a liveness probe.
package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon updates as it works. Each
// field is safe for concurrent use, as all prometheus collector types are.
type Metrics struct {
	BackendOccupancy *prometheus.GaugeVec
	StoreMatchGenBumps prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	JobmakeSubmits   prometheus.Counter
	JobmakeSuspends  prometheus.Counter
	JobDuration      *prometheus.HistogramVec
}

// New registers and returns the daemon's collector set against the default
// registry.
func New() *Metrics {
	return &Metrics{
		BackendOccupancy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "backend",
			Name:      "occupancy",
			Help:      "Tokens currently in use per resource tag.",
		}, []string{"tag"}),
		StoreMatchGenBumps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "store",
			Name:      "match_gen_bumps_total",
			Help:      "Number of times a rule reload bumped the match generation counter.",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Number of cache lookups that found a matching artifact.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Number of cache lookups that found no matching artifact.",
		}),
		JobmakeSubmits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "jobmake",
			Name:      "submits_total",
			Help:      "Number of jobs submitted to the backend rather than served from cache.",
		}),
		JobmakeSuspends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "jobmake",
			Name:      "suspends_total",
			Help:      "Number of times Make suspended waiting on an unresolved dependency.",
		}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "jobmake",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a job run, by resource tag.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tag"}),
	}
}

// Router builds the gin router serving /metrics and /healthz. It deliberately
// carries no auth middleware: it is meant to be bound to a loopback or
// internal address, not exposed alongside the job RPC surface.
func Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
