package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus aggregates MetricsInfo records into counters served on a
// private registry.
type Prometheus struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	realized    prometheus.Counter
	tolerated   prometheus.Counter
	earlyExits  prometheus.Counter
	tilesServed prometheus.Counter
	cacheHits   prometheus.Counter
	opDurations *prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	p := &Prometheus{
		registry: registry,

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gsky_openeo_operations_total",
			Help: "Total number of raster stack operations",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gsky_openeo_operation_errors_total",
			Help: "Total number of raster stack operations that failed",
		}, []string{"operation"}),
		realized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gsky_openeo_images_realized_total",
			Help: "Total number of images loaded",
		}),
		tolerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gsky_openeo_tolerated_errors_total",
			Help: "Total number of loader errors skipped as tolerable",
		}),
		earlyExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gsky_openeo_early_terminations_total",
			Help: "Total number of pixel selections that stopped before the last image",
		}),
		tilesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gsky_openeo_tiles_served_total",
			Help: "Total number of tiles served by the worker",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gsky_openeo_tile_cache_hits_total",
			Help: "Total number of tiles answered from cache",
		}),
		opDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gsky_openeo_operation_duration_seconds",
			Help:    "Duration of raster stack operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	registry.MustRegister(
		p.operations,
		p.errors,
		p.realized,
		p.tolerated,
		p.earlyExits,
		p.tilesServed,
		p.cacheHits,
		p.opDurations,
	)
	return p
}

// Log implements Logger so Prometheus can sit behind a MultiLogger.
func (p *Prometheus) Log(info *MetricsInfo) {
	op := info.Operation
	if len(op) == 0 {
		op = "unknown"
	}
	p.operations.WithLabelValues(op).Inc()
	if len(info.Error) > 0 {
		p.errors.WithLabelValues(op).Inc()
	}
	p.opDurations.WithLabelValues(op).Observe(info.ReqDuration.Seconds())

	if s := info.Stack; s != nil {
		p.realized.Add(float64(s.NumRealized))
		p.tolerated.Add(float64(s.NumToleratedErrors))
		if s.EarlyTerminated {
			p.earlyExits.Inc()
		}
	}
	if r := info.RPC; r != nil {
		p.tilesServed.Add(float64(r.NumTiles))
		p.cacheHits.Add(float64(r.CacheHits))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
