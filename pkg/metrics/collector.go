// Package metrics exposes prefetch, cache and HTTP metrics in Prometheus format
package metrics

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// CacheStats is the part of a frame cache reported as gauges
type CacheStats interface {
	Len() int
	Bytes() int64
}

// Collector owns a private registry. A nil *Collector is valid and records
// nothing, so components can be built without metrics.
type Collector struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	running       prometheus.Gauge
	frames        *prometheus.CounterVec
	frameDuration *prometheus.HistogramVec
	progress      prometheus.Counter
	requests      *prometheus.CounterVec
	responseSize  *prometheus.HistogramVec
}

// NewCollector creates a collector with its metrics registered
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipfetch_jobs_total",
				Help: "Prefetch jobs by clip source and final status",
			},
			[]string{"source", "status"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clipfetch_jobs_running",
			Help: "Prefetch jobs currently running",
		}),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipfetch_frames_total",
				Help: "Frames handled by prefetch sweeps by outcome",
			},
			[]string{"source", "outcome"},
		),
		frameDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipfetch_frame_load_seconds",
				Help:    "Time to read, decode and insert one frame",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"source"},
		),
		progress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipfetch_progress_updates_total",
			Help: "Progress notifications delivered to the foreground",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipfetch_http_requests_total",
				Help: "HTTP requests served by the control API",
			},
			[]string{"method", "route", "status"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipfetch_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
	}

	c.registry.MustRegister(
		c.jobs,
		c.running,
		c.frames,
		c.frameDuration,
		c.progress,
		c.requests,
		c.responseSize,
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterCache reports the size of a frame cache
func (c *Collector) RegisterCache(stats CacheStats) {
	if c == nil || stats == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clipfetch_cache_frames",
			Help: "Frames held by the frame cache",
		}, func() float64 { return float64(stats.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clipfetch_cache_bytes",
			Help: "Bytes accounted by the frame cache",
		}, func() float64 { return float64(stats.Bytes()) }),
	)
}

// JobStarted counts a job entering the running state
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.running.Inc()
}

// JobFinished records the final status of a job. wasRunning is false for
// jobs skipped before any background work started.
func (c *Collector) JobFinished(source, status string, wasRunning bool) {
	if c == nil {
		return
	}
	if wasRunning {
		c.running.Dec()
	}
	c.jobs.WithLabelValues(source, status).Inc()
}

// ObserveFrame records the outcome of one frame
func (c *Collector) ObserveFrame(source, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(source, outcome).Inc()
	if d > 0 {
		c.frameDuration.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ProgressUpdate counts a delivered progress notification
func (c *Collector) ProgressUpdate() {
	if c == nil {
		return
	}
	c.progress.Inc()
}

// Handler serves the registry at /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText writes every gathered metric family in the text exposition format
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("encode metric %s: %w", mf.GetName(), err)
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// RouteFunc names the route of a request for labelling
type RouteFunc func(r *http.Request) string

// Middleware counts requests and response sizes
func (c *Collector) Middleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			name := r.URL.Path
			if route != nil {
				name = route(r)
			}
			c.requests.WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).Inc()
			c.responseSize.WithLabelValues(r.Method, name).Observe(float64(rw.bytes))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
