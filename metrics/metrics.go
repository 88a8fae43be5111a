// Package metrics exposes ingestion and API measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []string{"idle", "bulk-loading", "ready", "incrementalizing", "error"}

// Collector owns a private registry so tests can build as many as they like.
// A nil *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	state        *prometheus.GaugeVec
	watermark    *prometheus.GaugeVec
	records      *prometheus.CounterVec
	deadLetters  *prometheus.CounterVec
	oddsInserted prometheus.Counter
	batchFails   *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	requests     *prometheus.CounterVec
	reqSeconds   *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "racesync_engine_state",
			Help: "1 for the current sync engine state.",
		}, []string{"state"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "racesync_watermark_cursor",
			Help: "Last committed feed cursor per sync kind.",
		}, []string{"kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_records_total",
			Help: "Feed records committed.",
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_dead_letters_total",
			Help: "Records set aside as unprocessable.",
		}, []string{"kind"}),
		oddsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racesync_odds_snapshots_total",
			Help: "Odds snapshots appended.",
		}),
		batchFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_batch_failures_total",
			Help: "Batches discarded and refetched from the watermark.",
		}, []string{"kind"}),
		batchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "racesync_batch_duration_seconds",
			Help:    "Time to normalize and commit one batch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_runs_total",
			Help: "Finished sync runs by outcome.",
		}, []string{"kind", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_http_requests_total",
			Help: "API requests by route and status.",
		}, []string{"method", "route", "status"}),
		reqSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "racesync_http_request_duration_seconds",
			Help:    "API latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "racesync_cache_lookups_total",
			Help: "Query cache lookups by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		c.state, c.watermark, c.records, c.deadLetters, c.oddsInserted, c.batchFails,
		c.batchSeconds, c.runs, c.requests, c.reqSeconds, c.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) BatchCommitted(kind string, records, deadLetters, oddsInserted int, took time.Duration) {
	if c == nil {
		return
	}
	c.records.WithLabelValues(kind).Add(float64(records))
	c.deadLetters.WithLabelValues(kind).Add(float64(deadLetters))
	c.oddsInserted.Add(float64(oddsInserted))
	c.batchSeconds.WithLabelValues(kind).Observe(took.Seconds())
}

func (c *Collector) BatchFailed(kind string) {
	if c == nil {
		return
	}
	c.batchFails.WithLabelValues(kind).Inc()
}

func (c *Collector) SetWatermark(kind string, cursor int64) {
	if c == nil {
		return
	}
	c.watermark.WithLabelValues(kind).Set(float64(cursor))
}

func (c *Collector) RunFinished(kind, status string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(kind, status).Inc()
}

// ObserveRequest records one API request against its route template.
func (c *Collector) ObserveRequest(method, route string, status int, took time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.reqSeconds.WithLabelValues(route).Observe(took.Seconds())
}

// CacheLookup records a query cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}
