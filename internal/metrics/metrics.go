// Package metrics exposes the sync engine's counters, gauges and
// histograms to Prometheus: block fetch latency, cache hit/miss counts,
// upload/eviction throughput, and the size of the local blob store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncfs"

// Registry bundles every metric the sync engine records, registered
// against its own prometheus.Registry so a single process can run
// multiple repositories without name collisions.
type Registry struct {
	reg *prometheus.Registry

	BlocksRead    prometheus.Counter
	BlocksWritten prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter

	FetchLatency   prometheus.Histogram
	FetchFailures  prometheus.Counter
	FetchInFlight  prometheus.Gauge
	FetchCoalesced prometheus.Counter

	UploadsAttempted prometheus.Counter
	UploadsFailed    prometheus.Counter
	NodesUploaded    prometheus.Counter

	EvictionsRun   prometheus.Counter
	BlobsEvicted   prometheus.Counter
	BlobStoreBytes prometheus.Gauge

	NodeLogEntriesApplied prometheus.Counter
	MergeConflicts        prometheus.Counter
}

// New constructs and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	r := &Registry{
		reg: reg,

		BlocksRead:    counter("blocks_read_total", "Blocks read from the local block cache or remote."),
		BlocksWritten: counter("blocks_written_total", "Blocks written into the local block cache."),
		CacheHits:     counter("cache_hits_total", "Block reads satisfied from local storage."),
		CacheMisses:   counter("cache_misses_total", "Block reads that required a remote fetch."),

		FetchLatency: func() prometheus.Histogram {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_latency_seconds",
				Help:      "Time to fetch a blob from the remote, including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			})
			reg.MustRegister(h)
			return h
		}(),
		FetchFailures:  counter("fetch_failures_total", "Remote fetches that exhausted their retry budget."),
		FetchInFlight:  gauge("fetch_in_flight", "Fetches currently coalesced in the fetch coordinator."),
		FetchCoalesced: counter("fetch_coalesced_total", "Fetch requests that joined an in-flight fetch instead of starting a new one."),

		UploadsAttempted: counter("uploads_attempted_total", "Blob upload attempts."),
		UploadsFailed:    counter("uploads_failed_total", "Blob upload attempts that failed after all retries."),
		NodesUploaded:    counter("nodes_uploaded_total", "Inode log entries pushed to the remote."),

		EvictionsRun:   counter("evictions_run_total", "Eviction passes executed."),
		BlobsEvicted:   counter("blobs_evicted_total", "Blobs removed from local storage by eviction."),
		BlobStoreBytes: gauge("blob_store_bytes", "Total bytes occupied by the local blob store."),

		NodeLogEntriesApplied: counter("node_log_entries_applied_total", "Remote inode log entries merged into the local catalog."),
		MergeConflicts:        counter("merge_conflicts_total", "Three-way merges that resolved a true conflict rather than a fast-forward."),
	}
	return r
}

// Handler returns an http.Handler serving this Registry's metrics in the
// Prometheus exposition format, suitable for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing Handler at addr. It blocks until
// the server stops and has no way to be stopped from outside; callers
// typically run it in its own goroutine and rely on process shutdown.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(addr, mux)
}
