// Package metrics collects indexing, query and watch counters on a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "codegrep"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	filesIndexed  prometheus.Counter
	filesRemoved  prometheus.Counter
	chunksIndexed prometheus.Counter
	warnings      *prometheus.CounterVec
	indexDuration prometheus.Histogram

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	queryHits     prometheus.Histogram

	watchEvents *prometheus.CounterVec

	embeddings      prometheus.Counter
	embeddingErrors prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		filesIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "files_indexed_total",
			Help:      "Documents committed to the index",
		}),
		filesRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "files_removed_total",
			Help:      "Documents removed from the index",
		}),
		chunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "chunks_indexed_total",
			Help:      "Chunks committed to the index",
		}),
		// Labels: kind (unreadable, permission_denied, too_large, binary, symlink_cycle, broken_symlink)
		warnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "warnings_total",
			Help:      "Skipped paths by warning kind",
		}, []string{"kind"}),
		indexDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "duration_seconds",
			Help:      "Full index run duration",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Labels: mode (lexical, hybrid)
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search requests by mode",
		}, []string{"mode"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Search latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"mode"}),
		queryHits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "hits",
			Help:      "Hits returned per search",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),

		// Labels: action (added, updated, removed)
		watchEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Applied watch changes by action",
		}, []string{"action"}),

		embeddings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedder",
			Name:      "vectors_total",
			Help:      "Chunk embeddings stored",
		}),
		embeddingErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedder",
			Name:      "errors_total",
			Help:      "Failed embedding requests",
		}),
	}
}

// Registry returns the private registry, for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FileIndexed records one committed document.
func (m *Metrics) FileIndexed(chunks int) {
	if m == nil {
		return
	}
	m.filesIndexed.Inc()
	m.chunksIndexed.Add(float64(chunks))
}

// FileRemoved records one removed document.
func (m *Metrics) FileRemoved() {
	if m == nil {
		return
	}
	m.filesRemoved.Inc()
}

// Warning records a skipped path.
func (m *Metrics) Warning(kind string) {
	if m == nil {
		return
	}
	m.warnings.WithLabelValues(kind).Inc()
}

// IndexRun records the duration of a full index run.
func (m *Metrics) IndexRun(d time.Duration) {
	if m == nil {
		return
	}
	m.indexDuration.Observe(d.Seconds())
}

// Query records one search request.
func (m *Metrics) Query(mode string, d time.Duration, hits int) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(mode).Inc()
	m.queryDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.queryHits.Observe(float64(hits))
}

// WatchEvent records an applied watch change.
func (m *Metrics) WatchEvent(action string) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(action).Inc()
}

// Embedded records stored chunk embeddings.
func (m *Metrics) Embedded(n int) {
	if m == nil {
		return
	}
	m.embeddings.Add(float64(n))
}

// EmbeddingError records a failed embedding request.
func (m *Metrics) EmbeddingError() {
	if m == nil {
		return
	}
	m.embeddingErrors.Inc()
}

// Snapshot flattens the counters into name -> value. Labelled series are
// keyed as name{label="value"}. Histograms contribute their sample count and
// sum.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	out := make(map[string]float64)
	if m == nil {
		return out, nil
	}

	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName() + labelSuffix(metric.GetLabel())
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				out[key+"_count"] = float64(h.GetSampleCount())
				out[key+"_sum"] = h.GetSampleSum()
			}
		}
	}
	return out, nil
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
