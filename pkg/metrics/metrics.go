// Package metrics exposes Prometheus collectors for queries, ingestion and
// the HTTP surface.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ritzau/infragraph/pkg/model"
)

var (
	queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infragraph_query_total",
		Help: "Graph queries by operation and outcome",
	}, []string{"operation", "outcome"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infragraph_query_duration_seconds",
		Help:    "Graph query latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	}, []string{"operation"})

	queryResultSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "infragraph_query_result_nodes",
		Help:    "Nodes returned per traversal",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
	}, []string{"operation"})

	indexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infragraph_index_rebuilds_total",
		Help: "Adjacency index rebuilds after graph changes",
	})

	batchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infragraph_ingest_batches_total",
		Help: "Ingested batches by outcome",
	}, []string{"outcome"})

	ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infragraph_ingest_entities_total",
		Help: "Nodes and edges written by ingestion",
	}, []string{"kind", "change"})

	droppedEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "infragraph_ingest_dropped_edges_total",
		Help: "Edges dropped because an endpoint was missing",
	})

	graphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infragraph_graph_nodes",
		Help: "Nodes in the graph at the last index rebuild",
	})

	graphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infragraph_graph_edges",
		Help: "Edges in the graph at the last index rebuild",
	})

	degraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "infragraph_storage_degraded",
		Help: "1 when running on the in-memory fallback backend",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "infragraph_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
)

// Outcome classifies an error for metric labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, model.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// ObserveQuery records one query.
func ObserveQuery(operation string, start time.Time, err error) {
	queryTotal.WithLabelValues(operation, Outcome(err)).Inc()
	queryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveResultSize records the node count of a traversal result.
func ObserveResultSize(operation string, n int) {
	queryResultSize.WithLabelValues(operation).Observe(float64(n))
}

// IndexRebuilt records an adjacency index rebuild and the graph size.
func IndexRebuilt(nodes, edges int) {
	indexRebuilds.Inc()
	graphNodes.Set(float64(nodes))
	graphEdges.Set(float64(edges))
}

// BatchCounts are the per-batch numbers reported by ingestion.
type BatchCounts struct {
	NodesAdded, NodesUpdated int
	EdgesAdded, EdgesUpdated int
	Dropped                  int
}

// ObserveBatch records one ingested batch.
func ObserveBatch(c BatchCounts, err error) {
	batchTotal.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		return
	}
	ingestedTotal.WithLabelValues("node", "added").Add(float64(c.NodesAdded))
	ingestedTotal.WithLabelValues("node", "updated").Add(float64(c.NodesUpdated))
	ingestedTotal.WithLabelValues("edge", "added").Add(float64(c.EdgesAdded))
	ingestedTotal.WithLabelValues("edge", "updated").Add(float64(c.EdgesUpdated))
	droppedEdges.Add(float64(c.Dropped))
}

// SetDegraded flags the in-memory fallback mode.
func SetDegraded(on bool) {
	if on {
		degraded.Set(1)
		return
	}
	degraded.Set(0)
}

// ObserveHTTP counts one HTTP response.
func ObserveHTTP(route string, code int) {
	httpRequests.WithLabelValues(route, statusText(code)).Inc()
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
