// Package ingest merges connector batches into a storage backend.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
)

// Batch is one connector's output.
type Batch struct {
	// Source names the connector. When set, nodes and edges without a
	// "source" property are stamped with it.
	Source string       `json:"source,omitempty" yaml:"source,omitempty"`
	Nodes  []model.Node `json:"nodes" yaml:"nodes"`
	Edges  []model.Edge `json:"edges" yaml:"edges"`
}

// Keep returns what the batch reports, in the form PruneSource takes.
func (b Batch) Keep() Keep {
	k := Keep{
		Nodes: make([]string, len(b.Nodes)),
		Edges: make([]model.EdgeKey, len(b.Edges)),
	}
	for i, n := range b.Nodes {
		k.Nodes[i] = n.ID
	}
	for i, e := range b.Edges {
		k.Edges[i] = e.Key()
	}
	return k
}

// DroppedEdge is an edge that could not be committed.
type DroppedEdge struct {
	Edge   model.Edge `json:"edge"`
	Reason string     `json:"reason"`
}

// Result summarizes one applied batch.
type Result struct {
	BatchID      string        `json:"batch_id"`
	Source       string        `json:"source,omitempty"`
	NodesAdded   int           `json:"nodes_added"`
	NodesUpdated int           `json:"nodes_updated"`
	EdgesAdded   int           `json:"edges_added"`
	EdgesUpdated int           `json:"edges_updated"`
	Dropped      []DroppedEdge `json:"dropped,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (r *Result) counts() metrics.BatchCounts {
	return metrics.BatchCounts{
		NodesAdded:   r.NodesAdded,
		NodesUpdated: r.NodesUpdated,
		EdgesAdded:   r.EdgesAdded,
		EdgesUpdated: r.EdgesUpdated,
		Dropped:      len(r.Dropped),
	}
}

// Gate is the only write path for connector data.
type Gate struct {
	backend storage.Backend
	logger  *slog.Logger
}

// New creates a gate writing to backend.
func New(backend storage.Backend) *Gate {
	return &Gate{backend: backend, logger: logging.New("ingest")}
}

// Apply upserts the batch's nodes and then its edges under one backend
// update. Malformed entities are skipped with a warning and edges with a
// missing endpoint are dropped; neither fails the batch. Nothing outside the
// batch is deleted.
func (g *Gate) Apply(ctx context.Context, batch Batch) (*Result, error) {
	start := time.Now()
	res := &Result{BatchID: uuid.NewString(), Source: batch.Source}

	err := g.backend.Update(ctx, func(tx storage.Tx) error {
		*res = Result{BatchID: res.BatchID, Source: batch.Source}

		for _, node := range batch.Nodes {
			node.Properties = stampProperties(node.Properties, batch.Source)
			created, err := tx.UpsertNode(ctx, node)
			switch {
			case errors.Is(err, model.ErrInvalidArgument):
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipped node %q: %v", node.ID, err))
				continue
			case err != nil:
				return fmt.Errorf("upsert node %q: %w", node.ID, err)
			}
			if created {
				res.NodesAdded++
			} else {
				res.NodesUpdated++
			}
		}

		for _, edge := range batch.Edges {
			edge.Properties = stampProperties(edge.Properties, batch.Source)
			created, err := tx.UpsertEdge(ctx, edge)
			var dangling *model.DanglingReferenceError
			switch {
			case errors.As(err, &dangling):
				res.Dropped = append(res.Dropped, DroppedEdge{
					Edge:   edge,
					Reason: "missing node " + strings.Join(dangling.Missing, ", "),
				})
				continue
			case errors.Is(err, model.ErrInvalidArgument):
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipped edge %s: %v", edge.Key(), err))
				continue
			case err != nil:
				return fmt.Errorf("upsert edge %s: %w", edge.Key(), err)
			}
			if created {
				res.EdgesAdded++
			} else {
				res.EdgesUpdated++
			}
		}
		return nil
	})
	res.Duration = time.Since(start)
	metrics.ObserveBatch(res.counts(), err)
	if err != nil {
		g.logger.ErrorContext(ctx, "batch failed", "batch", res.BatchID, "source", batch.Source, "error", err)
		return nil, err
	}

	for _, d := range res.Dropped {
		g.logger.WarnContext(ctx, "dropped edge", "batch", res.BatchID, "edge", d.Edge.Key().String(), "reason", d.Reason)
	}
	g.logger.InfoContext(ctx, "batch applied",
		"batch", res.BatchID,
		"source", batch.Source,
		"nodes_added", res.NodesAdded,
		"nodes_updated", res.NodesUpdated,
		"edges_added", res.EdgesAdded,
		"edges_updated", res.EdgesUpdated,
		"dropped", len(res.Dropped),
		"warnings", len(res.Warnings),
		"durationMs", res.Duration.Milliseconds(),
	)
	return res, nil
}

func stampProperties(props model.Properties, source string) model.Properties {
	if source == "" {
		return props
	}
	if _, ok := props[model.PropSource]; ok {
		return props
	}
	stamped := props.Clone()
	if stamped == nil {
		stamped = model.Properties{}
	}
	stamped[model.PropSource] = source
	return stamped
}

// Keep lists the nodes and edges a source still reports.
type Keep struct {
	Nodes []string        `json:"nodes"`
	Edges []model.EdgeKey `json:"edges"`
}

// PruneResult describes an explicit stale-entity cleanup. EdgesRemoved
// counts both stale edges and edges removed with a pruned node.
type PruneResult struct {
	Source       string   `json:"source"`
	Removed      []string `json:"removed"`
	StaleEdges   []string `json:"stale_edges"`
	EdgesRemoved int      `json:"edges_removed"`
}

// PruneSource deletes the nodes and edges stamped with source that keep
// does not list. Nodes go together with their edges. It is never called
// by Apply.
func (g *Gate) PruneSource(ctx context.Context, source string, keep Keep) (*PruneResult, error) {
	if source == "" {
		return nil, model.InvalidArgumentf("source is required")
	}
	keepNodes := make(map[string]struct{}, len(keep.Nodes))
	for _, id := range keep.Nodes {
		keepNodes[id] = struct{}{}
	}
	keepEdges := make(map[model.EdgeKey]struct{}, len(keep.Edges))
	for _, k := range keep.Edges {
		keepEdges[k] = struct{}{}
	}

	res := &PruneResult{Source: source}
	err := g.backend.Update(ctx, func(tx storage.Tx) error {
		res.Removed, res.StaleEdges, res.EdgesRemoved = []string{}, []string{}, 0
		nodes, err := tx.AllNodes(ctx)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Properties.String(model.PropSource) != source {
				continue
			}
			if _, ok := keepNodes[n.ID]; ok {
				continue
			}
			del, err := tx.DeleteNode(ctx, n.ID)
			if err != nil {
				return fmt.Errorf("prune %q: %w", n.ID, err)
			}
			if del.Existed {
				res.Removed = append(res.Removed, n.ID)
				res.EdgesRemoved += del.EdgesRemoved
			}
		}

		edges, err := tx.AllEdges(ctx)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Properties.String(model.PropSource) != source {
				continue
			}
			key := e.Key()
			if _, ok := keepEdges[key]; ok {
				continue
			}
			existed, err := tx.DeleteEdge(ctx, key)
			if err != nil {
				return fmt.Errorf("prune %s: %w", key, err)
			}
			if existed {
				res.StaleEdges = append(res.StaleEdges, key.String())
				res.EdgesRemoved++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "pruned source",
		"source", source,
		"nodes", len(res.Removed),
		"stale_edges", len(res.StaleEdges),
		"edges", res.EdgesRemoved,
	)
	return res, nil
}

// Report is the outcome of one source in ApplySources.
type Report struct {
	Source string  `json:"source"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// ApplySources loads and applies each source in order. A failing source is
// logged and reported; the remaining sources still run. The returned error
// joins all failures.
func (g *Gate) ApplySources(ctx context.Context, sources ...Source) ([]Report, error) {
	reports := make([]Report, 0, len(sources))
	var errs []error
	for _, src := range sources {
		rep := Report{Source: src.Name()}
		batch, err := src.Load(ctx)
		if err == nil {
			if batch.Source == "" {
				batch.Source = src.Name()
			}
			rep.Result, err = g.Apply(ctx, batch)
		}
		if err != nil {
			rep.Err = fmt.Errorf("source %s: %w", src.Name(), err)
			errs = append(errs, rep.Err)
			g.logger.WarnContext(ctx, "source failed", "source", src.Name(), "error", err)
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}
