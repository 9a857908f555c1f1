package query

import (
	"context"
	"time"

	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
)

// ReachedNode is a node found by a traversal and its distance from the start.
type ReachedNode struct {
	model.Node
	Depth int `json:"depth"`
}

// Traversal is the result of Downstream or Upstream. Nodes are in
// breadth-first discovery order and exclude the start node.
type Traversal struct {
	Start     string        `json:"start"`
	Direction string        `json:"direction"`
	MaxDepth  int           `json:"max_depth"`
	Nodes     []ReachedNode `json:"nodes"`
}

// IDs returns the ids of the reached nodes in order.
func (t *Traversal) IDs() []string {
	ids := make([]string, len(t.Nodes))
	for i, n := range t.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Downstream returns what id depends on, directly or transitively.
func (e *Engine) Downstream(ctx context.Context, id string, opts ...Option) (t *Traversal, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("downstream", start, err) }(time.Now())
	return e.traverse(ctx, "downstream", id, Outgoing, e.cfg.MaxDepth, opts)
}

// Upstream returns what depends on id, directly or transitively.
func (e *Engine) Upstream(ctx context.Context, id string, opts ...Option) (t *Traversal, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("upstream", start, err) }(time.Now())
	return e.traverse(ctx, "upstream", id, Incoming, e.cfg.MaxDepth, opts)
}

func (e *Engine) traverse(ctx context.Context, op, id string, dir Direction, defaultDepth int, opts []Option) (*Traversal, error) {
	o, err := resolve(defaultDepth, opts)
	if err != nil {
		return nil, err
	}
	idx, err := e.start(ctx, id)
	if err != nil {
		return nil, err
	}

	visits := idx.bfsFrontier(id, dir, o.filter(), o.depth)
	t := &Traversal{
		Start:     id,
		Direction: dir.String(),
		MaxDepth:  o.depth,
		Nodes:     reached(idx, visits[1:]),
	}
	metrics.ObserveResultSize(op, len(t.Nodes))
	return t, nil
}

func reached(idx *index, visits []visit) []ReachedNode {
	out := make([]ReachedNode, 0, len(visits))
	for _, v := range visits {
		n, ok := idx.node(v.id)
		if !ok {
			continue
		}
		out = append(out, ReachedNode{Node: n.Clone(), Depth: v.depth})
	}
	return out
}
