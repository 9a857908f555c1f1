// Package query answers structural questions about the infrastructure graph:
// lookups, reachability in either direction, blast radius, shortest paths and
// ownership.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agext/levenshtein"
	"golang.org/x/sync/singleflight"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
)

// Config holds engine defaults. Zero values mean the package defaults.
type Config struct {
	MaxDepth   int
	BlastDepth int
	PathMode   PathMode
	Severity   SeverityThresholds
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:   DefaultMaxDepth,
		BlastDepth: DefaultBlastDepth,
		PathMode:   PathUndirected,
		Severity:   DefaultSeverityThresholds(),
	}
}

// Validate checks depths, path mode and thresholds.
func (c Config) Validate() error {
	if c.MaxDepth < 0 || c.BlastDepth < 0 {
		return model.InvalidArgumentf("depths must not be negative")
	}
	if _, err := ParsePathMode(string(c.PathMode)); err != nil {
		return err
	}
	return c.Severity.Validate()
}

// NotFoundError is returned when a node id is unknown. Suggestions lists
// similar ids, closest first.
type NotFoundError struct {
	ID          string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("node %q not found", e.ID)
	}
	return fmt.Sprintf("node %q not found (did you mean %s?)", e.ID, strings.Join(e.Suggestions, ", "))
}

// Is makes errors.Is(err, model.ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == model.ErrNotFound
}

// Engine runs queries against a backend. It is safe for concurrent use.
type Engine struct {
	backend storage.Backend
	cfg     Config
	logger  *slog.Logger

	mu    sync.RWMutex
	idx   *index
	group singleflight.Group
}

// New creates an engine. Zero config fields fall back to the defaults.
func New(backend storage.Backend, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.BlastDepth == 0 {
		cfg.BlastDepth = def.BlastDepth
	}
	if cfg.PathMode == "" {
		cfg.PathMode = def.PathMode
	}
	if cfg.Severity == (SeverityThresholds{}) {
		cfg.Severity = def.Severity
	}
	return &Engine{backend: backend, cfg: cfg, logger: logging.New("query")}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// index returns the adjacency index for the backend's current generation,
// rebuilding it from a fresh snapshot when the graph has changed.
func (e *Engine) index(ctx context.Context) (*index, error) {
	gen := e.backend.Generation()
	e.mu.RLock()
	idx := e.idx
	e.mu.RUnlock()
	if idx != nil && idx.generation == gen {
		return idx, nil
	}

	v, err, _ := e.group.Do(fmt.Sprintf("index|%d", gen), func() (any, error) {
		start := time.Now()
		snap, err := e.backend.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		built := buildIndex(snap.Graph, snap.Generation)

		e.mu.Lock()
		if e.idx == nil || e.idx.generation < built.generation {
			e.idx = built
		}
		e.mu.Unlock()

		metrics.IndexRebuilt(len(snap.Graph.Nodes), len(snap.Graph.Edges))
		e.logger.Debug("rebuilt adjacency index",
			"generation", snap.Generation,
			"nodes", len(snap.Graph.Nodes),
			"edges", len(snap.Graph.Edges),
			"durationMs", time.Since(start).Milliseconds())
		return built, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return v.(*index), nil
}

// start resolves the index and checks that id exists in it.
func (e *Engine) start(ctx context.Context, id string) (*index, error) {
	idx, err := e.index(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := idx.node(id); !ok {
		return nil, &NotFoundError{ID: id, Suggestions: suggest(idx.graph, id, 3)}
	}
	return idx, nil
}

// suggest ranks node ids by edit distance to query, comparing against both
// the id and the bare name.
func suggest(g *model.Graph, query string, limit int) []string {
	type candidate struct {
		id   string
		dist int
	}
	maxDist := len(query)/3 + 1
	if maxDist < 2 {
		maxDist = 2
	}
	_, queryName, _ := model.SplitNodeID(query)

	var cands []candidate
	for id, n := range g.Nodes {
		d := levenshtein.Distance(query, id, nil)
		if nd := levenshtein.Distance(queryName, n.Name, nil); nd < d {
			d = nd
		}
		if d <= maxDist {
			cands = append(cands, candidate{id: id, dist: d})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// GetNode returns the node with the given id.
func (e *Engine) GetNode(ctx context.Context, id string) (node model.Node, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("get_node", start, err) }(time.Now())

	node, err = e.backend.GetNode(ctx, id)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return node, err
	}
	nf := &NotFoundError{ID: id}
	if idx, ierr := e.index(ctx); ierr == nil {
		nf.Suggestions = suggest(idx.graph, id, 3)
	}
	return model.Node{}, nf
}

// GetNodes returns the nodes matching filter, ordered by id.
func (e *Engine) GetNodes(ctx context.Context, filter storage.Filter) (nodes []model.Node, err error) {
	defer func(start time.Time) { metrics.ObserveQuery("get_nodes", start, err) }(time.Now())
	return e.backend.GetNodes(ctx, filter)
}
