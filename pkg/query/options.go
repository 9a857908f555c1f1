package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ritzau/infragraph/pkg/model"
)

// Traversal depth limits.
const (
	// DefaultMaxDepth is the depth used by Downstream, Upstream and Path.
	DefaultMaxDepth = 10
	// DefaultBlastDepth is the depth used by BlastRadius.
	DefaultBlastDepth = 5
	// MaxTraversalDepth caps any requested depth.
	MaxTraversalDepth = 100
)

// PathMode selects which edges Path may walk.
type PathMode string

const (
	// PathUndirected walks edges in both directions.
	PathUndirected PathMode = "undirected"
	// PathOutgoing only follows edges from source to target.
	PathOutgoing PathMode = "outgoing"
)

// ParsePathMode accepts "undirected" and "outgoing".
func ParsePathMode(s string) (PathMode, error) {
	switch PathMode(strings.ToLower(s)) {
	case PathUndirected:
		return PathUndirected, nil
	case PathOutgoing:
		return PathOutgoing, nil
	}
	return "", model.InvalidArgumentf("unknown path mode %q", s)
}

// Option tunes a single query.
type Option func(*options)

type options struct {
	depth     int
	depthSet  bool
	edgeTypes []string
	pathMode  PathMode
}

// WithMaxDepth overrides the operation's default depth. Values above
// MaxTraversalDepth are clamped; negative values are rejected.
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		o.depth = depth
		o.depthSet = true
	}
}

// WithEdgeTypes restricts traversal to the given edge types. Without it,
// Downstream, Upstream and BlastRadius follow every edge type except
// ownership, and Path follows every edge type.
func WithEdgeTypes(types ...string) Option {
	return func(o *options) {
		o.edgeTypes = append(o.edgeTypes, types...)
	}
}

// WithPathMode overrides the configured path mode.
func WithPathMode(mode PathMode) Option {
	return func(o *options) {
		o.pathMode = mode
	}
}

func resolve(defaultDepth int, opts []Option) (options, error) {
	o := options{depth: defaultDepth}
	for _, opt := range opts {
		opt(&o)
	}
	if o.depth < 0 {
		return o, model.InvalidArgumentf("max depth must not be negative, got %d", o.depth)
	}
	if o.depth > MaxTraversalDepth {
		o.depth = MaxTraversalDepth
	}
	for _, t := range o.edgeTypes {
		if t == "" {
			return o, model.InvalidArgumentf("empty edge type in filter")
		}
	}
	if o.pathMode != "" && o.pathMode != PathUndirected && o.pathMode != PathOutgoing {
		return o, model.InvalidArgumentf("unknown path mode %q", o.pathMode)
	}
	return o, nil
}

// edgeFilter reports whether an edge type may be followed.
type edgeFilter func(edgeType string) bool

func (o options) filter() edgeFilter {
	if len(o.edgeTypes) == 0 {
		return func(t string) bool { return t != model.EdgeTypeOwns }
	}
	return o.allowed()
}

// pathFilter is filter without the ownership exclusion.
func (o options) pathFilter() edgeFilter {
	if len(o.edgeTypes) == 0 {
		return func(string) bool { return true }
	}
	return o.allowed()
}

func (o options) allowed() edgeFilter {
	allowed := make(map[string]struct{}, len(o.edgeTypes))
	for _, t := range o.edgeTypes {
		allowed[t] = struct{}{}
	}
	return func(t string) bool {
		_, ok := allowed[t]
		return ok
	}
}

// key identifies the options for request deduplication.
func (o options) key() string {
	types := append([]string(nil), o.edgeTypes...)
	sort.Strings(types)
	return fmt.Sprintf("%d|%s|%s", o.depth, strings.Join(types, ","), o.pathMode)
}
