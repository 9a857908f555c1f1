package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/storage"
	"github.com/ritzau/infragraph/pkg/storage/storagetest"
)

func exampleEngine(t *testing.T) (*Engine, storage.Backend) {
	t.Helper()
	b := storage.NewMemory("")
	nodes, edges := storagetest.Example()
	storagetest.Load(t, b, nodes, edges)
	return New(b, Config{}), b
}

func node(id string) model.Node {
	typ, name, _ := model.SplitNodeID(id)
	return model.Node{ID: id, Name: name, Type: typ}
}

func dep(from, to string) model.Edge {
	return model.Edge{Source: from, Target: to, Type: model.EdgeTypeDependsOn}
}

// chainEngine builds service:n0 -> service:n1 -> ... -> service:n<length-1>.
func chainEngine(t *testing.T, length int) *Engine {
	t.Helper()
	b := storage.NewMemory("")
	var nodes []model.Node
	var edges []model.Edge
	for i := 0; i < length; i++ {
		nodes = append(nodes, node(fmt.Sprintf("service:n%d", i)))
		if i > 0 {
			edges = append(edges, dep(fmt.Sprintf("service:n%d", i-1), fmt.Sprintf("service:n%d", i)))
		}
	}
	storagetest.Load(t, b, nodes, edges)
	return New(b, Config{})
}

func TestWorkedExample(t *testing.T) {
	e, _ := exampleEngine(t)
	ctx := context.Background()

	down, err := e.Downstream(ctx, "service:api")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:orders", "database:orders-db"}, down.IDs())
	assert.Equal(t, 1, down.Nodes[0].Depth)
	assert.Equal(t, 2, down.Nodes[1].Depth)

	up, err := e.Upstream(ctx, "database:orders-db")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:orders", "service:api"}, up.IDs())

	br, err := e.BlastRadius(ctx, "service:orders")
	require.NoError(t, err)
	require.Len(t, br.Affected, 1)
	assert.Equal(t, "service:api", br.Affected[0].ID)
	assert.Equal(t, SeverityLow, br.Severity)

	owner, err := e.GetOwner(ctx, "service:orders")
	require.NoError(t, err)
	assert.True(t, owner.Owned)
	assert.Equal(t, "payments", owner.Team)
	assert.Equal(t, "team:payments", owner.TeamID)
	assert.Equal(t, OwnerViaEdge, owner.Via)
	assert.Equal(t, "#payments", owner.SlackChannel)

	p, err := e.Path(ctx, "service:api", "database:orders-db")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, []string{"service:api", "service:orders", "database:orders-db"}, p.Nodes)
	assert.Equal(t, 2, p.Length)
}

func TestTraversalTerminatesOnCycles(t *testing.T) {
	b := storage.NewMemory("")
	storagetest.Load(t, b,
		[]model.Node{node("service:a"), node("service:b"), node("service:c")},
		[]model.Edge{dep("service:a", "service:b"), dep("service:b", "service:c"), dep("service:c", "service:a")})
	e := New(b, Config{})

	down, err := e.Downstream(context.Background(), "service:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:b", "service:c"}, down.IDs())

	cycles, err := e.Cycles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Cycle{{"service:a", "service:b", "service:c"}}, cycles)
}

func TestTraversalDepthBound(t *testing.T) {
	e := chainEngine(t, 8)
	ctx := context.Background()

	for _, depth := range []int{0, 1, 3, 7, 20} {
		down, err := e.Downstream(ctx, "service:n0", WithMaxDepth(depth))
		require.NoError(t, err)
		assert.Len(t, down.Nodes, min(depth, 7), "depth %d", depth)
		for _, n := range down.Nodes {
			assert.LessOrEqual(t, n.Depth, depth)
		}
	}

	_, err := e.Downstream(ctx, "service:n0", WithMaxDepth(-1))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	down, err := e.Downstream(ctx, "service:n0", WithMaxDepth(1000))
	require.NoError(t, err)
	assert.Equal(t, MaxTraversalDepth, down.MaxDepth)
}

func TestDefaultDepths(t *testing.T) {
	e := chainEngine(t, 15)
	ctx := context.Background()

	down, err := e.Downstream(ctx, "service:n0")
	require.NoError(t, err)
	assert.Len(t, down.Nodes, DefaultMaxDepth)

	br, err := e.BlastRadius(ctx, "service:n14")
	require.NoError(t, err)
	assert.Equal(t, DefaultBlastDepth, br.AffectedCount)
}

func TestOwnershipEdgesExcludedByDefault(t *testing.T) {
	e, _ := exampleEngine(t)
	ctx := context.Background()

	down, err := e.Downstream(ctx, "team:payments")
	require.NoError(t, err)
	assert.Empty(t, down.Nodes)

	down, err = e.Downstream(ctx, "team:payments", WithEdgeTypes(model.EdgeTypeOwns))
	require.NoError(t, err)
	assert.Equal(t, []string{"service:orders"}, down.IDs())

	br, err := e.BlastRadius(ctx, "service:orders")
	require.NoError(t, err)
	for _, n := range br.Affected {
		assert.NotEqual(t, "team:payments", n.ID)
	}
}

func TestUnknownStartSuggests(t *testing.T) {
	e, _ := exampleEngine(t)
	ctx := context.Background()

	_, err := e.Downstream(ctx, "service:ordrs")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "service:orders", nf.Suggestions[0])

	_, err = e.GetNode(ctx, "service:apj")
	var nf2 *NotFoundError
	require.True(t, errors.As(err, &nf2))
	assert.Contains(t, nf2.Suggestions, "service:api")

	_, err = e.Path(ctx, "service:api", "service:nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSeverityClassify(t *testing.T) {
	s := DefaultSeverityThresholds()
	tests := []struct {
		affected, teams int
		want            Severity
	}{
		{0, 0, SeverityNone},
		{1, 0, SeverityLow},
		{2, 1, SeverityLow},
		{3, 1, SeverityMedium},
		{1, 2, SeverityMedium},
		{10, 3, SeverityMedium},
		{11, 0, SeverityHigh},
		{4, 4, SeverityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Classify(tt.affected, tt.teams), "affected=%d teams=%d", tt.affected, tt.teams)
	}

	assert.NoError(t, s.Validate())
	assert.ErrorIs(t, SeverityThresholds{HighAffected: 1, MediumAffected: 2}.Validate(), model.ErrInvalidArgument)
	assert.ErrorIs(t, SeverityThresholds{HighTeams: -1}.Validate(), model.ErrInvalidArgument)
}

func TestBlastRadiusNoImpact(t *testing.T) {
	e, _ := exampleEngine(t)
	br, err := e.BlastRadius(context.Background(), "service:api")
	require.NoError(t, err)
	assert.Empty(t, br.Affected)
	assert.Equal(t, SeverityNone, br.Severity)
	assert.NotNil(t, br.Teams)
}

func TestBlastRadiusGroupsByTeam(t *testing.T) {
	b := storage.NewMemory("")
	storagetest.Load(t, b,
		[]model.Node{
			node("database:db"),
			{ID: "service:a", Name: "a", Type: model.NodeTypeService, Properties: model.Properties{"team": "alpha"}},
			{ID: "service:b", Name: "b", Type: model.NodeTypeService, Properties: model.Properties{"owner": "beta"}},
			node("service:c"),
			{ID: "team:alpha", Name: "alpha", Type: model.NodeTypeTeam, Properties: model.Properties{"lead": "kim", "oncall": "alpha-pager"}},
		},
		[]model.Edge{dep("service:a", "database:db"), dep("service:b", "database:db"), dep("service:c", "service:a")})
	e := New(b, Config{})

	br, err := e.BlastRadius(context.Background(), "database:db")
	require.NoError(t, err)
	assert.Equal(t, 3, br.AffectedCount)
	require.Len(t, br.Teams, 2)
	assert.Equal(t, "alpha", br.Teams[0].Team)
	assert.Equal(t, "team:alpha", br.Teams[0].TeamID)
	assert.Equal(t, "kim", br.Teams[0].Lead)
	assert.Equal(t, "alpha-pager", br.Teams[0].Oncall)
	assert.Equal(t, []string{"service:a"}, br.Teams[0].Affected)
	assert.Equal(t, "beta", br.Teams[1].Team)
	assert.Empty(t, br.Teams[1].TeamID)
	assert.Equal(t, []string{"service:c"}, br.Unowned)
	assert.Equal(t, SeverityMedium, br.Severity)
}

func TestBlastRadiusConcurrentCallsAgree(t *testing.T) {
	e := chainEngine(t, 30)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*BlastRadius, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			br, err := e.BlastRadius(ctx, "service:n29", WithMaxDepth(20))
			assert.NoError(t, err)
			results[i] = br
		}(i)
	}
	wg.Wait()
	for _, br := range results {
		require.NotNil(t, br)
		assert.Equal(t, 20, br.AffectedCount)
		assert.Equal(t, SeverityHigh, br.Severity)
	}
}

func TestPathModes(t *testing.T) {
	e, _ := exampleEngine(t)
	ctx := context.Background()

	p, err := e.Path(ctx, "database:orders-db", "service:api")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, []string{"database:orders-db", "service:orders", "service:api"}, p.Nodes)
	assert.True(t, p.Hops[0].Reversed)

	p, err = e.Path(ctx, "database:orders-db", "service:api", WithPathMode(PathOutgoing))
	require.NoError(t, err)
	assert.False(t, p.Found)
	assert.Empty(t, p.Nodes)

	p, err = e.Path(ctx, "service:api", "service:api")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, []string{"service:api"}, p.Nodes)
	assert.Zero(t, p.Length)

	p, err = e.Path(ctx, "service:api", "database:orders-db", WithMaxDepth(1))
	require.NoError(t, err)
	assert.False(t, p.Found)

	_, err = e.Path(ctx, "service:api", "service:orders", WithPathMode("sideways"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestPathCrossesOwnership(t *testing.T) {
	e, _ := exampleEngine(t)
	ctx := context.Background()

	p, err := e.Path(ctx, "team:payments", "service:orders")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, []string{"team:payments", "service:orders"}, p.Nodes)
	assert.Equal(t, model.EdgeTypeOwns, p.Hops[0].EdgeType)

	p, err = e.Path(ctx, "team:payments", "service:api")
	require.NoError(t, err)
	assert.True(t, p.Found)
	assert.Equal(t, []string{"team:payments", "service:orders", "service:api"}, p.Nodes)
	assert.False(t, p.Hops[0].Reversed)
	assert.True(t, p.Hops[1].Reversed)

	p, err = e.Path(ctx, "team:payments", "service:api", WithEdgeTypes(model.EdgeTypeDependsOn))
	require.NoError(t, err)
	assert.False(t, p.Found)

	// Traversals still leave ownership out.
	up, err := e.Upstream(ctx, "service:orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:api"}, up.IDs())
}

func TestPathAlternatives(t *testing.T) {
	b := storage.NewMemory("")
	storagetest.Load(t, b,
		[]model.Node{node("service:a"), node("service:b"), node("service:c"), node("service:d"), node("service:e")},
		[]model.Edge{
			dep("service:a", "service:b"),
			dep("service:a", "service:c"),
			dep("service:b", "service:d"),
			dep("service:c", "service:d"),
			dep("service:a", "service:e"),
			dep("service:e", "service:c"),
			{Source: "service:b", Target: "service:d", Type: model.EdgeTypeCalls},
		})
	e := New(b, Config{})
	ctx := context.Background()

	p, err := e.Path(ctx, "service:a", "service:d", WithPathMode(PathOutgoing))
	require.NoError(t, err)
	assert.Equal(t, []string{"service:a", "service:b", "service:d"}, p.Nodes)
	assert.Equal(t, [][]string{
		{"service:a", "service:c", "service:d"},
		{"service:a", "service:e", "service:c", "service:d"},
	}, p.Alternatives)

	p, err = e.Path(ctx, "service:a", "service:d", WithPathMode(PathOutgoing), WithMaxDepth(2))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"service:a", "service:c", "service:d"}}, p.Alternatives)

	p, err = e.Path(ctx, "service:b", "service:d", WithPathMode(PathOutgoing))
	require.NoError(t, err)
	assert.Empty(t, p.Alternatives, "parallel edges are one route")
}

func TestOwnerResolution(t *testing.T) {
	b := storage.NewMemory("")
	storagetest.Load(t, b,
		[]model.Node{
			{ID: "service:a", Name: "a", Type: model.NodeTypeService, Properties: model.Properties{"owner": "alpha", "team": "beta"}},
			{ID: "service:b", Name: "b", Type: model.NodeTypeService, Properties: model.Properties{"team": "beta"}},
			node("service:c"),
			{ID: "team:beta", Name: "beta", Type: model.NodeTypeTeam, Properties: model.Properties{"slack_channel": "#beta"}},
		}, nil)
	e := New(b, Config{})
	ctx := context.Background()

	o, err := e.GetOwner(ctx, "service:a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", o.Team)
	assert.Equal(t, OwnerViaOwnerProperty, o.Via)
	assert.Empty(t, o.TeamID)

	o, err = e.GetOwner(ctx, "service:b")
	require.NoError(t, err)
	assert.Equal(t, "beta", o.Team)
	assert.Equal(t, OwnerViaTeamProperty, o.Via)
	assert.Equal(t, "team:beta", o.TeamID)
	assert.Equal(t, "#beta", o.SlackChannel)

	o, err = e.GetOwner(ctx, "service:c")
	require.NoError(t, err)
	assert.False(t, o.Owned)
}

func TestIndexFollowsMutations(t *testing.T) {
	e, b := exampleEngine(t)
	ctx := context.Background()

	down, err := e.Downstream(ctx, "service:api")
	require.NoError(t, err)
	require.Len(t, down.Nodes, 2)

	_, err = b.DeleteNode(ctx, "database:orders-db")
	require.NoError(t, err)

	down, err = e.Downstream(ctx, "service:api")
	require.NoError(t, err)
	assert.Equal(t, []string{"service:orders"}, down.IDs())
}

func TestStatsAndSelfLoops(t *testing.T) {
	e, b := exampleEngine(t)
	ctx := context.Background()

	_, err := b.UpsertNode(ctx, node("cache:lonely"))
	require.NoError(t, err)
	_, err = b.UpsertEdge(ctx, dep("cache:lonely", "cache:lonely"))
	require.NoError(t, err)

	s, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Nodes)
	assert.Equal(t, 4, s.Edges)
	assert.Equal(t, 2, s.NodesByType[model.NodeTypeService])
	assert.Equal(t, 3, s.EdgesByType[model.EdgeTypeDependsOn])
	// team:payments only connects over an ownership edge.
	assert.Equal(t, 3, s.Components)
	assert.Equal(t, "memory", s.Backend)

	cycles, err := e.Cycles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Cycle{{"cache:lonely"}}, cycles)
}

func TestCyclesOrderSelfLoopInsideComponent(t *testing.T) {
	b := storage.NewMemory("")
	storagetest.Load(t, b,
		[]model.Node{node("service:b"), node("service:a"), node("service:c")},
		[]model.Edge{
			dep("service:b", "service:a"),
			dep("service:a", "service:b"),
			dep("service:a", "service:a"),
			dep("service:c", "service:c"),
		})
	e := New(b, Config{})

	for i := 0; i < 5; i++ {
		cycles, err := e.Cycles(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []Cycle{
			{"service:a"},
			{"service:a", "service:b"},
			{"service:c"},
		}, cycles)
	}
}
