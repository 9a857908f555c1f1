package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	for _, n := range []Node{
		{ID: "service:api", Name: "api", Type: NodeTypeService},
		{ID: "service:orders", Name: "orders", Type: NodeTypeService},
		{ID: "database:orders-db", Name: "orders-db", Type: NodeTypeDatabase},
		{ID: "team:payments", Name: "payments", Type: NodeTypeTeam},
	} {
		n := n
		g.AddNode(&n)
	}
	for _, e := range []Edge{
		{Source: "service:api", Target: "service:orders", Type: EdgeTypeDependsOn},
		{Source: "service:orders", Target: "database:orders-db", Type: EdgeTypeDependsOn},
		{Source: "team:payments", Target: "service:orders", Type: EdgeTypeOwns},
	} {
		e := e
		_, err := g.AddEdge(&e)
		require.NoError(t, err)
	}
	return g
}

func TestGraphAddEdgeReplacesByKey(t *testing.T) {
	g := exampleGraph(t)

	created, err := g.AddEdge(&Edge{
		Source: "service:api", Target: "service:orders", Type: EdgeTypeDependsOn,
		Properties: Properties{"protocol": "grpc"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, g.Edges, 3)

	e, ok := g.Edge(EdgeKey{Source: "service:api", Target: "service:orders", Type: EdgeTypeDependsOn})
	require.True(t, ok)
	assert.Equal(t, "grpc", e.Properties.String("protocol"))

	// A different type between the same pair is a separate edge.
	created, err = g.AddEdge(&Edge{Source: "service:api", Target: "service:orders", Type: EdgeTypeCalls})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, g.Edges, 4)
}

func TestGraphAddEdgeDangling(t *testing.T) {
	g := exampleGraph(t)

	_, err := g.AddEdge(&Edge{Source: "service:api", Target: "service:ghost", Type: EdgeTypeDependsOn})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDanglingReference))

	var dre *DanglingReferenceError
	require.True(t, errors.As(err, &dre))
	assert.Equal(t, []string{"service:ghost"}, dre.Missing)
	assert.Len(t, g.Edges, 3)
}

func TestGraphRemoveNodeCascades(t *testing.T) {
	g := exampleGraph(t)

	existed, removed := g.RemoveNode("service:orders")
	assert.True(t, existed)
	assert.Equal(t, 3, removed)
	assert.Empty(t, g.Edges)
	assert.NoError(t, g.Validate())

	existed, removed = g.RemoveNode("service:orders")
	assert.False(t, existed)
	assert.Zero(t, removed)
}

func TestGraphRemoveEdgeKeepsIndex(t *testing.T) {
	g := exampleGraph(t)

	first := g.Edges[0].Key()
	assert.True(t, g.RemoveEdge(first))
	assert.False(t, g.RemoveEdge(first))
	assert.Len(t, g.Edges, 2)

	for _, e := range g.Edges {
		got, ok := g.Edge(e.Key())
		require.True(t, ok)
		assert.Equal(t, e, got)
	}
}

func TestGraphCloneIsDeep(t *testing.T) {
	g := exampleGraph(t)
	g.Nodes["service:api"].Properties = Properties{"tags": []any{"edge"}}

	c := g.Clone()
	c.Nodes["service:api"].Properties["tags"].([]any)[0] = "changed"
	c.RemoveNode("service:orders")

	assert.Equal(t, "edge", g.Nodes["service:api"].Properties["tags"].([]any)[0])
	assert.Len(t, g.Edges, 3)
	assert.Len(t, g.Nodes, 4)
}

func TestGraphJSONSortedAndPrunable(t *testing.T) {
	g := exampleGraph(t)

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var doc struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Nodes, 4)
	assert.Equal(t, "database:orders-db", doc.Nodes[0].ID)
	assert.Equal(t, "team:payments", doc.Nodes[3].ID)
	assert.Equal(t, "service:api", doc.Edges[0].Source)

	raw := `{"nodes":[{"id":"a","name":"a","type":"service"}],
		"edges":[{"source":"a","target":"b","type":"depends_on"},{"source":"a","target":"a","type":"calls"}]}`
	var back Graph
	require.NoError(t, json.Unmarshal([]byte(raw), &back))
	assert.Error(t, back.Validate())

	dropped := back.PruneDangling()
	require.Len(t, dropped, 1)
	assert.Equal(t, "b", dropped[0].Target)
	assert.NoError(t, back.Validate())
	_, ok := back.Edge(EdgeKey{Source: "a", Target: "a", Type: "calls"})
	assert.True(t, ok)
}

func TestSplitNodeID(t *testing.T) {
	typ, name, ok := SplitNodeID("service:api")
	assert.True(t, ok)
	assert.Equal(t, "service", typ)
	assert.Equal(t, "api", name)

	_, name, ok = SplitNodeID("plain")
	assert.False(t, ok)
	assert.Equal(t, "plain", name)
}

func TestNodeNormalizedRejectsMalformed(t *testing.T) {
	_, err := Node{Name: "x"}.Normalized()
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = Edge{Source: "a", Target: "b"}.Normalized()
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	n, err := Node{ID: "a", Name: "a", Properties: Properties{}}.Normalized()
	require.NoError(t, err)
	assert.Nil(t, n.Properties)
}
