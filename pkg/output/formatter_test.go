package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
	"github.com/ritzau/infragraph/pkg/storage/storagetest"
)

func init() {
	color.NoColor = true
}

func exampleEngine(t *testing.T) *query.Engine {
	t.Helper()
	b := storage.NewMemory("")
	nodes, edges := storagetest.Example()
	storagetest.Load(t, b, nodes, edges)
	return query.New(b, query.Config{})
}

func TestTraversalText(t *testing.T) {
	e := exampleEngine(t)
	down, err := e.Downstream(context.Background(), "service:api")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, false).Traversal(down))
	assert.Equal(t, "Dependencies of service:api (max depth 10)\n"+
		"  service:orders (service)\n"+
		"    database:orders-db (database)\n", buf.String())
}

func TestBlastRadiusText(t *testing.T) {
	e := exampleEngine(t)
	br, err := e.BlastRadius(context.Background(), "service:orders")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, false).BlastRadius(br))
	out := buf.String()
	assert.Contains(t, out, "Severity: LOW\n")
	assert.Contains(t, out, "Affected: 1 node(s), 1 team(s)\n")
	assert.Contains(t, out, "  platform (1)\n")
	assert.Contains(t, out, "  service:api (depth 1)\n")

	br, err = e.BlastRadius(context.Background(), "service:api")
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, NewPrinter(&buf, false).BlastRadius(br))
	assert.Contains(t, buf.String(), "No direct impact")
}

func TestPathAndOwnerText(t *testing.T) {
	e := exampleEngine(t)
	ctx := context.Background()

	p, err := e.Path(ctx, "database:orders-db", "service:api")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, false).Path(p))
	assert.Equal(t, "Path from database:orders-db to service:api (2 hop(s))\n"+
		"  database:orders-db\n  <- depends_on\n  service:orders\n  <- depends_on\n  service:api\n", buf.String())

	o, err := e.GetOwner(ctx, "service:orders")
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, NewPrinter(&buf, false).Owner(o))
	assert.Equal(t, "service:orders is owned by payments\n  via edge\n  slack #payments\n", buf.String())
}

func TestJSONMode(t *testing.T) {
	e := exampleEngine(t)
	s, err := e.Stats(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, true).Stats(s))
	var decoded query.Stats
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, s.Nodes, decoded.Nodes)
	assert.Equal(t, s.EdgesByType, decoded.EdgesByType)

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, true).Nodes(nil))
	assert.JSONEq(t, "[]", buf.String())
}

func TestIngestReports(t *testing.T) {
	reports := []ingest.Report{
		{Source: "k8s", Result: &ingest.Result{
			NodesAdded: 2, EdgesAdded: 1,
			Dropped: []ingest.DroppedEdge{{
				Edge:   model.Edge{Source: "service:a", Target: "service:b", Type: "calls"},
				Reason: "missing node service:b",
			}},
		}},
		{Source: "aws", Err: errors.New("boom")},
	}
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, false).IngestReports(reports))
	out := buf.String()
	assert.Contains(t, out, "✓ k8s: nodes +2 ~0, edges +1 ~0\n")
	assert.Contains(t, out, "missing node service:b")
	assert.Contains(t, out, "✗ aws: boom\n")
}

func TestCyclesText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, false).Cycles(nil))
	assert.Contains(t, buf.String(), "No dependency cycles")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, false).Cycles([]query.Cycle{{"service:a", "service:b"}}))
	assert.Equal(t, "1 dependency cycle(s):\n  service:a <-> service:b\n", buf.String())
}
