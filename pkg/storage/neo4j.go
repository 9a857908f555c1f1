package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/model"
)

// Neo4jConfig configures the networked neo4j store.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	// Database is the target database; empty uses the server default.
	Database string
}

// Neo4j stores nodes as (:Entity {id, name, type, props}) and edges as
// [:REL {type, props}], where props is the JSON encoded property map.
type Neo4j struct {
	driver neo4j.DriverWithContext
	cfg    Neo4jConfig
	logger *slog.Logger

	mu         sync.RWMutex
	generation atomic.Uint64
}

const (
	cypherConstraint = `CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`

	cypherGetNode = `MATCH (n:Entity {id: $id})
RETURN n.id AS id, n.name AS name, n.type AS type, n.props AS props`

	cypherNodes = `MATCH (n:Entity)
WHERE $type = '' OR n.type = $type
RETURN n.id AS id, n.name AS name, n.type AS type, n.props AS props
ORDER BY n.id`

	cypherEdges = `MATCH (s:Entity)-[r:REL]->(t:Entity)
RETURN s.id AS source, t.id AS target, r.type AS type, r.props AS props
ORDER BY source, target, type`

	cypherUpsertNode = `OPTIONAL MATCH (old:Entity {id: $id})
WITH old IS NULL AS created
MERGE (n:Entity {id: $id})
SET n.name = $name, n.type = $type, n.props = $props
RETURN created`

	cypherPresent = `UNWIND $ids AS id
OPTIONAL MATCH (n:Entity {id: id})
RETURN id, n IS NOT NULL AS present`

	cypherUpsertEdge = `MATCH (s:Entity {id: $source}), (t:Entity {id: $target})
OPTIONAL MATCH (s)-[old:REL {type: $type}]->(t)
WITH s, t, count(old) = 0 AS created
MERGE (s)-[r:REL {type: $type}]->(t)
SET r.props = $props
RETURN created`

	cypherDeleteNode = `MATCH (n:Entity {id: $id})
OPTIONAL MATCH (n)-[r:REL]-()
WITH n, count(DISTINCT r) AS edges
DETACH DELETE n
RETURN edges`

	cypherDeleteEdge = `MATCH (:Entity {id: $source})-[r:REL {type: $type}]->(:Entity {id: $target})
DELETE r
RETURN count(r) AS removed`

	cypherClear = `MATCH (n:Entity) DETACH DELETE n`
)

// OpenNeo4j connects to neo4j, verifies connectivity and ensures the id
// constraint exists.
func OpenNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4j, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %s: %w", cfg.URI, err)
	}

	n := &Neo4j{driver: driver, cfg: cfg, logger: logging.New("neo4j")}
	if err := n.ensureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("create neo4j constraint: %w", err)
	}
	n.logger.Info("connected to neo4j", "uri", cfg.URI, "database", cfg.Database)
	return n, nil
}

func (n *Neo4j) ensureSchema(ctx context.Context) error {
	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	res, err := session.Run(ctx, cypherConstraint, nil)
	return consume(ctx, res, err)
}

// consume drains res so that errors the server reports after the query
// was accepted are not lost.
func consume(ctx context.Context, res neo4j.ResultWithContext, err error) error {
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func (n *Neo4j) Kind() Kind { return KindNeo4j }

func (n *Neo4j) Generation() uint64 { return n.generation.Load() }

func (n *Neo4j) Close() error {
	return n.driver.Close(context.Background())
}

func (n *Neo4j) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: n.cfg.Database})
}

// runner is satisfied by both managed and explicit transactions.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

type neoTx struct {
	n  *Neo4j
	tx runner
}

func encodeProps(p model.Properties) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProps(v any) (model.Properties, error) {
	s, _ := v.(string)
	if s == "" {
		return nil, nil
	}
	var p model.Properties
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordNode(rec *neo4j.Record) (model.Node, error) {
	node := model.Node{
		ID:   recordString(rec, "id"),
		Name: recordString(rec, "name"),
		Type: recordString(rec, "type"),
	}
	raw, _ := rec.Get("props")
	props, err := decodeProps(raw)
	if err != nil {
		return model.Node{}, fmt.Errorf("decode properties of %q: %w", node.ID, err)
	}
	node.Properties = props
	return node, nil
}

func (t neoTx) collect(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func (t neoTx) GetNode(ctx context.Context, id string) (model.Node, error) {
	recs, err := t.collect(ctx, cypherGetNode, map[string]any{"id": id})
	if err != nil {
		return model.Node{}, fmt.Errorf("get node %q: %w", id, err)
	}
	if len(recs) == 0 {
		return model.Node{}, model.NotFoundf("node %q", id)
	}
	return recordNode(recs[0])
}

func (t neoTx) GetNodes(ctx context.Context, filter Filter) ([]model.Node, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	recs, err := t.collect(ctx, cypherNodes, map[string]any{"type": filter.Type})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]model.Node, 0, len(recs))
	for _, rec := range recs {
		node, err := recordNode(rec)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	sortNodes(nodes)
	return filter.apply(nodes), nil
}

func (t neoTx) AllNodes(ctx context.Context) ([]model.Node, error) {
	return t.GetNodes(ctx, Filter{})
}

func (t neoTx) AllEdges(ctx context.Context) ([]model.Edge, error) {
	recs, err := t.collect(ctx, cypherEdges, nil)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	edges := make([]model.Edge, 0, len(recs))
	for _, rec := range recs {
		e := model.Edge{
			Source: recordString(rec, "source"),
			Target: recordString(rec, "target"),
			Type:   recordString(rec, "type"),
		}
		raw, _ := rec.Get("props")
		if e.Properties, err = decodeProps(raw); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", e.Key(), err)
		}
		edges = append(edges, e)
	}
	sortEdges(edges)
	return edges, nil
}

func (t neoTx) UpsertNode(ctx context.Context, node model.Node) (bool, error) {
	nn, err := node.Normalized()
	if err != nil {
		return false, err
	}
	props, err := encodeProps(nn.Properties)
	if err != nil {
		return false, fmt.Errorf("encode node %q: %w", nn.ID, err)
	}
	recs, err := t.collect(ctx, cypherUpsertNode, map[string]any{
		"id": nn.ID, "name": nn.Name, "type": nn.Type, "props": props,
	})
	if err != nil {
		return false, fmt.Errorf("upsert node %q: %w", nn.ID, err)
	}
	t.n.generation.Add(1)
	created := false
	if len(recs) > 0 {
		v, _ := recs[0].Get("created")
		created, _ = v.(bool)
	}
	return created, nil
}

func (t neoTx) UpsertEdge(ctx context.Context, edge model.Edge) (bool, error) {
	e, err := edge.Normalized()
	if err != nil {
		return false, err
	}
	key := e.Key()

	ids := []any{e.Source}
	if e.Target != e.Source {
		ids = append(ids, e.Target)
	}
	recs, err := t.collect(ctx, cypherPresent, map[string]any{"ids": ids})
	if err != nil {
		return false, fmt.Errorf("upsert edge %s: %w", key, err)
	}
	var missing []string
	for _, rec := range recs {
		if v, _ := rec.Get("present"); v != true {
			missing = append(missing, recordString(rec, "id"))
		}
	}
	if len(missing) > 0 {
		return false, &model.DanglingReferenceError{Edge: key, Missing: missing}
	}

	props, err := encodeProps(e.Properties)
	if err != nil {
		return false, fmt.Errorf("encode edge %s: %w", key, err)
	}
	recs, err = t.collect(ctx, cypherUpsertEdge, map[string]any{
		"source": e.Source, "target": e.Target, "type": e.Type, "props": props,
	})
	if err != nil {
		return false, fmt.Errorf("upsert edge %s: %w", key, err)
	}
	t.n.generation.Add(1)
	created := false
	if len(recs) > 0 {
		v, _ := recs[0].Get("created")
		created, _ = v.(bool)
	}
	return created, nil
}

func (t neoTx) DeleteNode(ctx context.Context, id string) (DeleteResult, error) {
	recs, err := t.collect(ctx, cypherDeleteNode, map[string]any{"id": id})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete node %q: %w", id, err)
	}
	if len(recs) == 0 {
		return DeleteResult{}, nil
	}
	v, _ := recs[0].Get("edges")
	edges, _ := v.(int64)
	t.n.generation.Add(1)
	return DeleteResult{Existed: true, EdgesRemoved: int(edges)}, nil
}

func (t neoTx) DeleteEdge(ctx context.Context, key model.EdgeKey) (bool, error) {
	recs, err := t.collect(ctx, cypherDeleteEdge, map[string]any{
		"source": key.Source, "target": key.Target, "type": key.Type,
	})
	if err != nil {
		return false, fmt.Errorf("delete edge %s: %w", key, err)
	}
	if len(recs) == 0 {
		return false, nil
	}
	v, _ := recs[0].Get("removed")
	removed, _ := v.(int64)
	if removed > 0 {
		t.n.generation.Add(1)
	}
	return removed > 0, nil
}

func (n *Neo4j) read(ctx context.Context, fn func(tx neoTx) error) error {
	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(neoTx{n: n, tx: tx})
	})
	return err
}

// Update runs fn in one explicit write transaction, committed when fn
// returns nil and rolled back otherwise.
func (n *Neo4j) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", model.ErrBackendUnavailable, err)
	}
	defer tx.Close(ctx)

	if err := fn(neoTx{n: n, tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (n *Neo4j) GetNode(ctx context.Context, id string) (node model.Node, err error) {
	err = n.read(ctx, func(tx neoTx) error {
		node, err = tx.GetNode(ctx, id)
		return err
	})
	return node, err
}

func (n *Neo4j) GetNodes(ctx context.Context, filter Filter) (nodes []model.Node, err error) {
	err = n.read(ctx, func(tx neoTx) error {
		nodes, err = tx.GetNodes(ctx, filter)
		return err
	})
	return nodes, err
}

func (n *Neo4j) AllNodes(ctx context.Context) (nodes []model.Node, err error) {
	err = n.read(ctx, func(tx neoTx) error {
		nodes, err = tx.AllNodes(ctx)
		return err
	})
	return nodes, err
}

func (n *Neo4j) AllEdges(ctx context.Context) (edges []model.Edge, err error) {
	err = n.read(ctx, func(tx neoTx) error {
		edges, err = tx.AllEdges(ctx)
		return err
	})
	return edges, err
}

func (n *Neo4j) UpsertNode(ctx context.Context, node model.Node) (created bool, err error) {
	err = n.Update(ctx, func(tx Tx) error {
		created, err = tx.UpsertNode(ctx, node)
		return err
	})
	return created, err
}

func (n *Neo4j) UpsertEdge(ctx context.Context, edge model.Edge) (created bool, err error) {
	err = n.Update(ctx, func(tx Tx) error {
		created, err = tx.UpsertEdge(ctx, edge)
		return err
	})
	return created, err
}

func (n *Neo4j) DeleteNode(ctx context.Context, id string) (res DeleteResult, err error) {
	err = n.Update(ctx, func(tx Tx) error {
		res, err = tx.DeleteNode(ctx, id)
		return err
	})
	return res, err
}

func (n *Neo4j) DeleteEdge(ctx context.Context, key model.EdgeKey) (existed bool, err error) {
	err = n.Update(ctx, func(tx Tx) error {
		existed, err = tx.DeleteEdge(ctx, key)
		return err
	})
	return existed, err
}

func (n *Neo4j) Snapshot(ctx context.Context) (*Snapshot, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var nodes []model.Node
	var edges []model.Edge
	err := n.read(ctx, func(tx neoTx) error {
		var err error
		if nodes, err = tx.AllNodes(ctx); err != nil {
			return err
		}
		edges, err = tx.AllEdges(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{Graph: graphFrom(nodes, edges), Generation: n.generation.Load()}, nil
}

func (n *Neo4j) Clear(ctx context.Context) error {
	return n.Update(ctx, func(tx Tx) error {
		if _, err := tx.(neoTx).collect(ctx, cypherClear, nil); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		n.generation.Add(1)
		return nil
	})
}

// Persist is a connectivity check; neo4j commits every transaction.
func (n *Neo4j) Persist(ctx context.Context) error {
	if err := n.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	return nil
}

// Restore is a connectivity check; data lives in the server.
func (n *Neo4j) Restore(ctx context.Context) error {
	return n.Persist(ctx)
}
