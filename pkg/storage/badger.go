package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/model"
)

// BadgerConfig configures the embedded badger store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps the database off disk. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio before a value log is rewritten.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns the production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

const (
	nodePrefix    = "n/"
	edgePrefix    = "e/"
	reversePrefix = "r/"
	keySep        = "\x00"
)

func nodeKey(id string) []byte { return []byte(nodePrefix + id) }

func edgeKey(k model.EdgeKey) []byte {
	return []byte(edgePrefix + k.Source + keySep + k.Target + keySep + k.Type)
}

func reverseKey(k model.EdgeKey) []byte {
	return []byte(reversePrefix + k.Target + keySep + k.Source + keySep + k.Type)
}

func parseEdgeKey(key []byte) (model.EdgeKey, bool) {
	s := string(key)
	reverse := strings.HasPrefix(s, reversePrefix)
	if !reverse && !strings.HasPrefix(s, edgePrefix) {
		return model.EdgeKey{}, false
	}
	parts := strings.Split(s[2:], keySep)
	if len(parts) != 3 {
		return model.EdgeKey{}, false
	}
	if reverse {
		return model.EdgeKey{Source: parts[1], Target: parts[0], Type: parts[2]}, true
	}
	return model.EdgeKey{Source: parts[0], Target: parts[1], Type: parts[2]}, true
}

func checkKeyPart(what, s string) error {
	if strings.Contains(s, keySep) {
		return model.InvalidArgumentf("%s %q contains a NUL byte", what, s)
	}
	return nil
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Log(context.Background(), logging.LevelTrace, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Badger stores the graph in an embedded badger database. Every mutation is
// committed in a badger transaction.
type Badger struct {
	db     *badgerdb.DB
	gc     *gcRunner
	cfg    BadgerConfig
	logger *slog.Logger

	// mu serializes writers and makes Snapshot exclusive with Update.
	mu         sync.RWMutex
	generation atomic.Uint64
}

// OpenBadger opens or creates a badger store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent database")
	}
	logger := logging.New("badger")

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{db: db, cfg: cfg, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		b.gc.start()
	}
	logger.Info("opened badger store", "path", cfg.Path, "in_memory", cfg.InMemory)
	return b, nil
}

func (b *Badger) Kind() Kind { return KindBadger }

func (b *Badger) Generation() uint64 { return b.generation.Load() }

// Close stops GC and closes the database.
func (b *Badger) Close() error {
	if b.gc != nil {
		b.gc.stop()
	}
	return b.db.Close()
}

// badgerTx wraps one badger transaction. Writes roll over to a fresh
// transaction when the current one grows too big.
type badgerTx struct {
	b   *Badger
	txn *badgerdb.Txn
}

func (t *badgerTx) set(key, val []byte) error {
	err := t.txn.Set(key, val)
	if errors.Is(err, badgerdb.ErrTxnTooBig) {
		if err := t.rollover(); err != nil {
			return err
		}
		err = t.txn.Set(key, val)
	}
	return err
}

func (t *badgerTx) delete(key []byte) error {
	err := t.txn.Delete(key)
	if errors.Is(err, badgerdb.ErrTxnTooBig) {
		if err := t.rollover(); err != nil {
			return err
		}
		err = t.txn.Delete(key)
	}
	return err
}

func (t *badgerTx) rollover() error {
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit partial transaction: %w", err)
	}
	t.b.logger.Debug("badger transaction rolled over")
	t.txn = t.b.db.NewTransaction(true)
	return nil
}

func (t *badgerTx) exists(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *badgerTx) keys(prefix []byte) ([][]byte, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out, nil
}

func decodeInto[T any](item *badgerdb.Item) (T, error) {
	var v T
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	return v, err
}

func (t *badgerTx) GetNode(ctx context.Context, id string) (model.Node, error) {
	if err := ctx.Err(); err != nil {
		return model.Node{}, err
	}
	item, err := t.txn.Get(nodeKey(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return model.Node{}, model.NotFoundf("node %q", id)
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("get node %q: %w", id, err)
	}
	return decodeInto[model.Node](item)
}

func (t *badgerTx) scanNodes(ctx context.Context, filter Filter) ([]model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(nodePrefix)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []model.Node
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n, err := decodeInto[model.Node](it.Item())
		if err != nil {
			return nil, fmt.Errorf("decode node %s: %w", it.Item().Key(), err)
		}
		if !filter.Matches(n) {
			continue
		}
		out = append(out, n)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *badgerTx) GetNodes(ctx context.Context, filter Filter) ([]model.Node, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return t.scanNodes(ctx, filter)
}

func (t *badgerTx) AllNodes(ctx context.Context) ([]model.Node, error) {
	return t.scanNodes(ctx, Filter{})
}

func (t *badgerTx) AllEdges(ctx context.Context) ([]model.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(edgePrefix)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []model.Edge
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		e, err := decodeInto[model.Edge](it.Item())
		if err != nil {
			return nil, fmt.Errorf("decode edge %q: %w", it.Item().Key(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (t *badgerTx) UpsertNode(ctx context.Context, node model.Node) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := node.Normalized()
	if err != nil {
		return false, err
	}
	if err := checkKeyPart("node id", n.ID); err != nil {
		return false, err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("encode node %q: %w", n.ID, err)
	}
	key := nodeKey(n.ID)
	existed, err := t.exists(key)
	if err != nil {
		return false, fmt.Errorf("upsert node %q: %w", n.ID, err)
	}
	if err := t.set(key, data); err != nil {
		return false, fmt.Errorf("upsert node %q: %w", n.ID, err)
	}
	t.b.generation.Add(1)
	return !existed, nil
}

func (t *badgerTx) UpsertEdge(ctx context.Context, edge model.Edge) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e, err := edge.Normalized()
	if err != nil {
		return false, err
	}
	key := e.Key()
	if err := checkKeyPart("edge type", e.Type); err != nil {
		return false, err
	}

	var missing []string
	for _, id := range []string{e.Source, e.Target} {
		if len(missing) == 1 && missing[0] == id {
			continue
		}
		ok, err := t.exists(nodeKey(id))
		if err != nil {
			return false, fmt.Errorf("upsert edge %s: %w", key, err)
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return false, &model.DanglingReferenceError{Edge: key, Missing: missing}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode edge %s: %w", key, err)
	}
	existed, err := t.exists(edgeKey(key))
	if err != nil {
		return false, fmt.Errorf("upsert edge %s: %w", key, err)
	}
	if err := t.set(edgeKey(key), data); err != nil {
		return false, fmt.Errorf("upsert edge %s: %w", key, err)
	}
	if err := t.set(reverseKey(key), nil); err != nil {
		return false, fmt.Errorf("upsert edge %s: %w", key, err)
	}
	t.b.generation.Add(1)
	return !existed, nil
}

func (t *badgerTx) removeEdge(key model.EdgeKey) error {
	if err := t.delete(edgeKey(key)); err != nil {
		return err
	}
	return t.delete(reverseKey(key))
}

func (t *badgerTx) DeleteNode(ctx context.Context, id string) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return DeleteResult{}, err
	}
	existed, err := t.exists(nodeKey(id))
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete node %q: %w", id, err)
	}
	if !existed {
		return DeleteResult{}, nil
	}

	touching := make(map[model.EdgeKey]struct{})
	for _, prefix := range []string{edgePrefix, reversePrefix} {
		raw, err := t.keys([]byte(prefix + id + keySep))
		if err != nil {
			return DeleteResult{}, fmt.Errorf("delete node %q: %w", id, err)
		}
		for _, k := range raw {
			if ek, ok := parseEdgeKey(k); ok {
				touching[ek] = struct{}{}
			}
		}
	}
	for ek := range touching {
		if err := t.removeEdge(ek); err != nil {
			return DeleteResult{}, fmt.Errorf("delete node %q: remove edge %s: %w", id, ek, err)
		}
	}
	if err := t.delete(nodeKey(id)); err != nil {
		return DeleteResult{}, fmt.Errorf("delete node %q: %w", id, err)
	}
	t.b.generation.Add(1)
	return DeleteResult{Existed: true, EdgesRemoved: len(touching)}, nil
}

func (t *badgerTx) DeleteEdge(ctx context.Context, key model.EdgeKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed, err := t.exists(edgeKey(key))
	if err != nil || !existed {
		return false, err
	}
	if err := t.removeEdge(key); err != nil {
		return false, fmt.Errorf("delete edge %s: %w", key, err)
	}
	t.b.generation.Add(1)
	return true, nil
}

func (b *Badger) view(fn func(tx *badgerTx) error) error {
	txn := b.db.NewTransaction(false)
	defer txn.Discard()
	return fn(&badgerTx{b: b, txn: txn})
}

// Update runs fn in one write transaction. Batches too large for a single
// badger transaction are committed in several pieces.
func (b *Badger) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &badgerTx{b: b, txn: b.db.NewTransaction(true)}
	defer func() { tx.txn.Discard() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *Badger) GetNode(ctx context.Context, id string) (n model.Node, err error) {
	err = b.view(func(tx *badgerTx) error {
		n, err = tx.GetNode(ctx, id)
		return err
	})
	return n, err
}

func (b *Badger) GetNodes(ctx context.Context, filter Filter) (nodes []model.Node, err error) {
	err = b.view(func(tx *badgerTx) error {
		nodes, err = tx.GetNodes(ctx, filter)
		return err
	})
	return nodes, err
}

func (b *Badger) AllNodes(ctx context.Context) (nodes []model.Node, err error) {
	err = b.view(func(tx *badgerTx) error {
		nodes, err = tx.AllNodes(ctx)
		return err
	})
	return nodes, err
}

func (b *Badger) AllEdges(ctx context.Context) (edges []model.Edge, err error) {
	err = b.view(func(tx *badgerTx) error {
		edges, err = tx.AllEdges(ctx)
		return err
	})
	return edges, err
}

func (b *Badger) UpsertNode(ctx context.Context, node model.Node) (created bool, err error) {
	err = b.Update(ctx, func(tx Tx) error {
		created, err = tx.UpsertNode(ctx, node)
		return err
	})
	return created, err
}

func (b *Badger) UpsertEdge(ctx context.Context, edge model.Edge) (created bool, err error) {
	err = b.Update(ctx, func(tx Tx) error {
		created, err = tx.UpsertEdge(ctx, edge)
		return err
	})
	return created, err
}

func (b *Badger) DeleteNode(ctx context.Context, id string) (res DeleteResult, err error) {
	err = b.Update(ctx, func(tx Tx) error {
		res, err = tx.DeleteNode(ctx, id)
		return err
	})
	return res, err
}

func (b *Badger) DeleteEdge(ctx context.Context, key model.EdgeKey) (existed bool, err error) {
	err = b.Update(ctx, func(tx Tx) error {
		existed, err = tx.DeleteEdge(ctx, key)
		return err
	})
	return existed, err
}

func (b *Badger) Snapshot(ctx context.Context) (*Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var nodes []model.Node
	var edges []model.Edge
	err := b.view(func(tx *badgerTx) error {
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
	return &Snapshot{Graph: graphFrom(nodes, edges), Generation: b.generation.Load()}, nil
}

func (b *Badger) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	b.generation.Add(1)
	return nil
}

// Persist flushes pending writes to disk. Commits are already durable when
// SyncWrites is set.
func (b *Badger) Persist(context.Context) error {
	if b.cfg.InMemory {
		return nil
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("sync badger: %w", err)
	}
	return nil
}

// Restore checks that the store is readable. Data is loaded lazily.
func (b *Badger) Restore(ctx context.Context) error {
	count := 0
	err := b.view(func(tx *badgerTx) error {
		keys, err := tx.keys([]byte(nodePrefix))
		count = len(keys)
		return err
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	b.logger.InfoContext(ctx, "badger store ready", "nodes", count)
	return nil
}

// gcRunner periodically triggers value log GC.
type gcRunner struct {
	db       *badgerdb.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newGCRunner(db *badgerdb.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	r.once.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// ErrNoRewrite means there was nothing worth collecting.
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.logger.Debug("badger value log GC completed")
	case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
	default:
		r.logger.Warn("badger value log GC failed", "error", err)
	}
}
