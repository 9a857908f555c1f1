package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/model"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is memory, badger, neo4j or auto. Empty means auto.
	Backend Kind
	// Fallback opens a memory backend when the durable one is unavailable.
	Fallback bool
	// SnapshotPath is the memory backend's Persist/Restore file.
	SnapshotPath string
	Badger       BadgerConfig
	Neo4j        Neo4jConfig
}

// Opened is the result of Open.
type Opened struct {
	Backend Backend
	// Requested is the resolved kind that was asked for.
	Requested Kind
	// Degraded is set when Backend is a memory fallback.
	Degraded bool
	// Cause is why the requested backend could not be used.
	Cause error
}

// Resolve turns auto into a concrete kind: neo4j when a URI is configured,
// badger when a path is configured, memory otherwise.
func (c Config) Resolve() (Kind, error) {
	switch c.Backend {
	case "", KindAuto:
		switch {
		case c.Neo4j.URI != "":
			return KindNeo4j, nil
		case c.Badger.Path != "" || c.Badger.InMemory:
			return KindBadger, nil
		default:
			return KindMemory, nil
		}
	case KindMemory, KindBadger, KindNeo4j:
		return c.Backend, nil
	}
	return "", model.InvalidArgumentf("unknown storage backend %q", c.Backend)
}

// Open creates the configured backend and restores its persisted state. A
// durable backend that cannot be opened yields ErrBackendUnavailable, or a
// memory backend marked Degraded when Fallback is set.
func Open(ctx context.Context, cfg Config) (*Opened, error) {
	kind, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch kind {
	case KindMemory:
		backend = NewMemory(cfg.SnapshotPath)
	case KindBadger:
		backend, err = openBadger(cfg.Badger)
	case KindNeo4j:
		backend, err = openNeo4j(ctx, cfg.Neo4j)
	}
	if err == nil {
		err = backend.Restore(ctx)
		if err != nil {
			_ = backend.Close()
			if kind == KindMemory {
				return nil, fmt.Errorf("restore memory snapshot: %w", err)
			}
			err = fmt.Errorf("%w: %s: %v", model.ErrBackendUnavailable, kind, err)
		}
	}
	if err == nil {
		return &Opened{Backend: backend, Requested: kind}, nil
	}

	if !cfg.Fallback {
		return nil, err
	}
	logging.Warn("storage backend unavailable, running in degraded in-memory mode",
		"backend", string(kind), "error", err)
	mem := NewMemory(cfg.SnapshotPath)
	if rerr := mem.Restore(ctx); rerr != nil {
		logging.Warn("could not restore memory snapshot", "path", cfg.SnapshotPath, "error", rerr)
	}
	return &Opened{Backend: mem, Requested: kind, Degraded: true, Cause: err}, nil
}

func openBadger(cfg BadgerConfig) (Backend, error) {
	b, err := OpenBadger(cfg)
	if err != nil {
		return nil, unavailable(KindBadger, err)
	}
	return b, nil
}

func openNeo4j(ctx context.Context, cfg Neo4jConfig) (Backend, error) {
	n, err := OpenNeo4j(ctx, cfg)
	if err != nil {
		return nil, unavailable(KindNeo4j, err)
	}
	return n, nil
}

func unavailable(kind Kind, err error) error {
	if errors.Is(err, model.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrBackendUnavailable, kind, err)
}
