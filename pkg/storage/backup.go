package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ritzau/infragraph/pkg/model"
)

// ImportStats counts what Import wrote.
type ImportStats struct {
	Nodes   int `json:"nodes"`
	Edges   int `json:"edges"`
	Dropped int `json:"dropped"`
}

// Export writes a consistent snapshot of backend as graph JSON.
func Export(ctx context.Context, backend Backend, w io.Writer) error {
	snap, err := backend.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap.Graph); err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	return nil
}

// Import upserts every node and edge of a graph JSON document in one Update.
// Edges whose endpoints are in neither the document nor the backend are
// skipped and counted as dropped. Existing data is kept.
func Import(ctx context.Context, backend Backend, r io.Reader) (ImportStats, error) {
	g := model.NewGraph()
	if err := json.NewDecoder(r).Decode(g); err != nil {
		return ImportStats{}, model.InvalidArgumentf("decode graph: %v", err)
	}

	var stats ImportStats
	err := backend.Update(ctx, func(tx Tx) error {
		stats = ImportStats{}
		for _, n := range g.SortedNodes() {
			if _, err := tx.UpsertNode(ctx, *n); err != nil {
				return fmt.Errorf("import node %q: %w", n.ID, err)
			}
			stats.Nodes++
		}
		for _, e := range g.SortedEdges() {
			_, err := tx.UpsertEdge(ctx, *e)
			switch {
			case err == nil:
				stats.Edges++
			case errors.Is(err, model.ErrDanglingReference):
				stats.Dropped++
			default:
				return fmt.Errorf("import edge %s: %w", e.Key(), err)
			}
		}
		return nil
	})
	return stats, err
}
