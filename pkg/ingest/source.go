package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ritzau/infragraph/pkg/model"
)

// Source produces batches for the gate. Connectors for compose files,
// manifests or team rosters implement it outside this module.
type Source interface {
	// Name identifies the source; it doubles as the default batch source.
	Name() string

	// Load reads the source and returns its batch.
	Load(ctx context.Context) (Batch, error)
}

// FileSource reads a batch document in YAML or JSON:
//
//	source: compose
//	nodes:
//	  - {type: service, name: api}
//	edges:
//	  - {source: "service:api", target: "service:orders", type: depends_on}
//
// Nodes without an id get "{type}:{name}".
type FileSource struct {
	Path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Name() string {
	base := filepath.Base(s.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *FileSource) Load(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Batch{}, fmt.Errorf("read %s: %w", s.Path, err)
	}
	batch, err := DecodeBatch(data, filepath.Ext(s.Path))
	if err != nil {
		return Batch{}, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return batch, nil
}

// DecodeBatch parses a batch document. ext selects JSON for ".json"; any
// other extension is read as YAML.
func DecodeBatch(data []byte, ext string) (Batch, error) {
	var batch Batch
	if strings.EqualFold(ext, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&batch); err != nil {
			return Batch{}, model.InvalidArgumentf("%v", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&batch); err != nil && !errors.Is(err, io.EOF) {
			return Batch{}, model.InvalidArgumentf("%v", err)
		}
	}
	for i := range batch.Nodes {
		n := &batch.Nodes[i]
		if n.ID == "" && n.Type != "" && n.Name != "" {
			n.ID = model.NodeID(n.Type, n.Name)
		}
	}
	return batch, nil
}
