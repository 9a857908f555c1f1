package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

// health is the /health response.
type health struct {
	Status     string `json:"status"`
	Backend    string `json:"backend"`
	Degraded   bool   `json:"degraded"`
	Generation uint64 `json:"generation"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:     "ok",
		Backend:    string(s.backend.Kind()),
		Degraded:   s.degraded,
		Generation: s.backend.Generation(),
	}
	if s.degraded {
		h.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, h)
}

// queryOptions reads depth, edge_types and mode from the query string.
func queryOptions(r *http.Request) ([]query.Option, error) {
	q := r.URL.Query()
	var opts []query.Option
	if v := q.Get("depth"); v != "" {
		depth, err := strconv.Atoi(v)
		if err != nil {
			return nil, model.InvalidArgumentf("depth must be an integer, got %q", v)
		}
		opts = append(opts, query.WithMaxDepth(depth))
	}
	if v := q.Get("edge_types"); v != "" {
		opts = append(opts, query.WithEdgeTypes(strings.Split(v, ",")...))
	}
	if v := q.Get("mode"); v != "" {
		mode, err := query.ParsePathMode(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, query.WithPathMode(mode))
	}
	return opts, nil
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.Filter{
		Type:        q.Get("type"),
		Team:        q.Get("team"),
		Environment: q.Get("environment"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, model.InvalidArgumentf("limit must be an integer, got %q", v))
			return
		}
		filter.Limit = limit
	}
	nodes, err := s.engine.GetNodes(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []model.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.engine.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.backend.DeleteNode(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Existed {
		s.writeError(w, r, model.NotFoundf("node %q", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownstream(w http.ResponseWriter, r *http.Request) {
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.engine.Downstream(r.Context(), mux.Vars(r)["id"], opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpstream(w http.ResponseWriter, r *http.Request) {
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.engine.Upstream(r.Context(), mux.Vars(r)["id"], opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	br, err := s.engine.BlastRadius(r.Context(), mux.Vars(r)["id"], opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, br)
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := s.engine.GetOwner(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeError(w, r, model.InvalidArgumentf("from and to are required"))
		return
	}
	opts, err := queryOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.Path(r.Context(), from, to, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, model.InvalidArgumentf("read body: %v", err))
		return
	}
	ext := ".json"
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		ext = ".yaml"
	}
	batch, err := ingest.DecodeBatch(data, ext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.gate.Apply(r.Context(), batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// pruneRequest lists the node ids and edges a source still reports.
type pruneRequest struct {
	Keep      []string        `json:"keep"`
	KeepEdges []model.EdgeKey `json:"keep_edges"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, r, model.InvalidArgumentf("decode prune request: %v", err))
		return
	}
	res, err := s.gate.PruneSource(r.Context(), mux.Vars(r)["source"], ingest.Keep{
		Nodes: req.Keep,
		Edges: req.KeepEdges,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := storage.Export(r.Context(), s.backend, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	stats, err := storage.Import(r.Context(), s.backend, http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.engine.Cycles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}
