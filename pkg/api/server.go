// Package api exposes the query engine and the ingestion gate over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

// maxBodyBytes bounds request bodies for batch and import uploads.
const maxBodyBytes = 64 << 20

// Server represents the web server
type Server struct {
	router   *mux.Router
	backend  storage.Backend
	engine   *query.Engine
	gate     *ingest.Gate
	degraded bool
	logger   *slog.Logger
}

// Options carries the server's collaborators.
type Options struct {
	Backend storage.Backend
	Engine  *query.Engine
	Gate    *ingest.Gate
	// Degraded is reported by /health when the backend is a memory fallback.
	Degraded bool
}

// NewServer creates a new web server
func NewServer(opts Options) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		backend:  opts.Backend,
		engine:   opts.Engine,
		gate:     opts.Gate,
		degraded: opts.Degraded,
		logger:   logging.New("api"),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return logging.RequestIDMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	s.router.Use(metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	// More specific routes must come first
	api.HandleFunc("/nodes", s.handleNodes).Methods("GET")
	api.HandleFunc("/nodes/{id}/downstream", s.handleDownstream).Methods("GET")
	api.HandleFunc("/nodes/{id}/upstream", s.handleUpstream).Methods("GET")
	api.HandleFunc("/nodes/{id}/blast-radius", s.handleBlastRadius).Methods("GET")
	api.HandleFunc("/nodes/{id}/owner", s.handleOwner).Methods("GET")
	api.HandleFunc("/nodes/{id}", s.handleNode).Methods("GET")
	api.HandleFunc("/nodes/{id}", s.handleDeleteNode).Methods("DELETE")
	api.HandleFunc("/path", s.handlePath).Methods("GET")
	api.HandleFunc("/batches", s.handleBatch).Methods("POST")
	api.HandleFunc("/sources/{source}/prune", s.handlePrune).Methods("POST")
	api.HandleFunc("/graph", s.handleExport).Methods("GET")
	api.HandleFunc("/graph", s.handleImport).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/cycles", s.handleCycles).Methods("GET")
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting web server", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down web server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// metricsMiddleware counts responses by route template.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTP(route, sw.code)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrDanglingReference):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	var nf *query.NotFoundError
	if errors.As(err, &nf) {
		body.Suggestions = nf.Suggestions
	}
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request error", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
