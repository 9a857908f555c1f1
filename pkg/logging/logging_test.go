package logging

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.With("component", "badger").Info("opened store", "path", "/tmp/x y", "nodes", 3)

	line := buf.String()
	assert.Contains(t, line, "[INFO]  ")
	assert.Contains(t, line, "badger: opened store |")
	assert.Contains(t, line, `path="/tmp/x y"`)
	assert.Contains(t, line, "nodes=3")
}

func TestCompactHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewCompactHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN]  ")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("trace")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: slog.LevelInfo, Writer: &buf})
	t.Cleanup(func() { Configure(Options{Level: slog.LevelInfo}) })

	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/nodes/x", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc123", seen)
	assert.Equal(t, "abc123", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), "request rejected")
	assert.Contains(t, buf.String(), "status=404")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
