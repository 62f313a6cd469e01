package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
)

func TestHealthEndpoints(t *testing.T) {
	cfg := workerTestConfig()
	cfg.OutDir = t.TempDir()
	cfg.Model = config.ModelConfig{Backend: "static", Dir: t.TempDir()}
	server, err := NewServer(cfg, poolLogger())
	require.NoError(t, err)

	h := newHealthServer("127.0.0.1:0", server, poolLogger())

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report healthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	assert.NotEmpty(t, report.Version)
	assert.Positive(t, report.Process.NumGoroutine)
	assert.Empty(t, report.Server.Models, "nothing loaded yet")
}
