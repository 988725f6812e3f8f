package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/expvisor/internal/errors"
	"github.com/3leaps/expvisor/internal/server/handlers"
	"github.com/3leaps/expvisor/pkg/access"
	"github.com/3leaps/expvisor/pkg/resultns"
	"github.com/3leaps/expvisor/pkg/statestore"
	"github.com/3leaps/expvisor/pkg/supervisor"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServer_NotFound(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/version", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
	}
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0, WithMetrics(true))

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			// /metrics answers 503 until the registry is initialized.
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, rec.Code)
			assert.NotEqual(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestServer_OptionalRoutesOffByDefault(t *testing.T) {
	srv := New("127.0.0.1", 0)
	for _, path := range []string{"/metrics", "/debug/pprof/", "/v1/experiments"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	New("127.0.0.1", 0, WithPprof(true)).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ExperimentsAPIMounted(t *testing.T) {
	dir := t.TempDir()
	sup := supervisor.New(
		statestore.New(filepath.Join(dir, "experiments"), statestore.Options{}),
		resultns.New(filepath.Join(dir, "results")),
		nil,
		supervisor.Config{},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	api := handlers.NewExperimentsAPI(sup, access.NewPolicy(nil), false, nil)
	srv := New("127.0.0.1", 0, WithExperimentsAPI(api))

	req := httptest.NewRequest(http.MethodGet, "/v1/experiments", nil)
	req.Header.Set(handlers.PrincipalHeader, "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"count":0`)

	// Validation errors go through the shared envelope.
	tpl := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(tpl, []byte("x"), 0644))
	req = httptest.NewRequest(http.MethodPost, "/v1/experiments", strings.NewReader(`{"template_ref":"`+tpl+`","mode":"test"}`))
	req.Header.Set(handlers.PrincipalHeader, "alice")
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "VALIDATION", body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	assert.NoError(t, New("127.0.0.1", 0).Shutdown(context.Background()))
}
