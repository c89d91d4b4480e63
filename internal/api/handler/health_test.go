package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neeiz/neeiz/internal/api/handler"
)

// mockPinger implements handler.Pinger for testing.
type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error {
	return m.err
}

func serveHealth(t *testing.T, h *handler.HealthHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var env map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env["data"].(map[string]any)
}

func TestHealthHandler_Healthy(t *testing.T) {
	// Arrange
	h := handler.NewHealthHandler(&mockPinger{}, &mockPinger{}, "0.1.0")

	// Act
	code, data := serveHealth(t, h)

	// Assert
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "0.1.0", data["version"])
	assert.Equal(t, "up", data["database"].(map[string]any)["status"])
	assert.Equal(t, "up", data["storage"].(map[string]any)["status"])
}

func TestHealthHandler_StorageDownIsDegraded(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{}, &mockPinger{err: errors.New("bucket missing")}, "0.1.0")

	code, data := serveHealth(t, h)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", data["status"])
	storage := data["storage"].(map[string]any)
	assert.Equal(t, "down", storage["status"])
	assert.Equal(t, "bucket missing", storage["error"])
}

func TestHealthHandler_StorageDisabled(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{}, nil, "0.1.0")

	code, data := serveHealth(t, h)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "disabled", data["storage"].(map[string]any)["status"])
}

func TestHealthHandler_DatabaseDownIsUnavailable(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{err: errors.New("connection refused")}, &mockPinger{}, "2.5.0-beta")

	code, data := serveHealth(t, h)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", data["status"])
	assert.Equal(t, "2.5.0-beta", data["version"])
}
