package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/neeiz/neeiz/internal/api/middleware"
	"github.com/neeiz/neeiz/internal/api/response"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable. *pgxpool.Pool and
// *avatar.Mirror satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles the GET /health endpoint.
type HealthHandler struct {
	db      Pinger
	storage Pinger
	version string
}

// NewHealthHandler creates a new HealthHandler. storage may be nil when
// picture mirroring is disabled.
func NewHealthHandler(db, storage Pinger, version string) *HealthHandler {
	return &HealthHandler{
		db:      db,
		storage: storage,
		version: version,
	}
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthData struct {
	Status   string           `json:"status"`
	Version  string           `json:"version"`
	Database dependencyStatus `json:"database"`
	Storage  dependencyStatus `json:"storage"`
}

// ServeHTTP handles the health check request. An unreachable database makes
// the service unavailable; unreachable storage only degrades it.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	data := healthData{
		Status:   "healthy",
		Version:  h.version,
		Database: check(r.Context(), "database", h.db),
		Storage:  check(r.Context(), "storage", h.storage),
	}

	status := http.StatusOK
	switch {
	case data.Database.Status != "up":
		data.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case data.Storage.Status == "down":
		data.Status = "degraded"
	}

	response.Success(w, status, data, requestID)
}

func check(ctx context.Context, name string, p Pinger) dependencyStatus {
	if p == nil {
		return dependencyStatus{Status: "disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		slog.Warn("health check failed", "dependency", name, "error", err)
		return dependencyStatus{Status: "down", Error: err.Error()}
	}
	return dependencyStatus{Status: "up"}
}
