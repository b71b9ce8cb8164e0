// handlers_health.go - Health check handlers
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/kv"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	store   kv.Store
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	KV      string `json:"kv,omitempty"`
}

// NewHealthHandler creates a health handler. A nil store skips the
// metadata check.
func NewHealthHandler(version string, store kv.Store) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		store:   store,
	}
}

// HandleHealth reports ok, or 503 when the metadata store does not answer
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Version: h.version}
	if h.store == nil {
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()
	if err := kv.Ping(ctx, h.store); err != nil {
		slog.Warn("health check: kv unreachable", "error", err)
		resp.Status = "degraded"
		resp.KV = "unreachable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.KV = "ok"
	return c.JSON(http.StatusOK, resp)
}
