package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"iptv-relay/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	relay   *service.RelayService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(relay *service.RelayService, v Version) *HealthHandler {
	return &HealthHandler{relay: relay, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        string(h.version),
		"relay_path":     h.relay.RelayPath(),
		"active_streams": h.relay.ActiveStreams(),
	})
}
