// Package handler implements the admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"zotero-wsl-proxy/internal/config"
	"zotero-wsl-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	relay   *service.RelayService
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.RelayService) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, relay: svc}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	ListenAddr        string `json:"listen_addr"`
	UpstreamAddr      string `json:"upstream_addr"`
	UpstreamReachable bool   `json:"upstream_reachable"`
	LogRequests       bool   `json:"log_requests"`
}

// Status returns relay status, probing the upstream health-check path.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:            "ok",
		Version:           string(h.version),
		ListenAddr:        h.cfg.Server.Addr(),
		UpstreamAddr:      h.relay.UpstreamAddr(),
		UpstreamReachable: h.relay.UpstreamAlive(c.Request().Context()),
		LogRequests:       h.cfg.Relay.LogRequests,
	})
}
