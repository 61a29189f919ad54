package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"token-proxy-go/internal/config"
	"token-proxy-go/internal/tokencache"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	RedirectURL  string   `json:"redirect_url"`
	Providers    []string `json:"providers"`
	CachedTokens int      `json:"cached_tokens"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	cache   *tokencache.Cache
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, cache *tokencache.Cache, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, cache: cache, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Token values are never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Version:      string(h.version),
		RedirectURL:  h.cfg.RedirectURL,
		Providers:    h.cfg.ProviderIDs(),
		CachedTokens: h.cache.Len(),
	})
}
