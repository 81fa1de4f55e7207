package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"retell-proxy-go/internal/config"
)

// Version is the build version, injected by fx.
type Version string

// statusResponse describes the running policy. It says whether a credential
// is configured, never what it is.
type statusResponse struct {
	Status               string `json:"status"`
	Version              string `json:"version"`
	UpstreamURL          string `json:"upstream_url"`
	CORSMode             string `json:"cors_mode"`
	CredentialConfigured bool   `json:"credential_configured"`
	ExposeErrorDetails   bool   `json:"expose_error_details"`
	PassthroughBody      bool   `json:"passthrough_upstream_body"`
	RateLimited          bool   `json:"rate_limited"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
}

// HealthHandler serves the liveness and status endpoints.
type HealthHandler struct {
	status  statusResponse
	started time.Time
	now     func() time.Time
}

// NewHealthHandler snapshots the policy in cfg; later config changes are not reflected.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{
		status: statusResponse{
			Status:               "ok",
			Version:              string(v),
			UpstreamURL:          cfg.Upstream.BaseURL,
			CORSMode:             cfg.CORS.Mode,
			CredentialConfigured: cfg.Retell.APIKey != "",
			ExposeErrorDetails:   cfg.Security.ExposeErrorDetails,
			PassthroughBody:      cfg.Security.PassthroughUpstreamBody,
			RateLimited:          cfg.Server.RateLimit.Enabled,
		},
		started: time.Now(),
		now:     time.Now,
	}
}

// Healthz answers liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports version, upstream and policy.
func (h *HealthHandler) Status(c echo.Context) error {
	s := h.status
	s.UptimeSeconds = int64(h.now().Sub(h.started).Seconds())
	return c.JSON(http.StatusOK, s)
}
