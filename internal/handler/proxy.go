package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"retell-proxy-go/internal/config"
	"retell-proxy-go/internal/metrics"
	"retell-proxy-go/internal/model"
	"retell-proxy-go/internal/service"
)

// Client-visible error messages. None of them carry upstream or internal detail.
const (
	msgMethodNotAllowed = "Method not allowed"
	msgAgentIDRequired  = "agent_id is required"
	msgInvalidAgentID   = "Invalid agent_id format"
	msgConfigError      = "Server configuration error"
	msgInternalError    = "Internal server error"
	msgChatUnavailable  = "Chat service temporarily unavailable"
	msgVoiceUnavailable = "Voice service temporarily unavailable"
	msgUpstreamAPIError = "Retell API error"
)

// Outcome labels for metrics.ProxyOutcomes.
const (
	kindUnclassified     = "unclassified"
	outcomeOK            = "ok"
	outcomeBadRequest    = "bad_request"
	outcomeBadMethod     = "method_not_allowed"
	outcomeConfigError   = "config_error"
	outcomeUpstreamError = "upstream_error"
	outcomeInternalError = "internal_error"
)

// ProxyHandler relays browser requests to the Retell API.
type ProxyHandler struct {
	service  *service.RetellService
	security config.SecurityConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable outcome counting.
func NewProxyHandler(svc *service.RetellService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		security: cfg.Security,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle validates and classifies a POSTed body, forwards it to the matching
// Retell route and writes the client-safe result. Preflight requests are
// answered by the CORS middleware before they get here.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method != http.MethodPost {
		h.record(kindUnclassified, outcomeBadMethod)
		return c.JSON(http.StatusMethodNotAllowed, errorBody(msgMethodNotAllowed))
	}

	if err := h.service.CheckCredential(); err != nil {
		return h.mapError(c, kindUnclassified, err)
	}

	in, err := decodeInbound(req.Body)
	if err != nil {
		return h.mapError(c, kindUnclassified, fmt.Errorf("decode request body: %w", err))
	}

	classified, err := model.Classify(in)
	if err != nil {
		return h.mapError(c, kindUnclassified, err)
	}
	kind := string(classified.Kind())

	clientIP := c.RealIP()
	h.logInbound(classified, clientIP)

	res, err := h.service.Dispatch(req.Context(), classified, clientIP)
	if err != nil {
		return h.mapError(c, kind, err)
	}

	h.record(kind, outcomeOK)
	if res.Raw != nil {
		return c.JSONBlob(http.StatusOK, res.Raw)
	}
	return c.JSON(http.StatusOK, res.Fields)
}

func (h *ProxyHandler) mapError(c echo.Context, kind string, err error) error {
	switch {
	case errors.Is(err, model.ErrMissingAgentID):
		h.record(kind, outcomeBadRequest)
		return c.JSON(http.StatusBadRequest, errorBody(msgAgentIDRequired))

	case errors.Is(err, model.ErrInvalidAgentID):
		h.record(kind, outcomeBadRequest)
		return c.JSON(http.StatusBadRequest, errorBody(msgInvalidAgentID))

	case errors.Is(err, service.ErrMissingCredential):
		h.record(kind, outcomeConfigError)
		h.logger.Error("RETELL_API_KEY / retell.api_key is not set")
		return c.JSON(http.StatusInternalServerError, errorBody(msgConfigError))
	}

	var upErr *service.UpstreamError
	if errors.As(err, &upErr) {
		// The service has already logged status and body.
		h.record(kind, outcomeUpstreamError)
		if h.security.ExposeErrorDetails {
			return c.JSON(upErr.StatusCode, map[string]any{
				"error":   msgUpstreamAPIError,
				"details": upErr.Body,
			})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"error":       unavailableMessage(upErr.Kind),
			"retry_after": h.security.RetryAfterSeconds,
		})
	}

	h.record(kind, outcomeInternalError)
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"kind", kind,
		"path", c.Request().URL.Path,
	)

	body := map[string]string{"error": msgInternalError}
	if h.security.ExposeErrorDetails {
		body["message"] = sanitizeError(err)
	}
	return c.JSON(http.StatusInternalServerError, body)
}

func (h *ProxyHandler) logInbound(req model.Request, clientIP string) {
	switch r := req.(type) {
	case model.CompletionRequest:
		h.logger.Info("chat completion request", "client_ip", clientIP, "chat_id", r.ChatID)
	case model.ChatSessionRequest:
		h.logger.Info("chat session request", "client_ip", clientIP, "agent_id", r.AgentID)
	case model.WebCallRequest:
		h.logger.Info("web call request", "client_ip", clientIP, "agent_id", r.AgentID)
	}
}

func (h *ProxyHandler) record(kind, outcome string) {
	if h.metrics != nil {
		h.metrics.ProxyOutcomes.WithLabelValues(kind, outcome).Inc()
	}
}

// decodeInbound parses the request body; an empty body is an empty request.
func decodeInbound(body io.Reader) (*model.InboundRequest, error) {
	var in model.InboundRequest
	if body == nil {
		return &in, nil
	}
	if err := json.NewDecoder(body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &in, nil
}

func unavailableMessage(kind model.Kind) string {
	if kind == model.KindVoice {
		return msgVoiceUnavailable
	}
	return msgChatUnavailable
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// sanitizeError redacts bearer credentials from error messages.
func sanitizeError(err error) string {
	return service.RedactBearer(err.Error())
}
