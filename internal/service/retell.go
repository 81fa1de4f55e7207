// Package service implements the request dispatch to the Retell API.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/tidwall/gjson"

	"retell-proxy-go/internal/client"
	"retell-proxy-go/internal/config"
	"retell-proxy-go/internal/model"
)

// ErrMissingCredential is returned when no Retell API key is configured.
var ErrMissingCredential = errors.New("retell.api_key is not configured")

// bearerPattern matches bearer credentials embedded in free text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)

// RedactBearer replaces the token of every bearer credential in s.
func RedactBearer(s string) string {
	return bearerPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.retellai.com": true,
}

// Upstream routes, relative to upstream.base_url.
const (
	RouteChatCompletion = "/create-chat-completion"
	RouteCreateChat     = "/create-chat"
	RouteCreateWebCall  = "/v2/create-web-call"
)

// responseFields lists the upstream fields re-exposed to the caller per request kind.
var responseFields = map[model.Kind][]string{
	model.KindCompletion: {"response", "chat_id"},
	model.KindChat:       {"chat_id", "agent_id"},
	model.KindVoice:      {"call_id", "access_token", "agent_id"},
}

// maxUpstreamBodyBytes caps how much of an upstream response is buffered.
const maxUpstreamBodyBytes = 1 << 20

// timestampLayout matches the millisecond UTC ISO-8601 form Retell metadata uses.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// UpstreamError reports a non-2xx response from the Retell API. Body has
// bearer credentials redacted.
type UpstreamError struct {
	Kind       model.Kind
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("retell %s request failed with status %d", e.Kind, e.StatusCode)
}

type completionPayload struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type sessionPayload struct {
	AgentID  string         `json:"agent_id"`
	Metadata map[string]any `json:"metadata"`
}

// RetellService turns classified requests into upstream calls.
type RetellService struct {
	client  *client.RetellClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
	now     func() time.Time
}

// NewRetellService creates a RetellService.
func NewRetellService(c *client.RetellClient, cfg *config.Config, logger *slog.Logger) (*RetellService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newRetellService(c, cfg, logger, u), nil
}

// NewRetellServiceForTest creates a RetellService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewRetellServiceForTest(c *client.RetellClient, cfg *config.Config, logger *slog.Logger) (*RetellService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return newRetellService(c, cfg, logger, u), nil
}

func newRetellService(c *client.RetellClient, cfg *config.Config, logger *slog.Logger, u *url.URL) *RetellService {
	return &RetellService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "retell_service"),
		baseURL: u,
		now:     time.Now,
	}
}

// CheckCredential returns ErrMissingCredential when the API key is absent.
func (s *RetellService) CheckCredential() error {
	if s.cfg.Retell.APIKey == "" {
		return ErrMissingCredential
	}
	return nil
}

// Dispatch sends req to the matching Retell route and returns the
// client-visible result. Non-2xx upstream responses yield *UpstreamError.
func (s *RetellService) Dispatch(ctx context.Context, req model.Request, clientIP string) (*model.Result, error) {
	if err := s.CheckCredential(); err != nil {
		return nil, err
	}

	route, payload, err := s.buildPayload(req, clientIP)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}

	s.logger.Debug("forwarding request",
		"kind", req.Kind(),
		"route", route,
	)

	resp, err := s.client.PostJSON(ctx, s.routeURL(route), s.upstreamHeader(), body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Upstream may echo request headers back in its error body.
		redacted := RedactBearer(string(data))
		s.logger.Error("upstream error",
			"kind", req.Kind(),
			"status", resp.StatusCode,
			"body", redacted,
		)
		return nil, &UpstreamError{Kind: req.Kind(), StatusCode: resp.StatusCode, Body: redacted}
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode upstream response: invalid JSON from %s", route)
	}

	s.logSuccess(req.Kind(), data)

	if s.cfg.Security.PassthroughUpstreamBody {
		return &model.Result{Kind: req.Kind(), Raw: data}, nil
	}
	return &model.Result{Kind: req.Kind(), Fields: extractFields(req.Kind(), data)}, nil
}

func (s *RetellService) buildPayload(req model.Request, clientIP string) (string, any, error) {
	switch r := req.(type) {
	case model.CompletionRequest:
		return RouteChatCompletion, completionPayload{ChatID: r.ChatID, Message: r.Message}, nil
	case model.ChatSessionRequest:
		return RouteCreateChat, sessionPayload{AgentID: r.AgentID, Metadata: s.enrichMetadata(r.Metadata, clientIP)}, nil
	case model.WebCallRequest:
		return RouteCreateWebCall, sessionPayload{AgentID: r.AgentID, Metadata: s.enrichMetadata(r.Metadata, clientIP)}, nil
	default:
		return "", nil, fmt.Errorf("unsupported request type %T", req)
	}
}

// enrichMetadata copies the caller metadata and stamps the server fields over it.
func (s *RetellService) enrichMetadata(md map[string]any, clientIP string) map[string]any {
	out := make(map[string]any, len(md)+3)
	maps.Copy(out, md)
	out["proxy_timestamp"] = s.now().UTC().Format(timestampLayout)
	out["client_ip"] = clientIP
	out["source"] = s.cfg.Retell.SourceTag
	return out
}

func (s *RetellService) routeURL(route string) string {
	return s.baseURL.JoinPath(route).String()
}

func (s *RetellService) upstreamHeader() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+s.cfg.Retell.APIKey)
	h.Set("User-Agent", s.cfg.Retell.UserAgent)
	h.Set("Accept", "application/json")
	return h
}

func (s *RetellService) logSuccess(kind model.Kind, data []byte) {
	switch kind {
	case model.KindCompletion:
		s.logger.Info("chat completion succeeded", "chat_id", gjson.GetBytes(data, "chat_id").String())
	case model.KindChat:
		s.logger.Info("chat session created", "chat_id", gjson.GetBytes(data, "chat_id").String())
	case model.KindVoice:
		s.logger.Info("web call created", "call_id", gjson.GetBytes(data, "call_id").String())
	}
}

// extractFields returns only the fields re-exposed for kind; absent fields are omitted.
func extractFields(kind model.Kind, data []byte) map[string]any {
	names := responseFields[kind]
	out := make(map[string]any, len(names))
	for i, r := range gjson.GetManyBytes(data, names...) {
		if r.Exists() {
			out[names[i]] = r.Value()
		}
	}
	return out
}
