package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"retell-proxy-go/internal/client"
	"retell-proxy-go/internal/config"
	"retell-proxy-go/internal/model"
)

const testAgentID = "agent_12345678901234567890"

type recordedCall struct {
	path   string
	header http.Header
	body   map[string]any
}

type recorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *recorder) all() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

// newUpstream starts a fake Retell API that records every call and answers
// with the given status and body.
func newUpstream(t *testing.T, status int, respBody string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recordedCall{path: r.URL.Path, header: r.Header.Clone(), body: body})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestService(t *testing.T, baseURL string, mutate func(*config.Config)) *RetellService {
	t.Helper()
	cfg := &config.Config{
		Retell: config.RetellConfig{
			APIKey:    "key_secret_value",
			UserAgent: "test-proxy/1.0",
			SourceTag: "unit-test",
		},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewRetellServiceForTest(client.NewRetellClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewRetellServiceForTest: %v", err)
	}
	svc.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 890_000_000, time.UTC) }
	return svc
}

func TestNewRetellService_RejectsUnknownHost(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: "https://evil.example.com"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewRetellService(nil, cfg, logger); err == nil {
		t.Fatal("NewRetellService() expected error for non-allowlisted host, got nil")
	}
}

func TestNewRetellService_AllowsRetellHost(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: "https://api.retellai.com"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewRetellService(nil, cfg, logger); err != nil {
		t.Fatalf("NewRetellService() error = %v", err)
	}
}

func TestDispatch_Completion(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{"response":"hi there","chat_id":"chat_1","extra":"hidden"}`)
	svc := newTestService(t, srv.URL, nil)

	res, err := svc.Dispatch(context.Background(), model.CompletionRequest{ChatID: "chat_1", Message: "hello"}, "1.2.3.4")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(calls.all()) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(calls.all()))
	}
	call := calls.all()[0]
	if call.path != RouteChatCompletion {
		t.Errorf("path = %q, want %q", call.path, RouteChatCompletion)
	}
	if len(call.body) != 2 || call.body["chat_id"] != "chat_1" || call.body["message"] != "hello" {
		t.Errorf("body = %v, want exactly chat_id and message", call.body)
	}
	if got := call.header.Get("Authorization"); got != "Bearer key_secret_value" {
		t.Errorf("Authorization = %q", got)
	}
	if got := call.header.Get("User-Agent"); got != "test-proxy/1.0" {
		t.Errorf("User-Agent = %q, want %q", got, "test-proxy/1.0")
	}

	if res.Kind != model.KindCompletion {
		t.Errorf("Kind = %q, want %q", res.Kind, model.KindCompletion)
	}
	if len(res.Fields) != 2 || res.Fields["response"] != "hi there" || res.Fields["chat_id"] != "chat_1" {
		t.Errorf("Fields = %v", res.Fields)
	}
}

func TestDispatch_WebCall(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusCreated,
		`{"call_id":"call_1","access_token":"tok","agent_id":"`+testAgentID+`","call_status":"registered"}`)
	svc := newTestService(t, srv.URL, nil)

	req := model.WebCallRequest{
		AgentID:  testAgentID,
		Metadata: map[string]any{"page": "landing", "source": "spoofed", "client_ip": "6.6.6.6"},
	}
	res, err := svc.Dispatch(context.Background(), req, "1.2.3.4")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	call := calls.all()[0]
	if call.path != RouteCreateWebCall {
		t.Errorf("path = %q, want %q", call.path, RouteCreateWebCall)
	}
	if call.body["agent_id"] != testAgentID {
		t.Errorf("agent_id = %v", call.body["agent_id"])
	}
	md, ok := call.body["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata = %T, want object", call.body["metadata"])
	}
	want := map[string]any{
		"page":            "landing",
		"source":          "unit-test",
		"client_ip":       "1.2.3.4",
		"proxy_timestamp": "2025-03-04T05:06:07.890Z",
	}
	for k, v := range want {
		if md[k] != v {
			t.Errorf("metadata[%q] = %v, want %v", k, md[k], v)
		}
	}

	if len(res.Fields) != 3 {
		t.Errorf("Fields = %v, want call_id, access_token, agent_id", res.Fields)
	}
	if _, ok := res.Fields["call_status"]; ok {
		t.Error("call_status must not be re-exposed")
	}
	if req.Metadata["source"] != "spoofed" {
		t.Error("Dispatch must not mutate the caller's metadata")
	}
}

func TestDispatch_ChatSession(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{"chat_id":"chat_9","agent_id":"`+testAgentID+`","chat_status":"ongoing"}`)
	svc := newTestService(t, srv.URL, nil)

	req := model.ChatSessionRequest{AgentID: testAgentID, Metadata: map[string]any{"interaction_type": "text_chat"}}
	res, err := svc.Dispatch(context.Background(), req, "1.2.3.4")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if calls.all()[0].path != RouteCreateChat {
		t.Errorf("path = %q, want %q", calls.all()[0].path, RouteCreateChat)
	}
	if len(res.Fields) != 2 || res.Fields["chat_id"] != "chat_9" || res.Fields["agent_id"] != testAgentID {
		t.Errorf("Fields = %v", res.Fields)
	}
}

func TestDispatch_MissingFieldsOmitted(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `{"call_id":"call_1"}`)
	svc := newTestService(t, srv.URL, nil)

	res, err := svc.Dispatch(context.Background(), model.WebCallRequest{AgentID: testAgentID}, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(res.Fields) != 1 || res.Fields["call_id"] != "call_1" {
		t.Errorf("Fields = %v, want only call_id", res.Fields)
	}
}

func TestDispatch_Passthrough(t *testing.T) {
	raw := `{"call_id":"call_1","call_status":"registered"}`
	srv, _ := newUpstream(t, http.StatusOK, raw)
	svc := newTestService(t, srv.URL, func(c *config.Config) { c.Security.PassthroughUpstreamBody = true })

	res, err := svc.Dispatch(context.Background(), model.WebCallRequest{AgentID: testAgentID}, "")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if string(res.Raw) != raw {
		t.Errorf("Raw = %q, want %q", res.Raw, raw)
	}
	if res.Fields != nil {
		t.Errorf("Fields = %v, want nil in passthrough mode", res.Fields)
	}
}

func TestDispatch_UpstreamError(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusInternalServerError, `{"error":"internal db failure at shard 7"}`)
	svc := newTestService(t, srv.URL, nil)

	_, err := svc.Dispatch(context.Background(), model.ChatSessionRequest{AgentID: testAgentID}, "")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Dispatch() error = %v, want *UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", upErr.StatusCode)
	}
	if upErr.Kind != model.KindChat {
		t.Errorf("Kind = %q, want %q", upErr.Kind, model.KindChat)
	}
	if !strings.Contains(upErr.Body, "shard 7") {
		t.Errorf("Body = %q, want upstream body retained for logging", upErr.Body)
	}
	if strings.Contains(upErr.Error(), "shard 7") {
		t.Error("Error() must not include the upstream body")
	}
}

func TestDispatch_UpstreamErrorRedactsCredential(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusUnauthorized, `{"error":"bad auth","echo":"Authorization: Bearer key_secret_value"}`)

	var logs bytes.Buffer
	cfg := &config.Config{
		Retell:   config.RetellConfig{APIKey: "key_secret_value", UserAgent: "test-proxy/1.0"},
		Upstream: config.UpstreamConfig{BaseURL: srv.URL, TimeoutSeconds: 10, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	svc, err := NewRetellServiceForTest(client.NewRetellClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewRetellServiceForTest: %v", err)
	}

	_, err = svc.Dispatch(context.Background(), model.WebCallRequest{AgentID: testAgentID}, "")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Dispatch() error = %v, want *UpstreamError", err)
	}

	if strings.Contains(logs.String(), "key_secret_value") {
		t.Errorf("log leaks credential: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "[REDACTED]") {
		t.Errorf("log = %s, want redacted upstream body", logs.String())
	}
	if strings.Contains(upErr.Body, "key_secret_value") {
		t.Errorf("Body leaks credential: %s", upErr.Body)
	}
}

func TestRedactBearer(t *testing.T) {
	tests := map[string]string{
		"Authorization: Bearer key_abc.def": "Authorization: Bearer [REDACTED]",
		"bearer   tok/en+=":                 "bearer   [REDACTED]",
		"no credential here":                "no credential here",
	}
	for in, want := range tests {
		if got := RedactBearer(in); got != want {
			t.Errorf("RedactBearer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatch_InvalidJSON(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, `<html>not json</html>`)
	svc := newTestService(t, srv.URL, nil)

	_, err := svc.Dispatch(context.Background(), model.WebCallRequest{AgentID: testAgentID}, "")
	if err == nil {
		t.Fatal("Dispatch() expected error for invalid upstream JSON, got nil")
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		t.Error("invalid JSON on 2xx is not an upstream status error")
	}
}

func TestDispatch_MissingCredential(t *testing.T) {
	srv, calls := newUpstream(t, http.StatusOK, `{}`)
	svc := newTestService(t, srv.URL, func(c *config.Config) { c.Retell.APIKey = "" })

	_, err := svc.Dispatch(context.Background(), model.WebCallRequest{AgentID: testAgentID}, "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Dispatch() error = %v, want ErrMissingCredential", err)
	}
	if len(calls.all()) != 0 {
		t.Errorf("upstream calls = %d, want 0", len(calls.all()))
	}
}

func TestUpstreamHeader(t *testing.T) {
	svc := newTestService(t, "https://api.retellai.com", nil)
	h := svc.upstreamHeader()

	if got := h.Get("Authorization"); got != "Bearer key_secret_value" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("User-Agent"); got != "test-proxy/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestRouteURL(t *testing.T) {
	svc := newTestService(t, "https://api.retellai.com", nil)

	tests := []struct {
		route string
		want  string
	}{
		{RouteChatCompletion, "https://api.retellai.com/create-chat-completion"},
		{RouteCreateChat, "https://api.retellai.com/create-chat"},
		{RouteCreateWebCall, "https://api.retellai.com/v2/create-web-call"},
	}
	for _, tt := range tests {
		t.Run(tt.route, func(t *testing.T) {
			if got := svc.routeURL(tt.route); got != tt.want {
				t.Errorf("routeURL(%q) = %q, want %q", tt.route, got, tt.want)
			}
		})
	}
}

func TestExtractFields_NullKept(t *testing.T) {
	got := extractFields(model.KindVoice, []byte(`{"call_id":null,"access_token":"t"}`))
	if v, ok := got["call_id"]; !ok || v != nil {
		t.Errorf("call_id = %v (present=%v), want explicit null", v, ok)
	}
	if got["access_token"] != "t" {
		t.Errorf("access_token = %v", got["access_token"])
	}
	if _, ok := got["agent_id"]; ok {
		t.Error("absent agent_id must be omitted")
	}
}
