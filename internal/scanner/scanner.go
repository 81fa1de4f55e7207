// Package scanner finds credential-shaped strings, plain-HTTP links and
// unfinished proxy configuration in static site content, and smoke-tests a
// deployed proxy endpoint.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// maxFetchBytes caps how much of a fetched page is scanned.
const maxFetchBytes = 5 << 20

// placeholderProxyHost is the template value left behind when the proxy URL was never filled in.
const placeholderProxyHost = "your-proxy-domain"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)key_[a-f0-9]{32}`),
	regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)api[_-]?key['":\s]*[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)secret['":\s]*[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)token['":\s]*[a-zA-Z0-9_-]{20,}`),
}

var (
	plainHTTPPattern     = regexp.MustCompile(`(?i)http://[^\s"'<>]+`)
	securityHeaderMarker = []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"}
)

// Scanner inspects content for leaked secrets. The zero value is not usable;
// call New.
type Scanner struct {
	client    *http.Client
	proxyHost string
	now       func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithHTTPClient sets the client used by ScanURL and ProbeEndpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Scanner) { s.client = c }
}

// WithProxyHost sets the host whose presence marks the proxy endpoint as configured.
func WithProxyHost(host string) Option {
	return func(s *Scanner) { s.proxyHost = host }
}

// New creates a Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScanContent runs every content check against content and attributes the
// findings to source.
func (s *Scanner) ScanContent(source, content string) []Finding {
	var out []Finding

	if leaks := findSecrets(content); len(leaks) > 0 {
		out = append(out, Finding{
			Severity: SeverityError,
			Source:   source,
			Message:  "secret exposed",
			Matches:  leaks,
		})
	}

	if urls := findPlainHTTP(content); len(urls) > 0 {
		out = append(out, Finding{
			Severity: SeverityWarning,
			Source:   source,
			Message:  "plain HTTP URLs found",
			Matches:  urls,
		})
	}

	if strings.Contains(content, placeholderProxyHost) {
		out = append(out, Finding{
			Severity: SeverityError,
			Source:   source,
			Message:  "placeholder proxy URL found",
		})
	}
	if s.proxyHost != "" && strings.Contains(content, s.proxyHost) {
		out = append(out, Finding{
			Severity: SeverityNotice,
			Source:   source,
			Message:  "proxy endpoint configured",
		})
	}

	for _, h := range securityHeaderMarker {
		if strings.Contains(content, h) {
			out = append(out, Finding{
				Severity: SeverityNotice,
				Source:   source,
				Message:  "security headers found",
			})
			break
		}
	}

	return out
}

// ScanFile reads and scans a local file. A file that does not exist yields no
// findings and no error.
func (s *Scanner) ScanFile(path string) ([]Finding, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s.ScanContent(path, string(data)), nil
}

// ScanURL fetches url and scans the body. Fetch failures are reported as
// error findings rather than returned.
func (s *Scanner) ScanURL(ctx context.Context, url string) []Finding {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return []Finding{fetchFailure(url, err)}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return []Finding{fetchFailure(url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return []Finding{fetchFailure(url, err)}
	}

	out := s.ScanContent(url, string(body))
	if resp.StatusCode >= 400 {
		out = append(out, Finding{
			Severity: SeverityWarning,
			Source:   url,
			Message:  fmt.Sprintf("site returned HTTP %d", resp.StatusCode),
		})
	}
	return out
}

// ProbeEndpoint posts a test web-call request for agentID to proxyURL and
// checks that an access token comes back and nothing secret does.
func (s *Scanner) ProbeEndpoint(ctx context.Context, proxyURL, agentID string) []Finding {
	payload, err := json.Marshal(map[string]any{
		"agent_id": agentID,
		"metadata": map[string]any{
			"test":      "security-validation",
			"timestamp": s.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return []Finding{probeFailure(proxyURL, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxyURL, bytes.NewReader(payload))
	if err != nil {
		return []Finding{probeFailure(proxyURL, err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return []Finding{probeFailure(proxyURL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return []Finding{probeFailure(proxyURL, err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return []Finding{probeFailure(proxyURL, fmt.Errorf("HTTP %d", resp.StatusCode))}
	}

	var out []Finding
	if leaks := findSecrets(string(body)); len(leaks) > 0 {
		out = append(out, Finding{
			Severity: SeverityError,
			Source:   proxyURL,
			Message:  "secret exposed in proxy response",
			Matches:  leaks,
		})
	}
	if !bytes.Contains(body, []byte("access_token")) {
		out = append(out, Finding{
			Severity: SeverityWarning,
			Source:   proxyURL,
			Message:  "voice agent endpoint may not be working correctly",
		})
		return out
	}
	return append(out, Finding{
		Severity: SeverityNotice,
		Source:   proxyURL,
		Message:  "voice agent endpoint working correctly",
	})
}

// findSecrets returns the distinct credential-shaped substrings of content.
// Call access tokens are expected in client code and are skipped.
func findSecrets(content string) []string {
	var found []string
	for _, p := range secretPatterns {
		for _, loc := range p.FindAllStringIndex(content, -1) {
			match := content[loc[0]:loc[1]]
			if isAccessToken(content[:loc[0]], match) {
				continue
			}
			if !slices.Contains(found, match) {
				found = append(found, match)
			}
		}
	}
	return found
}

func isAccessToken(before, match string) bool {
	if strings.Contains(match, "access_token") || strings.Contains(match, "accessToken") {
		return true
	}
	lower := strings.ToLower(before)
	return strings.HasSuffix(lower, "access_") || strings.HasSuffix(lower, "access")
}

// findPlainHTTP returns distinct http:// URLs that do not point at the local machine.
func findPlainHTTP(content string) []string {
	var found []string
	for _, u := range plainHTTPPattern.FindAllString(content, -1) {
		if strings.Contains(u, "localhost") || strings.Contains(u, "127.0.0.1") {
			continue
		}
		if !slices.Contains(found, u) {
			found = append(found, u)
		}
	}
	return found
}

func fetchFailure(url string, err error) Finding {
	return Finding{
		Severity: SeverityError,
		Source:   url,
		Message:  fmt.Sprintf("failed to fetch: %v", err),
	}
}

func probeFailure(url string, err error) Finding {
	return Finding{
		Severity: SeverityWarning,
		Source:   url,
		Message:  fmt.Sprintf("voice agent endpoint test failed: %v", err),
	}
}
