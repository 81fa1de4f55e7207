// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/retell-proxy/config.toml",
	"configs/config.toml",
}

// CORS origin policy modes.
const (
	CORSModeAllowlist = "allowlist"
	CORSModeOpen      = "open"
)

// reservedRoutes are paths owned by the proxy; the metrics path must not shadow them.
var reservedRoutes = []string{"/api/retell-proxy", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string `kong:"help='Retell API key (overrides config).',env='RETELL_API_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CORSMode string `kong:"help='CORS origin policy: allowlist|open (overrides config).',env='CORS_MODE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Retell   RetellConfig   `toml:"retell"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Security SecurityConfig `toml:"security"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port" validate:"gte=0,lte=65535"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes" validate:"gte=0"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RetellConfig holds the Retell credential and the values stamped onto
// forwarded requests.
type RetellConfig struct {
	APIKey    string `toml:"api_key"`
	UserAgent string `toml:"user_agent"`
	SourceTag string `toml:"source_tag"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds" validate:"gte=0"`
	IdleConnections int    `toml:"idle_connections" validate:"gte=0"`
}

// CORSConfig selects the origin policy announced to browsers.
type CORSConfig struct {
	Mode           string   `toml:"mode" validate:"oneof=allowlist open"`
	AllowedOrigins []string `toml:"allowed_origins" validate:"dive,origin"`
	MaxAgeSeconds  int      `toml:"max_age_seconds" validate:"gte=0"`
}

// SecurityConfig controls how much upstream and internal detail reaches callers.
// The zero value is the hardened policy.
type SecurityConfig struct {
	ExposeErrorDetails      bool `toml:"expose_error_details"`
	PassthroughUpstreamBody bool `toml:"passthrough_upstream_body"`
	RetryAfterSeconds       int  `toml:"retry_after_seconds" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
	// File, when set, sends logs to a size-rotated file instead of stdout.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/retell-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Retell.APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CORSMode != "" {
		c.CORS.Mode = cli.CORSMode
	}
}

func (c *Config) validate() error {
	if c.Retell.APIKey == "YOUR_API_KEY_HERE" {
		return fmt.Errorf("retell.api_key contains placeholder value; set a real key or RETELL_API_KEY")
	}

	if err := fieldValidator.Struct(c); err != nil {
		return describeValidation(err)
	}

	// The bearer credential must never travel in clear text.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("upstream.base_url must be an absolute HTTPS URL; got %q", c.Upstream.BaseURL)
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// fieldValidator checks the validate tags. Field names in its errors are the
// dotted TOML keys.
var fieldValidator = newFieldValidator()

func newFieldValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("origin", func(fl validator.FieldLevel) bool {
		return validateOrigin(fl.Field().String()) == nil
	})
	return v
}

// describeValidation turns the first tag failure into a config error.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	_, key, _ := strings.Cut(fe.Namespace(), ".")

	switch fe.Tag() {
	case "gte":
		return fmt.Errorf("%s must be >= %s; got %v", key, fe.Param(), fe.Value())
	case "lte":
		return fmt.Errorf("%s must be <= %s; got %v", key, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s; got %q", key, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "origin":
		return fmt.Errorf("%s: %w", key, validateOrigin(fmt.Sprint(fe.Value())))
	default:
		return fmt.Errorf("%s failed %q validation", key, fe.Tag())
	}
}

// validateOrigin checks that an allow-list entry is a bare scheme://host[:port] origin.
func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("%q is not a valid origin: %w", origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an http(s) origin", origin)
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%q must not contain a path, query or fragment", origin)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Retell.UserAgent == "" {
		c.Retell.UserAgent = "retell-proxy-go/1.0"
	}
	if c.Retell.SourceTag == "" {
		c.Retell.SourceTag = "retell-proxy"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.retellai.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.CORS.Mode = strings.ToLower(c.CORS.Mode)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.CORS.Mode == "" {
		c.CORS.Mode = CORSModeAllowlist
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
	}
	if c.Security.RetryAfterSeconds == 0 {
		c.Security.RetryAfterSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OriginAllowed reports whether origin is in the configured allow-list.
func (c *CORSConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnPolicy logs a warning for every less-secure policy switch that is enabled.
func (c *Config) WarnPolicy(logger *slog.Logger) {
	if c.CORS.Mode == CORSModeOpen {
		logger.Warn("cors.mode is open; any origin may call the proxy from a browser")
	}
	if c.Security.ExposeErrorDetails {
		logger.Warn("security.expose_error_details is enabled; upstream and internal error text reaches callers")
	}
	if c.Security.PassthroughUpstreamBody {
		logger.Warn("security.passthrough_upstream_body is enabled; upstream responses are returned unfiltered")
	}
	if c.Retell.APIKey == "" {
		logger.Warn("retell.api_key is not set; proxy requests will fail with a configuration error")
	}
}
