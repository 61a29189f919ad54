// Package config handles configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/token-proxy/config.toml",
	"configs/config.toml",
	"config.json",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config             string `kong:"short='c',help='Path to config file (.toml, .yaml or .json).',env='CONFIG_PATH'"`
	Host               string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port               int    `kong:"short='p',help='Listen port (overrides config, default 8081).',env='PORT'"`
	LogLevel           string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	InsecureSkipVerify bool   `kong:"help='Accept any upstream TLS certificate. For test origins only.',env='INSECURE_SKIP_VERIFY'"`
}

// Config is the top-level application configuration.
type Config struct {
	RedirectURL   string                    `toml:"redirect_url" yaml:"redirect_url" json:"redirect_url"`
	AuthProviders map[string]ProviderConfig `toml:"auth_providers" yaml:"auth_providers" json:"auth_providers"`

	Server   ServerConfig   `toml:"server" yaml:"server" json:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream" json:"upstream"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth" json:"auth"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin" json:"admin"`
	Log      LogConfig      `toml:"log" yaml:"log" json:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics" json:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProviderConfig describes how to obtain a token from one credential provider.
// Body is sent verbatim.
type ProviderConfig struct {
	Method  string            `toml:"method" yaml:"method" json:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	URL     string            `toml:"url" yaml:"url" json:"url" validate:"required,url"`
	Headers map[string]string `toml:"headers" yaml:"headers" json:"headers"`
	Body    string            `toml:"body" yaml:"body" json:"body"`
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host               string          `toml:"host" yaml:"host" json:"host"`
	Port               int             `toml:"port" yaml:"port" json:"port"` // 0 means "use default" (8081)
	BodyMaxBytes       int64           `toml:"body_max_bytes" yaml:"body_max_bytes" json:"body_max_bytes"`
	HeaderMaxBytes     int             `toml:"header_max_bytes" yaml:"header_max_bytes" json:"header_max_bytes"`
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds" yaml:"read_timeout_seconds" json:"read_timeout_seconds"`
	RateLimit          RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig controls accept-rate limiting on the proxy listener.
type RateLimitConfig struct {
	Enabled              bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	ConnectionsPerSecond float64 `toml:"connections_per_second" yaml:"connections_per_second" json:"connections_per_second"`
	Burst                int     `toml:"burst" yaml:"burst" json:"burst"`
}

// UpstreamConfig holds outbound connection settings, shared by forwarding and
// provider calls.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
	IdleConnections    int  `toml:"idle_connections" yaml:"idle_connections" json:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify" yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// AuthConfig tunes token resolution.
type AuthConfig struct {
	FetchTimeoutSeconds int `toml:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	FetchRetries        int `toml:"fetch_retries" yaml:"fetch_retries" json:"fetch_retries"`
	// CoalesceFetches is a pointer so that an explicit false survives defaulting.
	CoalesceFetches *bool `toml:"coalesce_fetches" yaml:"coalesce_fetches" json:"coalesce_fetches"`
}

// AdminConfig holds the health/status/metrics HTTP server settings.
type AdminConfig struct {
	Enabled   bool                 `toml:"enabled" yaml:"enabled" json:"enabled"`
	Host      string               `toml:"host" yaml:"host" json:"host"`
	Port      int                  `toml:"port" yaml:"port" json:"port"`
	RateLimit AdminRateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// AdminRateLimitConfig controls per-IP request rate limiting on the admin server.
type AdminRateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/token-proxy/config.toml, configs/config.toml, then config.json.
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
	if err := decode(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// decode picks the format from the file extension; anything unknown is TOML.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.InsecureSkipVerify {
		c.Upstream.InsecureSkipVerify = true
	}
}

func (c *Config) validate() error {
	// Redirect URL: required, http or https.
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect_url is required")
	}
	u, err := url.Parse(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("redirect_url is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("redirect_url must be an absolute http(s) URL; got %q", c.RedirectURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("redirect_url must not carry a query or fragment; got %q", c.RedirectURL)
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.HeaderMaxBytes < 0 {
		return fmt.Errorf("server.header_max_bytes must be non-negative; got %d", c.Server.HeaderMaxBytes)
	}
	if c.Server.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_timeout_seconds must be non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Auth.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("auth.fetch_timeout_seconds must be non-negative; got %d", c.Auth.FetchTimeoutSeconds)
	}
	if c.Auth.FetchRetries < 0 || c.Auth.FetchRetries > maxFetchRetries {
		return fmt.Errorf("auth.fetch_retries must be 0–%d; got %d", maxFetchRetries, c.Auth.FetchRetries)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.connections_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.ConnectionsPerSecond)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// maxFetchRetries caps auth.fetch_retries.
const maxFetchRetries = 10

// validateProviders runs struct-tag validation over every provider entry and
// reports the first failure with its provider id.
func (c *Config) validateProviders() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	for _, id := range c.ProviderIDs() {
		if id == "" {
			return fmt.Errorf("auth_providers: provider id must not be empty")
		}
		p := c.AuthProviders[id]
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("auth_providers.%s: %w", id, formatValidationErrors(err))
		}
		u, _ := url.Parse(p.URL)
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("auth_providers.%s.url must use http or https; got %q", id, p.URL)
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]; got %q", strings.ToLower(fe.Field()), fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q check; got %q", strings.ToLower(fe.Field()), fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because the file formats cannot
// distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	c.RedirectURL = strings.TrimRight(c.RedirectURL, "/")

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.HeaderMaxBytes == 0 {
		c.Server.HeaderMaxBytes = 64 * 1024
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 1
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Auth.FetchTimeoutSeconds == 0 {
		c.Auth.FetchTimeoutSeconds = 30
	}
	if c.Auth.CoalesceFetches == nil {
		coalesce := true
		c.Auth.CoalesceFetches = &coalesce
	}
	for id, p := range c.AuthProviders {
		if p.Method == "" {
			p.Method = "POST"
			c.AuthProviders[id] = p
		}
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9091
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ProviderIDs returns the configured provider ids in sorted order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.AuthProviders))
	for id := range c.AuthProviders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
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

// Addr returns the proxy listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. Provider entries usually carry client secrets.
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

// WarnInsecure logs loudly when upstream certificate checks are disabled.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if c.Upstream.InsecureSkipVerify {
		logger.Warn("upstream TLS certificate verification is disabled; use only with test origins")
	}
}

// Coalesce reports whether concurrent fetches for one provider share a call.
func (a AuthConfig) Coalesce() bool {
	return a.CoalesceFetches == nil || *a.CoalesceFetches
}
