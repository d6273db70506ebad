// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/iptv-relay/config.toml",
	"configs/config.toml",
}

// defaultUserAgent is sent upstream unless overridden. Many IPTV origins
// reject empty or unknown agents.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Socks5   string `kong:"name='socks5-url',help='SOCKS5 proxy for upstream connections (overrides config).',env='RELAY_SOCKS5_URL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RelayConfig controls the client-facing relay endpoint.
type RelayConfig struct {
	Path              string `toml:"path"`
	MaxManifestBytes  int64  `toml:"max_manifest_bytes"`
	StreamBufferBytes int    `toml:"stream_buffer_bytes"`
	// RewriteAttributeURIs also rewrites URI="..." attributes inside
	// directives such as #EXT-X-KEY and #EXT-X-MAP. Nil means true.
	RewriteAttributeURIs *bool `toml:"rewrite_attribute_uris"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds           int    `toml:"timeout_seconds"`
	IdleConnections          int    `toml:"idle_connections"`
	MaxConnsPerHost          int    `toml:"max_conns_per_host"`
	MaxRedirects             int    `toml:"max_redirects"`
	UserAgent                string `toml:"user_agent"`
	Referer                  string `toml:"referer"`
	Origin                   string `toml:"origin"`
	StrictTLS                bool   `toml:"strict_tls"`
	Socks5URL                string `toml:"socks5_url"`
	DNSCacheTTLSeconds       int    `toml:"dns_cache_ttl_seconds"`
	DisableDNSCache          bool   `toml:"disable_dns_cache"`
	RequestsPerSecondPerHost int    `toml:"requests_per_second_per_host"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/iptv-relay/config.toml then configs/config.toml. When neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Socks5 != "" {
		c.Upstream.Socks5URL = cli.Socks5
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Relay.MaxManifestBytes < 0 {
		return fmt.Errorf("relay.max_manifest_bytes must be non-negative; got %d", c.Relay.MaxManifestBytes)
	}
	if c.Relay.StreamBufferBytes < 0 {
		return fmt.Errorf("relay.stream_buffer_bytes must be non-negative; got %d", c.Relay.StreamBufferBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConnsPerHost < 0 {
		return fmt.Errorf("upstream.max_conns_per_host must be non-negative; got %d", c.Upstream.MaxConnsPerHost)
	}
	if c.Upstream.MaxRedirects < 0 || c.Upstream.MaxRedirects > 20 {
		return fmt.Errorf("upstream.max_redirects must be 0–20; got %d", c.Upstream.MaxRedirects)
	}
	if c.Upstream.DNSCacheTTLSeconds < 0 {
		return fmt.Errorf("upstream.dns_cache_ttl_seconds must be non-negative; got %d", c.Upstream.DNSCacheTTLSeconds)
	}
	if c.Upstream.RequestsPerSecondPerHost < 0 {
		return fmt.Errorf("upstream.requests_per_second_per_host must be non-negative; got %d", c.Upstream.RequestsPerSecondPerHost)
	}

	if c.Upstream.Socks5URL != "" {
		u, err := url.Parse(c.Upstream.Socks5URL)
		if err != nil {
			return fmt.Errorf("upstream.socks5_url is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return fmt.Errorf("upstream.socks5_url must use socks5:// or socks5h://; got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.socks5_url must include host:port")
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	relayPath := c.Relay.Path
	if relayPath != "" && relayPath[0] != '/' {
		return fmt.Errorf("relay.path must start with '/'; got %q", relayPath)
	}
	if relayPath == "" {
		relayPath = "/relay"
	}
	for _, reserved := range []string{"/healthz", "/relay/status"} {
		if relayPath == reserved {
			return fmt.Errorf("relay.path %q conflicts with reserved route %q", relayPath, reserved)
		}
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{relayPath, "/healthz", "/relay/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
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
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; relay requests carry no body
	}
	if c.Relay.Path == "" {
		c.Relay.Path = "/relay"
	}
	if c.Relay.MaxManifestBytes == 0 {
		c.Relay.MaxManifestBytes = 8 * 1024 * 1024
	}
	if c.Relay.StreamBufferBytes == 0 {
		c.Relay.StreamBufferBytes = 4 * 1024 * 1024
	}
	if c.Relay.RewriteAttributeURIs == nil {
		on := true
		c.Relay.RewriteAttributeURIs = &on
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 45
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxConnsPerHost == 0 {
		c.Upstream.MaxConnsPerHost = 32
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 5
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = defaultUserAgent
	}
	if c.Upstream.DNSCacheTTLSeconds == 0 {
		c.Upstream.DNSCacheTTLSeconds = 60
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

// Timeout returns the connect and response-header timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DNSCacheTTL returns how long resolved addresses are reused.
func (c *UpstreamConfig) DNSCacheTTL() time.Duration {
	return time.Duration(c.DNSCacheTTLSeconds) * time.Second
}

// RewritesAttributes reports whether URI attributes in directives are rewritten.
func (c *RelayConfig) RewritesAttributes() bool {
	return c.RewriteAttributeURIs == nil || *c.RewriteAttributeURIs
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// A socks5_url may carry proxy credentials.
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
