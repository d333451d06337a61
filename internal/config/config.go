// Package config handles command-line flags and the optional TOML config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPort is the port both the upstream and the relay listen on.
const DefaultPort = 23119

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"zotero-wsl-proxy.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string           `kong:"help='Listen host (skips WSL adapter discovery).',env='HOST'"`
	Port         int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Log          bool             `kong:"help='Show request log in proxy server.'"`
	LogLevel     string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SkipEnvCheck bool             `kong:"help='Skip the Windows/WSL environment check.'"`
	Version      kong.VersionFlag `kong:"short='v',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`
	Metrics  MetricsConfig  `toml:"metrics"`

	SkipEnvCheck bool `toml:"-"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound listener settings.
type ServerConfig struct {
	Host               string `toml:"host"` // empty means "discover the WSL adapter address"
	Port               int    `toml:"port"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Addr                string `toml:"addr"`
	DialTimeoutSeconds  int    `toml:"dial_timeout_seconds"`
	ProbePath           string `toml:"probe_path"`
	ProbeTimeoutSeconds int    `toml:"probe_timeout_seconds"`
}

// RelayConfig holds relay handler settings.
type RelayConfig struct {
	LogRequests bool `toml:"log_requests"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig holds settings for the local admin HTTP server.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin server.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// zotero-wsl-proxy.toml then configs/config.toml; finding neither is not an
// error and leaves every setting at its default.
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
	if cli.Log {
		c.Relay.LogRequests = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SkipEnvCheck {
		c.SkipEnvCheck = true
	}
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Upstream.Addr == "" {
		c.Upstream.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort))
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 5
	}
	if c.Upstream.ProbePath == "" {
		c.Upstream.ProbePath = "/connector/ping"
	}
	if c.Upstream.ProbeTimeoutSeconds == 0 {
		c.Upstream.ProbeTimeoutSeconds = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = DefaultPort + 1
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_seconds must be non-negative; got %d", c.Server.IdleTimeoutSeconds)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.ProbeTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.probe_timeout_seconds must be non-negative; got %d", c.Upstream.ProbeTimeoutSeconds)
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 1–65535; got %d", c.Admin.Port)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Upstream must stay on loopback.
	if err := validateLoopback(c.Upstream.Addr); err != nil {
		return fmt.Errorf("upstream.addr: %w", err)
	}
	if !strings.HasPrefix(c.Upstream.ProbePath, "/") {
		return fmt.Errorf("upstream.probe_path must start with '/'; got %q", c.Upstream.ProbePath)
	}

	if c.Server.Host != "" && net.ParseIP(c.Server.Host) == nil {
		return fmt.Errorf("server.host must be an IP address; got %q", c.Server.Host)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
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

var errNotLoopback = errors.New("host must be a loopback address")

func validateLoopback(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid host:port %q: %w", addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port in %q", addr)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w; got %q", errNotLoopback, host)
	}
	return nil
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
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FilePath returns the config file that was loaded, or "" when running on
// defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
