package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "172.20.16.1"
port = 9000
idle_timeout_seconds = 30

[upstream]
addr = "127.0.0.1:24119"
dial_timeout_seconds = 3
probe_path = "/connector/ping"
probe_timeout_seconds = 1

[relay]
log_requests = true

[log]
level = "debug"
format = "json"

[admin]
enabled = true
port = 9100
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "172.20.16.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "172.20.16.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.IdleTimeoutSeconds != 30 {
		t.Errorf("Server.IdleTimeoutSeconds = %d, want %d", cfg.Server.IdleTimeoutSeconds, 30)
	}
	if cfg.Upstream.Addr != "127.0.0.1:24119" {
		t.Errorf("Upstream.Addr = %q, want %q", cfg.Upstream.Addr, "127.0.0.1:24119")
	}
	if cfg.Upstream.ProbeTimeoutSeconds != 1 {
		t.Errorf("Upstream.ProbeTimeoutSeconds = %d, want %d", cfg.Upstream.ProbeTimeoutSeconds, 1)
	}
	if !cfg.Relay.LogRequests {
		t.Error("Relay.LogRequests = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if !cfg.Admin.Enabled || cfg.Admin.Port != 9100 {
		t.Errorf("Admin = %+v, want enabled on port 9100", cfg.Admin)
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", cfg.FilePath(), path)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v; a config file must not be required", err)
	}

	if cfg.Server.Host != "" {
		t.Errorf("default Server.Host = %q, want empty (adapter discovery)", cfg.Server.Host)
	}
	if cfg.Server.Port != 23119 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 23119)
	}
	if cfg.Upstream.Addr != "127.0.0.1:23119" {
		t.Errorf("default Upstream.Addr = %q, want %q", cfg.Upstream.Addr, "127.0.0.1:23119")
	}
	if cfg.Upstream.ProbePath != "/connector/ping" {
		t.Errorf("default Upstream.ProbePath = %q, want %q", cfg.Upstream.ProbePath, "/connector/ping")
	}
	if cfg.Upstream.ProbeTimeoutSeconds != 2 {
		t.Errorf("default Upstream.ProbeTimeoutSeconds = %d, want %d", cfg.Upstream.ProbeTimeoutSeconds, 2)
	}
	if cfg.Relay.LogRequests {
		t.Error("default Relay.LogRequests = true, want false")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Admin.Enabled {
		t.Error("default Admin.Enabled = true, want false")
	}
	if cfg.Admin.Addr() != "127.0.0.1:23120" {
		t.Errorf("default Admin.Addr() = %q, want %q", cfg.Admin.Addr(), "127.0.0.1:23120")
	}
	if cfg.FilePath() != "" {
		t.Errorf("FilePath() = %q, want empty", cfg.FilePath())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")
	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "10.0.0.1"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		Host:         "127.0.0.1",
		Port:         3000,
		Log:          true,
		LogLevel:     "debug",
		SkipEnvCheck: true,
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if !cfg.Relay.LogRequests {
		t.Error("Relay.LogRequests = false, want true (CLI override)")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if !cfg.SkipEnvCheck {
		t.Error("SkipEnvCheck = false, want true (CLI override)")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantText string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"port too large", "[server]\nport = 70000\n", "server.port"},
		{"hostname listen host", "[server]\nhost = \"wsl.local\"\n", "server.host"},
		{"negative idle timeout", "[server]\nidle_timeout_seconds = -5\n", "idle_timeout_seconds"},
		{"non-loopback upstream", "[upstream]\naddr = \"192.168.1.10:23119\"\n", "loopback"},
		{"upstream missing port", "[upstream]\naddr = \"127.0.0.1\"\n", "upstream.addr"},
		{"negative probe timeout", "[upstream]\nprobe_timeout_seconds = -1\n", "probe_timeout_seconds"},
		{"relative probe path", "[upstream]\nprobe_path = \"connector/ping\"\n", "probe_path"},
		{"invalid log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"rate limit without rps", "[admin.rate_limit]\nenabled = true\n", "requests_per_second"},
		{"metrics path without slash", "[metrics]\nenabled = true\npath = \"metrics\"\n", "must start with '/'"},
		{"metrics path on healthz", "[metrics]\nenabled = true\npath = \"/healthz\"\n", "conflicts"},
		{"metrics path under status", "[metrics]\nenabled = true\npath = \"/proxy/status/metrics\"\n", "conflicts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantText)
			}
		})
	}
}

func TestLoad_IPv6LoopbackUpstream(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "[upstream]\naddr = \"[::1]:23119\"\n")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.Addr != "[::1]:23119" {
		t.Errorf("Upstream.Addr = %q, want %q", cfg.Upstream.Addr, "[::1]:23119")
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[admin]
enabled = true

[admin.rate_limit]
enabled = true
requests_per_second = 5.5
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Admin.RateLimit.Enabled {
		t.Error("Admin.RateLimit.Enabled = false, want true")
	}
	if cfg.Admin.RateLimit.RequestsPerSecond != 5.5 {
		t.Errorf("Admin.RateLimit.RequestsPerSecond = %v, want 5.5", cfg.Admin.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = false\npath = \"no-slash\"\n")

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"172.20.16.1", 23119, "172.20.16.1:23119"},
		{"fe80::1", 23119, "[fe80::1]:23119"},
	}
	for _, tt := range tests {
		sc := &ServerConfig{Host: tt.host, Port: tt.port}
		if got := sc.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}
