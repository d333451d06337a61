// Package hostenv inspects the Windows host the relay runs on: whether WSL
// is available, which address the WSL virtual adapter has, and whether the
// listen port is already taken. All of it is done by running the stock
// Windows command-line tools and parsing their output.
package hostenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

var (
	// ErrUnsupportedHost is returned when the host cannot run WSL.
	ErrUnsupportedHost = errors.New("unsupported host")
	// ErrAdapterNotFound is returned when no WSL adapter address is found.
	ErrAdapterNotFound = errors.New("WSL adapter not found")
	// ErrPortInUse is returned when another process listens on the port.
	ErrPortInUse = errors.New("port in use")
)

// Runner runs an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. Stderr is captured and included in the error
// on failure.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Env answers questions about the host.
type Env struct {
	runner Runner
	goos   string
	logger *slog.Logger
}

// New creates an Env that runs real commands on the current OS.
func New(logger *slog.Logger) *Env {
	return &Env{
		runner: ExecRunner{},
		goos:   runtime.GOOS,
		logger: logger.With("component", "hostenv"),
	}
}

// CheckEnvironment verifies that the host is Windows with WSL enabled.
func (e *Env) CheckEnvironment(ctx context.Context) error {
	if e.goos != "windows" {
		return fmt.Errorf("%w: WSL is a Windows feature; running on %s", ErrUnsupportedHost, e.goos)
	}
	if _, err := e.runner.Run(ctx, "wsl", "--status"); err != nil {
		return fmt.Errorf("%w: WSL is not enabled on this system: %w", ErrUnsupportedHost, err)
	}
	e.logger.Debug("environment check passed")
	return nil
}

// Hostname returns the lower-cased host name, as WSL guests resolve it
// through mDNS.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return strings.ToLower(name)
}
