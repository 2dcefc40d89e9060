// Package lifecycle manages the CLIP sidecar process for zero-config serving.
// It handles health probing, startup, and readiness polling.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Constants for sidecar lifecycle management
const (
	// DefaultEndpoint is the default clipserver base URL.
	DefaultEndpoint = "http://localhost:8093"

	// StartupTimeout is how long to wait for the sidecar to become healthy.
	StartupTimeout = 30 * time.Second

	// ReadyPollInterval is the initial polling interval for WaitForReady.
	ReadyPollInterval = 100 * time.Millisecond

	// MaxReadyPollInterval caps exponential backoff.
	MaxReadyPollInterval = 2 * time.Second
)

// SidecarManager handles CLIP sidecar lifecycle operations.
type SidecarManager struct {
	endpoint string
	command  string
	client   *http.Client

	// Process we launched, nil when the sidecar was already running
	// or started externally.
	started *exec.Cmd

	// For testing: override command execution
	execCommand func(name string, args ...string) *exec.Cmd
}

// SidecarStatus represents the current state of the sidecar.
type SidecarStatus struct {
	Endpoint string
	Running  bool
	Managed  bool // started by this process
}

// EnsureOpts configures EnsureReady behavior.
type EnsureOpts struct {
	// AutoStart enables launching the configured command when the
	// sidecar is not responding (default: true when a command is set).
	AutoStart bool
	// Timeout bounds the readiness wait. Zero uses StartupTimeout.
	Timeout time.Duration
	// Stderr for startup diagnostics (default: os.Stderr).
	Stderr io.Writer
}

// NewSidecarManager creates a manager for the clipserver at endpoint.
// command is the shell-free launch line ("python clip_server.py --port 8093");
// empty means the manager only probes and never starts anything.
func NewSidecarManager(endpoint, command string) *SidecarManager {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Check for environment override
	if env := os.Getenv("FOTOPOISK_CLIP_ENDPOINT"); env != "" {
		endpoint = env
	}

	return &SidecarManager{
		endpoint: endpoint,
		command:  command,
		client: &http.Client{
			Timeout: 2 * time.Second, // Short timeout for health checks
		},
		execCommand: exec.Command,
	}
}

// IsRunning checks if the sidecar is responding on its health endpoint.
func (m *SidecarManager) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Status reports the current state of the sidecar.
func (m *SidecarManager) Status(ctx context.Context) SidecarStatus {
	return SidecarStatus{
		Endpoint: m.endpoint,
		Running:  m.IsRunning(ctx),
		Managed:  m.started != nil,
	}
}

// Start launches the configured sidecar command in the background.
func (m *SidecarManager) Start(stderr io.Writer) error {
	if m.command == "" {
		return &NoCommandError{}
	}

	fields := strings.Fields(m.command)
	cmd := m.execCommand(fields[0], fields[1:]...)
	cmd.Stdout = nil
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start clip sidecar: %w", err)
	}

	m.started = cmd
	return nil
}

// WaitForReady polls until the sidecar is responding or timeout.
func (m *SidecarManager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = StartupTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := ReadyPollInterval
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for clip sidecar: %w", ctx.Err())
		default:
		}

		if m.IsRunning(ctx) {
			return nil
		}

		// Exponential backoff
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for clip sidecar: %w", ctx.Err())
		case <-time.After(interval):
		}

		interval *= 2
		if interval > MaxReadyPollInterval {
			interval = MaxReadyPollInterval
		}
	}
}

// EnsureReady makes sure the sidecar is serving, starting it if needed.
func (m *SidecarManager) EnsureReady(ctx context.Context, opts EnsureOpts) error {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	if m.IsRunning(ctx) {
		return nil
	}

	if !opts.AutoStart && m.command == "" {
		return &NotRunningError{Endpoint: m.endpoint}
	}

	fmt.Fprintln(opts.Stderr, "CLIP sidecar is not running. Starting...")
	if err := m.Start(opts.Stderr); err != nil {
		return err
	}

	if err := m.WaitForReady(ctx, opts.Timeout); err != nil {
		m.Release()
		return fmt.Errorf("clip sidecar failed to start: %w", err)
	}
	fmt.Fprintln(opts.Stderr, "CLIP sidecar started successfully.")
	return nil
}

// Release stops a sidecar this manager started. Sidecars that were
// already running are left alone.
func (m *SidecarManager) Release() {
	if m.started == nil || m.started.Process == nil {
		return
	}
	_ = m.started.Process.Kill()
	_ = m.started.Wait()
	m.started = nil
}

// Error types for specific conditions

// NoCommandError indicates no launch command is configured.
type NoCommandError struct{}

func (e *NoCommandError) Error() string {
	return "no clip sidecar command configured (set embedding.sidecar_command)"
}

// NotRunningError indicates the sidecar is not responding.
type NotRunningError struct {
	Endpoint string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("clip sidecar is not responding at %s", e.Endpoint)
}
