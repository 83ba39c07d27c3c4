package client

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/pidfile"
)

// EnsureRunning makes sure a worker with the expected version is serving on
// the configured port, spawning or restarting the daemon as needed. Many
// hook invocations race this call; a fresh PID file means another caller is
// mid-spawn, so this one just waits for it.
func EnsureRunning(binaryPath, expectedVersion string) (*Client, error) {
	c := New(config.GetWorkerPort())

	if running := c.RunningVersion(); running != "" {
		if versionsCompatible(running, expectedVersion) {
			return c, nil
		}

		fmt.Fprintf(os.Stderr, "[mnemo] worker version mismatch (running: %s, expected: %s), restarting\n",
			running, expectedVersion)
		if err := c.Shutdown(); err == nil {
			c.WaitStopped(ShutdownTimeout)
		}
	}

	if c.PortInUse() {
		// Listening but not answering health: either mid-startup or wedged.
		if c.WaitHealthy(StartupTimeout) {
			return c, nil
		}
		return nil, fmt.Errorf("port %d occupied by an unresponsive process", c.Port())
	}

	// Stampede guard: a live, recently written PID file means a sibling
	// invocation already spawned the daemon.
	if info, err := pidfile.Read(config.PIDFilePath()); err == nil && info.Alive() && info.Fresh() {
		if c.WaitHealthy(StartupTimeout) {
			return c, nil
		}
		return nil, fmt.Errorf("worker spawn in progress did not become healthy")
	}

	if err := spawnDaemon(binaryPath); err != nil {
		return nil, err
	}
	if !c.WaitHealthy(StartupTimeout) {
		return nil, fmt.Errorf("worker failed to start within %s", StartupTimeout)
	}
	return c, nil
}

// spawnDaemon launches the worker binary detached as the daemon entrypoint.
func spawnDaemon(binaryPath string) error {
	if binaryPath == "" {
		var err error
		binaryPath, err = os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker binary: %w", err)
		}
	}

	cmd := exec.Command(binaryPath, "start", "--daemon")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Detach; the daemon outlives this process.
	go func() { _ = cmd.Wait() }()
	return nil
}

// versionsCompatible reports whether two build versions may share a daemon.
// Dev and dirty builds of the same base version do not force restarts.
func versionsCompatible(running, expected string) bool {
	if running == "dev" || expected == "dev" || expected == "" {
		return true
	}
	return extractBaseVersion(running) == extractBaseVersion(expected)
}

// extractBaseVersion strips the leading v and any -suffix from a version,
// so "v0.3.5-2-gca711a8-dirty" becomes "0.3.5".
func extractBaseVersion(version string) string {
	v := strings.TrimPrefix(version, "v")
	if idx := strings.Index(v, "-"); idx > 0 {
		v = v[:idx]
	}
	return v
}

// StopRunning gracefully stops the worker if one is serving. Returns whether
// a worker was found.
func StopRunning() (bool, error) {
	c := New(config.GetWorkerPort())
	if !c.Healthy() {
		return false, nil
	}
	if err := c.Shutdown(); err != nil {
		return true, err
	}
	if !c.WaitStopped(ShutdownTimeout) {
		return true, fmt.Errorf("worker did not stop within %s", ShutdownTimeout)
	}
	return true, nil
}
