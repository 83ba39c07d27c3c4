// Package client is the worker HTTP client used by the CLI and integration
// shims. It talks to the loopback API and knows how to spawn, reuse, and
// restart the daemon.
package client

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

const (
	// HealthCheckTimeout keeps liveness probes fast; integrations call them
	// on every hook invocation.
	HealthCheckTimeout = 1 * time.Second

	// StartupTimeout bounds how long a spawn waits for the daemon to answer
	// health checks.
	StartupTimeout = 30 * time.Second

	// ShutdownTimeout bounds how long a graceful restart waits for the old
	// daemon to release the port.
	ShutdownTimeout = 10 * time.Second

	requestTimeout = 10 * time.Second
)

// Client talks to one worker instance over loopback HTTP.
type Client struct {
	port   int
	httpc  *http.Client
	probec *http.Client
}

// New creates a client for the worker on the given port.
func New(port int) *Client {
	return &Client{
		port:   port,
		httpc:  &http.Client{Timeout: requestTimeout},
		probec: &http.Client{Timeout: HealthCheckTimeout},
	}
}

// Port returns the port this client targets.
func (c *Client) Port() int { return c.port }

func (c *Client) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", c.port, path)
}

// Health is the worker's health payload.
type Health struct {
	Version     string                 `json:"version"`
	Initialized bool                   `json:"initialized"`
	PID         int                    `json:"pid"`
	Uptime      int64                  `json:"uptime"`
	AI          map[string]interface{} `json:"ai"`
}

// GetHealth fetches the health payload. Returns nil when the worker is not
// answering.
func (c *Client) GetHealth() *Health {
	resp, err := c.probec.Get(c.url("/api/health"))
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil
	}
	return &h
}

// Healthy reports whether the worker answers health checks.
func (c *Client) Healthy() bool {
	return c.GetHealth() != nil
}

// Ready reports whether the worker has completed initialization.
func (c *Client) Ready() bool {
	resp, err := c.probec.Get(c.url("/api/readiness"))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// RunningVersion returns the running worker's version, or empty when it is
// not answering.
func (c *Client) RunningVersion() string {
	h := c.GetHealth()
	if h == nil {
		return ""
	}
	return h.Version
}

// PortInUse reports whether anything is listening on the worker port,
// healthy or not.
func (c *Client) PortInUse() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", c.port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Shutdown asks the worker to shut down gracefully.
func (c *Client) Shutdown() error {
	resp, err := c.httpc.Post(c.url("/api/admin/shutdown"), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown request failed: %s", resp.Status)
	}
	return nil
}

// Post sends a JSON POST to the worker and decodes the JSON response.
func (c *Client) Post(path string, body interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Post(c.url(path), "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil // not every endpoint answers JSON
	}
	return result, nil
}

// Get sends a GET to the worker and decodes the JSON response.
func (c *Client) Get(path string) (map[string]interface{}, error) {
	resp, err := c.httpc.Get(c.url(path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// WaitHealthy polls the health endpoint until the worker answers or the
// timeout elapses. Exponential backoff keeps the early polls tight.
func (c *Client) WaitHealthy(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for time.Now().Before(deadline) {
		if c.Healthy() {
			return true
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return false
}

// WaitStopped polls until the port is released or the timeout elapses.
func (c *Client) WaitStopped(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !c.PortInUse() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
