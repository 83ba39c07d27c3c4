// Package pidfile manages the worker's PID file, the handshake between the
// daemon and the clients that spawn it.
package pidfile

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/shirou/gopsutil/v4/process"
)

// SpawnCooldown is how recent a PID file must be for clients to treat a
// worker spawn as already in progress. Many hook invocations race the same
// daemon start; the recency check keeps them from stampeding restarts.
const SpawnCooldown = 10 * time.Second

// Info is the PID file payload.
type Info struct {
	Version   string `json:"version,omitempty"`
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt int64  `json:"startedAt"`
}

// Write writes the PID file for the current process.
func Write(path string, port int, version string) error {
	info := Info{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now().UnixMilli(),
		Version:   version,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal pid file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read reads and parses the PID file. Returns nil with no error when the
// file does not exist.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse pid file: %w", err)
	}
	return &info, nil
}

// Remove deletes the PID file. Missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether the PID recorded in info refers to a live process.
func (i *Info) Alive() bool {
	if i == nil || i.PID <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(i.PID))
	return err == nil && exists
}

// Fresh reports whether the PID file was written within the spawn cooldown,
// meaning another client is probably mid-spawn and this one should wait.
func (i *Info) Fresh() bool {
	if i == nil {
		return false
	}
	age := time.Since(time.UnixMilli(i.StartedAt))
	return age >= 0 && age < SpawnCooldown
}
