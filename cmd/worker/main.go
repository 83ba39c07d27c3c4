// Package main provides the entry point for the worker service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/logging"
	"github.com/thebtf/mnemo/internal/worker"
	"github.com/thebtf/mnemo/pkg/client"
)

// Version is set at build time via ldflags.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// cliResult is the single JSON status line the CLI prints. Integrations
// parse it and must never be blocked, so every command path exits 0 and puts
// failures in the status field.
type cliResult struct {
	Continue       bool   `json:"continue"`
	SuppressOutput bool   `json:"suppressOutput"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

func emit(status, message string) {
	_ = json.NewEncoder(os.Stdout).Encode(cliResult{
		Continue:       true,
		SuppressOutput: true,
		Status:         status,
		Message:        message,
	})
}

func main() {
	root := &cobra.Command{
		Use:           "mnemo-worker",
		Short:         "mnemo memory worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), stopCmd(), restartCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		emit("error", err.Error())
	}
	os.Exit(0)
}

func startCmd() *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker daemon (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				runDaemon()
				return nil
			}

			binary, err := os.Executable()
			if err != nil {
				emit("error", "cannot resolve worker binary: "+err.Error())
				return nil
			}
			if _, err := client.EnsureRunning(binary, Version); err != nil {
				emit("error", err.Error())
				return nil
			}
			emit("ready", "")
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run the daemon in-process")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := client.StopRunning()
			switch {
			case err != nil:
				emit("error", err.Error())
			case !found:
				emit("ready", "worker not running")
			default:
				emit("ready", "worker stopped")
			}
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.StopRunning(); err != nil {
				emit("error", err.Error())
				return nil
			}

			binary, err := os.Executable()
			if err != nil {
				emit("error", "cannot resolve worker binary: "+err.Error())
				return nil
			}
			if _, err := client.EnsureRunning(binary, Version); err != nil {
				emit("error", err.Error())
				return nil
			}
			emit("ready", "")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(config.GetWorkerPort())
			h := c.GetHealth()
			if h == nil {
				_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"status": "not_running",
					"port":   c.Port(),
				})
				return nil
			}
			_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"status":      "running",
				"port":        c.Port(),
				"version":     h.Version,
				"pid":         h.PID,
				"initialized": h.Initialized,
				"uptime":      h.Uptime,
				"ai":          h.AI,
			})
			return nil
		},
	}
}

// runDaemon is the in-process daemon entrypoint. It never returns a nonzero
// exit: startup failures are logged and surfaced through the readiness
// endpoint, not the exit code.
func runDaemon() {
	cfg := config.Get()

	closer, err := logging.Setup(config.LogDir(), cfg.LogLevel)
	if err != nil {
		_, _ = logging.Setup("", cfg.LogLevel)
	}
	if closer != nil {
		defer closer.Close()
	}

	log.Info().Str("version", Version).Msg("Starting mnemo worker")

	svc, err := worker.NewService(Version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create service")
		return
	}
	if err := svc.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start service")
		return
	}

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	adminShutdown := make(chan struct{}, 1)
	svc.SetOnShutdownRequest(func() {
		select {
		case adminShutdown <- struct{}{}:
		default:
		}
	})

	for {
		select {
		case sig := <-quit:
			// Daemon mode survives terminal hangups; interactive mode
			// treats them as terminate.
			if sig == syscall.SIGHUP && cfg.Mode == "daemon" {
				log.Info().Msg("Ignoring SIGHUP in daemon mode")
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		case <-adminShutdown:
			log.Info().Msg("Shutdown requested over HTTP")
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	log.Info().Msg("Worker shutdown complete")
}
