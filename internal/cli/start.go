package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/harun/vocera/internal/config"
	"github.com/harun/vocera/internal/logger"
	"github.com/harun/vocera/internal/observability"
	"github.com/harun/vocera/pkg/bus"
	"github.com/harun/vocera/pkg/capability"
	"github.com/harun/vocera/pkg/lifecycle"
	"github.com/harun/vocera/pkg/stream"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var startNoSession bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Vocera daemon service",
	Long: `Start the Vocera daemon service in the foreground.
The daemon opens a streaming session against the configured remote
service and executes tool scripts as the conversation requests them.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startNoSession, "no-session", false, "do not open a streaming session on startup")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	registry := capability.NewRegistry()
	service := stream.NewWSService(cfg.Remote.URL, nil)
	store := config.NewFileStore(cfg)
	b := bus.New()

	coordinator := lifecycle.NewCoordinator(lifecycle.Options{
		Bus:                  b,
		Registry:             registry,
		Store:                store,
		Service:              service,
		ExpectedCapabilities: cfg.ExpectedCapabilities,
	})

	// Config edits apply live: the store swaps, parameters and the
	// tool catalog rebuild, a running session keeps its registered set
	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		store.Replace(next)
		coordinator.ReloadConfig()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	log.Info().
		Str("version", version).
		Str("remote", cfg.Remote.URL).
		Int("tools", len(cfg.Tools)).
		Msg("Vocera daemon started")

	if !startNoSession && cfg.Remote.URL != "" {
		b.Publish(bus.CreateSession{})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	coordinator.Disconnect(context.Background())
	if metricsSrv != nil {
		metricsSrv.Shutdown(context.Background())
	}

	return nil
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/vocera.pid"
	}
	return filepath.Join(home, ".vocera", "vocera.pid")
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 probes liveness
	return process.Signal(syscall.Signal(0)) == nil
}
