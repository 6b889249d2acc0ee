package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vcompanion/vcompanion/internal/cache"
	"github.com/vcompanion/vcompanion/internal/manager"
	"github.com/vcompanion/vcompanion/internal/metrics"
	"github.com/vcompanion/vcompanion/internal/registry"
	vcversion "github.com/vcompanion/vcompanion/internal/version"
)

const dataDirEnv = "VCOMPANION_DATA_DIR"

var (
	flagDataDir     string
	flagMetricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "vcompaniond",
		Short:         "vCompanion daemon - monitors virtualization endpoints into an encrypted cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = vcversion.FormatVersion(vcversion.String())
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (default $"+dataDirEnv+" or ~/.vcompanion)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "127.0.0.1:9190", "listen address for /metrics")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, err := resolveDataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	if err := setupLogging(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	store, err := registry.Open(registry.Options{
		Path: filepath.Join(dataDir, "endpoints.db"),
	})
	if err != nil {
		return fmt.Errorf("open endpoint store: %w", err)
	}
	defer store.Close()

	endpoints, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	reg := registry.NewRegistry(endpoints)
	log.Printf("Loaded %d configured endpoint(s)", len(endpoints))

	cacheStore, err := cache.New(cache.Options{
		Dir:     dataDir,
		Enabled: reg.IsEnabled,
	})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	// The daemon starts locked: no key exists until an operator unlocks with
	// their password, and the scheduler only runs while unlocked.
	mgr := manager.New(manager.Options{
		Registry: reg,
		Cache:    cacheStore,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(mgr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              flagMetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Metrics listening on http://%s/metrics", flagMetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("vCompanion daemon started (PID: %d)", os.Getpid())
	log.Printf("Data directory: %s", dataDir)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("Metrics server error: %v", err)
		mgr.DisconnectAll()
		return err
	}

	mgr.DisconnectAll()
	if err := server.Close(); err != nil {
		log.Printf("Error closing metrics server: %v", err)
	}
	log.Println("Daemon stopped")
	return nil
}

// resolveDataDir applies the flag > environment > home-directory precedence.
func resolveDataDir() (string, error) {
	if flagDataDir != "" {
		return flagDataDir, nil
	}
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".vcompanion"), nil
}

func setupLogging(dataDir string) error {
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== vCompanion Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
