// obshubd is the observation hub daemon. It loads a hub file, registers
// the configured producers and persists their records into the
// configured stream storages until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/loader"
	"github.com/xtxerr/obshub/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// Exit codes.
const (
	exitFailure = 1
	exitStartup = 2 // configuration or backend instantiation problem
)

// exitCode maps a fatal error to the process exit code.
func exitCode(err error) int {
	if errors.IsStartupError(err) {
		return exitStartup
	}
	return exitFailure
}

func fatal(what string, err error) {
	log.Printf("%s: %v", what, err)
	os.Exit(exitCode(err))
}

func main() {
	// CLI flags
	cfgPath := flag.String("config", "hub.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	metricsListen := flag.String("metrics-listen", "", "Prometheus listen address (overrides config)")
	watch := flag.Bool("watch", false, "watch config for producer changes")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = loader.DefaultConfig()
		} else {
			fatal("Load config", err)
		}
	}

	// CLI overrides
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}

	// The log package writes through the slog handler from here on.
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON())
	log.Printf("obshubd %s starting...", Version)

	// =========================================================================
	// Build and Start the Hub
	// =========================================================================

	hub, err := loader.Build(cfg)
	if err != nil {
		fatal("Build hub", err)
	}

	if err := hub.Start(context.Background()); err != nil {
		fatal("Start hub", err)
	}
	log.Printf("Hub started: %d stream storages, bus=%s", len(hub.Storages()), cfg.Bus.Kind)

	if *watch {
		watcher := loader.NewWatcher(*cfgPath, hub, func(result *loader.ApplyResult) {
			log.Printf("Config reloaded: %d added, %d removed, %d enabled, %d disabled, %d errors",
				result.Added, result.Removed, result.Enabled, result.Disabled, len(result.Errors))
			for _, e := range result.Errors {
				log.Printf("Warning: %s", e)
			}
		})
		watcher.Start()
		defer watcher.Stop()
	}

	// =========================================================================
	// Metrics Endpoint
	// =========================================================================

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(hub.Gatherer(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Warning: metrics endpoint: %v", err)
			}
		}()
		log.Printf("Metrics on http://%s/metrics", cfg.MetricsListen)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), hub.DrainTimeout())
	defer cancel()

	// Stop hub first (commit pending records)
	if err := hub.Stop(ctx); err != nil {
		log.Printf("Warning: hub stop: %v", err)
	}

	// Stop metrics endpoint last
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Printf("Warning: metrics shutdown: %v", err)
		}
	}

	log.Println("Stopped")
}
