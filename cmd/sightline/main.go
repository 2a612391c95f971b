// Package main implements the unified sightline binary. It can run all
// three services (collector, enrichment pipeline, archiver) concurrently or
// individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sightline/sightline/internal/app"
	"github.com/sightline/sightline/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile    string
		dataDir       string
		mode          string
		collectorAddr string
		metricsAddr   string
		brokers       string
		showVersion   bool
		showHelp      bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, pipeline, collect, archive")
	flag.StringVar(&collectorAddr, "collector-addr", "", "HTTP address for the collector API")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for metrics and health")
	flag.StringVar(&brokers, "feed-brokers", "", "Comma-separated change-feed broker addresses")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Sightline - Streaming Identity Resolution And Enrichment\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sightline [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sightline --data-dir /data/sightline\n")
		fmt.Fprintf(os.Stderr, "  sightline --mode pipeline --feed-brokers kafka-1:9092,kafka-2:9092\n")
		fmt.Fprintf(os.Stderr, "  sightline --config /etc/sightline/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SIGHTLINE_MODE          Service mode (all, pipeline, collect, archive)\n")
		fmt.Fprintf(os.Stderr, "  SIGHTLINE_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SIGHTLINE_FEED_BROKERS  Change-feed broker addresses\n")
		fmt.Fprintf(os.Stderr, "  SIGHTLINE_STORAGE_TYPE  Storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("sightline version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Local development convenience; ignored when absent.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, collectorAddr, metricsAddr, brokers)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	application.Logger().Sugar().Infof("received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(configFile, dataDir, mode, collectorAddr, metricsAddr, brokers string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if collectorAddr != "" {
		cfg.Collector.Addr = collectorAddr
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	if brokers != "" {
		cfg.Feed.Brokers = splitBrokers(brokers)
	}

	return cfg, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
