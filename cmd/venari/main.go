package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/app"
	"github.com/ternarybob/venari/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	// Command-line flags
	configFiles  configPaths // Multiple -config flags supported
	seedURL      = flag.String("seed", "", "Run one search sweep for this URL and exit")
	listingURL   = flag.String("listing", "", "Process a single listing URL and exit")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func init() {
	// Register custom flag for multiple config files
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	// Parse command-line flags
	flag.Parse()

	// Handle version flag
	if *showVersion || *showVersionV {
		fmt.Printf("Venari version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file1 -> file2 -> ... -> env)
	// 2. Initialize logger
	// 3. Print banner

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("venari.toml"); err == nil {
			configFiles = append(configFiles, "venari.toml")
		} else if _, err := os.Stat("deployments/local/venari.toml"); err == nil {
			// Fallback for users running from the project root
			configFiles = append(configFiles, "deployments/local/venari.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("log_level", config.Logging.Level).
		Int("credentials", len(config.Gemini.Credentials)).
		Bool("browser_enabled", config.Browser.Enabled).
		Msg("Application configuration loaded")

	// Initialize application
	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One-shot modes process their input, wait for the queues to drain
	// and exit
	switch {
	case *listingURL != "":
		config.Hunt.SearchURLs = nil
		config.Hunt.Schedule = ""
		runOneShot(ctx, application, func() error {
			return application.Orchestrator.EnqueueListing(ctx, *listingURL)
		})
		return
	case *seedURL != "":
		config.Hunt.SearchURLs = []string{*seedURL}
		config.Hunt.Schedule = ""
		runOneShot(ctx, application, func() error {
			return application.Orchestrator.SeedSearches(ctx)
		})
		return
	}

	// Worker mode: run the configured hunt until interrupted
	if err := application.Orchestrator.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start orchestrator")
		os.Exit(1)
	}

	logger.Info().Msg("Venari running - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
	application.Orchestrator.Stop()
	logger.Info().Msg("Venari stopped")
}

// runOneShot starts the workers, runs the enqueue step and waits until
// both queues drain or a signal arrives
func runOneShot(ctx context.Context, application *app.App, enqueue func() error) {
	if err := application.Orchestrator.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start orchestrator")
		os.Exit(1)
	}
	defer application.Orchestrator.Stop()

	if err := enqueue(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to enqueue work")
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- application.Orchestrator.WaitForDrain(drainCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error().Err(err).Msg("Drain wait ended early")
		} else {
			logger.Info().Msg("All queued work processed")
		}
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	}
}
