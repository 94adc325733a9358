// FlowCatalyst Dispatch Router
//
// Standalone router binary for production deployments. Consumes
// dispatch messages from the configured queue (embedded, NATS, SQS or
// ActiveMQ) and delivers them to processing endpoints via HTTP
// mediation, with optional scheduling and standby election.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/runtime"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML settings file (skips the search path)")
	writeConfig := flag.String("write-config", "", "write a commented example settings file and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	setupLogging()

	if *showVersion {
		fmt.Printf("flowcatalyst-router %s (built %s)\n", version, buildTime)
		return
	}

	if *writeConfig != "" {
		if err := config.WriteExampleConfig(*writeConfig); err != nil {
			slog.Error("Failed to write example config", "path", *writeConfig, "error", err)
			os.Exit(1)
		}
		slog.Info("Wrote example config", "path", *writeConfig)
		return
	}

	slog.Info("Starting FlowCatalyst Dispatch Router",
		"version", version,
		"build_time", buildTime)

	ctx := context.Background()

	// ========================================
	// 1. CONFIGURATION
	// ========================================
	// LoadWithFile honors FLOWCATALYST_CONFIG, so the flag just pins it.
	if *configPath != "" {
		os.Setenv("FLOWCATALYST_CONFIG", *configPath)
	}
	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 2. SECRET RESOLUTION
	// ========================================
	provider, err := secrets.NewProvider(ctx, &cfg.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	if err := cfg.ResolveSecrets(ctx, provider); err != nil {
		slog.Error("Failed to resolve secret references", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. RUNTIME ASSEMBLY
	// ========================================
	rt, err := runtime.Build(ctx, cfg)
	if err != nil {
		slog.Error("Failed to assemble router", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 4. RUN UNTIL SHUTDOWN
	// ========================================
	if err := rt.Run(ctx); err != nil {
		slog.Error("Router failed", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Dispatch Router stopped")
}

// setupLogging configures the slog default logger. The config file is
// not loaded yet, so the level comes from the environment alone.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
