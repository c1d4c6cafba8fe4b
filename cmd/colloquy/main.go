// Command colloquy is the main entry point for the Colloquy conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/colloquyhq/colloquy/internal/app"
	"github.com/colloquyhq/colloquy/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", "", "optional .env file with credential overrides")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Credentials usually live in a .env file next to the config rather than
	// in the YAML itself. A missing default .env is not an error.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "colloquy: load env file %q: %v\n", *envFile, err)
			return 1
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "colloquy: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "colloquy: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "colloquy: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("colloquy starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Colloquy — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Runtime", summaryRuntime(cfg))
	printRow("Embeddings", string(cfg.Embeddings.Provider))
	printRow("Sessions", summaryStore(cfg.Storage.PostgresDSN))
	printRow("Vectors", summaryStore(cfg.Storage.VectorDSN))
	printRow("Personas", summaryPersonas(cfg))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryRuntime(cfg *config.Config) string {
	if cfg.Runtime.Mode != config.ModeLive {
		return "stub"
	}
	value := cfg.Runtime.Defaults.Provider
	if cfg.Runtime.Defaults.Model != "" {
		value += " / " + cfg.Runtime.Defaults.Model
	}
	return value
}

func summaryStore(dsn string) string {
	if dsn == "" {
		return "in-memory"
	}
	return "postgres"
}

func summaryPersonas(cfg *config.Config) string {
	switch {
	case cfg.Personas.File != "" && cfg.Personas.Reload:
		return "file (watched)"
	case cfg.Personas.File != "":
		return "file"
	case cfg.Storage.PostgresDSN != "":
		return "postgres"
	default:
		return "(none)"
	}
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
