// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tether-daemon is the long-running process that owns terminal
// sessions. It allocates a PTY per session, retains bounded
// scrollback, matches registered patterns against output, and serves
// the websocket endpoint clients attach through.
//
// Sessions outlive their clients. A disconnect loses nothing: the
// daemon keeps reading the PTY into the scrollback buffer, and a
// reconnecting client replays the buffer or, with a sequence
// watermark, just the bytes it missed.
//
// On startup:
//  1. Loads configuration from --config (or $TETHER_CONFIG).
//  2. Creates the state directories under the configured root.
//  3. Restores saved session records and persisted patterns.
//  4. Opens the audit stream when auditing is enabled.
//  5. Serves the websocket, REST, and metrics endpoints until
//     signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/tether/audit"
	"github.com/bureau-foundation/tether/gateway"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/process"
	"github.com/bureau-foundation/tether/lib/version"
	"github.com/bureau-foundation/tether/pipeline"
	"github.com/bureau-foundation/tether/restrict"
	"github.com/bureau-foundation/tether/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		verbose     bool
		printConfig bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to the tether.yaml config file (default: $TETHER_CONFIG)")
	flag.StringVar(&listen, "listen", "", "listen address override (host:port)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&printConfig, "print-config", false, "print the default configuration as YAML and exit")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tether-daemon %s\n", version.Info())
		return nil
	}
	if printConfig {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if listen != "" {
		cfg.Listen.Address = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("creating state directories: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := store.New(cfg.Paths.Sessions)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Paths.Audit, time.Now(), logger)
		if err != nil {
			return fmt.Errorf("opening audit stream: %w", err)
		}
		logger.Info("audit stream open", "path", auditLog.Path())
	}

	var profiles map[string]restrict.Policy
	if cfg.Restrict.ProfilesFile != "" {
		profiles, err = restrict.LoadProfiles(cfg.Restrict.ProfilesFile)
		if err != nil {
			return fmt.Errorf("loading restriction profiles: %w", err)
		}
		logger.Info("restriction profiles loaded",
			"path", cfg.Restrict.ProfilesFile,
			"count", len(profiles),
		)
	}

	processors, filters, err := buildPipeline(cfg)
	if err != nil {
		return fmt.Errorf("building output pipeline: %w", err)
	}

	g := gateway.New(gateway.Config{
		DefaultShell:       cfg.Sessions.DefaultShell,
		DefaultCols:        cfg.Sessions.DefaultCols,
		DefaultRows:        cfg.Sessions.DefaultRows,
		ScrollbackCapacity: cfg.Sessions.ScrollbackSize,
		IdleThreshold:      cfg.IdleThreshold(),
		SaveDebounce:       cfg.SaveDebounce(),
		SocketPath:         cfg.Listen.SocketPath,
		MetricsPath:        cfg.Listen.MetricsPath,
		PersistPath:        cfg.Paths.Patterns,
		Store:              sessions,
		Processors:         processors,
		Filters:            filters,
		Profiles:           profiles,
		Audit:              auditLog,
		Logger:             logger,
	})

	// State persisted by a previous run.
	records, err := sessions.LoadAll()
	if err != nil {
		logger.Warn("reading saved sessions", "error", err)
	} else {
		g.RestoreSessions(records)
	}
	if restored, err := g.RestorePatterns(); err != nil {
		logger.Warn("reading persisted patterns", "error", err)
	} else if restored > 0 {
		logger.Info("patterns restored", "count", restored)
	}

	serveErr := g.Serve(ctx, cfg.Listen.Address)

	// Serve returns when the listener fails or a signal cancels the
	// context. Either way the sessions are torn down, which writes
	// their final snapshots before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session teardown", "error", err)
	}
	if auditLog != nil {
		if err := auditLog.Close(); err != nil {
			logger.Warn("closing audit stream", "error", err)
		}
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	logger.Info("tether daemon stopped")
	return nil
}

// buildPipeline turns the config's pipeline section into the processor
// chain run on every output chunk. Validate has already checked the
// patterns and the window, so failures here are unexpected.
func buildPipeline(cfg *config.Config) ([]pipeline.Processor, []pipeline.Filter, error) {
	var processors []pipeline.Processor
	for i, rule := range cfg.Pipeline.Redact {
		expression, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("redact rule %d: %w", i, err)
		}
		name := fmt.Sprintf("redact-%d", i)
		processors = append(processors, pipeline.Redact(name, expression, rule.Replacement))
	}
	if cfg.Pipeline.RateLimitBytes > 0 {
		window := cfg.RateLimitWindow()
		if window <= 0 {
			return nil, nil, fmt.Errorf("rate limit window %q is not positive", cfg.Pipeline.RateLimitWindow)
		}
		processors = append(processors,
			pipeline.RateLimit("rate-limit", clock.Real(), cfg.Pipeline.RateLimitBytes, window))
	}
	var filters []pipeline.Filter
	if cfg.Pipeline.DropEmpty {
		filters = append(filters, pipeline.DropEmpty())
	}
	return processors, filters, nil
}
