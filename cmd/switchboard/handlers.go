package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/switchboard/internal/app"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/pipeline/stages"
	"github.com/haasonsaas/switchboard/internal/platform"
	"github.com/haasonsaas/switchboard/internal/platform/websocket"
	"github.com/haasonsaas/switchboard/internal/rag"
)

// runServe loads the configuration, starts the gateway and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)
	logger.Info("starting switchboard",
		"version", version,
		"commit", commit,
		"config", configPath,
		"bots", len(cfg.Bots),
		"pipelines", len(cfg.Pipelines),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	var metricsServer *http.Server
	if !cfg.Metrics.Disabled {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           gateway.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	runErr := gateway.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("switchboard stopped gracefully")
	return nil
}

// runValidate loads the configuration and builds every pipeline and bot
// adapter without starting anything.
func runValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var errs []error
	registry := stages.NewRegistry(stages.Deps{})
	for _, def := range cfg.Pipelines {
		if _, err := pipeline.NewRuntimePipeline(def, registry, pipeline.Services{}); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", def.UUID, err))
		}
	}

	known := map[string]bool{}
	for _, p := range cfg.Pipelines {
		known[p.UUID] = true
	}
	adapters := app.DefaultAdapters()
	quiet := slog.New(slog.DiscardHandler)
	for _, bot := range cfg.Bots {
		if !bot.IsEnabled() {
			continue
		}
		if !known[bot.PipelineUUID] {
			errs = append(errs, fmt.Errorf("bot %s: pipeline %q is not defined", bot.UUID, bot.PipelineUUID))
		}
		if _, err := adapters.New(bot.Adapter, bot.Config, quiet); err != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", bot.UUID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(out, "Configuration OK: %d bots, %d pipelines, %d models, %d MCP servers\n",
		len(cfg.Bots), len(cfg.Pipelines), len(cfg.Models), len(cfg.MCPServers))
	return nil
}

// runPipelines prints every pipeline with its stage order.
func runPipelines(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tNAME\tRUNNER\tSTAGES")
	for _, p := range cfg.Pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UUID, p.Name, p.Config.AI.Runner.Runner, strings.Join(p.StageNames(), " > "))
	}
	return w.Flush()
}

// runToken signs a web chat token with the jwt_secret of a websocket bot.
func runToken(cmd *cobra.Command, configPath, botUUID, userID, name string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for _, bot := range cfg.Bots {
		if bot.UUID != botUUID {
			continue
		}
		if bot.Adapter != websocket.Kind {
			return fmt.Errorf("bot %s uses the %s adapter, not %s", botUUID, bot.Adapter, websocket.Kind)
		}
		var wsCfg websocket.Config
		if err := platform.DecodeConfig(bot.Config, &wsCfg); err != nil {
			return err
		}
		if err := wsCfg.Validate(); err != nil {
			return err
		}
		token, err := websocket.IssueToken(wsCfg.JWTSecret, userID, name, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}
	return fmt.Errorf("bot %q is not configured", botUUID)
}

// runIngest builds the gateway without starting bots and feeds files into
// an internal knowledge base.
func runIngest(cmd *cobra.Command, configPath, kbUUID, fileID string, paths []string) error {
	if fileID != "" && len(paths) > 1 {
		return errors.New("--id can only be used with a single file")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	gateway, err := app.New(ctx, cfg, app.Options{Logger: slog.Default()})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gateway.Shutdown(shutdownCtx)
	}()
	return ingestFiles(ctx, cmd, gateway.Knowledge(), kbUUID, fileID, paths)
}

func ingestFiles(ctx context.Context, cmd *cobra.Command, knowledge *rag.Manager, kbUUID, fileID string, paths []string) error {
	kb, err := knowledge.Get(kbUUID)
	if err != nil {
		return err
	}
	internal, ok := kb.(*rag.Internal)
	if !ok {
		return fmt.Errorf("knowledge base %s is not internal", kbUUID)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		id := fileID
		if id == "" {
			id = filepath.Base(path)
		}
		n, err := internal.IngestText(ctx, id, string(data))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", id, n)
	}
	return nil
}
