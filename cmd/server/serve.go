package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/docpipe/backend/internal/analysis"
	"github.com/docpipe/backend/internal/api"
	"github.com/docpipe/backend/internal/configs"
	"github.com/docpipe/backend/internal/seed"
	"github.com/docpipe/backend/internal/storage"
	"github.com/docpipe/backend/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server (default command)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	logger := a.logger

	a.ensureBucket(ctx)

	if cfg.Advanced.SeedSampleData {
		if _, err := seed.Run(ctx, a.files, logger, time.Now()); err != nil {
			logger.Warn("failed to seed sample data", "error", err)
		}
	}

	hub := api.NewHub(logger.With("component", "websocket"), int64(cfg.Advanced.WebSocketMaxMessageSize)*1024)
	manager := analysis.NewManager(a.kv, a.files, analysis.Config{
		CompletionDelay:   cfg.CompletionDelay(),
		EstimatedDuration: cfg.EstimatedDuration(),
	},
		analysis.WithLogger(logger.With("component", "analysis")),
		analysis.WithMetrics(a.metrics),
		analysis.WithNotifier(hub),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Configure middleware
	api.SetupMiddleware(e, api.MiddlewareConfig{
		Logger:         logger.With("component", "http"),
		ExposeDetails:  cfg.Advanced.ExposeErrorDetails,
		RequestLogging: cfg.Advanced.EnableRequestLogging,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   api.SplitOrigins(cfg.Server.AllowOrigins),
	})

	// signed downloads are served here only for objects on local disk
	var objects api.ObjectServer
	if local, ok := a.objects.(*storage.LocalStore); ok {
		objects = local
	}

	var auth echo.MiddlewareFunc
	if cfg.Security.RequireAuth {
		auth = api.NewAuthMiddleware(cfg.Security.AuthToken)
	}

	handlers := api.NewHandlers(&api.Dependencies{
		Files:   a.files,
		Configs: configs.NewRegistry(a.kv, configs.WithLogger(logger.With("component", "configs"))),
		Jobs:    manager,
		Objects: objects,
		Hub:     hub,
		Store:   a.kv,
		Version: Version,
	})
	api.RegisterRoutes(e, handlers, cfg.BasePath(), auth)

	// Register embedded frontend if available
	embeddedMode := web.HasEmbeddedFiles()
	if embeddedMode {
		if err := web.RegisterStaticRoutes(e, cfg.BasePath()); err != nil {
			logger.Warn("failed to register static routes", "error", err)
			embeddedMode = false
		}
	}

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(a, embeddedMode)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("analysis shutdown failed", "error", err)
	}
	hub.Close()
	return nil
}

func printBanner(a *app, embeddedMode bool) {
	cfg := a.cfg
	mode := "API only"
	if embeddedMode {
		mode = "Embedded UI"
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           DocPipe Server                                  ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Mode:       %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", a.configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  API:       %-46s║\n", cfg.PublicAPIURL())
	fmt.Printf("║  Metadata:  %-46s║\n", cfg.KV.Backend)
	fmt.Printf("║  Storage:   %-46s║\n", cfg.Storage.Backend+" ("+cfg.Storage.Bucket+")")
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if embeddedMode {
		fmt.Printf("Open http://localhost:%d in your browser\n\n", cfg.Server.Port)
	}
}
