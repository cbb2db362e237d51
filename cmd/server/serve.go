package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-workflow/internal/handler"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
	"github.com/pesio-ai/be-plt-workflow/internal/workflowpb"
)

var flagStepsFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagStepsFile, "steps-file", "", "YAML step catalog imported at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage).
		Msg("Starting Workflow Service")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if flagStepsFile != "" {
		f, err := os.Open(flagStepsFile)
		if err != nil {
			return fmt.Errorf("open steps file: %w", err)
		}
		res, err := a.steps.ImportSteps(ctx, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("import steps: %w", err)
		}
		log.Info().Int("created", res.Created).Int("updated", res.Updated).Msg("Step catalog loaded")
	}

	// Warm both snapshots so the first requests do not pay for the load.
	if err := a.steps.Reload(ctx); err != nil {
		return fmt.Errorf("load step catalog: %w", err)
	}
	if err := a.matcher.Refresh(ctx, service.TriggerStartup); err != nil {
		return fmt.Errorf("load abac rules: %w", err)
	}
	go a.steps.Run(ctx, cfg.ABAC.RefreshInterval)
	go a.matcher.Run(ctx, cfg.ABAC.RefreshInterval)

	sub, err := a.bus.Subscribe(func(kind service.ChangeKind) {
		var err error
		switch kind {
		case service.ChangeRules:
			err = a.matcher.Refresh(ctx, service.TriggerRemote)
		case service.ChangeSteps:
			err = a.steps.Reload(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("Refresh after remote change failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to change bus: %w", err)
	}
	if sub != nil {
		defer sub.Unsubscribe()
	}

	verifier := identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if verifier.TrustsHeaders() {
		log.Warn().Msg("JWT_SECRET not set; trusting X-User-* headers for identity")
	}

	// HTTP
	httpHandler := handler.NewHTTPHandler(a.executor, a.steps, a.audit, a.rules, a.matcher, log)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpHandler.Router(handler.RouterConfig{
			Verifier:       verifier,
			AdminRole:      cfg.Auth.AdminRole,
			RequestTimeout: cfg.Server.RequestTimeout,
			Gatherer:       a.registry,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryInterceptors(log.Logger, verifier, a.matcher)...,
	))
	workflowpb.RegisterWorkflowServiceServer(grpcServer,
		handler.NewGRPCHandler(a.executor, a.steps, a.audit, a.matcher, cfg.Auth.AdminRole, log.Logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(workflowpb.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
			cancel()
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()
	cancel()

	log.Info().Msg("Server stopped")
	return nil
}
