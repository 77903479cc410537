package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrpan/nodesource/internal/otel"
	"github.com/terrpan/nodesource/internal/server"
)

func serveCmd() *cobra.Command {
	var acquireOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the node source API",
		Long: `Serve the node source HTTP API. On exit (SIGINT/SIGTERM) the node
source is shut down, which removes the infrastructure when
nodesource.destroy_on_shutdown is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, acquireOnStart)
		},
	}

	cmd.Flags().BoolVar(&acquireOnStart, "acquire", false, "Acquire nodes once at startup")
	return cmd
}

func serve(ctx context.Context, acquireOnStart bool) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()
		logger.Warn("could not get hostname, using uuid",
			slog.String("fallback", hostname),
			slog.String("error", err.Error()),
		)
	}
	logger = logger.With(slog.String("host", hostname))

	// ---------------------------------------------------------------
	// 2. Telemetry
	// ---------------------------------------------------------------
	sdk, err := otel.SetupOTelSDK(ctx, "nodesource", cfg.NewOTelConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := sdk.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Connector gateway + node source
	// ---------------------------------------------------------------
	gw, err := cfg.NewGateway(logger.WithGroup("connector"))
	if err != nil {
		return fmt.Errorf("creating connector gateway: %w", err)
	}

	ns, err := cfg.NewNodeSource(gw, logger.WithGroup("nodesource"))
	if err != nil {
		return fmt.Errorf("creating node source: %w", err)
	}

	logger.Info("node source ready",
		slog.String("infrastructureId", ns.InfrastructureID()),
		slog.String("backend", ns.BackendType()),
		slog.Bool("destroyOnShutdown", *cfg.NodeSource.DestroyOnShutdown),
	)

	defer func() {
		logger.Info("shutting down node source", slog.String("infrastructureId", ns.InfrastructureID()))
		if err := ns.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shut down node source",
				slog.String("infrastructureId", ns.InfrastructureID()),
				slog.String("error", err.Error()),
			)
		}
	}()

	// ---------------------------------------------------------------
	// 4. Optional initial acquisition
	// ---------------------------------------------------------------
	if acquireOnStart {
		ids, err := ns.AcquireNodes(ctx)
		if err != nil {
			return fmt.Errorf("acquiring nodes: %w", err)
		}
		logger.Info("nodes acquired", slog.Any("instances", ids))
	}

	// ---------------------------------------------------------------
	// 5. Serve
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		NodeSource:      ns,
		MetricsHandler:  sdk.MetricsHandler,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger.WithGroup("api"),
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serving API: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}
