package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelpejol/ctmeter/internal/grpcserver"
	"github.com/kelpejol/ctmeter/internal/httpapi"
	"github.com/kelpejol/ctmeter/internal/telemetry"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "Use the in-memory store instead of PostgreSQL")
	return cmd
}

func serve() error {
	logger.Info().
		Str("environment", cfg.App.Environment).
		Str("grpc_port", cfg.GRPC.Port).
		Str("http_port", cfg.HTTP.Port).
		Msg("starting ctmeter")

	shutdownTracer, err := telemetry.InitTracer(cfg.App.Name, Version, cfg.Telemetry.Exporter, cfg.Telemetry.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, inMemory)
	if err != nil {
		return err
	}
	defer a.close()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = a.prepare(initCtx)
	cancel()
	if err != nil {
		return err
	}

	if cfg.Billing.InternalToken == "" {
		logger.Warn().Msg("BILLING_INTERNAL_TOKEN is empty, internal routes are disabled")
	}
	api := httpapi.New(httpapi.Deps{
		Ledger:        a.ledger,
		Wallet:        a.wallet,
		Settings:      a.settings,
		Calibration:   a.calibration,
		Seeder:        a.seeder,
		Recommender:   a.recommender,
		Ready:         a.ping,
		Gatherer:      a.registry,
		InternalToken: cfg.Billing.InternalToken,
	}, logger)
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	grpcServer := grpcserver.New(logger, cfg.App.Development())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		grpcServer.Watch(gctx, 10*time.Second, a.ping)
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
		if err != nil {
			return fmt.Errorf("failed to listen on grpc port: %w", err)
		}
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTP.Port).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown signal received, starting graceful shutdown")
		} else {
			logger.Error().Msg("server failed, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		grpcServer.Stop()
		logger.Info().Msg("grpc server stopped")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}
