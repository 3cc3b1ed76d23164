package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/dasmlab/textbundle/pkg/queue"
	"github.com/dasmlab/textbundle/pkg/server"
	"github.com/dasmlab/textbundle/pkg/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: HTTP endpoints, gRPC health and a background queue worker",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger.WithFields(logrus.Fields{
		"http_port":  cfg.Server.HTTPPort,
		"grpc_port":  cfg.Server.GRPCPort,
		"env":        cfg.Env,
		"provider":   cfg.Translate.Provider,
		"background": cfg.Queue.Background,
		"log_level":  logger.GetLevel().String(),
	}).Info("Starting textbundle server")

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	translator, err := a.translator()
	if err != nil {
		return fmt.Errorf("create translator: %w", err)
	}

	healthCtx, healthCancel := context.WithTimeout(ctx, 10*time.Second)
	logger.Info("Checking translator health...")
	if err := translator.CheckHealth(healthCtx); err != nil {
		logger.WithError(err).Warn("Translator health check failed, but continuing anyway")
		logger.Warn("Queue jobs may be retried until the translator is ready")
	} else {
		logger.Info("Translator health check passed")
	}
	healthCancel()

	processor, err := a.processor(translator, queue.Scope{}, 0)
	if err != nil {
		return err
	}
	assembler, err := a.assembler()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on grpc port %d: %w", cfg.Server.GRPCPort, err)
	}

	// Client pings every 30s at most, so allow one every 15s.
	opts := []grpc.ServerOption{
		grpc.Creds(insecure.NewCredentials()),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             15 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               10 * time.Second,
		}),
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	httpServer := server.NewHTTPServer(server.Deps{
		DB:        a.db,
		Queue:     a.queue,
		Runner:    processor,
		Tokens:    a.tokens,
		Assembler: assembler,
	}, logger, cfg.Server.HTTPPort)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	var wg sync.WaitGroup

	// Health follows the database.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		serving := true
		for {
			select {
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(bgCtx, 5*time.Second)
				err := a.db.PingContext(pingCtx)
				cancel()
				if ok := err == nil; ok != serving {
					serving = ok
					status := grpc_health_v1.HealthCheckResponse_SERVING
					if !ok {
						status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
						logger.WithError(err).Error("Database ping failed, reporting NOT_SERVING")
					} else {
						logger.Info("Database reachable again, reporting SERVING")
					}
					healthServer.SetServingStatus("", status)
				}
			case <-bgCtx.Done():
				return
			}
		}
	}()

	// Queue depth every minute.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats, err := a.queue.Stats(bgCtx)
				if err != nil {
					if bgCtx.Err() == nil {
						logger.WithError(err).Warn("Failed to read queue stats")
					}
					continue
				}
				logger.WithFields(logrus.Fields{
					"queued":     stats.Queued,
					"processing": stats.Processing,
					"failed":     stats.Failed,
					"ignored":    stats.Ignored,
					"eligible":   stats.Eligible,
				}).Debug("Queue metrics")
			case <-bgCtx.Done():
				return
			}
		}
	}()

	if cfg.Queue.Background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(bgCtx, service.RunOptions{
				PollInterval: cfg.Queue.PollInterval,
				IdleJitter:   cfg.Queue.IdleJitter,
			})
		}()
	}

	errChan := make(chan error, 2)
	go func() {
		logger.WithFields(logrus.Fields{
			"port": cfg.Server.GRPCPort,
		}).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("failed to serve grpc: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errChan:
		logger.WithError(serveErr).Error("Server error, shutting down")
	case <-ctx.Done():
		logger.Info("Received signal, shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	bgCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("Server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Graceful shutdown timeout, forcing stop...")
		grpcServer.Stop()
	}
	return serveErr
}
