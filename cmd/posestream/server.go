package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"posestream/internal/config"
	"posestream/internal/database"
	"posestream/internal/handlers"
	"posestream/internal/inference"
	"posestream/internal/server"
	"posestream/internal/services"
)

func serverCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept streaming clients and answer with keypoints",
		Long: `Run the inference server.

Each client connection gets its own engine. Without --inference-url the
local centroid estimator is used. The gRPC port serves health checks and
the estimator itself; the HTTP port serves the status API.

Examples:
  posestream server
  posestream server --bind 0.0.0.0:10026 --inference-url model:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Mode = "server"
			return runServer(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Address for streaming clients")
	f.StringVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "gRPC health and estimator port, empty disables")
	f.StringVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP status port, empty disables")
	f.IntVar(&cfg.ModelWidth, "model-width", cfg.ModelWidth, "Model input width")
	f.IntVar(&cfg.ModelHeight, "model-height", cfg.ModelHeight, "Model input height")
	f.StringVar(&cfg.InferenceURL, "inference-url", cfg.InferenceURL, "Remote model service, empty for the local estimator")
	f.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL URL for the session audit, empty disables")

	return cmd
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	log.Println("Starting server...")
	log.Printf("Streaming: %s", cfg.BindAddr)
	log.Printf("gRPC port: %s", cfg.GRPCPort)
	log.Printf("HTTP port: %s", cfg.HTTPPort)
	log.Printf("Environment: %s", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := services.NewMetrics(reg)

	engines, err := inference.NewFactory(inference.Config{
		URL:    cfg.InferenceURL,
		Width:  cfg.ModelWidth,
		Height: cfg.ModelHeight,
	}, logger)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(metrics)}
	var sessions handlers.SessionLister
	if cfg.DatabaseURL != "" {
		log.Printf("Session audit: %s", cfg.DatabaseURLForLog())
		store, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer store.Close()
		opts = append(opts, server.WithRecorder(store))
		sessions = store
	}

	srv := server.New(server.Config{
		Addr:        cfg.BindAddr,
		ModelWidth:  cfg.ModelWidth,
		ModelHeight: cfg.ModelHeight,
		Limits:      cfg.Limits(),
		Version:     version,
	}, engines, opts...)

	g, gctx := errgroup.WithContext(ctx)

	var grpcServer *grpc.Server
	var stopHealth func()
	if cfg.GRPCPort != "" {
		engine, err := engines()
		if err != nil {
			return fmt.Errorf("create estimator engine: %w", err)
		}
		defer engine.Close()

		maxMsg := cfg.MaxMessageSizeMB << 20
		grpcServer = grpc.NewServer(
			grpc.MaxRecvMsgSize(maxMsg),
			grpc.MaxSendMsgSize(maxMsg),
		)
		handlers.NewEstimatorHandler(engine, metrics).Register(grpcServer)
		hs := handlers.RegisterHealth(grpcServer)
		stopHealth = hs.Shutdown

		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		log.Printf("gRPC server listening on port %s", cfg.GRPCPort)
		g.Go(func() error { return grpcServer.Serve(lis) })
	}

	var httpServer *http.Server
	if cfg.HTTPPort != "" {
		api := handlers.NewStatusAPI(srv, metrics, sessions, reg, cfg.StatusPasswordHash)
		httpServer = &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      api.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("REST API:   http://localhost:%s/api/*", cfg.HTTPPort)
		g.Go(func() error {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		shutdown(logger, srv, grpcServer, stopHealth, httpServer)
		return nil
	})

	err = g.Wait()
	log.Println("Goodbye!")
	return err
}

func shutdown(logger *slog.Logger, srv *server.Server, grpcServer *grpc.Server, stopHealth func(), httpServer *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("streaming sessions did not finish", "error", err)
	}

	if grpcServer != nil {
		stopHealth()
		stopped := make(chan struct{})
		go func() {
			log.Println("Stopping gRPC server...")
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			log.Println("gRPC server stopped")
		case <-shutdownCtx.Done():
			log.Println("Forced gRPC shutdown")
			grpcServer.Stop()
		}
	}

	if httpServer != nil {
		log.Println("Stopping HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		} else {
			log.Println("HTTP server gracefully stopped")
		}
	}
}
