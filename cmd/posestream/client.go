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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"posestream/internal/camera"
	"posestream/internal/client"
	"posestream/internal/config"
	"posestream/internal/models"
	"posestream/internal/render"
	"posestream/internal/services"
)

func clientCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Capture frames and stream them to a server",
		Long: `Run the streaming client.

Frames come from /dev/video<N> or, with --source pattern, from a synthetic
moving gradient. Keypoints are logged once a second and pushed to websocket
viewers when --viewer is set.

Examples:
  posestream client --device 0
  posestream client --source pattern --connect 10.0.0.5:10026 --viewer :8090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Mode = "client"
			return runClient(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ConnectAddr, "connect", cfg.ConnectAddr, "Server address")
	f.StringVar(&cfg.Source, "source", cfg.Source, "camera or pattern")
	f.IntVar(&cfg.DeviceIndex, "device", cfg.DeviceIndex, "Camera index N of /dev/videoN")
	f.IntVar(&cfg.CaptureWidth, "width", cfg.CaptureWidth, "Capture width")
	f.IntVar(&cfg.CaptureHeight, "height", cfg.CaptureHeight, "Capture height")
	f.IntVar(&cfg.CaptureFPS, "fps", cfg.CaptureFPS, "Capture frame rate")
	f.IntVar(&cfg.CaptureBuffers, "buffers", cfg.CaptureBuffers, "Kernel capture buffers")
	f.StringVar(&cfg.CaptureEncoding, "encoding", cfg.CaptureEncoding, "Camera pixel format, yuv422 or rgb24")
	f.IntVar(&cfg.WireWidth, "wire-width", cfg.WireWidth, "Letterbox frames to this width before sending, 0 keeps capture size")
	f.IntVar(&cfg.WireHeight, "wire-height", cfg.WireHeight, "Letterbox frames to this height before sending")
	f.BoolVar(&cfg.Mirror, "mirror", cfg.Mirror, "Flip frames horizontally")
	f.Float64Var(&cfg.ConfidenceThreshold, "threshold", cfg.ConfidenceThreshold, "Minimum keypoint confidence to render")
	f.StringVar(&cfg.ViewerAddr, "viewer", cfg.ViewerAddr, "Serve websocket viewers on this address, empty disables")
	f.StringVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "Server gRPC port to probe before streaming, empty skips")

	return cmd
}

func runClient(cfg *config.Config) error {
	logger := newLogger(cfg)

	log.Println("Starting client...")
	log.Printf("Server: %s", cfg.ConnectAddr)
	log.Printf("Source: %s", cfg.Source)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probeServer(ctx, cfg)

	source, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)

	renderers := []render.Renderer{render.NewLog(logger, cfg.CaptureFPS)}
	var viewerServer *http.Server
	if cfg.ViewerAddr != "" {
		hub := render.NewHub(metrics)
		defer hub.Close()
		renderers = append(renderers, hub)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle("/ws", hub)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		viewerServer = &http.Server{Addr: cfg.ViewerAddr, Handler: r}
		log.Printf("WebSocket:  ws://%s/ws", cfg.ViewerAddr)
		go func() {
			if err := viewerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("viewer server failed", "error", err)
			}
		}()
	}

	c := client.New(client.Config{
		Addr:        cfg.ConnectAddr,
		WireWidth:   cfg.WireWidth,
		WireHeight:  cfg.WireHeight,
		Mirror:      cfg.Mirror,
		Threshold:   float32(cfg.ConfidenceThreshold),
		DialTimeout: 5 * time.Second,
		Limits:      cfg.Limits(),
	}, source, render.Multi(renderers...), logger)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Println("Shutting down...")
		// Closing the source ends a capture wait, interrupting the
		// connection ends a network wait.
		source.Close()
		c.Interrupt()
		<-done
		err = nil
	}

	if viewerServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		viewerServer.Shutdown(shutdownCtx)
	}
	stats := c.Stats()
	log.Printf("Streamed %d frames, last round trip %s", stats.Frames, stats.LastRoundTrip)
	return err
}

func openSource(cfg *config.Config, logger *slog.Logger) (client.FrameSource, error) {
	if cfg.Source == "pattern" {
		p, err := camera.NewPattern(cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFPS)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	enc, err := models.ParseEncoding(cfg.CaptureEncoding)
	if err != nil {
		return nil, err
	}
	dev, err := camera.Setup(camera.Settings{
		Index:    cfg.DeviceIndex,
		Width:    cfg.CaptureWidth,
		Height:   cfg.CaptureHeight,
		Encoding: enc,
		FPS:      cfg.CaptureFPS,
		Buffers:  cfg.CaptureBuffers,
	}, logger)
	if errors.Is(err, camera.ErrUnsupported) {
		return nil, fmt.Errorf("%w: use --source pattern on this platform", err)
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// probeServer asks the server's gRPC health service whether it is serving.
// Streaming goes ahead either way.
func probeServer(ctx context.Context, cfg *config.Config) {
	if cfg.GRPCPort == "" {
		return
	}
	host, _, err := net.SplitHostPort(cfg.ConnectAddr)
	if err != nil {
		return
	}
	hc, err := services.NewHealthClient(net.JoinHostPort(host, cfg.GRPCPort))
	if err != nil {
		log.Printf("Health service unavailable: %v", err)
		return
	}
	defer hc.Close()
	if !hc.HealthCheck(ctx) {
		log.Println("Server health check failed, streaming anyway")
	}
}
